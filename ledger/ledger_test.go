//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package ledger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

func keys(t *testing.T, names ...wire.Identity) (map[wire.Identity]*KeyService, *Directory) {
	t.Helper()
	out := make(map[wire.Identity]*KeyService, len(names))
	var parties []Party
	for i, name := range names {
		k, err := GenerateKeyService(name, bytes.Repeat([]byte{byte(i + 1)}, 32))
		require.NoError(t, err)
		out[name] = k
		parties = append(parties, k.Party())
	}
	return out, NewDirectory("N", parties...)
}

func sampleTx() WireTransaction {
	return WireTransaction{
		Inputs:   []StateRef{{TxID: SecureHash{1}, Index: 0}},
		Commands: []Command{{Name: "Move", Signers: []wire.Identity{"C", "A", "B", "A"}}},
		Notary:   "N",
	}
}

func TestTransactionID(t *testing.T) {
	tx := sampleTx()
	assert.Equal(t, tx.ID(), sampleTx().ID())

	other := sampleTx()
	other.Inputs[0].Index = 1
	assert.NotEqual(t, tx.ID(), other.ID())

	noNotary := sampleTx()
	noNotary.Notary = ""
	assert.NotEqual(t, tx.ID(), noNotary.ID())

	parsed, err := ParseHash(tx.ID().String())
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), parsed)
	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

func TestParseStateRef(t *testing.T) {
	ref := StateRef{TxID: sampleTx().ID(), Index: 3}
	got, err := ParseStateRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	for _, bad := range []string{"", "abcd(1)", ref.TxID.String(), ref.TxID.String() + "(x)", ref.TxID.String() + "(-1)"} {
		_, err := ParseStateRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestRequiredSigners(t *testing.T) {
	assert.Equal(t, []wire.Identity{"A", "B", "C"}, sampleTx().RequiredSigners())
}

func TestSignatures(t *testing.T) {
	ks, dir := keys(t, "A", "B", "C", "N")
	stx := SignedTransaction{Tx: sampleTx()}
	assert.Equal(t, []wire.Identity{"A", "B", "C"}, stx.Missing())

	stx = ks["A"].SignTransaction(stx)
	stx = ks["B"].SignTransaction(stx)
	require.NoError(t, stx.Verify(dir))
	assert.Error(t, stx.VerifyComplete(dir))
	assert.Equal(t, []wire.Identity{"C"}, stx.Missing())

	stx = ks["C"].SignTransaction(stx)
	require.NoError(t, stx.VerifyComplete(dir))

	again := ks["C"].SignTransaction(stx)
	assert.Len(t, again.Sigs, 3)

	forged := stx.WithSignature(Signature{By: "B", Bytes: ks["A"].Sign(stx.ID()).Bytes})
	assert.ErrorIs(t, forged.Verify(dir), ErrBadSignature)

	stranger := stx.WithSignature(Signature{By: "Z", Bytes: []byte{1}})
	assert.ErrorIs(t, stranger.Verify(dir), ErrUnknownParty)
}

func TestKeySeed(t *testing.T) {
	_, err := GenerateKeyService("A", []byte{1, 2})
	assert.Error(t, err)

	random, err := GenerateKeyService("A", nil)
	require.NoError(t, err)
	assert.Len(t, random.Party().Key, 32)
}

func TestVault(t *testing.T) {
	ks, _ := keys(t, "A", "B")
	v := NewVault()
	stx := ks["A"].SignTransaction(SignedTransaction{Tx: sampleTx()})

	assert.True(t, v.Record(stx))
	assert.False(t, v.Record(stx))
	assert.True(t, v.Record(ks["B"].SignTransaction(stx)))
	assert.False(t, v.Record(stx), "fewer signatures never replace more")

	got, err := v.Get(stx.ID())
	require.NoError(t, err)
	assert.Len(t, got.Sigs, 2)
	assert.Equal(t, []SecureHash{stx.ID()}, v.IDs())

	_, err = v.Get(SecureHash{9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUniqueness(t *testing.T) {
	u := NewUniqueness()
	tx := sampleTx()
	require.NoError(t, u.Commit(tx))
	require.NoError(t, u.Commit(tx), "recommitting the same transaction")

	conflicting := sampleTx()
	conflicting.Commands[0].Name = "Other"
	err := u.Commit(conflicting)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, tx.ID(), ce.ConsumedBy)
	assert.Equal(t, tx.Inputs[0], ce.Input)
}

func TestCodecRoundTrip(t *testing.T) {
	b := codec.NewBuilder()
	require.NoError(t, RegisterTypes(b))
	reg, err := b.Build()
	require.NoError(t, err)
	c := codec.New(reg)

	ks, _ := keys(t, "A")
	values := []any{
		SecureHash{7},
		StateRef{TxID: SecureHash{3}, Index: 2},
		sampleTx(),
		ks["A"].SignTransaction(SignedTransaction{Tx: sampleTx()}),
		&ConflictError{Input: StateRef{Index: 1}, ConsumedBy: SecureHash{2}},
	}
	for _, v := range values {
		data, err := c.Encode(v)
		require.NoError(t, err)
		got, err := c.DecodeAny(data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	stx, err := codec.Decode[SignedTransaction](c, mustEncode(t, c, values[3]))
	require.NoError(t, err)
	assert.Equal(t, sampleTx().ID(), stx.ID())
}

func mustEncode(t *testing.T, c *codec.Codec, v any) []byte {
	t.Helper()
	data, err := c.Encode(v)
	require.NoError(t, err)
	return data
}
