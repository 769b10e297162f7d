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
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// RegisterTypes whitelists the ledger values exchanged by flows.
func RegisterTypes(b *codec.Builder) error {
	regs := []func() error{
		func() error { return codec.Register(b, "ledger.SecureHash", WriteHash, ReadHash) },
		func() error { return codec.Register(b, "ledger.StateRef", WriteStateRef, ReadStateRef) },
		func() error { return codec.Register(b, "ledger.Signature", writeSignature, readSignature) },
		func() error { return codec.Register(b, "ledger.WireTransaction", writeWireTx, readWireTx) },
		func() error { return codec.Register(b, "ledger.SignedTransaction", WriteSignedTx, ReadSignedTx) },
		func() error { return codec.Register(b, "ledger.ConflictError", writeConflict, readConflict) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// WriteHash writes h without a type token.
func WriteHash(w *codec.Writer, h SecureHash) error { return w.WriteBytes(h[:]) }

// ReadHash reads a value written by WriteHash.
func ReadHash(r *codec.Reader) (SecureHash, error) {
	var h SecureHash
	b, err := r.ReadBytes()
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, &codec.MalformedWireDataError{Reason: fmt.Sprintf("hash of %d bytes", len(b))}
	}
	copy(h[:], b)
	return h, nil
}

// WriteStateRef writes ref without a type token.
func WriteStateRef(w *codec.Writer, ref StateRef) error {
	if err := WriteHash(w, ref.TxID); err != nil {
		return err
	}
	return w.WriteInt(ref.Index)
}

// ReadStateRef reads a value written by WriteStateRef.
func ReadStateRef(r *codec.Reader) (StateRef, error) {
	var ref StateRef
	var err error
	if ref.TxID, err = ReadHash(r); err != nil {
		return ref, err
	}
	ref.Index, err = r.ReadInt()
	return ref, err
}

func writeIdentities(w *codec.Writer, ids []wire.Identity) error {
	return codec.WriteSlice(w, ids, func(w *codec.Writer, id wire.Identity) error {
		return w.WriteString(string(id))
	})
}

func readIdentities(r *codec.Reader) ([]wire.Identity, error) {
	return codec.ReadSlice(r, func(r *codec.Reader) (wire.Identity, error) {
		s, err := r.ReadString()
		return wire.Identity(s), err
	})
}

func writeCommand(w *codec.Writer, c Command) error {
	if err := w.WriteString(c.Name); err != nil {
		return err
	}
	return writeIdentities(w, c.Signers)
}

func readCommand(r *codec.Reader) (Command, error) {
	var c Command
	var err error
	if c.Name, err = r.ReadString(); err != nil {
		return c, err
	}
	c.Signers, err = readIdentities(r)
	return c, err
}

func writeWireTx(w *codec.Writer, tx WireTransaction) error {
	if err := codec.WriteSlice(w, tx.Inputs, WriteStateRef); err != nil {
		return err
	}
	if err := codec.WriteSlice(w, tx.Commands, writeCommand); err != nil {
		return err
	}
	return w.WriteString(string(tx.Notary))
}

func readWireTx(r *codec.Reader) (WireTransaction, error) {
	var tx WireTransaction
	var err error
	if tx.Inputs, err = codec.ReadSlice(r, ReadStateRef); err != nil {
		return tx, err
	}
	if tx.Commands, err = codec.ReadSlice(r, readCommand); err != nil {
		return tx, err
	}
	notary, err := r.ReadString()
	tx.Notary = wire.Identity(notary)
	return tx, err
}

func writeSignature(w *codec.Writer, s Signature) error {
	if err := w.WriteString(string(s.By)); err != nil {
		return err
	}
	return w.WriteBytes(s.Bytes)
}

func readSignature(r *codec.Reader) (Signature, error) {
	var s Signature
	by, err := r.ReadString()
	if err != nil {
		return s, err
	}
	s.By = wire.Identity(by)
	s.Bytes, err = r.ReadBytes()
	return s, err
}

// WriteSignedTx writes stx without a type token, for flows that keep a
// transaction in their fields.
func WriteSignedTx(w *codec.Writer, stx SignedTransaction) error {
	if err := writeWireTx(w, stx.Tx); err != nil {
		return err
	}
	return codec.WriteSlice(w, stx.Sigs, writeSignature)
}

// ReadSignedTx reads a value written by WriteSignedTx.
func ReadSignedTx(r *codec.Reader) (SignedTransaction, error) {
	var stx SignedTransaction
	var err error
	if stx.Tx, err = readWireTx(r); err != nil {
		return stx, err
	}
	stx.Sigs, err = codec.ReadSlice(r, readSignature)
	return stx, err
}

func writeConflict(w *codec.Writer, e *ConflictError) error {
	if err := WriteStateRef(w, e.Input); err != nil {
		return err
	}
	return WriteHash(w, e.ConsumedBy)
}

func readConflict(r *codec.Reader) (*ConflictError, error) {
	in, err := ReadStateRef(r)
	if err != nil {
		return nil, err
	}
	by, err := ReadHash(r)
	if err != nil {
		return nil, err
	}
	return &ConflictError{Input: in, ConsumedBy: by}, nil
}
