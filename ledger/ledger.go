//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package ledger holds the transaction model the reference protocols
// exchange: parties, state references, commands and signed transactions.
// Contract semantics are out of scope; a transaction is only an id that
// parties sign.
package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/davecgh/go-xdr/xdr"

	"trpc.group/trpc-go/trpc-flow-go/wire"
)

var (
	// ErrUnknownParty is returned when a signer is not in the directory.
	ErrUnknownParty = errors.New("ledger: unknown party")
	// ErrBadSignature is returned for a signature that does not verify.
	ErrBadSignature = errors.New("ledger: invalid signature")
	// ErrNotFound is returned by Vault.Get for unknown transactions.
	ErrNotFound = errors.New("ledger: transaction not found")
)

// SecureHash is a SHA-256 digest.
type SecureHash [sha256.Size]byte

func (h SecureHash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h SecureHash) IsZero() bool { return h == SecureHash{} }

// ParseHash parses the hex form produced by String.
func ParseHash(s string) (SecureHash, error) {
	var h SecureHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("ledger: parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("ledger: parse hash: %d bytes", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Party is a network identity and the key it signs with.
type Party struct {
	Name wire.Identity
	Key  ed25519.PublicKey
}

// StateRef points at output Index of transaction TxID.
type StateRef struct {
	TxID  SecureHash
	Index int
}

func (r StateRef) String() string { return fmt.Sprintf("%s(%d)", r.TxID, r.Index) }

// ParseStateRef parses the form produced by StateRef.String.
func ParseStateRef(s string) (StateRef, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return StateRef{}, fmt.Errorf("ledger: parse state ref %q: want hash(index)", s)
	}
	h, err := ParseHash(s[:open])
	if err != nil {
		return StateRef{}, err
	}
	idx, err := strconv.Atoi(s[open+1 : len(s)-1])
	if err != nil || idx < 0 {
		return StateRef{}, fmt.Errorf("ledger: parse state ref %q: bad index", s)
	}
	return StateRef{TxID: h, Index: idx}, nil
}

// Command names an intent and the parties that must sign for it.
type Command struct {
	Name    string
	Signers []wire.Identity
}

// WireTransaction is the signed content of a transaction.
type WireTransaction struct {
	Inputs   []StateRef
	Commands []Command
	// Notary certifies that Inputs are consumed at most once. Empty when
	// the transaction is finalised without a notary.
	Notary wire.Identity
}

// canonicalTx is the XDR layout hashed into a transaction id.
type canonicalTx struct {
	Inputs   []canonicalRef
	Commands []canonicalCommand
	Notary   string
}

type canonicalRef struct {
	TxID  [sha256.Size]byte
	Index uint32
}

type canonicalCommand struct {
	Name    string
	Signers []string
}

// ID hashes the XDR encoding of tx.
func (tx WireTransaction) ID() SecureHash {
	c := canonicalTx{Notary: string(tx.Notary)}
	for _, in := range tx.Inputs {
		c.Inputs = append(c.Inputs, canonicalRef{TxID: in.TxID, Index: uint32(in.Index)})
	}
	for _, cmd := range tx.Commands {
		cc := canonicalCommand{Name: cmd.Name}
		for _, s := range cmd.Signers {
			cc.Signers = append(cc.Signers, string(s))
		}
		c.Commands = append(c.Commands, cc)
	}
	data, err := xdr.Marshal(c)
	if err != nil {
		// Every field has a fixed XDR mapping.
		panic(fmt.Sprintf("ledger: marshal transaction: %v", err))
	}
	return sha256.Sum256(data)
}

// RequiredSigners returns the signers of every command, sorted and
// deduplicated.
func (tx WireTransaction) RequiredSigners() []wire.Identity {
	seen := make(map[wire.Identity]struct{})
	var out []wire.Identity
	for _, cmd := range tx.Commands {
		for _, s := range cmd.Signers {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Signature is By's signature over a transaction id.
type Signature struct {
	By    wire.Identity
	Bytes []byte
}

// SignedTransaction is a transaction and the signatures collected so far.
type SignedTransaction struct {
	Tx   WireTransaction
	Sigs []Signature
}

// ID returns the id of the underlying transaction.
func (s SignedTransaction) ID() SecureHash { return s.Tx.ID() }

// WithSignature returns a copy of s carrying sig. A second signature from
// the same party replaces the first.
func (s SignedTransaction) WithSignature(sig Signature) SignedTransaction {
	out := SignedTransaction{Tx: s.Tx}
	for _, existing := range s.Sigs {
		if existing.By != sig.By {
			out.Sigs = append(out.Sigs, existing)
		}
	}
	out.Sigs = append(out.Sigs, sig)
	return out
}

// SignedBy reports whether s carries a signature from party.
func (s SignedTransaction) SignedBy(party wire.Identity) bool {
	for _, sig := range s.Sigs {
		if sig.By == party {
			return true
		}
	}
	return false
}

// Missing returns the required signers without a signature.
func (s SignedTransaction) Missing() []wire.Identity {
	var out []wire.Identity
	for _, p := range s.Tx.RequiredSigners() {
		if !s.SignedBy(p) {
			out = append(out, p)
		}
	}
	return out
}

// Verify checks every signature carried by s against dir.
func (s SignedTransaction) Verify(dir *Directory) error {
	id := s.ID()
	for _, sig := range s.Sigs {
		if err := dir.VerifySignature(id, sig); err != nil {
			return err
		}
	}
	return nil
}

// VerifyComplete checks the carried signatures and that no required signer
// is missing.
func (s SignedTransaction) VerifyComplete(dir *Directory) error {
	if err := s.Verify(dir); err != nil {
		return err
	}
	if missing := s.Missing(); len(missing) > 0 {
		return fmt.Errorf("ledger: transaction %s is missing signatures from %v", s.ID(), missing)
	}
	return nil
}

// Directory maps identities to keys. It stands in for the network map.
type Directory struct {
	parties map[wire.Identity]Party
	notary  wire.Identity
}

// NewDirectory creates a directory of parties. notary may be empty.
func NewDirectory(notary wire.Identity, parties ...Party) *Directory {
	d := &Directory{parties: make(map[wire.Identity]Party, len(parties)), notary: notary}
	for _, p := range parties {
		d.parties[p.Name] = p
	}
	return d
}

// Lookup returns the party named id.
func (d *Directory) Lookup(id wire.Identity) (Party, error) {
	p, ok := d.parties[id]
	if !ok {
		return Party{}, fmt.Errorf("%w: %s", ErrUnknownParty, id)
	}
	return p, nil
}

// Notary returns the network's notary, empty when there is none.
func (d *Directory) Notary() wire.Identity { return d.notary }

// VerifySignature checks sig over id.
func (d *Directory) VerifySignature(id SecureHash, sig Signature) error {
	p, err := d.Lookup(sig.By)
	if err != nil {
		return err
	}
	if !ed25519.Verify(p.Key, id[:], sig.Bytes) {
		return fmt.Errorf("%w: %s over %s", ErrBadSignature, sig.By, id)
	}
	return nil
}

// KeyService signs for the local party. It is a node-local service and is
// never checkpointed.
type KeyService struct {
	party Party
	priv  ed25519.PrivateKey
}

// NewKeyService wraps an existing key pair.
func NewKeyService(name wire.Identity, priv ed25519.PrivateKey) *KeyService {
	return &KeyService{
		party: Party{Name: name, Key: priv.Public().(ed25519.PublicKey)},
		priv:  priv,
	}
}

// GenerateKeyService creates a key pair for name from seed. A nil seed uses
// a random key.
func GenerateKeyService(name wire.Identity, seed []byte) (*KeyService, error) {
	if seed != nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("ledger: key seed for %s must be %d bytes", name, ed25519.SeedSize)
		}
		return NewKeyService(name, ed25519.NewKeyFromSeed(seed)), nil
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return NewKeyService(name, priv), nil
}

// Party returns the local party.
func (k *KeyService) Party() Party { return k.party }

// Sign signs id.
func (k *KeyService) Sign(id SecureHash) Signature {
	return Signature{By: k.party.Name, Bytes: ed25519.Sign(k.priv, id[:])}
}

// SignTransaction returns stx with the local signature added.
func (k *KeyService) SignTransaction(stx SignedTransaction) SignedTransaction {
	return stx.WithSignature(k.Sign(stx.ID()))
}
