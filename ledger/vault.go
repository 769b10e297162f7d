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
	"sort"
	"sync"
)

// Vault records finalised transactions.
type Vault struct {
	mu  sync.RWMutex
	txs map[SecureHash]SignedTransaction
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{txs: make(map[SecureHash]SignedTransaction)}
}

// Record stores stx. Recording the same transaction again keeps the copy
// with more signatures and reports whether anything changed.
func (v *Vault) Record(stx SignedTransaction) bool {
	id := stx.ID()
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.txs[id]; ok {
		if len(cur.Sigs) >= len(stx.Sigs) {
			return false
		}
	}
	v.txs[id] = stx
	return true
}

// Get returns the transaction recorded under id.
func (v *Vault) Get(id SecureHash) (SignedTransaction, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	stx, ok := v.txs[id]
	if !ok {
		return SignedTransaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return stx, nil
}

// IDs returns the recorded ids in hex order.
func (v *Vault) IDs() []SecureHash {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]SecureHash, 0, len(v.txs))
	for id := range v.txs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ConflictError is returned by Uniqueness.Commit for an input already
// consumed by another transaction.
type ConflictError struct {
	Input      StateRef
	ConsumedBy SecureHash
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("input %s already consumed by %s", e.Input, e.ConsumedBy)
}

// Uniqueness is a single node uniqueness provider: it remembers which
// transaction consumed each input.
type Uniqueness struct {
	mu       sync.Mutex
	consumed map[StateRef]SecureHash
}

// NewUniqueness creates an empty provider.
func NewUniqueness() *Uniqueness {
	return &Uniqueness{consumed: make(map[StateRef]SecureHash)}
}

// Commit marks the inputs of tx consumed. Committing the same transaction
// twice succeeds; a conflicting one consumes nothing.
func (u *Uniqueness) Commit(tx WireTransaction) error {
	id := tx.ID()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, in := range tx.Inputs {
		if by, ok := u.consumed[in]; ok && by != id {
			return &ConflictError{Input: in, ConsumedBy: by}
		}
	}
	for _, in := range tx.Inputs {
		u.consumed[in] = id
	}
	return nil
}
