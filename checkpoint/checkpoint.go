//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package checkpoint defines durable storage for suspended flow instances.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when no checkpoint exists for a run id.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("checkpoint: store closed")

// Record is one persisted flow continuation. A run has at most one record;
// writing a new one replaces the previous.
type Record struct {
	// RunID identifies the flow instance.
	RunID string
	// FlowName is the registered name of the outermost flow logic.
	FlowName string
	// State is the encoded continuation.
	State []byte
	// SessionIDs lists the sessions open at the time of the write.
	SessionIDs []string
	// Timestamp is the time the record was written.
	Timestamp time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.State = append([]byte(nil), r.State...)
	c.SessionIDs = append([]string(nil), r.SessionIDs...)
	return &c
}

// Validate checks the fields every store requires.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("checkpoint: nil record")
	}
	if r.RunID == "" {
		return errors.New("checkpoint: run id is required")
	}
	if r.FlowName == "" {
		return fmt.Errorf("checkpoint: flow name is required for run %s", r.RunID)
	}
	return nil
}

// Store persists checkpoints. Implementations must make Put atomic per run
// id: a reader observes either the previous record or the new one.
type Store interface {
	// Put creates or replaces the record for rec.RunID.
	Put(ctx context.Context, rec *Record) error
	// Get returns the record for runID or ErrNotFound.
	Get(ctx context.Context, runID string) (*Record, error)
	// Delete removes the record for runID. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, runID string) error
	// List returns every stored record ordered by run id.
	List(ctx context.Context) ([]*Record, error)
	// Close releases the resources held by the store.
	Close() error
}

// Locker serializes writers per run id.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*runLock)}
}

// Lock blocks until runID is free and returns the function releasing it.
func (l *Locker) Lock(runID string) (unlock func()) {
	l.mu.Lock()
	lk, ok := l.locks[runID]
	if !ok {
		lk = &runLock{}
		l.locks[runID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}

// Len reports the number of run ids currently locked or waited on.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Serialized wraps a Store so that writes for the same run id never
// overlap.
func Serialized(s Store) Store {
	if ls, ok := s.(*lockedStore); ok {
		return ls
	}
	return &lockedStore{Store: s, locker: NewLocker()}
}

type lockedStore struct {
	Store
	locker *Locker
}

func (s *lockedStore) Put(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	defer s.locker.Lock(rec.RunID)()
	return s.Store.Put(ctx, rec)
}

func (s *lockedStore) Delete(ctx context.Context, runID string) error {
	defer s.locker.Lock(runID)()
	return s.Store.Delete(ctx, runID)
}
