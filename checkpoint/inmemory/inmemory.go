//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process local checkpoint store.
// It is suitable for tests and single process networks, not for recovery
// across restarts.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
)

// Store keeps checkpoint records in a map.
type Store struct {
	mu      sync.RWMutex
	records map[string]*checkpoint.Record
	closed  bool
	puts    int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{records: make(map[string]*checkpoint.Record)}
}

// Put stores a copy of rec.
func (s *Store) Put(ctx context.Context, rec *checkpoint.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return checkpoint.ErrStoreClosed
	}
	s.records[rec.RunID] = rec.Clone()
	s.puts++
	return nil
}

// Get returns a copy of the record for runID.
func (s *Store) Get(ctx context.Context, runID string) (*checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}
	rec, ok := s.records[runID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return rec.Clone(), nil
}

// Delete removes the record for runID.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return checkpoint.ErrStoreClosed
	}
	delete(s.records, runID)
	return nil
}

// List returns copies of all records sorted by run id.
func (s *Store) List(ctx context.Context) ([]*checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}
	out := make([]*checkpoint.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// Puts reports how many writes the store has accepted.
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
