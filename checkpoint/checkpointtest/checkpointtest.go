//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package checkpointtest holds the behaviour every checkpoint.Store must
// show, run by each implementation's tests.
package checkpointtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
)

// Run exercises the Store returned by newStore. Each subtest gets a fresh
// store.
func Run(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Run("put get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := sample("run-1", 1)
		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, "run-1")
		require.NoError(t, err)
		assertSame(t, rec, got)
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
		assert.NoError(t, s.Delete(context.Background(), "nope"))
	})

	t.Run("put replaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, sample("run-1", 1)))
		second := sample("run-1", 2)
		second.SessionIDs = nil
		require.NoError(t, s.Put(ctx, second))

		got, err := s.Get(ctx, "run-1")
		require.NoError(t, err)
		assertSame(t, second, got)
		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("put is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := sample("run-1", 3)
		require.NoError(t, s.Put(ctx, rec))
		require.NoError(t, s.Put(ctx, rec))
		got, err := s.Get(ctx, "run-1")
		require.NoError(t, err)
		assertSame(t, rec, got)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, sample("run-1", 1)))
		require.NoError(t, s.Put(ctx, sample("run-2", 1)))
		require.NoError(t, s.Delete(ctx, "run-1"))

		_, err := s.Get(ctx, "run-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "run-2", all[0].RunID)
	})

	t.Run("list ordered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.Put(ctx, sample(id, 1)))
		}
		all, err := s.List(ctx)
		require.NoError(t, err)
		var ids []string
		for _, r := range all {
			ids = append(ids, r.RunID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("invalid record", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.Put(context.Background(), &checkpoint.Record{FlowName: "x"}))
		assert.Error(t, s.Put(context.Background(), &checkpoint.Record{RunID: "x"}))
	})

	t.Run("concurrent writers", func(t *testing.T) {
		s := checkpoint.Serialized(newStore(t))
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Put(ctx, sample(fmt.Sprintf("run-%d", i%2), byte(i))))
			}(i)
		}
		wg.Wait()
		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func sample(runID string, marker byte) *checkpoint.Record {
	return &checkpoint.Record{
		RunID:      runID,
		FlowName:   "test.Flow",
		State:      []byte{0xfe, marker, 0x00, marker},
		SessionIDs: []string{"6f1c2a57-1b7e-4c4b-9f0e-3f1d3a0c7b11", "0b8d0f5e-5a35-4b8f-a0a9-60f4f4f0a2c3"},
		Timestamp:  time.UnixMilli(1700000000123).UTC(),
	}
}

func assertSame(t *testing.T, want, got *checkpoint.Record) {
	t.Helper()
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, want.FlowName, got.FlowName)
	assert.Equal(t, want.State, got.State)
	assert.ElementsMatch(t, want.SessionIDs, got.SessionIDs)
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", want.Timestamp, got.Timestamp)
}
