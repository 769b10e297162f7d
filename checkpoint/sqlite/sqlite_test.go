//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3" // Import SQLite driver.
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	"trpc.group/trpc-go/trpc-flow-go/checkpoint/checkpointtest"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	tmpfile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpfile.Close()

	db, err := sql.Open("sqlite3", tmpfile.Name())
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
		os.Remove(tmpfile.Name())
	}
	return db, cleanup
}

func TestStore(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Store {
		db, cleanup := setupTestDB(t)
		t.Cleanup(cleanup)
		s, err := NewStore(db)
		require.NoError(t, err)
		return s
	})
}

func TestNewStoreNilDB(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	s, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, &checkpoint.Record{RunID: "r1", FlowName: "f", State: []byte("cont")}))
	require.NoError(t, s.Close())

	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	s, err = NewStore(db)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cont"), got.State)
	assert.Nil(t, got.SessionIDs)
}
