//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides SQLite-based checkpoint storage so suspended flows
// survive a node restart.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
)

const (
	sqliteCreateCheckpoints = "CREATE TABLE IF NOT EXISTS flow_checkpoints (" +
		"run_id TEXT NOT NULL PRIMARY KEY, " +
		"flow_name TEXT NOT NULL, " +
		"state BLOB NOT NULL, " +
		"session_ids TEXT NOT NULL, " +
		"ts INTEGER NOT NULL" +
		")"

	sqliteUpsert = "INSERT OR REPLACE INTO flow_checkpoints (" +
		"run_id, flow_name, state, session_ids, ts) VALUES (?, ?, ?, ?, ?)"

	sqliteSelectByID = "SELECT flow_name, state, session_ids, ts FROM flow_checkpoints " +
		"WHERE run_id = ? LIMIT 1"

	sqliteSelectAll = "SELECT run_id, flow_name, state, session_ids, ts FROM flow_checkpoints " +
		"ORDER BY run_id ASC"

	sqliteDelete = "DELETE FROM flow_checkpoints WHERE run_id = ?"

	sessionSep = ","
)

// Store is a SQLite-backed checkpoint.Store.
// It expects an initialized *sql.DB and creates the schema it needs.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over db. The DB must use a SQLite driver.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &Store{db: db}, nil
}

// Put creates or replaces the record for rec.RunID in one statement.
func (s *Store) Put(ctx context.Context, rec *checkpoint.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	state := rec.State
	if state == nil {
		state = []byte{}
	}
	_, err := s.db.ExecContext(ctx, sqliteUpsert,
		rec.RunID, rec.FlowName, state,
		strings.Join(rec.SessionIDs, sessionSep), rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", rec.RunID, err)
	}
	return nil
}

// Get returns the record for runID.
func (s *Store) Get(ctx context.Context, runID string) (*checkpoint.Record, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectByID, runID)
	rec := &checkpoint.Record{RunID: runID}
	var sessions string
	var ts int64
	if err := row.Scan(&rec.FlowName, &rec.State, &sessions, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("select checkpoint %s: %w", runID, err)
	}
	rec.SessionIDs = splitSessions(sessions)
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}

// Delete removes the record for runID.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, sqliteDelete, runID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// List returns all records ordered by run id.
func (s *Store) List(ctx context.Context) ([]*checkpoint.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectAll)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Record
	for rows.Next() {
		rec := &checkpoint.Record{}
		var sessions string
		var ts int64
		if err := rows.Scan(&rec.RunID, &rec.FlowName, &rec.State, &sessions, &ts); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		rec.SessionIDs = splitSessions(sessions)
		rec.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	return s.db.Close()
}

func splitSessions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sessionSep)
}
