//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package postgres provides a PostgreSQL checkpoint store, for nodes whose
// runs must outlive the host they were started on.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	storage "trpc.group/trpc-go/trpc-flow-go/storage/postgres"
)

const (
	defaultTable = "flow_checkpoints"
	sessionSep   = ","
)

// Options configures the store.
type Options struct {
	client     storage.Client
	connString string
	table      string
}

// Option is a functional option for the store.
type Option func(*Options)

// WithClient uses an existing client. The store closes it on Close.
func WithClient(c storage.Client) Option {
	return func(o *Options) { o.client = c }
}

// WithConnString builds a client from a connection string.
func WithConnString(s string) Option {
	return func(o *Options) { o.connString = s }
}

// WithTable sets the table name, so several nodes can share a database.
func WithTable(name string) Option {
	return func(o *Options) { o.table = name }
}

// Store is a checkpoint.Store on PostgreSQL.
type Store struct {
	client storage.Client
	q      queries
}

type queries struct {
	create, upsert, get, list, del string
}

func newQueries(table string) queries {
	return queries{
		create: "CREATE TABLE IF NOT EXISTS " + table + " (" +
			"run_id TEXT PRIMARY KEY, " +
			"flow_name TEXT NOT NULL, " +
			"state BYTEA NOT NULL, " +
			"session_ids TEXT NOT NULL, " +
			"ts BIGINT NOT NULL)",
		upsert: "INSERT INTO " + table + " (run_id, flow_name, state, session_ids, ts) " +
			"VALUES ($1, $2, $3, $4, $5) ON CONFLICT (run_id) DO UPDATE SET " +
			"flow_name = EXCLUDED.flow_name, state = EXCLUDED.state, " +
			"session_ids = EXCLUDED.session_ids, ts = EXCLUDED.ts",
		get:  "SELECT run_id, flow_name, state, session_ids, ts FROM " + table + " WHERE run_id = $1",
		list: "SELECT run_id, flow_name, state, session_ids, ts FROM " + table + " ORDER BY run_id ASC",
		del:  "DELETE FROM " + table + " WHERE run_id = $1",
	}
}

// NewStore connects and creates the table when missing. One of WithClient
// or WithConnString is required.
func NewStore(ctx context.Context, opts ...Option) (*Store, error) {
	o := Options{table: defaultTable}
	for _, opt := range opts {
		opt(&o)
	}
	if !validTable(o.table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", o.table)
	}
	client := o.client
	if client == nil {
		if o.connString == "" {
			return nil, errors.New("postgres: a client or connection string is required")
		}
		var err error
		if client, err = storage.NewClient(ctx, storage.WithConnString(o.connString)); err != nil {
			return nil, err
		}
	}
	s := &Store{client: client, q: newQueries(o.table)}
	if _, err := client.ExecContext(ctx, s.q.create); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return s, nil
}

// validTable accepts plain identifiers only; the name is spliced into SQL.
func validTable(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
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
	_, err := s.client.ExecContext(ctx, s.q.upsert,
		rec.RunID, rec.FlowName, state,
		strings.Join(rec.SessionIDs, sessionSep), rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", rec.RunID, err)
	}
	return nil
}

// Get returns the record for runID.
func (s *Store) Get(ctx context.Context, runID string) (*checkpoint.Record, error) {
	var rec *checkpoint.Record
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		var err error
		rec, err = scan(rows)
		return err
	}, s.q.get, runID)
	if err != nil {
		return nil, fmt.Errorf("select checkpoint %s: %w", runID, err)
	}
	if rec == nil {
		return nil, checkpoint.ErrNotFound
	}
	return rec, nil
}

// Delete removes the record for runID.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.client.ExecContext(ctx, s.q.del, runID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// List returns all records ordered by run id.
func (s *Store) List(ctx context.Context) ([]*checkpoint.Record, error) {
	var out []*checkpoint.Record
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			rec, err := scan(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	}, s.q.list)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	return out, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func scan(rows *sql.Rows) (*checkpoint.Record, error) {
	rec := &checkpoint.Record{}
	var sessions string
	var ts int64
	if err := rows.Scan(&rec.RunID, &rec.FlowName, &rec.State, &sessions, &ts); err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	if sessions != "" {
		rec.SessionIDs = strings.Split(sessions, sessionSep)
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}
