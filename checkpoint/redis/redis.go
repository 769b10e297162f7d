//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a redis-backed checkpoint store.
//
// Each run is stored as a hash under <prefix>:run:<run id> and indexed in
// the set <prefix>:runs. Both are written in one MULTI/EXEC transaction.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	storage "trpc.group/trpc-go/trpc-flow-go/storage/redis"
)

const (
	defaultPrefix = "flow:ckpt"

	fieldFlow     = "flow"
	fieldState    = "state"
	fieldSessions = "sessions"
	fieldTS       = "ts"

	sessionSep = ","
)

// Options configures the store.
type Options struct {
	client redis.UniversalClient
	url    string
	prefix string
}

// Option is a functional option for the store.
type Option func(*Options)

// WithRedisClient uses an existing client. The store does not close it.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *Options) { o.client = c }
}

// WithRedisClientURL builds a client from url.
func WithRedisClientURL(url string) Option {
	return func(o *Options) { o.url = url }
}

// WithKeyPrefix sets the key namespace, so several nodes can share a server.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.prefix = prefix }
}

// Store is a checkpoint.Store on redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewStore creates a store from options. One of WithRedisClient or
// WithRedisClientURL is required.
func NewStore(opts ...Option) (*Store, error) {
	o := Options{prefix: defaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{client: o.client, prefix: o.prefix}
	if s.client == nil {
		if o.url == "" {
			return nil, errors.New("redis client is required")
		}
		c, err := storage.NewClient(storage.WithURL(o.url))
		if err != nil {
			return nil, err
		}
		s.client, s.owned = c, true
	}
	return s, nil
}

func (s *Store) runKey(runID string) string { return s.prefix + ":run:" + runID }

func (s *Store) indexKey() string { return s.prefix + ":runs" }

// Put replaces the record for rec.RunID.
func (s *Store) Put(ctx context.Context, rec *checkpoint.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	key := s.runKey(rec.RunID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			fieldFlow, rec.FlowName,
			fieldState, rec.State,
			fieldSessions, strings.Join(rec.SessionIDs, sessionSep),
			fieldTS, strconv.FormatInt(rec.Timestamp.UnixNano(), 10),
		)
		p.SAdd(ctx, s.indexKey(), rec.RunID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put checkpoint %s: %w", rec.RunID, err)
	}
	return nil
}

// Get returns the record for runID.
func (s *Store) Get(ctx context.Context, runID string) (*checkpoint.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get checkpoint %s: %w", runID, err)
	}
	if len(fields) == 0 {
		return nil, checkpoint.ErrNotFound
	}
	return decodeRecord(runID, fields)
}

// Delete removes the record for runID.
func (s *Store) Delete(ctx context.Context, runID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.runKey(runID))
		p.SRem(ctx, s.indexKey(), runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// List returns every indexed record ordered by run id. Index entries whose
// hash has disappeared are skipped.
func (s *Store) List(ctx context.Context) ([]*checkpoint.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list checkpoints: %w", err)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.runKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load checkpoints: %w", err)
	}
	out := make([]*checkpoint.Record, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func decodeRecord(runID string, fields map[string]string) (*checkpoint.Record, error) {
	ts, err := strconv.ParseInt(fields[fieldTS], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis checkpoint %s: bad timestamp: %w", runID, err)
	}
	rec := &checkpoint.Record{
		RunID:     runID,
		FlowName:  fields[fieldFlow],
		State:     []byte(fields[fieldState]),
		Timestamp: time.Unix(0, ts).UTC(),
	}
	if v := fields[fieldSessions]; v != "" {
		rec.SessionIDs = strings.Split(v, sessionSep)
	}
	return rec, nil
}
