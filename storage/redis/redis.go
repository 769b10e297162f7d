//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package redis builds redis clients for node components and keeps the
// named instances declared in node configuration.
package redis

import (
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	instancesMu sync.RWMutex
	instances   = map[string][]ClientOpt{}
)

// Builder creates a client from options.
type Builder func(opts ...ClientOpt) (redis.UniversalClient, error)

var globalBuilder Builder = DefaultBuilder

// SetBuilder replaces the builder used by NewClient.
func SetBuilder(b Builder) {
	globalBuilder = b
}

// GetBuilder returns the builder used by NewClient.
func GetBuilder() Builder {
	return globalBuilder
}

// NewClient builds a client with the installed builder.
func NewClient(opts ...ClientOpt) (redis.UniversalClient, error) {
	return globalBuilder(opts...)
}

// DefaultBuilder parses the configured URL and returns a universal client.
// It does not connect.
func DefaultBuilder(opts ...ClientOpt) (redis.UniversalClient, error) {
	o := &ClientOpts{}
	for _, opt := range opts {
		opt(o)
	}
	if o.URL == "" {
		return nil, fmt.Errorf("redis: url is empty")
	}
	parsed, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", o.URL, err)
	}
	universal := &redis.UniversalOptions{
		Addrs:           []string{parsed.Addr},
		DB:              parsed.DB,
		Username:        parsed.Username,
		Password:        parsed.Password,
		Protocol:        parsed.Protocol,
		ClientName:      parsed.ClientName,
		TLSConfig:       parsed.TLSConfig,
		MaxRetries:      parsed.MaxRetries,
		DialTimeout:     parsed.DialTimeout,
		ReadTimeout:     parsed.ReadTimeout,
		WriteTimeout:    parsed.WriteTimeout,
		PoolSize:        parsed.PoolSize,
		MinIdleConns:    parsed.MinIdleConns,
		ConnMaxIdleTime: parsed.ConnMaxIdleTime,
	}
	if o.PoolSize > 0 {
		universal.PoolSize = o.PoolSize
	}
	if o.Timeout > 0 {
		universal.DialTimeout = o.Timeout
		universal.ReadTimeout = o.Timeout
		universal.WriteTimeout = o.Timeout
	}
	return redis.NewUniversalClient(universal), nil
}

// ClientOpt configures a client.
type ClientOpt func(*ClientOpts)

// ClientOpts holds the client settings.
type ClientOpts struct {
	URL      string
	PoolSize int
	Timeout  time.Duration
}

// WithURL sets the server URL.
// scheme: redis://<username>:<password>@<host>:<port>/<db>?<options>
func WithURL(url string) ClientOpt {
	return func(o *ClientOpts) { o.URL = url }
}

// WithPoolSize overrides the connection pool size from the URL.
func WithPoolSize(n int) ClientOpt {
	return func(o *ClientOpts) { o.PoolSize = n }
}

// WithTimeout sets the dial, read and write timeouts.
func WithTimeout(d time.Duration) ClientOpt {
	return func(o *ClientOpts) { o.Timeout = d }
}

// RegisterInstance records options under name. Repeated calls append.
func RegisterInstance(name string, opts ...ClientOpt) {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	instances[name] = append(instances[name], opts...)
}

// GetInstance returns the options registered under name.
func GetInstance(name string) ([]ClientOpt, bool) {
	instancesMu.RLock()
	defer instancesMu.RUnlock()
	opts, ok := instances[name]
	return opts, ok
}

// NewInstanceClient builds a client from a registered instance.
func NewInstanceClient(name string) (redis.UniversalClient, error) {
	opts, ok := GetInstance(name)
	if !ok {
		return nil, fmt.Errorf("redis: instance %q not registered", name)
	}
	return NewClient(opts...)
}
