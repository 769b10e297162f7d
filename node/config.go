//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/rpc"
)

// EnvPrefix prefixes the environment variables that override a loaded
// configuration, e.g. FLOWNODE_LOG_LEVEL.
const EnvPrefix = "FLOWNODE"

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config describes the nodes hosted by one process.
type Config struct {
	LogLevel  string `toml:"log_level" yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" yaml:"log_format" envconfig:"LOG_FORMAT"`
	// Notary names the node that notarises transactions. It must be one of
	// Nodes.
	Notary  string `toml:"notary" yaml:"notary" envconfig:"NOTARY"`
	Workers int    `toml:"workers" yaml:"workers" envconfig:"WORKERS"`
	// ReceiveTimeout bounds every session receive, "0" waits forever.
	ReceiveTimeout string `toml:"receive_timeout" yaml:"receive_timeout" envconfig:"RECEIVE_TIMEOUT"`
	// CallTimeout bounds RPC calls.
	CallTimeout string `toml:"call_timeout" yaml:"call_timeout" envconfig:"CALL_TIMEOUT"`

	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry" envconfig:"TELEMETRY"`

	Nodes []NodeConfig `toml:"nodes" yaml:"nodes" ignored:"true"`
	Users []UserConfig `toml:"users" yaml:"users" ignored:"true"`
}

// TelemetryConfig selects the OTLP collector.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Endpoint string `toml:"endpoint" yaml:"endpoint" envconfig:"ENDPOINT"`
	// Protocol is "grpc" or "http".
	Protocol string `toml:"protocol" yaml:"protocol" envconfig:"PROTOCOL"`
}

// NodeConfig describes one hosted node.
type NodeConfig struct {
	Name string `toml:"name" yaml:"name"`
	// Listen is the address of the node's RPC server. Empty disables it.
	Listen string `toml:"listen" yaml:"listen"`
	// Check names the acceptance check used when the node is asked to sign.
	Check string `toml:"check" yaml:"check"`
	// Seed is the hex encoded 32 byte key seed. A random key is used when
	// it is empty.
	Seed  string      `toml:"seed" yaml:"seed"`
	Store StoreConfig `toml:"store" yaml:"store"`
}

// StoreConfig selects a checkpoint store.
type StoreConfig struct {
	Kind string `toml:"kind" yaml:"kind"`
	// Path is the sqlite data source name.
	Path string `toml:"path" yaml:"path"`
	// URL is the redis URL or the postgres connection string.
	URL string `toml:"url" yaml:"url"`
	// Prefix is the redis key prefix or the postgres table name.
	Prefix string `toml:"prefix" yaml:"prefix"`
}

// UserConfig is an RPC account.
type UserConfig struct {
	Username    string   `toml:"username" yaml:"username"`
	Password    string   `toml:"password" yaml:"password"`
	Permissions []string `toml:"permissions" yaml:"permissions"`
}

// DefaultConfig returns a single node network without a notary.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       log.LevelInfo,
		LogFormat:      log.FormatConsole,
		Workers:        64,
		ReceiveTimeout: "0",
		CallTimeout:    "30s",
		Telemetry:      TelemetryConfig{Protocol: "grpc"},
	}
}

// LoadConfig reads a TOML or YAML file, chosen by extension, over the
// defaults and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("load config: unsupported extension %q", ext)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("config: no nodes")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Name == "" {
			return errors.New("config: node without a name")
		}
		if seen[n.Name] {
			return fmt.Errorf("config: node %s listed twice", n.Name)
		}
		seen[n.Name] = true
		switch n.Store.Kind {
		case "", StoreMemory:
		case StoreSQLite:
			if n.Store.Path == "" {
				return fmt.Errorf("config: node %s: sqlite store needs a path", n.Name)
			}
		case StoreRedis, StorePostgres:
			if n.Store.URL == "" {
				return fmt.Errorf("config: node %s: %s store needs a url", n.Name, n.Store.Kind)
			}
		default:
			return fmt.Errorf("config: node %s: unknown store kind %q", n.Name, n.Store.Kind)
		}
	}
	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		switch {
		case u.Username == "":
			return errors.New("config: user without a name")
		case rpc.ReservedUsername(u.Username):
			return fmt.Errorf("config: user name %q is reserved", u.Username)
		case users[u.Username]:
			return fmt.Errorf("config: user %s listed twice", u.Username)
		}
		users[u.Username] = true
	}
	if c.Notary != "" && !seen[c.Notary] {
		return fmt.Errorf("config: notary %s is not a hosted node", c.Notary)
	}
	if _, err := c.receiveTimeout(); err != nil {
		return err
	}
	if _, err := c.callTimeout(); err != nil {
		return err
	}
	return nil
}

func (c *Config) receiveTimeout() (time.Duration, error) {
	return parseDuration("receive_timeout", c.ReceiveTimeout)
}

func (c *Config) callTimeout() (time.Duration, error) {
	return parseDuration("call_timeout", c.CallTimeout)
}

func parseDuration(field, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", field, err)
	}
	return d, nil
}

func (c *Config) users() []rpc.User {
	users := make([]rpc.User, 0, len(c.Users))
	for _, u := range c.Users {
		users = append(users, rpc.User{Username: u.Username, Password: u.Password, Permissions: u.Permissions})
	}
	return users
}
