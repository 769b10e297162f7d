//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Token is the stable wire identifier of a registered type.
type Token uint32

// Reserved tokens for built-in types.
const (
	TokenNil Token = iota
	TokenBool
	TokenString
	TokenBytes
	TokenInt64
	TokenUint64
	TokenInt
	TokenTime
	TokenList
	TokenMap
	TokenStream
)

// FirstUserToken is the first token handed out to non built-in registrations.
const FirstUserToken Token = 16

// Plugin contributes registrations to a Builder. Plugins are applied after
// all core registrations, ordered by Name, so that every process assembling
// the same plugins ends up with the same token assignment.
type Plugin interface {
	Name() string
	Register(b *Builder) error
}

type entry struct {
	token Token
	name  string
	typ   reflect.Type
	enc   func(*Writer, any) error
	dec   func(*Reader) (any, error)
}

// Registry is the frozen whitelist. It is safe for concurrent use.
type Registry struct {
	byToken     map[Token]*entry
	byType      map[reflect.Type]*entry
	byName      map[string]*entry
	entries     []*entry
	fingerprint [sha256.Size]byte
}

// Builder collects registrations during the one-time initialization phase.
type Builder struct {
	mu      sync.Mutex
	next    Token
	entries []*entry
	types   map[reflect.Type]struct{}
	names   map[string]struct{}
	plugins []Plugin
	frozen  bool
}

// NewBuilder returns a builder pre-populated with the built-in types.
func NewBuilder() *Builder {
	b := &Builder{
		next:  FirstUserToken,
		types: make(map[reflect.Type]struct{}),
		names: make(map[string]struct{}),
	}
	registerBuiltins(b)
	return b
}

// Register adds T to the whitelist under name. T must be a concrete type.
func Register[T any](b *Builder, name string, enc func(*Writer, T) error, dec func(*Reader) (T, error)) error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Interface {
		return fmt.Errorf("codec: cannot register interface type %s", typ)
	}
	if enc == nil || dec == nil {
		return fmt.Errorf("codec: register %s: encode and decode functions are required", name)
	}
	e := &entry{
		name: name,
		typ:  typ,
		enc: func(w *Writer, v any) error {
			return enc(w, v.(T))
		},
		dec: func(r *Reader) (any, error) {
			return dec(r)
		},
	}
	return b.add(e, 0)
}

// MustRegister is like Register but panics on error. Intended for package
// level registration helpers whose inputs are fixed at compile time.
func MustRegister[T any](b *Builder, name string, enc func(*Writer, T) error, dec func(*Reader) (T, error)) {
	if err := Register(b, name, enc, dec); err != nil {
		panic(err)
	}
}

// AddPlugin queues a plugin for merging at Build time.
func (b *Builder) AddPlugin(p Plugin) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrRegistryFrozen
	}
	b.plugins = append(b.plugins, p)
	return nil
}

// add appends e. A zero token means the next free token is assigned.
func (b *Builder) add(e *entry, token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := b.types[e.typ]; ok {
		return fmt.Errorf("%w: type %s", ErrDuplicateRegistration, e.typ)
	}
	if _, ok := b.names[e.name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateRegistration, e.name)
	}
	if token == 0 {
		token = b.next
		b.next++
	}
	e.token = token
	b.types[e.typ] = struct{}{}
	b.names[e.name] = struct{}{}
	b.entries = append(b.entries, e)
	return nil
}

// Build merges plugins in name order and freezes the builder. The builder
// rejects further registrations afterwards.
func (b *Builder) Build() (*Registry, error) {
	b.mu.Lock()
	if b.frozen {
		b.mu.Unlock()
		return nil, ErrRegistryFrozen
	}
	plugins := make([]Plugin, len(b.plugins))
	copy(plugins, b.plugins)
	b.mu.Unlock()

	sort.SliceStable(plugins, func(i, j int) bool { return plugins[i].Name() < plugins[j].Name() })
	for i, p := range plugins {
		if i > 0 && plugins[i-1].Name() == p.Name() {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePlugin, p.Name())
		}
		if err := p.Register(b); err != nil {
			return nil, fmt.Errorf("codec: plugin %q: %w", p.Name(), err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	reg := &Registry{
		byToken: make(map[Token]*entry, len(b.entries)),
		byType:  make(map[reflect.Type]*entry, len(b.entries)),
		byName:  make(map[string]*entry, len(b.entries)),
		entries: make([]*entry, len(b.entries)),
	}
	copy(reg.entries, b.entries)
	sort.Slice(reg.entries, func(i, j int) bool { return reg.entries[i].token < reg.entries[j].token })
	h := sha256.New()
	var tok [4]byte
	for _, e := range reg.entries {
		reg.byToken[e.token] = e
		reg.byType[e.typ] = e
		reg.byName[e.name] = e
		binary.BigEndian.PutUint32(tok[:], uint32(e.token))
		h.Write(tok[:])
		h.Write([]byte(e.name))
		h.Write([]byte{0})
	}
	copy(reg.fingerprint[:], h.Sum(nil))
	return reg, nil
}

// Fingerprint identifies the exact ordered whitelist. Two processes can only
// exchange values when their fingerprints match.
func (r *Registry) Fingerprint() []byte {
	fp := r.fingerprint
	return fp[:]
}

// Token returns the token registered under name.
func (r *Registry) Token(name string) (Token, bool) {
	e, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return e.token, true
}

// NameOf returns the registered name of v's type.
func (r *Registry) NameOf(v any) (string, bool) {
	if v == nil {
		return builtinNil, true
	}
	e, ok := r.byType[reflect.TypeOf(v)]
	if !ok {
		return "", false
	}
	return e.name, true
}

// Names lists registered type names in token order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Len returns the number of registered types including built-ins.
func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) lookupType(v any) (*entry, bool) {
	e, ok := r.byType[reflect.TypeOf(v)]
	return e, ok
}

func (r *Registry) lookupToken(t Token) (*entry, bool) {
	e, ok := r.byToken[t]
	return e, ok
}
