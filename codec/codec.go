//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package codec implements the whitelist based wire codec shared by session
// messaging, checkpoints and the RPC boundary.
//
// Every value crossing a process boundary is prefixed with the token of its
// registered type. Decoding only ever runs decode functions that were
// registered on the Registry, so bytes from an untrusted peer cannot cause
// construction of anything outside the whitelist. The registry carries no
// version number: two processes interoperate only when their Fingerprint
// values are equal.
package codec

import (
	"fmt"
	"reflect"
)

const (
	defaultMaxDepth = 64
	defaultMaxSize  = 16 << 20
)

// Stream marks values that keep producing results after they are returned,
// such as RPC subscriptions. Streams are never globally registered.
type Stream interface {
	StreamName() string
}

// StreamSerializer encodes and decodes stream values for one call site.
type StreamSerializer interface {
	EncodeStream(w *Writer, s Stream) error
	DecodeStream(r *Reader) (Stream, error)
}

// Option configures a single Encode or Decode call.
type Option func(*options)

type options struct {
	stream   StreamSerializer
	maxDepth int
	maxSize  int
}

// WithStreamSerializer opts the call into encoding or decoding stream values.
func WithStreamSerializer(s StreamSerializer) Option {
	return func(o *options) { o.stream = s }
}

// WithMaxDepth bounds value nesting.
func WithMaxDepth(depth int) Option {
	return func(o *options) {
		if depth > 0 {
			o.maxDepth = depth
		}
	}
}

// WithMaxSize bounds the accepted input size when decoding.
func WithMaxSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// Codec encodes and decodes values against a frozen Registry.
type Codec struct {
	reg      *Registry
	defaults []Option
}

// New creates a codec. The options become defaults for every call.
func New(reg *Registry, opts ...Option) *Codec {
	return &Codec{reg: reg, defaults: opts}
}

// Registry returns the whitelist the codec was built with.
func (c *Codec) Registry() *Registry { return c.reg }

func (c *Codec) options(opts []Option) *options {
	o := &options{maxDepth: defaultMaxDepth, maxSize: defaultMaxSize}
	for _, opt := range c.defaults {
		opt(o)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Encode serializes v. It fails with *UnregisteredTypeError when v or any
// value nested in it is not whitelisted.
func (c *Codec) Encode(v any, opts ...Option) ([]byte, error) {
	w := newWriter(c.reg, c.options(opts))
	if err := w.WriteValue(v); err != nil {
		return nil, err
	}
	out := make([]byte, len(w.bytes()))
	copy(out, w.bytes())
	return out, nil
}

// DecodeAny deserializes a single value. Trailing bytes are rejected.
func (c *Codec) DecodeAny(data []byte, opts ...Option) (v any, err error) {
	o := c.options(opts)
	if len(data) > o.maxSize {
		return nil, &MalformedWireDataError{Reason: fmt.Sprintf("input of %d bytes exceeds limit %d", len(data), o.maxSize)}
	}
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, &MalformedWireDataError{Reason: fmt.Sprintf("decoder panic: %v", p)}
		}
	}()
	r := newReader(c.reg, data, o)
	v, err = r.ReadValue()
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, &MalformedWireDataError{Reason: fmt.Sprintf("%d trailing bytes", r.Remaining())}
	}
	return v, nil
}

// Decode deserializes data and checks the result is a T.
func Decode[T any](c *Codec, data []byte, opts ...Option) (T, error) {
	var zero T
	v, err := c.DecodeAny(data, opts...)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, &MalformedWireDataError{Reason: fmt.Sprintf("expected %s, got %T", typeName[T](), v)}
	}
	return t, nil
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
