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
	"bytes"
	"fmt"
	"time"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

// Writer is handed to registered encode functions. Primitive values are
// written in XDR; nested registered values go through WriteValue so that
// every nested type is checked against the whitelist.
type Writer struct {
	buf   *bytes.Buffer
	enc   *xdr.Encoder
	reg   *Registry
	opts  *options
	depth int
}

func newWriter(reg *Registry, opts *options) *Writer {
	buf := &bytes.Buffer{}
	return &Writer{buf: buf, enc: xdr.NewEncoder(buf), reg: reg, opts: opts}
}

// WriteBool writes a boolean.
func (w *Writer) WriteBool(v bool) error {
	_, err := w.enc.EncodeBool(v)
	return err
}

// WriteUint32 writes an unsigned 32 bit integer.
func (w *Writer) WriteUint32(v uint32) error {
	_, err := w.enc.EncodeUint(v)
	return err
}

// WriteUint64 writes an unsigned 64 bit integer.
func (w *Writer) WriteUint64(v uint64) error {
	_, err := w.enc.EncodeUhyper(v)
	return err
}

// WriteInt64 writes a signed 64 bit integer.
func (w *Writer) WriteInt64(v int64) error {
	_, err := w.enc.EncodeHyper(v)
	return err
}

// WriteInt writes an int as a signed 64 bit integer.
func (w *Writer) WriteInt(v int) error {
	return w.WriteInt64(int64(v))
}

// WriteString writes a length prefixed string.
func (w *Writer) WriteString(v string) error {
	_, err := w.enc.EncodeString(v)
	return err
}

// WriteBytes writes length prefixed opaque data.
func (w *Writer) WriteBytes(v []byte) error {
	_, err := w.enc.EncodeOpaque(v)
	return err
}

// WriteTime writes t with nanosecond precision. Location is not preserved.
func (w *Writer) WriteTime(t time.Time) error {
	if t.IsZero() {
		return w.WriteBool(false)
	}
	if err := w.WriteBool(true); err != nil {
		return err
	}
	return w.WriteInt64(t.UnixNano())
}

// WriteLen writes a collection length.
func (w *Writer) WriteLen(n int) error {
	if n < 0 || int64(n) > int64(^uint32(0)) {
		return fmt.Errorf("codec: invalid length %d", n)
	}
	return w.WriteUint32(uint32(n))
}

// WriteValue writes v prefixed by its whitelist token.
func (w *Writer) WriteValue(v any) error {
	if v == nil {
		return w.WriteUint32(uint32(TokenNil))
	}
	w.depth++
	defer func() { w.depth-- }()
	if w.depth > w.opts.maxDepth {
		return fmt.Errorf("codec: nesting deeper than %d", w.opts.maxDepth)
	}
	if s, ok := v.(Stream); ok {
		return w.writeStream(s)
	}
	e, ok := w.reg.lookupType(v)
	if !ok {
		return &UnregisteredTypeError{Type: fmt.Sprintf("%T", v)}
	}
	if err := w.WriteUint32(uint32(e.token)); err != nil {
		return err
	}
	return e.enc(w, v)
}

func (w *Writer) writeStream(s Stream) error {
	if w.opts.stream == nil {
		return &UnregisteredTypeError{Type: fmt.Sprintf("%T", s), Err: ErrStreamNotPermitted}
	}
	if err := w.WriteUint32(uint32(TokenStream)); err != nil {
		return err
	}
	return w.opts.stream.EncodeStream(w, s)
}

// WriteSlice writes a length followed by each item.
func WriteSlice[T any](w *Writer, items []T, fn func(*Writer, T) error) error {
	if err := w.WriteLen(len(items)); err != nil {
		return err
	}
	for _, item := range items {
		if err := fn(w, item); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) bytes() []byte { return w.buf.Bytes() }
