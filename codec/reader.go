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

// minElemSize is the smallest encoding of any collection element: every XDR
// item occupies at least one 4 byte unit.
const minElemSize = 4

// Reader is handed to registered decode functions. All lengths are checked
// against the remaining input before anything is allocated.
type Reader struct {
	src   *bytes.Reader
	dec   *xdr.Decoder
	reg   *Registry
	opts  *options
	depth int
}

func newReader(reg *Registry, data []byte, opts *options) *Reader {
	src := bytes.NewReader(data)
	return &Reader{src: src, dec: xdr.NewDecoder(src), reg: reg, opts: opts}
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int { return r.src.Len() }

// ReadBool reads a boolean.
func (r *Reader) ReadBool() (bool, error) {
	v, _, err := r.dec.DecodeBool()
	if err != nil {
		return false, malformed("bool", err)
	}
	return v, nil
}

// ReadUint32 reads an unsigned 32 bit integer.
func (r *Reader) ReadUint32() (uint32, error) {
	v, _, err := r.dec.DecodeUint()
	if err != nil {
		return 0, malformed("uint32", err)
	}
	return v, nil
}

// ReadUint64 reads an unsigned 64 bit integer.
func (r *Reader) ReadUint64() (uint64, error) {
	v, _, err := r.dec.DecodeUhyper()
	if err != nil {
		return 0, malformed("uint64", err)
	}
	return v, nil
}

// ReadInt64 reads a signed 64 bit integer.
func (r *Reader) ReadInt64() (int64, error) {
	v, _, err := r.dec.DecodeHyper()
	if err != nil {
		return 0, malformed("int64", err)
	}
	return v, nil
}

// ReadInt reads an int written by WriteInt.
func (r *Reader) ReadInt() (int, error) {
	v, err := r.ReadInt64()
	if err != nil {
		return 0, err
	}
	if int64(int(v)) != v {
		return 0, malformed("int", fmt.Errorf("value %d overflows int", v))
	}
	return int(v), nil
}

// ReadString reads a length prefixed string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.readOpaque("string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads length prefixed opaque data.
func (r *Reader) ReadBytes() ([]byte, error) {
	return r.readOpaque("bytes")
}

func (r *Reader) readOpaque(what string) ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	padded := (uint64(n) + 3) &^ 3
	if padded > uint64(r.Remaining()) || uint64(n) > uint64(r.opts.maxSize) {
		return nil, &MalformedWireDataError{
			Reason: fmt.Sprintf("%s length %d exceeds remaining %d bytes", what, n, r.Remaining()),
		}
	}
	b, _, err := r.dec.DecodeFixedOpaque(int32(n))
	if err != nil {
		return nil, malformed(what, err)
	}
	return b, nil
}

// ReadTime reads a value written by WriteTime. The result is in UTC.
func (r *Reader) ReadTime() (time.Time, error) {
	set, err := r.ReadBool()
	if err != nil || !set {
		return time.Time{}, err
	}
	ns, err := r.ReadInt64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

// ReadLen reads a collection length and checks it can fit in the input.
func (r *Reader) ReadLen() (int, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*minElemSize > uint64(r.Remaining()) {
		return 0, &MalformedWireDataError{
			Reason: fmt.Sprintf("collection length %d exceeds remaining %d bytes", n, r.Remaining()),
		}
	}
	return int(n), nil
}

// ReadValue reads a token prefixed value. Only registered decode functions
// are ever invoked.
func (r *Reader) ReadValue() (any, error) {
	raw, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	tok := Token(raw)
	if tok == TokenNil {
		return nil, nil
	}
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > r.opts.maxDepth {
		return nil, &MalformedWireDataError{Reason: fmt.Sprintf("nesting deeper than %d", r.opts.maxDepth)}
	}
	if tok == TokenStream {
		if r.opts.stream == nil {
			return nil, &UnregisteredTypeError{Token: tok, Err: ErrStreamNotPermitted}
		}
		return r.opts.stream.DecodeStream(r)
	}
	e, ok := r.reg.lookupToken(tok)
	if !ok {
		return nil, &UnregisteredTypeError{Token: tok}
	}
	v, err := e.dec(r)
	if err != nil {
		return nil, malformed(e.name, err)
	}
	return v, nil
}

// ReadAs reads a token prefixed value and checks it is a T.
func ReadAs[T any](r *Reader) (T, error) {
	var zero T
	v, err := r.ReadValue()
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

// ReadSlice reads a collection written by WriteSlice.
func ReadSlice[T any](r *Reader, fn func(*Reader) (T, error)) ([]T, error) {
	n, err := r.ReadLen()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, err := fn(r)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}
