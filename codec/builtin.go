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
	"fmt"
	"reflect"
	"sort"
)

const builtinNil = "nil"

func builtin[T any](b *Builder, token Token, name string, enc func(*Writer, T) error, dec func(*Reader) (T, error)) {
	e := &entry{
		name: name,
		typ:  reflect.TypeOf((*T)(nil)).Elem(),
		enc:  func(w *Writer, v any) error { return enc(w, v.(T)) },
		dec:  func(r *Reader) (any, error) { return dec(r) },
	}
	if err := b.add(e, token); err != nil {
		panic(fmt.Sprintf("codec: builtin %s: %v", name, err))
	}
}

func registerBuiltins(b *Builder) {
	builtin(b, TokenBool, "bool", (*Writer).WriteBool, (*Reader).ReadBool)
	builtin(b, TokenString, "string", (*Writer).WriteString, (*Reader).ReadString)
	builtin(b, TokenBytes, "bytes", (*Writer).WriteBytes, (*Reader).ReadBytes)
	builtin(b, TokenInt64, "int64", (*Writer).WriteInt64, (*Reader).ReadInt64)
	builtin(b, TokenUint64, "uint64", (*Writer).WriteUint64, (*Reader).ReadUint64)
	builtin(b, TokenInt, "int", (*Writer).WriteInt, (*Reader).ReadInt)
	builtin(b, TokenTime, "time", (*Writer).WriteTime, (*Reader).ReadTime)
	builtin(b, TokenList, "list", writeList, readList)
	builtin(b, TokenMap, "map", writeMap, readMap)
}

func writeList(w *Writer, v []any) error {
	return WriteSlice(w, v, (*Writer).WriteValue)
}

func readList(r *Reader) ([]any, error) {
	return ReadSlice(r, (*Reader).ReadValue)
}

// writeMap sorts keys so that equal maps always produce equal bytes.
func writeMap(w *Writer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := w.WriteLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.WriteString(k); err != nil {
			return err
		}
		if err := w.WriteValue(m[k]); err != nil {
			return err
		}
	}
	return nil
}

func readMap(r *Reader) (map[string]any, error) {
	n, err := r.ReadLen()
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if _, dup := m[k]; dup {
			return nil, &MalformedWireDataError{Reason: fmt.Sprintf("duplicate map key %q", k)}
		}
		v, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
