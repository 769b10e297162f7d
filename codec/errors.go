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
	"errors"
	"fmt"
)

var (
	// ErrRegistryFrozen is returned when a registration is attempted after Build.
	ErrRegistryFrozen = errors.New("codec: registry is frozen")
	// ErrStreamNotPermitted is returned when a stream value is encoded or
	// decoded without a per-call stream serializer.
	ErrStreamNotPermitted = errors.New("codec: stream values require an explicit stream serializer")
	// ErrDuplicateRegistration is returned when a type or name is registered twice.
	ErrDuplicateRegistration = errors.New("codec: duplicate registration")
	// ErrDuplicatePlugin is returned when two plugins share a name.
	ErrDuplicatePlugin = errors.New("codec: duplicate plugin")
)

// UnregisteredTypeError reports a value or token that is not on the whitelist.
type UnregisteredTypeError struct {
	// Type is the Go type name for encode failures. Empty on decode.
	Type string
	// Token is the offending wire token for decode failures.
	Token Token
	Err   error
}

func (e *UnregisteredTypeError) Error() string {
	msg := "codec: unregistered type"
	if e.Type != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Type)
	} else {
		msg = fmt.Sprintf("%s token %d", msg, e.Token)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnregisteredTypeError) Unwrap() error { return e.Err }

// MalformedWireDataError reports truncated, corrupt or out of bounds input.
type MalformedWireDataError struct {
	Reason string
	Err    error
}

func (e *MalformedWireDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: malformed wire data: %s: %v", e.Reason, e.Err)
	}
	return "codec: malformed wire data: " + e.Reason
}

func (e *MalformedWireDataError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	var m *MalformedWireDataError
	if errors.As(err, &m) {
		return err
	}
	var u *UnregisteredTypeError
	if errors.As(err, &u) {
		return err
	}
	return &MalformedWireDataError{Reason: reason, Err: err}
}
