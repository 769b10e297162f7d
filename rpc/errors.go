//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMethod is wrapped when a request names no registered
	// operation.
	ErrUnknownMethod = errors.New("rpc: unknown method")
	// ErrUnknownHandle is returned for subscription handles that do not
	// exist or belong to another observation address.
	ErrUnknownHandle = errors.New("rpc: unknown subscription handle")
	// ErrDeadlineExceeded is wrapped when an operation outlives the call
	// timeout.
	ErrDeadlineExceeded = errors.New("rpc: deadline exceeded")
	// ErrNoObservationAddress is returned for streaming calls without an
	// observation address.
	ErrNoObservationAddress = errors.New("rpc: streaming call without an observation address")
	// ErrBadArguments is wrapped when arguments do not fit the operation.
	ErrBadArguments = errors.New("rpc: bad arguments")
	// ErrUnknownFlowName is wrapped when startFlow names an unregistered flow.
	ErrUnknownFlowName = errors.New("rpc: flow is not startable over rpc")
	// ErrGatewayClosed is returned after Close.
	ErrGatewayClosed = errors.New("rpc: gateway closed")
)

// AuthorizationError rejects a call the caller is not permitted to make.
// It is never worth retrying.
type AuthorizationError struct {
	Method     string
	Username   string
	Permission string
}

func (e *AuthorizationError) Error() string {
	if e.Username == "" {
		return fmt.Sprintf("rpc: unauthenticated call to %s", e.Method)
	}
	return fmt.Sprintf("rpc: user %s not permissioned for %s on %s", e.Username, e.Permission, e.Method)
}

// VersionMismatchError rejects a call from a client older than the
// operation.
type VersionMismatchError struct {
	Method   string
	Required int
	Client   int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("rpc: %s needs protocol version %d, client speaks %d", e.Method, e.Required, e.Client)
}
