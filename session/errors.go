//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/wire"
)

var (
	// ErrUnknownSession is returned for operations on a session id the
	// manager does not know.
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session: manager closed")
)

// SessionClosedError is returned when sending on a session that has been
// torn down locally or by the counterparty.
type SessionClosedError struct {
	SessionID uuid.UUID
	Peer      wire.Identity
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s with %s is closed", e.SessionID, e.Peer)
}

// DeadlineExceededError is returned when a receive outlives its deadline.
type DeadlineExceededError struct {
	SessionID uuid.UUID
	Peer      wire.Identity
	Timeout   time.Duration
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("session %s: no message from %s within %s", e.SessionID, e.Peer, e.Timeout)
}

// Is lets callers match with errors.Is(err, context.DeadlineExceeded).
func (e *DeadlineExceededError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// UnexpectedFlowEndError is returned to a flow awaiting a counterparty that
// ended or aborted its side of the session.
type UnexpectedFlowEndError struct {
	SessionID uuid.UUID
	Peer      wire.Identity
	Kind      AbortKind
	Message   string
}

func (e *UnexpectedFlowEndError) Error() string {
	if e.Kind == AbortEnded {
		return fmt.Sprintf("counterparty %s ended session %s while a message was expected", e.Peer, e.SessionID)
	}
	if e.Message == "" {
		return fmt.Sprintf("counterparty %s aborted session %s (%s)", e.Peer, e.SessionID, e.Kind)
	}
	return fmt.Sprintf("counterparty %s aborted session %s (%s): %s", e.Peer, e.SessionID, e.Kind, e.Message)
}
