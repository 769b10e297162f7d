//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package flow

import (
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

var (
	// ErrCancelled is the failure of a flow stopped by Cancel.
	ErrCancelled = errors.New("flow: cancelled")
	// ErrUnknownFlow is returned for run ids the scheduler does not know.
	ErrUnknownFlow = errors.New("flow: unknown run id")
	// ErrSchedulerClosed is returned after Close.
	ErrSchedulerClosed = errors.New("flow: scheduler closed")
	// ErrUnexpectedPayload is wrapped when a received value or sub-flow
	// result has the wrong type.
	ErrUnexpectedPayload = errors.New("flow: unexpected payload type")
	// ErrNoService is wrapped when a step asks for a service the scheduler
	// was not given.
	ErrNoService = errors.New("flow: service not available")
)

// FlowValidationError reports that a party refused the content proposed to
// it. It is broadcast to every counterparty as a validation abort.
type FlowValidationError struct {
	// Party is the identity that rejected, empty when it is the local node.
	Party   wire.Identity
	Message string
}

func (e *FlowValidationError) Error() string {
	if e.Party == "" {
		return "flow validation failed: " + e.Message
	}
	return fmt.Sprintf("flow validation failed at %s: %s", e.Party, e.Message)
}

// FlowError carries a failure that has no registered error type, so that
// it can be checkpointed and caught by a parent frame.
type FlowError struct {
	Message string
}

func (e *FlowError) Error() string { return e.Message }

// ValidationFailure reports whether err is a validation failure raised
// locally or received as an abort from a counterparty, and returns it in
// its local form.
func ValidationFailure(err error) (*FlowValidationError, bool) {
	var v *FlowValidationError
	if errors.As(err, &v) {
		return v, true
	}
	var end *session.UnexpectedFlowEndError
	if errors.As(err, &end) && end.Kind == session.AbortValidation {
		return &FlowValidationError{Party: end.Peer, Message: end.Message}, true
	}
	return nil, false
}

// abortNotice picks the notice sent to counterparties when a flow fails.
func abortNotice(err error) session.AbortNotice {
	if errors.Is(err, ErrCancelled) {
		return session.AbortNotice{Kind: session.AbortCancelled, Message: err.Error()}
	}
	if v, ok := ValidationFailure(err); ok {
		return session.AbortNotice{Kind: session.AbortValidation, Message: v.Message}
	}
	return session.AbortNotice{Kind: session.AbortError, Message: err.Error()}
}
