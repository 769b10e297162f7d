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
	"context"
	"fmt"
	"reflect"

	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// Context is handed to every step. It is only valid during the step.
type Context struct {
	ctx   context.Context
	inst  *instance
	frame *frame
}

// Context returns the context of the current step. It carries the step's
// trace span and is cancelled when the scheduler closes.
func (c *Context) Context() context.Context { return c.ctx }

// RunID returns the id of the run the step belongs to.
func (c *Context) RunID() string { return c.inst.runID }

// Self returns the identity of the local node.
func (c *Context) Self() wire.Identity { return c.inst.sched.mgr.Self() }

// Received returns the value delivered by the receive this step resumed
// from.
func (c *Context) Received() any { return c.frame.Received }

// Result returns the value returned by the sub-flow this step resumed from.
func (c *Context) Result() any { return c.frame.Result }

// Err returns the failure caught by a receive or sub-flow marked with
// Catch, or nil.
func (c *Context) Err() error { return c.frame.Caught }

// InitiateFlow opens a session to peer. The init message is sent after the
// step's checkpoint is written.
func (c *Context) InitiateFlow(peer wire.Identity) (SessionRef, error) {
	mgr := c.inst.sched.mgr
	s, err := mgr.Open(c.inst.runID, peer)
	if err != nil {
		return SessionRef{}, err
	}
	env, err := mgr.PrepareInit(s, c.frame.Logic.FlowName())
	if err != nil {
		mgr.Close(s)
		return SessionRef{}, err
	}
	ref := SessionRef{ID: s.ID, Peer: peer, Initiated: true}
	c.inst.own(ref, s)
	c.inst.effects = append(c.inst.effects, effect{Kind: effectSend, Env: env})
	return ref, nil
}

// Send queues payload on s. The payload must be a registered type; encode
// failures and closed sessions are reported immediately.
func (c *Context) Send(ref SessionRef, payload any) error {
	s, err := c.inst.session(ref)
	if err != nil {
		return err
	}
	env, err := c.inst.sched.mgr.Prepare(s, payload)
	if err != nil {
		return err
	}
	c.inst.effects = append(c.inst.effects, effect{Kind: effectSend, Env: env})
	return nil
}

// EndSession tells the counterparty this side is done with s and closes it
// once the step is checkpointed.
func (c *Context) EndSession(ref SessionRef) error {
	s, err := c.inst.session(ref)
	if err != nil {
		return err
	}
	env, err := c.inst.sched.mgr.PrepareEnd(s)
	if err != nil {
		return err
	}
	c.inst.effects = append(c.inst.effects, effect{Kind: effectSend, Env: env, Close: true})
	return nil
}

// Progress publishes a progress label to the run's subscribers.
func (c *Context) Progress(label string) {
	c.inst.effects = append(c.inst.effects, effect{Kind: effectProgress, Label: label})
}

// Received returns the last received value as a T.
func Received[T any](c *Context) (T, error) {
	return as[T](c.frame.Received, "received value")
}

// ResultAs returns the last sub-flow result as a T.
func ResultAs[T any](c *Context) (T, error) {
	return as[T](c.frame.Result, "sub-flow result")
}

func as[T any](v any, what string) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s is %T, want %s", ErrUnexpectedPayload, what, v, typeName[T]())
	}
	return t, nil
}

// Service returns the first service given to the scheduler that is a T.
func Service[T any](c *Context) (T, error) {
	for _, s := range c.inst.sched.opts.services {
		if t, ok := s.(T); ok {
			return t, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s", ErrNoService, typeName[T]())
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// Session exposes the live session behind ref, for inspection only.
func (c *Context) Session(ref SessionRef) (*session.Session, error) {
	return c.inst.session(ref)
}
