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
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

type awaitKind uint32

const (
	awaitNone awaitKind = iota
	awaitReceive
	awaitSleep
	awaitSubFlow
)

// await is the suspension a frame is parked on.
type await struct {
	Kind     awaitKind
	Session  SessionRef
	Deadline time.Time
	Timeout  time.Duration
	Catch    bool
	Resume   int
}

// frame is one level of the flow call stack.
type frame struct {
	Logic    Logic
	PC       int
	Await    await
	Received any
	Result   any
	Caught   error
}

type effectKind uint32

const (
	effectSend effectKind = iota + 1
	effectProgress
)

// effect is an outward action produced by a step. Effects are flushed only
// after the checkpoint holding them is written.
type effect struct {
	Kind  effectKind
	Env   wire.Envelope
	Close bool
	Label string
}

// continuation is the checkpointed state of a run.
type continuation struct {
	RunID    string
	Frames   []*frame
	Sessions []*session.Snapshot
	Effects  []effect
	Done     bool
	Result   any
	Failure  error
}

// RegisterTypes whitelists the values the scheduler writes to checkpoints
// and sessions. Flow logics and their payloads are registered separately.
func RegisterTypes(b *codec.Builder) error {
	regs := []func() error{
		func() error { return codec.Register(b, "flow.SessionRef", writeSessionRef, readSessionRef) },
		func() error { return codec.Register(b, "flow.Continuation", writeContinuation, readContinuation) },
		func() error {
			return codec.Register(b, "flow.FlowValidationError", writeValidationError, readValidationError)
		},
		func() error { return codec.Register(b, "flow.FlowError", writeFlowError, readFlowError) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// WriteSessionRef writes r without a type token, for use inside a logic's
// encode function.
func WriteSessionRef(w *codec.Writer, r SessionRef) error { return writeSessionRef(w, r) }

// ReadSessionRef reads a value written by WriteSessionRef.
func ReadSessionRef(r *codec.Reader) (SessionRef, error) { return readSessionRef(r) }

func writeSessionRef(w *codec.Writer, r SessionRef) error {
	if err := session.WriteUUID(w, r.ID); err != nil {
		return err
	}
	if err := w.WriteString(string(r.Peer)); err != nil {
		return err
	}
	return w.WriteBool(r.Initiated)
}

func readSessionRef(r *codec.Reader) (SessionRef, error) {
	var ref SessionRef
	var err error
	if ref.ID, err = session.ReadUUID(r); err != nil {
		return ref, err
	}
	peer, err := r.ReadString()
	if err != nil {
		return ref, err
	}
	ref.Peer = wire.Identity(peer)
	if ref.Initiated, err = r.ReadBool(); err != nil {
		return ref, err
	}
	return ref, nil
}

func writeFrame(w *codec.Writer, f *frame) error {
	if err := w.WriteValue(f.Logic); err != nil {
		return err
	}
	if err := w.WriteInt(f.PC); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(f.Await.Kind)); err != nil {
		return err
	}
	if err := writeSessionRef(w, f.Await.Session); err != nil {
		return err
	}
	if err := w.WriteTime(f.Await.Deadline); err != nil {
		return err
	}
	if err := w.WriteInt64(int64(f.Await.Timeout)); err != nil {
		return err
	}
	if err := w.WriteBool(f.Await.Catch); err != nil {
		return err
	}
	if err := w.WriteInt(f.Await.Resume); err != nil {
		return err
	}
	if err := w.WriteValue(f.Received); err != nil {
		return err
	}
	if err := w.WriteValue(f.Result); err != nil {
		return err
	}
	return w.WriteValue(f.Caught)
}

func readFrame(r *codec.Reader) (*frame, error) {
	f := &frame{}
	var err error
	if f.Logic, err = codec.ReadAs[Logic](r); err != nil {
		return nil, err
	}
	if f.Logic == nil {
		return nil, fmt.Errorf("frame without logic")
	}
	if f.PC, err = r.ReadInt(); err != nil {
		return nil, err
	}
	kind, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if kind > uint32(awaitSubFlow) {
		return nil, fmt.Errorf("invalid await kind %d", kind)
	}
	f.Await.Kind = awaitKind(kind)
	if f.Await.Session, err = readSessionRef(r); err != nil {
		return nil, err
	}
	if f.Await.Deadline, err = r.ReadTime(); err != nil {
		return nil, err
	}
	timeout, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	f.Await.Timeout = time.Duration(timeout)
	if f.Await.Catch, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if f.Await.Resume, err = r.ReadInt(); err != nil {
		return nil, err
	}
	if f.Received, err = r.ReadValue(); err != nil {
		return nil, err
	}
	if f.Result, err = r.ReadValue(); err != nil {
		return nil, err
	}
	if f.Caught, err = codec.ReadAs[error](r); err != nil {
		return nil, err
	}
	return f, nil
}

func writeEffect(w *codec.Writer, e effect) error {
	if err := w.WriteUint32(uint32(e.Kind)); err != nil {
		return err
	}
	switch e.Kind {
	case effectSend:
		if err := session.WriteEnvelope(w, e.Env); err != nil {
			return err
		}
		return w.WriteBool(e.Close)
	case effectProgress:
		return w.WriteString(e.Label)
	default:
		return fmt.Errorf("invalid effect kind %d", e.Kind)
	}
}

func readEffect(r *codec.Reader) (effect, error) {
	var e effect
	kind, err := r.ReadUint32()
	if err != nil {
		return e, err
	}
	e.Kind = effectKind(kind)
	switch e.Kind {
	case effectSend:
		if e.Env, err = session.ReadEnvelope(r); err != nil {
			return e, err
		}
		e.Close, err = r.ReadBool()
		return e, err
	case effectProgress:
		e.Label, err = r.ReadString()
		return e, err
	default:
		return e, fmt.Errorf("invalid effect kind %d", kind)
	}
}

func writeSnapshot(w *codec.Writer, s *session.Snapshot) error { return w.WriteValue(s) }

func readSnapshot(r *codec.Reader) (*session.Snapshot, error) {
	s, err := codec.ReadAs[*session.Snapshot](r)
	if err == nil && s == nil {
		err = fmt.Errorf("missing session snapshot")
	}
	return s, err
}

func writeContinuation(w *codec.Writer, c *continuation) error {
	if err := w.WriteString(c.RunID); err != nil {
		return err
	}
	if err := codec.WriteSlice(w, c.Frames, writeFrame); err != nil {
		return err
	}
	if err := codec.WriteSlice(w, c.Sessions, writeSnapshot); err != nil {
		return err
	}
	if err := codec.WriteSlice(w, c.Effects, writeEffect); err != nil {
		return err
	}
	if err := w.WriteBool(c.Done); err != nil {
		return err
	}
	if err := w.WriteValue(c.Result); err != nil {
		return err
	}
	return w.WriteValue(c.Failure)
}

func readContinuation(r *codec.Reader) (*continuation, error) {
	c := &continuation{}
	var err error
	if c.RunID, err = r.ReadString(); err != nil {
		return nil, err
	}
	if c.Frames, err = codec.ReadSlice(r, readFrame); err != nil {
		return nil, err
	}
	if c.Sessions, err = codec.ReadSlice(r, readSnapshot); err != nil {
		return nil, err
	}
	if c.Effects, err = codec.ReadSlice(r, readEffect); err != nil {
		return nil, err
	}
	if c.Done, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if c.Result, err = r.ReadValue(); err != nil {
		return nil, err
	}
	if c.Failure, err = codec.ReadAs[error](r); err != nil {
		return nil, err
	}
	if !c.Done && len(c.Frames) == 0 {
		return nil, fmt.Errorf("continuation %s has no frames", c.RunID)
	}
	return c, nil
}

func writeValidationError(w *codec.Writer, e *FlowValidationError) error {
	if err := w.WriteString(string(e.Party)); err != nil {
		return err
	}
	return w.WriteString(e.Message)
}

func readValidationError(r *codec.Reader) (*FlowValidationError, error) {
	party, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &FlowValidationError{Party: wire.Identity(party), Message: msg}, nil
}

func writeFlowError(w *codec.Writer, e *FlowError) error { return w.WriteString(e.Message) }

func readFlowError(r *codec.Reader) (*FlowError, error) {
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &FlowError{Message: msg}, nil
}

// portable returns err in a form the codec can write.
func portable(reg *codec.Registry, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := reg.NameOf(err); ok {
		return err
	}
	return &FlowError{Message: err.Error()}
}
