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
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// RegisterTypes whitelists the session payloads and errors.
func RegisterTypes(b *codec.Builder) error {
	regs := []func() error{
		func() error { return codec.Register(b, "session.Init", writeInit, readInit) },
		func() error { return codec.Register(b, "session.AbortNotice", writeAbortNotice, readAbortNotice) },
		func() error { return codec.Register(b, "session.Snapshot", writeSnapshot, readSnapshot) },
		func() error {
			return codec.Register(b, "session.UnexpectedFlowEndError", writeFlowEnd, readFlowEnd)
		},
		func() error {
			return codec.Register(b, "session.DeadlineExceededError", writeDeadline, readDeadline)
		},
		func() error {
			return codec.Register(b, "session.SessionClosedError", writeClosed, readClosed)
		},
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// WriteUUID writes a 16 byte identifier.
func WriteUUID(w *codec.Writer, id uuid.UUID) error {
	return w.WriteBytes(id[:])
}

// ReadUUID reads an identifier written by WriteUUID.
func ReadUUID(r *codec.Reader) (uuid.UUID, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return uuid.Nil, err
	}
	if len(b) != len(uuid.UUID{}) {
		return uuid.Nil, fmt.Errorf("uuid of %d bytes", len(b))
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, nil
}

func writeInit(w *codec.Writer, v *Init) error {
	if err := w.WriteString(v.Initiator); err != nil {
		return err
	}
	return w.WriteBytes(v.Fingerprint)
}

func readInit(r *codec.Reader) (*Init, error) {
	v := &Init{}
	var err error
	if v.Initiator, err = r.ReadString(); err != nil {
		return nil, err
	}
	if v.Fingerprint, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return v, nil
}

func writeAbortNotice(w *codec.Writer, v *AbortNotice) error {
	if err := w.WriteString(string(v.Kind)); err != nil {
		return err
	}
	return w.WriteString(v.Message)
}

func readAbortNotice(r *codec.Reader) (*AbortNotice, error) {
	kind, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &AbortNotice{Kind: AbortKind(kind), Message: msg}, nil
}

func writeEnvelope(w *codec.Writer, env wire.Envelope) error {
	if err := w.WriteString(string(env.Sender)); err != nil {
		return err
	}
	if err := w.WriteString(string(env.Recipient)); err != nil {
		return err
	}
	if err := WriteUUID(w, env.SessionID); err != nil {
		return err
	}
	if err := w.WriteUint64(env.Seq); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(env.Kind)); err != nil {
		return err
	}
	if err := w.WriteBool(env.FromInitiator); err != nil {
		return err
	}
	return w.WriteBytes(env.Payload)
}

func readEnvelope(r *codec.Reader) (wire.Envelope, error) {
	var env wire.Envelope
	sender, err := r.ReadString()
	if err != nil {
		return env, err
	}
	recipient, err := r.ReadString()
	if err != nil {
		return env, err
	}
	env.Sender, env.Recipient = wire.Identity(sender), wire.Identity(recipient)
	if env.SessionID, err = ReadUUID(r); err != nil {
		return env, err
	}
	if env.Seq, err = r.ReadUint64(); err != nil {
		return env, err
	}
	kind, err := r.ReadUint32()
	if err != nil {
		return env, err
	}
	if kind < uint32(wire.KindInit) || kind > uint32(wire.KindAbort) {
		return env, wire.ErrUnknownKind
	}
	env.Kind = wire.Kind(kind)
	if env.FromInitiator, err = r.ReadBool(); err != nil {
		return env, err
	}
	if env.Payload, err = r.ReadBytes(); err != nil {
		return env, err
	}
	return env, nil
}

// WriteEnvelope writes env for persistence inside another value.
func WriteEnvelope(w *codec.Writer, env wire.Envelope) error { return writeEnvelope(w, env) }

// ReadEnvelope reads an envelope written by WriteEnvelope.
func ReadEnvelope(r *codec.Reader) (wire.Envelope, error) { return readEnvelope(r) }

func writeSnapshot(w *codec.Writer, v *Snapshot) error {
	if err := WriteUUID(w, v.ID); err != nil {
		return err
	}
	if err := w.WriteString(string(v.Peer)); err != nil {
		return err
	}
	if err := w.WriteBool(v.Initiated); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(v.State)); err != nil {
		return err
	}
	if err := w.WriteUint64(v.SendSeq); err != nil {
		return err
	}
	if err := w.WriteUint64(v.RecvNext); err != nil {
		return err
	}
	if err := codec.WriteSlice(w, v.Ready, writeEnvelope); err != nil {
		return err
	}
	if err := codec.WriteSlice(w, v.Early, writeEnvelope); err != nil {
		return err
	}
	if v.Terminal == nil {
		return w.WriteValue(nil)
	}
	return w.WriteValue(v.Terminal)
}

func readSnapshot(r *codec.Reader) (*Snapshot, error) {
	v := &Snapshot{}
	var err error
	if v.ID, err = ReadUUID(r); err != nil {
		return nil, err
	}
	peer, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	v.Peer = wire.Identity(peer)
	if v.Initiated, err = r.ReadBool(); err != nil {
		return nil, err
	}
	state, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if state > uint32(StateClosed) {
		return nil, fmt.Errorf("invalid session state %d", state)
	}
	v.State = State(state)
	if v.SendSeq, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if v.RecvNext, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if v.Ready, err = codec.ReadSlice(r, readEnvelope); err != nil {
		return nil, err
	}
	if v.Early, err = codec.ReadSlice(r, readEnvelope); err != nil {
		return nil, err
	}
	if v.Terminal, err = codec.ReadAs[*AbortNotice](r); err != nil {
		return nil, err
	}
	return v, nil
}

func writeFlowEnd(w *codec.Writer, e *UnexpectedFlowEndError) error {
	if err := WriteUUID(w, e.SessionID); err != nil {
		return err
	}
	if err := w.WriteString(string(e.Peer)); err != nil {
		return err
	}
	if err := w.WriteString(string(e.Kind)); err != nil {
		return err
	}
	return w.WriteString(e.Message)
}

func readFlowEnd(r *codec.Reader) (*UnexpectedFlowEndError, error) {
	e := &UnexpectedFlowEndError{}
	var err error
	if e.SessionID, err = ReadUUID(r); err != nil {
		return nil, err
	}
	peer, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	kind, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	e.Peer, e.Kind = wire.Identity(peer), AbortKind(kind)
	if e.Message, err = r.ReadString(); err != nil {
		return nil, err
	}
	return e, nil
}

func writeDeadline(w *codec.Writer, e *DeadlineExceededError) error {
	if err := WriteUUID(w, e.SessionID); err != nil {
		return err
	}
	if err := w.WriteString(string(e.Peer)); err != nil {
		return err
	}
	return w.WriteInt64(int64(e.Timeout))
}

func readDeadline(r *codec.Reader) (*DeadlineExceededError, error) {
	e := &DeadlineExceededError{}
	var err error
	if e.SessionID, err = ReadUUID(r); err != nil {
		return nil, err
	}
	peer, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	e.Peer = wire.Identity(peer)
	timeout, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	e.Timeout = time.Duration(timeout)
	return e, nil
}

func writeClosed(w *codec.Writer, e *SessionClosedError) error {
	if err := WriteUUID(w, e.SessionID); err != nil {
		return err
	}
	return w.WriteString(string(e.Peer))
}

func readClosed(r *codec.Reader) (*SessionClosedError, error) {
	id, err := ReadUUID(r)
	if err != nil {
		return nil, err
	}
	peer, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &SessionClosedError{SessionID: id, Peer: wire.Identity(peer)}, nil
}
