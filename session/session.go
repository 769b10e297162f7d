//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package session multiplexes ordered, bidirectional flow sessions over a
// message transport.
package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// State is the lifecycle state of a session.
type State uint8

const (
	// StateOpen sessions can send and receive.
	StateOpen State = iota
	// StateEnded sessions saw the counterparty finish normally.
	StateEnded
	// StateAborted sessions saw the counterparty fail.
	StateAborted
	// StateClosed sessions were torn down locally.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEnded:
		return "ended"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AbortKind classifies why a counterparty stopped talking on a session.
type AbortKind string

const (
	AbortEnded        AbortKind = "ended"
	AbortError        AbortKind = "error"
	AbortValidation   AbortKind = "validation"
	AbortCancelled    AbortKind = "cancelled"
	AbortRejected     AbortKind = "rejected"
	AbortIncompatible AbortKind = "incompatible"
)

// AbortNotice is the structured payload of an abort message.
type AbortNotice struct {
	Kind    AbortKind
	Message string
}

// Init is the payload of a session init message.
type Init struct {
	// Initiator names the flow that opened the session. The receiving node
	// uses it to pick the responder flow.
	Initiator string
	// Fingerprint is the sender's codec registry fingerprint.
	Fingerprint []byte
}

// Session is one side of a conversation between a local flow and a
// counterparty. All fields are guarded by mu.
type Session struct {
	ID        uuid.UUID
	Peer      wire.Identity
	Initiated bool

	mu       sync.Mutex
	runID    string
	state    State
	sendSeq  uint64
	recvNext uint64
	ready    []wire.Envelope
	early    map[uint64]wire.Envelope
	terminal *AbortNotice
	notify   chan struct{}
	waker    func()

	decodeAbort func([]byte) AbortNotice
}

func newSession(id uuid.UUID, peer wire.Identity, runID string, initiated bool,
	decodeAbort func([]byte) AbortNotice) *Session {
	return &Session{
		ID:          id,
		Peer:        peer,
		Initiated:   initiated,
		runID:       runID,
		early:       make(map[uint64]wire.Envelope),
		notify:      make(chan struct{}, 1),
		decodeAbort: decodeAbort,
	}
}

// RunID returns the run id of the owning flow.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Attach assigns the session to a flow run.
func (s *Session) Attach(runID string) {
	s.mu.Lock()
	s.runID = runID
	s.mu.Unlock()
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetWaker registers fn to be called whenever the session has something new
// to receive. The flow scheduler uses it to reschedule a suspended flow
// without holding a worker while waiting.
func (s *Session) SetWaker(fn func()) {
	s.mu.Lock()
	s.waker = fn
	pending := len(s.ready) > 0 || s.terminal != nil
	s.mu.Unlock()
	if fn != nil && pending {
		fn()
	}
}

// Ready reports whether a receive would complete without waiting.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) > 0 || s.terminal != nil
}

// signal must be called without holding mu.
func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.mu.Lock()
	waker := s.waker
	s.mu.Unlock()
	if waker != nil {
		waker()
	}
}

// accept applies in-order delivery. It reports whether anything became
// receivable.
func (s *Session) accept(env wire.Envelope, maxEarly int) (progressed bool, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false, true
	}
	switch {
	case env.Seq < s.recvNext:
		return false, true
	case env.Seq > s.recvNext:
		if _, ok := s.early[env.Seq]; ok {
			return false, true
		}
		if len(s.early) >= maxEarly {
			return false, true
		}
		s.early[env.Seq] = env
		return false, false
	}
	s.apply(env)
	for {
		next, ok := s.early[s.recvNext]
		if !ok {
			break
		}
		delete(s.early, s.recvNext)
		s.apply(next)
	}
	return true, false
}

// apply consumes the message with sequence recvNext.
func (s *Session) apply(env wire.Envelope) {
	s.recvNext++
	if s.terminal != nil {
		return
	}
	switch env.Kind {
	case wire.KindData:
		s.ready = append(s.ready, env)
	case wire.KindEnd:
		s.terminal = &AbortNotice{Kind: AbortEnded}
		s.state = StateEnded
	case wire.KindAbort:
		notice := s.decodeAbort(env.Payload)
		s.terminal = &notice
		s.state = StateAborted
	}
}

func (s *Session) nextSeq() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return 0, false
	}
	seq := s.sendSeq
	s.sendSeq++
	return seq, true
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	ID        uuid.UUID
	Peer      wire.Identity
	Initiated bool
	State     State
	SendSeq   uint64
	RecvNext  uint64
	Ready     []wire.Envelope
	Early     []wire.Envelope
	Terminal  *AbortNotice
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.ID,
		Peer:      s.Peer,
		Initiated: s.Initiated,
		State:     s.state,
		SendSeq:   s.sendSeq,
		RecvNext:  s.recvNext,
		Ready:     append([]wire.Envelope(nil), s.ready...),
	}
	for _, env := range s.early {
		snap.Early = append(snap.Early, env)
	}
	sortBySeq(snap.Early)
	if s.terminal != nil {
		t := *s.terminal
		snap.Terminal = &t
	}
	return snap
}

func sortBySeq(envs []wire.Envelope) {
	sort.Slice(envs, func(i, j int) bool { return envs[i].Seq < envs[j].Seq })
}

func fromSnapshot(snap Snapshot, runID string, decodeAbort func([]byte) AbortNotice) *Session {
	s := newSession(snap.ID, snap.Peer, runID, snap.Initiated, decodeAbort)
	s.state = snap.State
	s.sendSeq = snap.SendSeq
	s.recvNext = snap.RecvNext
	s.ready = append(s.ready, snap.Ready...)
	for _, env := range snap.Early {
		s.early[env.Seq] = env
	}
	if snap.Terminal != nil {
		t := *snap.Terminal
		s.terminal = &t
	}
	return s
}
