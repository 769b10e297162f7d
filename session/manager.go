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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

const (
	defaultMaxBuffered = 1024
	defaultTombstones  = 4096
)

// Transport moves envelopes between nodes. Retrying transient failures is
// the transport's job.
type Transport interface {
	Send(ctx context.Context, env wire.Envelope) error
}

// InitHandler is called for every session opened by a counterparty.
// Returning an error rejects the session and aborts it towards the peer.
type InitHandler func(ctx context.Context, s *Session, initiator string) error

// ErrNoResponder is returned by an InitHandler when no responder flow is
// registered for the initiating flow.
var ErrNoResponder = errors.New("session: no responder registered")

// Option configures a Manager.
type Option func(*options)

type options struct {
	receiveTimeout time.Duration
	maxBuffered    int
}

// WithReceiveTimeout sets the deadline used when Receive is called without
// one. Zero waits forever.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *options) { o.receiveTimeout = d }
}

// WithMaxBuffered bounds the number of out of order messages held per
// session, and of messages held for sessions not yet opened.
func WithMaxBuffered(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBuffered = n
		}
	}
}

type sessionKey struct {
	id        uuid.UUID
	initiated bool
}

// Manager owns the session table of one node.
type Manager struct {
	self      wire.Identity
	codec     *codec.Codec
	transport Transport
	opts      options

	mu          sync.RWMutex
	sessions    map[sessionKey]*Session
	orphans     map[sessionKey][]wire.Envelope
	tombstones  map[sessionKey]struct{}
	tombOrder   []sessionKey
	onInit      InitHandler
	closed      bool
	fingerprint []byte
}

// NewManager creates a session manager for the node named self.
func NewManager(self wire.Identity, c *codec.Codec, t Transport, opts ...Option) *Manager {
	o := options{maxBuffered: defaultMaxBuffered}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		self:        self,
		codec:       c,
		transport:   t,
		opts:        o,
		sessions:    make(map[sessionKey]*Session),
		orphans:     make(map[sessionKey][]wire.Envelope),
		tombstones:  make(map[sessionKey]struct{}),
		fingerprint: c.Registry().Fingerprint(),
	}
}

// Self returns the local identity.
func (m *Manager) Self() wire.Identity { return m.self }

// Codec returns the codec used for payloads.
func (m *Manager) Codec() *codec.Codec { return m.codec }

// SetInitHandler installs the handler for sessions opened by peers.
func (m *Manager) SetInitHandler(h InitHandler) {
	m.mu.Lock()
	m.onInit = h
	m.mu.Unlock()
}

// InitiateFlow opens a session to peer on behalf of runID and sends the init
// message. It does not wait for the peer.
func (m *Manager) InitiateFlow(ctx context.Context, runID string, peer wire.Identity, initiator string) (*Session, error) {
	s, err := m.Open(runID, peer)
	if err != nil {
		return nil, err
	}
	env, err := m.PrepareInit(s, initiator)
	if err != nil {
		return nil, err
	}
	if err := m.Transmit(ctx, env); err != nil {
		m.Close(s)
		return nil, err
	}
	return s, nil
}

// Open allocates a new initiating session without sending anything.
func (m *Manager) Open(runID string, peer wire.Identity) (*Session, error) {
	s := newSession(uuid.New(), peer, runID, true, m.decodeAbort)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	m.sessions[sessionKey{id: s.ID, initiated: true}] = s
	return s, nil
}

// PrepareInit builds the init envelope for a session created by Open.
func (m *Manager) PrepareInit(s *Session, initiator string) (wire.Envelope, error) {
	return m.prepare(s, wire.KindInit, &Init{Initiator: initiator, Fingerprint: m.fingerprint})
}

// Prepare encodes payload and assigns it the next sequence number. The
// envelope is not sent until Transmit.
func (m *Manager) Prepare(s *Session, payload any) (wire.Envelope, error) {
	return m.prepare(s, wire.KindData, payload)
}

// PrepareEnd builds the normal termination envelope.
func (m *Manager) PrepareEnd(s *Session) (wire.Envelope, error) {
	return m.prepare(s, wire.KindEnd, nil)
}

// PrepareAbort builds an abort envelope carrying notice.
func (m *Manager) PrepareAbort(s *Session, notice AbortNotice) (wire.Envelope, error) {
	return m.prepare(s, wire.KindAbort, &notice)
}

func (m *Manager) prepare(s *Session, kind wire.Kind, payload any) (wire.Envelope, error) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = m.codec.Encode(payload); err != nil {
			return wire.Envelope{}, err
		}
	}
	seq, ok := s.nextSeq()
	if !ok {
		return wire.Envelope{}, &SessionClosedError{SessionID: s.ID, Peer: s.Peer}
	}
	return wire.Envelope{
		Sender:        m.self,
		Recipient:     s.Peer,
		SessionID:     s.ID,
		Seq:           seq,
		Kind:          kind,
		FromInitiator: s.Initiated,
		Payload:       data,
	}, nil
}

// Transmit hands a prepared envelope to the transport.
func (m *Manager) Transmit(ctx context.Context, env wire.Envelope) error {
	if err := m.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("session: transmit %s seq %d to %s: %w", env.Kind, env.Seq, env.Recipient, err)
	}
	return nil
}

// Send encodes and transmits payload on s.
func (m *Manager) Send(ctx context.Context, s *Session, payload any) error {
	env, err := m.Prepare(s, payload)
	if err != nil {
		return err
	}
	return m.Transmit(ctx, env)
}

// End tells the peer this side finished and closes s.
func (m *Manager) End(ctx context.Context, s *Session) error {
	defer m.Close(s)
	env, err := m.PrepareEnd(s)
	if err != nil {
		return err
	}
	return m.Transmit(ctx, env)
}

// Abort sends notice to the peer and closes s.
func (m *Manager) Abort(ctx context.Context, s *Session, notice AbortNotice) error {
	defer m.Close(s)
	env, err := m.PrepareAbort(s, notice)
	if err != nil {
		return err
	}
	return m.Transmit(ctx, env)
}

// TryReceive returns the next payload if one is available. ok is false when
// the caller has to wait.
func (m *Manager) TryReceive(s *Session) (payload any, ok bool, err error) {
	s.mu.Lock()
	if len(s.ready) > 0 {
		env := s.ready[0]
		s.ready[0] = wire.Envelope{}
		s.ready = s.ready[1:]
		s.mu.Unlock()
		v, err := m.codec.DecodeAny(env.Payload)
		if err != nil {
			return nil, true, err
		}
		return v, true, nil
	}
	defer s.mu.Unlock()
	if s.terminal != nil {
		return nil, true, &UnexpectedFlowEndError{
			SessionID: s.ID,
			Peer:      s.Peer,
			Kind:      s.terminal.Kind,
			Message:   s.terminal.Message,
		}
	}
	if s.state == StateClosed {
		return nil, true, &SessionClosedError{SessionID: s.ID, Peer: s.Peer}
	}
	return nil, false, nil
}

// Receive blocks until a payload arrives on s, the peer ends the session,
// the timeout elapses or ctx is done. A zero timeout uses the configured
// default.
func (m *Manager) Receive(ctx context.Context, s *Session, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = m.opts.receiveTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		v, ok, err := m.TryReceive(s)
		if ok {
			return v, err
		}
		select {
		case <-s.notify:
		case <-expired:
			return nil, &DeadlineExceededError{SessionID: s.ID, Peer: s.Peer, Timeout: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReceiveTimeout returns the configured default receive deadline.
func (m *Manager) ReceiveTimeout() time.Duration { return m.opts.receiveTimeout }

// Deliver is called by the transport for every inbound envelope.
func (m *Manager) Deliver(ctx context.Context, env wire.Envelope) {
	if env.Recipient != "" && env.Recipient != m.self {
		log.Warnf("session: dropping %s for %s received by %s", env.Kind, env.Recipient, m.self)
		return
	}
	key := sessionKey{id: env.SessionID, initiated: !env.FromInitiator}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	s, ok := m.sessions[key]
	if !ok {
		if _, dead := m.tombstones[key]; dead {
			m.mu.Unlock()
			log.Debugf("session: dropping %s seq %d for closed session %s", env.Kind, env.Seq, env.SessionID)
			return
		}
		if env.Kind == wire.KindInit && env.FromInitiator {
			s = newSession(env.SessionID, env.Sender, "", false, m.decodeAbort)
			m.sessions[key] = s
			orphans := m.orphans[key]
			delete(m.orphans, key)
			handler := m.onInit
			m.mu.Unlock()
			m.accept(s, env)
			for _, o := range orphans {
				m.accept(s, o)
			}
			m.handleInit(ctx, s, env, handler)
			return
		}
		if len(m.orphans[key]) < m.opts.maxBuffered && len(m.orphans) < m.opts.maxBuffered {
			m.orphans[key] = append(m.orphans[key], env)
		} else {
			log.Warnf("session: orphan buffer full, dropping %s seq %d for %s", env.Kind, env.Seq, env.SessionID)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.accept(s, env)
}

func (m *Manager) accept(s *Session, env wire.Envelope) {
	progressed, dropped := s.accept(env, m.opts.maxBuffered)
	if dropped {
		log.Debugf("session: dropped %s seq %d on %s", env.Kind, env.Seq, s.ID)
	}
	if progressed {
		s.signal()
	}
}

func (m *Manager) handleInit(ctx context.Context, s *Session, env wire.Envelope, handler InitHandler) {
	init, err := codec.Decode[*Init](m.codec, env.Payload)
	if err != nil || init == nil {
		m.reject(ctx, s, AbortNotice{Kind: AbortIncompatible, Message: fmt.Sprintf("unreadable session init: %v", err)})
		return
	}
	if !bytes.Equal(init.Fingerprint, m.fingerprint) {
		m.reject(ctx, s, AbortNotice{Kind: AbortIncompatible, Message: "codec registry fingerprint mismatch"})
		return
	}
	if handler == nil {
		m.reject(ctx, s, AbortNotice{Kind: AbortRejected, Message: ErrNoResponder.Error()})
		return
	}
	if err := handler(ctx, s, init.Initiator); err != nil {
		m.reject(ctx, s, AbortNotice{Kind: AbortRejected, Message: err.Error()})
	}
}

func (m *Manager) reject(ctx context.Context, s *Session, notice AbortNotice) {
	log.Warnf("session: rejecting session %s from %s: %s", s.ID, s.Peer, notice.Message)
	if err := m.Abort(ctx, s, notice); err != nil {
		log.Warnf("session: abort of rejected session %s: %v", s.ID, err)
	}
}

// Close tears down s locally. Messages arriving afterwards are dropped.
func (m *Manager) Close(s *Session) {
	s.mu.Lock()
	s.state = StateClosed
	s.waker = nil
	s.ready = nil
	s.early = make(map[uint64]wire.Envelope)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}

	key := sessionKey{id: s.ID, initiated: s.Initiated}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[key]; ok && cur == s {
		delete(m.sessions, key)
	}
	delete(m.orphans, key)
	if _, ok := m.tombstones[key]; !ok {
		m.tombstones[key] = struct{}{}
		m.tombOrder = append(m.tombOrder, key)
		if len(m.tombOrder) > defaultTombstones {
			delete(m.tombstones, m.tombOrder[0])
			m.tombOrder = m.tombOrder[1:]
		}
	}
}

// Get looks up a live session.
func (m *Manager) Get(id uuid.UUID, initiated bool) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey{id: id, initiated: initiated}]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot captures the persisted form of s.
func (m *Manager) Snapshot(s *Session) Snapshot { return s.snapshot() }

// Restore re-registers a session from a checkpoint, replacing any live
// session with the same key.
func (m *Manager) Restore(runID string, snap Snapshot) (*Session, error) {
	s := fromSnapshot(snap, runID, m.decodeAbort)
	key := sessionKey{id: s.ID, initiated: s.Initiated}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.sessions[key] = s
	orphans := m.orphans[key]
	delete(m.orphans, key)
	delete(m.tombstones, key)
	m.mu.Unlock()
	for _, o := range orphans {
		m.accept(s, o)
	}
	return s, nil
}

// Shutdown closes the manager. Live sessions are left for checkpoints to
// restore in a later process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Manager) decodeAbort(payload []byte) AbortNotice {
	notice, err := codec.Decode[*AbortNotice](m.codec, payload)
	if err != nil || notice == nil {
		return AbortNotice{Kind: AbortError, Message: "unreadable abort notice"}
	}
	return *notice
}
