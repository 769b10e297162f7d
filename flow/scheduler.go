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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/session"
)

const (
	defaultWorkers      = 64
	defaultCloseTimeout = 5 * time.Second
)

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	workers      int
	closeTimeout time.Duration
	services     []any
}

// WithWorkers bounds the number of runs executing steps at the same time.
// Suspended runs do not count against it.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithCloseTimeout bounds how long Close waits for executing steps.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) { o.closeTimeout = d }
}

// WithServices makes node-local services available to steps through
// Service. Services are never checkpointed.
func WithServices(services ...any) Option {
	return func(o *options) { o.services = append(o.services, services...) }
}

// Scheduler executes flow runs on a bounded worker pool and checkpoints
// them to a store.
type Scheduler struct {
	mgr       *session.Manager
	codec     *codec.Codec
	store     checkpoint.Store
	opts      options
	pool      *ants.Pool
	telemetry *flowTelemetry

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	instances  map[string]*instance
	responders map[string]ResponderFactory
	closed     bool
}

// NewScheduler creates a scheduler and installs it as the init handler of
// mgr. Writes to store are serialized per run id.
func NewScheduler(mgr *session.Manager, store checkpoint.Store, opts ...Option) (*Scheduler, error) {
	if mgr == nil || store == nil {
		return nil, errors.New("flow: scheduler needs a session manager and a checkpoint store")
	}
	o := options{workers: defaultWorkers, closeTimeout: defaultCloseTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	pool, err := ants.NewPool(o.workers)
	if err != nil {
		return nil, fmt.Errorf("flow: create worker pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		mgr:        mgr,
		codec:      mgr.Codec(),
		store:      checkpoint.Serialized(store),
		opts:       o,
		pool:       pool,
		telemetry:  newFlowTelemetry(),
		ctx:        ctx,
		cancel:     cancel,
		instances:  make(map[string]*instance),
		responders: make(map[string]ResponderFactory),
	}
	mgr.SetInitHandler(s.onInit)
	return s, nil
}

// Manager returns the session manager the scheduler runs on.
func (s *Scheduler) Manager() *session.Manager { return s.mgr }

// RegisterResponder starts a flow built by f whenever a counterparty opens
// a session from the flow named initiator. A later registration for the
// same name replaces the earlier one.
func (s *Scheduler) RegisterResponder(initiator string, f ResponderFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[initiator] = f
}

// Responders returns the initiator names that have a responder, sorted.
func (s *Scheduler) Responders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.responders))
	for name := range s.responders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start checkpoints a new run of logic and schedules its first step. The
// returned handle resolves when the run finishes.
func (s *Scheduler) Start(ctx context.Context, logic Logic) (*Handle, error) {
	return s.launch(ctx, logic, nil)
}

func (s *Scheduler) launch(ctx context.Context, logic Logic, attach func(i *instance)) (*Handle, error) {
	if logic == nil {
		return nil, errors.New("flow: nil logic")
	}
	if _, ok := s.codec.Registry().NameOf(logic); !ok {
		return nil, &codec.UnregisteredTypeError{Type: fmt.Sprintf("%T", logic)}
	}
	runID := uuid.NewString()
	h := newHandle(runID, logic.FlowName())
	i := newInstance(s, runID, h)
	i.frames = []*frame{{Logic: logic}}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.instances[runID] = i
	s.mu.Unlock()

	i.mu.Lock()
	if attach != nil {
		attach(i)
	}
	err := i.persist(ctx)
	i.mu.Unlock()
	if err != nil {
		s.forget(runID)
		return nil, fmt.Errorf("flow: initial checkpoint of %s: %w", logic.FlowName(), err)
	}
	s.telemetry.runStarted(ctx, logic.FlowName())
	log.Debugf("flow: started %s as run %s", logic.FlowName(), runID)
	i.wake()
	return h, nil
}

// onInit starts the responder registered for initiator on a session opened
// by a counterparty.
func (s *Scheduler) onInit(ctx context.Context, sess *session.Session, initiator string) error {
	s.mu.Lock()
	closed := s.closed
	f, ok := s.responders[initiator]
	s.mu.Unlock()
	if closed {
		return ErrSchedulerClosed
	}
	if !ok {
		return fmt.Errorf("%w for %s", session.ErrNoResponder, initiator)
	}
	ref := SessionRef{ID: sess.ID, Peer: sess.Peer, Initiated: false}
	_, err := s.launch(ctx, f(ref), func(i *instance) {
		sess.Attach(i.runID)
		i.own(ref, sess)
	})
	return err
}

// Resume restores the run checkpointed under runID. A run that is already
// executing is returned as is.
func (s *Scheduler) Resume(ctx context.Context, runID string) (*Handle, error) {
	if h, ok := s.Get(runID); ok {
		return h, nil
	}
	rec, err := s.store.Get(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, runID)
	}
	if err != nil {
		return nil, err
	}
	return s.restore(rec)
}

// RestoreAll restores every checkpointed run that is not executing. Runs
// that fail to restore are reported together; the others keep going.
func (s *Scheduler) RestoreAll(ctx context.Context) ([]*Handle, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var handles []*Handle
	var errs []error
	for _, rec := range recs {
		if _, ok := s.Get(rec.RunID); ok {
			continue
		}
		h, err := s.restore(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", rec.RunID, err))
			continue
		}
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}

func (s *Scheduler) restore(rec *checkpoint.Record) (*Handle, error) {
	c, err := codec.Decode[*continuation](s.codec, rec.State)
	if err != nil {
		return nil, err
	}
	if c == nil || c.RunID != rec.RunID {
		return nil, fmt.Errorf("flow: checkpoint %s holds another run", rec.RunID)
	}
	h := newHandle(rec.RunID, rec.FlowName)
	i := newInstance(s, rec.RunID, h)
	i.frames = c.Frames
	i.effects = c.Effects
	if c.Done {
		i.pending = &outcome{result: c.Result, err: c.Failure}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if cur, ok := s.instances[rec.RunID]; ok {
		s.mu.Unlock()
		return cur.handle, nil
	}
	s.instances[rec.RunID] = i
	s.mu.Unlock()

	i.mu.Lock()
	for _, snap := range c.Sessions {
		sess, err := s.mgr.Restore(rec.RunID, *snap)
		if err != nil {
			for _, owned := range i.sessions {
				s.mgr.Close(owned)
			}
			i.mu.Unlock()
			s.forget(rec.RunID)
			return nil, err
		}
		i.own(SessionRef{ID: sess.ID, Peer: sess.Peer, Initiated: sess.Initiated}, sess)
	}
	i.mu.Unlock()

	s.telemetry.runStarted(s.ctx, rec.FlowName)
	log.Infof("flow: restored run %s of %s", rec.RunID, rec.FlowName)
	i.wake()
	return h, nil
}

// Cancel asks the run to stop. It takes effect at the run's next
// suspension point and fails the run with ErrCancelled.
func (s *Scheduler) Cancel(runID string) error {
	s.mu.Lock()
	i, ok := s.instances[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlow, runID)
	}
	i.cancelled.Store(true)
	i.wake()
	return nil
}

// Get returns the handle of an executing run.
func (s *Scheduler) Get(runID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[runID]
	if !ok {
		return nil, false
	}
	return i.handle, true
}

// Running returns the ids of executing runs, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// submit hands i to the pool. Submit blocks while every worker is busy, and
// wakes can come from a worker, so the hand-off happens off the caller.
func (s *Scheduler) submit(i *instance) {
	if s.ctx.Err() != nil {
		i.queued.Store(false)
		return
	}
	go func() {
		if err := s.pool.Submit(i.drive); err != nil {
			i.queued.Store(false)
			if s.ctx.Err() == nil {
				log.Errorf("flow: schedule run %s: %v", i.runID, err)
			}
		}
	}()
}

func (s *Scheduler) finished(i *instance, result any, err error) {
	s.forget(i.runID)
	s.telemetry.runFinished(s.ctx, i.handle.FlowName, err)
	if err != nil {
		log.Infof("flow: run %s of %s failed: %v", i.runID, i.handle.FlowName, err)
	} else {
		log.Debugf("flow: run %s of %s finished", i.runID, i.handle.FlowName)
	}
	i.handle.resolve(result, err)
}

func (s *Scheduler) forget(runID string) {
	s.mu.Lock()
	delete(s.instances, runID)
	s.mu.Unlock()
}

// Close stops scheduling. Runs are left in the checkpoint store for a
// later scheduler to restore; their handles resolve with
// ErrSchedulerClosed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*instance, 0, len(s.instances))
	for _, i := range s.instances {
		open = append(open, i)
	}
	s.instances = make(map[string]*instance)
	s.mu.Unlock()

	s.cancel()
	err := s.pool.ReleaseTimeout(s.opts.closeTimeout)
	for _, i := range open {
		i.handle.resolve(nil, ErrSchedulerClosed)
	}
	return err
}
