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
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

type ownedKey struct {
	id        uuid.UUID
	initiated bool
}

func keyOf(ref SessionRef) ownedKey { return ownedKey{id: ref.ID, initiated: ref.Initiated} }

// outcome is the final state of a run whose termination was checkpointed
// but not completed before a restart.
type outcome struct {
	result any
	err    error
}

// instance is one run. Only the worker holding mu touches frames, sessions
// and effects.
type instance struct {
	sched  *Scheduler
	runID  string
	handle *Handle

	mu       sync.Mutex
	frames   []*frame
	sessions map[ownedKey]*session.Session
	effects  []effect
	dirty    bool
	pending  *outcome
	timer    *time.Timer
	finished bool

	queued    atomic.Bool
	cancelled atomic.Bool
}

func newInstance(s *Scheduler, runID string, h *Handle) *instance {
	return &instance{
		sched:    s,
		runID:    runID,
		handle:   h,
		sessions: make(map[ownedKey]*session.Session),
	}
}

func (i *instance) own(ref SessionRef, s *session.Session) {
	i.sessions[keyOf(ref)] = s
}

func (i *instance) session(ref SessionRef) (*session.Session, error) {
	s, ok := i.sessions[keyOf(ref)]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not owned by run %s", session.ErrUnknownSession, ref.ID, i.runID)
	}
	return s, nil
}

// wake schedules the instance on the worker pool. Concurrent wakes collapse
// into one pending run.
func (i *instance) wake() {
	if !i.queued.CompareAndSwap(false, true) {
		return
	}
	i.sched.submit(i)
}

func (i *instance) drive() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queued.Store(false)
	if i.finished {
		return
	}
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if i.pending != nil {
		i.finish(i.pending.result, i.pending.err)
		return
	}
	if len(i.effects) > 0 {
		// Restored from a checkpoint written before its effects were flushed.
		if err := i.flush(); err != nil {
			i.raise(err)
		}
	}
	i.advance()
}

func (i *instance) advance() {
	ctx := i.sched.ctx
	for !i.finished {
		if ctx.Err() != nil {
			return
		}
		top := i.frames[len(i.frames)-1]
		if top.Await.Kind == awaitNone {
			i.step(top)
			continue
		}
		if i.cancelled.Load() {
			i.terminate(nil, ErrCancelled)
			return
		}
		ready, err := i.poll(top)
		if err != nil {
			i.raise(err)
			continue
		}
		if !ready {
			i.suspend(top)
			return
		}
	}
}

// poll resolves the await of the top frame if it can complete now.
func (i *instance) poll(top *frame) (bool, error) {
	now := time.Now()
	switch top.Await.Kind {
	case awaitReceive:
		s, err := i.session(top.Await.Session)
		if err != nil {
			return false, err
		}
		v, ok, err := i.sched.mgr.TryReceive(s)
		if ok {
			s.SetWaker(nil)
			if err != nil {
				return false, err
			}
			top.Received = v
			i.resume(top)
			return true, nil
		}
		if !top.Await.Deadline.IsZero() && !now.Before(top.Await.Deadline) {
			s.SetWaker(nil)
			return false, &session.DeadlineExceededError{SessionID: s.ID, Peer: s.Peer, Timeout: top.Await.Timeout}
		}
		return false, nil
	case awaitSleep:
		if !now.Before(top.Await.Deadline) {
			i.resume(top)
			return true, nil
		}
		return false, nil
	default:
		return false, fmt.Errorf("flow: frame %s is parked on await kind %d", top.Logic.FlowName(), top.Await.Kind)
	}
}

func (i *instance) resume(f *frame) {
	f.PC = f.Await.Resume
	f.Await = await{}
	i.dirty = true
}

// suspend checkpoints if needed and arranges to be woken.
func (i *instance) suspend(top *frame) {
	if i.dirty {
		if err := i.persist(i.sched.ctx); err != nil {
			i.terminate(nil, fmt.Errorf("flow: checkpoint %s: %w", i.runID, err))
			return
		}
	}
	if top.Await.Kind == awaitReceive {
		if s, err := i.session(top.Await.Session); err == nil {
			s.SetWaker(i.wake)
		}
	}
	if !top.Await.Deadline.IsZero() {
		i.timer = time.AfterFunc(time.Until(top.Await.Deadline), i.wake)
	}
}

func (i *instance) step(top *frame) {
	steps := top.Logic.Steps()
	var next Next
	var err error
	switch {
	case top.PC == len(steps):
		next = Return(nil)
	case top.PC < 0 || top.PC > len(steps):
		err = fmt.Errorf("flow: %s has no step %d", top.Logic.FlowName(), top.PC)
	default:
		next, err = i.runStep(top, steps[top.PC])
	}
	top.Received, top.Result, top.Caught = nil, nil, nil
	i.dirty = true

	if err != nil {
		i.raise(err)
	} else {
		i.apply(top, next)
	}
	if !i.finished && len(i.effects) > 0 {
		if err := i.commit(); err != nil {
			i.raise(err)
		}
	}
}

func (i *instance) runStep(top *frame, st Step) (next Next, err error) {
	ctx, end := i.sched.telemetry.startStep(i.sched.ctx, i.runID, top.Logic.FlowName(), top.PC)
	defer func() {
		if r := recover(); r != nil {
			err = &FlowError{Message: fmt.Sprintf("flow %s step %d panicked: %v", top.Logic.FlowName(), top.PC, r)}
		}
		end(err)
	}()
	return st(&Context{ctx: ctx, inst: i, frame: top})
}

func (i *instance) apply(top *frame, next Next) {
	now := time.Now()
	switch next.kind {
	case nextContinue:
		top.PC = next.resumeAt(top.PC)
	case nextReceive:
		timeout := next.timeout
		if timeout <= 0 {
			timeout = i.sched.mgr.ReceiveTimeout()
		}
		top.Await = await{
			Kind:    awaitReceive,
			Session: next.session,
			Timeout: timeout,
			Catch:   next.catch,
			Resume:  next.resumeAt(top.PC),
		}
		if timeout > 0 {
			top.Await.Deadline = now.Add(timeout)
		}
	case nextSleep:
		top.Await = await{Kind: awaitSleep, Deadline: now.Add(next.timeout), Resume: next.resumeAt(top.PC)}
	case nextSubFlow:
		if next.child == nil {
			i.raise(errors.New("flow: nil sub-flow"))
			return
		}
		if _, ok := i.sched.codec.Registry().NameOf(next.child); !ok {
			i.raise(&codec.UnregisteredTypeError{Type: fmt.Sprintf("%T", next.child)})
			return
		}
		top.Await = await{Kind: awaitSubFlow, Catch: next.catch, Resume: next.resumeAt(top.PC)}
		i.frames = append(i.frames, &frame{Logic: next.child})
	case nextReturn:
		i.ret(next.result)
	}
}

// ret pops the top frame with a result.
func (i *instance) ret(v any) {
	if v != nil {
		if _, err := i.sched.codec.Encode(v); err != nil {
			i.raise(fmt.Errorf("flow: result of %s: %w", i.frames[len(i.frames)-1].Logic.FlowName(), err))
			return
		}
	}
	i.frames = i.frames[:len(i.frames)-1]
	if len(i.frames) == 0 {
		i.terminate(v, nil)
		return
	}
	parent := i.frames[len(i.frames)-1]
	parent.Result = v
	i.resume(parent)
}

// raise delivers err to the innermost frame that catches it, unwinding the
// frames that do not. An uncaught error terminates the run.
func (i *instance) raise(err error) {
	for len(i.frames) > 0 {
		top := i.frames[len(i.frames)-1]
		if top.Await.Kind != awaitNone && top.Await.Catch {
			top.Caught = portable(i.sched.codec.Registry(), err)
			i.resume(top)
			return
		}
		if len(i.frames) == 1 {
			break
		}
		i.frames = i.frames[:len(i.frames)-1]
	}
	i.terminate(nil, err)
}

// commit checkpoints the run and then releases its effects.
func (i *instance) commit() error {
	if err := i.persist(i.sched.ctx); err != nil {
		return fmt.Errorf("flow: checkpoint %s: %w", i.runID, err)
	}
	return i.flush()
}

func (i *instance) sortedSessions() []*session.Session {
	out := make([]*session.Session, 0, len(i.sessions))
	for _, s := range i.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ID != out[b].ID {
			return out[a].ID.String() < out[b].ID.String()
		}
		return !out[a].Initiated && out[b].Initiated
	})
	return out
}

func (i *instance) continuation() *continuation {
	c := &continuation{RunID: i.runID, Frames: i.frames, Effects: i.effects}
	for _, s := range i.sortedSessions() {
		snap := i.sched.mgr.Snapshot(s)
		c.Sessions = append(c.Sessions, &snap)
	}
	return c
}

func (i *instance) persist(ctx context.Context) error {
	return i.write(ctx, i.continuation())
}

func (i *instance) write(ctx context.Context, c *continuation) error {
	data, err := i.sched.codec.Encode(c)
	if err != nil {
		return err
	}
	rec := &checkpoint.Record{
		RunID:     i.runID,
		FlowName:  i.handle.FlowName,
		State:     data,
		Timestamp: time.Now().UTC(),
	}
	for _, s := range c.Sessions {
		rec.SessionIDs = append(rec.SessionIDs, s.ID.String())
	}
	if err := i.sched.store.Put(ctx, rec); err != nil {
		return err
	}
	i.dirty = false
	i.sched.telemetry.checkpointWritten(ctx, rec.FlowName)
	return nil
}

// flush releases the buffered effects in order. It keeps going after a
// transmit failure and reports the first one.
func (i *instance) flush() error {
	effects := i.effects
	i.effects = nil
	if len(effects) > 0 {
		// The checkpoint still lists them until the next write.
		i.dirty = true
	}
	var first error
	for _, e := range effects {
		switch e.Kind {
		case effectSend:
			if err := i.sched.mgr.Transmit(i.sched.ctx, e.Env); err != nil {
				log.Warnf("flow: run %s: %v", i.runID, err)
				if first == nil {
					first = err
				}
			}
			if e.Close {
				key := ownedKey{id: e.Env.SessionID, initiated: e.Env.FromInitiator}
				if s, ok := i.sessions[key]; ok {
					i.sched.mgr.Close(s)
					delete(i.sessions, key)
				}
			}
		case effectProgress:
			i.handle.publish(e.Label)
		}
	}
	return first
}

// terminate ends the run. Open sessions are ended on success and aborted on
// failure; the final notices are checkpointed before they are sent so a
// restart completes the termination instead of re-running the flow.
func (i *instance) terminate(result any, err error) {
	if i.finished {
		return
	}
	if i.sched.ctx.Err() != nil {
		// Scheduler shut down mid-step; the last checkpoint is restored later.
		return
	}
	if err != nil {
		log.Debugf("flow: run %s failed: %v", i.runID, err)
	}
	notice := session.AbortNotice{}
	if err != nil {
		notice = abortNotice(err)
	}
	for _, s := range i.sortedSessions() {
		if s.State() != session.StateOpen {
			continue
		}
		var env wire.Envelope
		var perr error
		if err == nil {
			env, perr = i.sched.mgr.PrepareEnd(s)
		} else {
			env, perr = i.sched.mgr.PrepareAbort(s, notice)
		}
		if perr != nil {
			log.Warnf("flow: run %s: closing session %s: %v", i.runID, s.ID, perr)
			continue
		}
		i.effects = append(i.effects, effect{Kind: effectSend, Env: env, Close: true})
	}
	if len(i.effects) > 0 {
		c := i.continuation()
		c.Frames = nil
		c.Done = true
		c.Result = result
		c.Failure = portable(i.sched.codec.Registry(), err)
		if werr := i.write(i.sched.ctx, c); werr != nil {
			log.Warnf("flow: run %s: final checkpoint: %v", i.runID, werr)
		}
	}
	i.finish(result, err)
}

// finish flushes the final effects, releases every session and deletes the
// checkpoint.
func (i *instance) finish(result any, err error) {
	i.finished = true
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if ferr := i.flush(); ferr != nil {
		log.Warnf("flow: run %s: final notices: %v", i.runID, ferr)
	}
	for key, s := range i.sessions {
		i.sched.mgr.Close(s)
		delete(i.sessions, key)
	}
	if derr := i.sched.store.Delete(context.WithoutCancel(i.sched.ctx), i.runID); derr != nil {
		log.Warnf("flow: run %s: delete checkpoint: %v", i.runID, derr)
	}
	i.sched.finished(i, result, err)
}
