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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

type discard struct{}

func (discard) Send(context.Context, wire.Envelope) error { return nil }

// napper opens a session, sends one message and sleeps.
type napper struct {
	Session SessionRef
	Nap     time.Duration
}

func (n *napper) FlowName() string { return "test.Napper" }

func (n *napper) Steps() []Step {
	return []Step{func(fc *Context) (Next, error) {
		s, err := fc.InitiateFlow("B")
		if err != nil {
			return Next{}, err
		}
		n.Session = s
		if err := fc.Send(s, "hello"); err != nil {
			return Next{}, err
		}
		return Sleep(n.Nap), nil
	}}
}

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	b := codec.NewBuilder()
	require.NoError(t, session.RegisterTypes(b))
	require.NoError(t, RegisterTypes(b))
	require.NoError(t, codec.Register(b, "test.Napper",
		func(w *codec.Writer, n *napper) error {
			if err := WriteSessionRef(w, n.Session); err != nil {
				return err
			}
			return w.WriteInt64(int64(n.Nap))
		},
		func(r *codec.Reader) (*napper, error) {
			ref, err := ReadSessionRef(r)
			if err != nil {
				return nil, err
			}
			d, err := r.ReadInt64()
			return &napper{Session: ref, Nap: time.Duration(d)}, err
		}))
	reg, err := b.Build()
	require.NoError(t, err)
	return codec.New(reg)
}

func newTestScheduler(t *testing.T, store *inmemory.Store) *Scheduler {
	t.Helper()
	mgr := session.NewManager("A", testCodec(t), discard{})
	s, err := NewScheduler(mgr, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func parked(t *testing.T, s *Scheduler, store *inmemory.Store, runID string) []byte {
	t.Helper()
	var state []byte
	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		c, err := codec.Decode[*continuation](s.codec, rec.State)
		if err != nil || len(c.Frames) != 1 || len(c.Effects) != 0 {
			return false
		}
		state = rec.State
		return c.Frames[0].Await.Kind == awaitSleep
	}, 5*time.Second, 5*time.Millisecond)
	return state
}

func TestCheckpointIdempotent(t *testing.T) {
	ctx := context.Background()
	storeA := inmemory.NewStore()
	first := newTestScheduler(t, storeA)
	h, err := first.Start(ctx, &napper{Nap: time.Hour})
	require.NoError(t, err)
	state := parked(t, first, storeA, h.RunID)

	rec, err := storeA.Get(ctx, h.RunID)
	require.NoError(t, err)
	storeB := inmemory.NewStore()
	require.NoError(t, storeB.Put(ctx, rec))
	second := newTestScheduler(t, storeB)
	restored, err := second.Resume(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, "test.Napper", restored.FlowName)

	second.mu.Lock()
	inst := second.instances[h.RunID]
	second.mu.Unlock()
	require.NotNil(t, inst)
	inst.mu.Lock()
	require.NoError(t, inst.persist(ctx))
	inst.mu.Unlock()

	again, err := storeB.Get(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, state, again.State)
}

func TestContinuationRoundTrip(t *testing.T) {
	c := testCodec(t)
	ref := SessionRef{Peer: "B", Initiated: true}
	in := &continuation{
		RunID: "run-1",
		Frames: []*frame{{
			Logic: &napper{Session: ref, Nap: time.Minute},
			PC:    1,
			Await: await{
				Kind:     awaitReceive,
				Session:  ref,
				Deadline: time.Unix(0, 42).UTC(),
				Timeout:  time.Second,
				Catch:    true,
				Resume:   3,
			},
			Received: "x",
			Caught:   &FlowValidationError{Party: "B", Message: "no"},
		}},
		Effects: []effect{
			{Kind: effectSend, Env: wire.Envelope{Sender: "A", Recipient: "B", Kind: wire.KindData, Seq: 2, Payload: []byte{1}}, Close: true},
			{Kind: effectProgress, Label: "half way"},
		},
	}
	data, err := c.Encode(in)
	require.NoError(t, err)
	out, err := codec.Decode[*continuation](c, data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRaiseUnwindsToCatchingFrame(t *testing.T) {
	s := newTestScheduler(t, inmemory.NewStore())
	i := newInstance(s, "run-1", newHandle("run-1", "test.Napper"))
	i.frames = []*frame{
		{Logic: &napper{}, PC: 0, Await: await{Kind: awaitSubFlow, Catch: true, Resume: 4}},
		{Logic: &napper{}, PC: 2, Await: await{Kind: awaitSubFlow, Resume: 3}},
		{Logic: &napper{}, PC: 1},
	}
	i.raise(errors.New("boom"))

	require.Len(t, i.frames, 1)
	assert.Equal(t, 4, i.frames[0].PC)
	assert.Equal(t, awaitNone, i.frames[0].Await.Kind)
	var fe *FlowError
	require.ErrorAs(t, i.frames[0].Caught, &fe)
	assert.Equal(t, "boom", fe.Message)
	assert.False(t, i.finished)
}

func TestAbortNotice(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want session.AbortKind
	}{
		{"cancelled", ErrCancelled, session.AbortCancelled},
		{"validation", &FlowValidationError{Message: "bad"}, session.AbortValidation},
		{"peer validation", &session.UnexpectedFlowEndError{Kind: session.AbortValidation, Message: "bad"}, session.AbortValidation},
		{"other", errors.New("boom"), session.AbortError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, abortNotice(tt.err).Kind)
		})
	}
}
