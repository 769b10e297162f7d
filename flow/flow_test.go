//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package flow_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	"trpc.group/trpc-go/trpc-flow-go/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/transport/memory"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

const waitFor = 5 * time.Second

// pingSends counts executions of ping's sending step across restarts.
var pingSends atomic.Int64

// ping opens a session, sends "ping" and returns the reply.
type ping struct {
	Peer    wire.Identity
	Session flow.SessionRef
}

func (p *ping) FlowName() string { return "test.Ping" }

func (p *ping) Steps() []flow.Step { return []flow.Step{p.send, p.done} }

func (p *ping) send(fc *flow.Context) (flow.Next, error) {
	pingSends.Add(1)
	s, err := fc.InitiateFlow(p.Peer)
	if err != nil {
		return flow.Next{}, err
	}
	p.Session = s
	if err := fc.Send(s, "ping"); err != nil {
		return flow.Next{}, err
	}
	fc.Progress("sent")
	return flow.Receive(s, 0), nil
}

func (p *ping) done(fc *flow.Context) (flow.Next, error) {
	reply, err := flow.Received[string](fc)
	if err != nil {
		return flow.Next{}, err
	}
	return flow.Return(reply), nil
}

func writePing(w *codec.Writer, p *ping) error {
	if err := w.WriteString(string(p.Peer)); err != nil {
		return err
	}
	return flow.WriteSessionRef(w, p.Session)
}

func readPing(r *codec.Reader) (*ping, error) {
	peer, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	ref, err := flow.ReadSessionRef(r)
	if err != nil {
		return nil, err
	}
	return &ping{Peer: wire.Identity(peer), Session: ref}, nil
}

// pong answers one message with "pong", optionally after a pause.
type pong struct {
	Session flow.SessionRef
	Delay   time.Duration
}

func (p *pong) FlowName() string { return "test.Pong" }

func (p *pong) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.Receive(p.Session, 0), nil },
		func(fc *flow.Context) (flow.Next, error) {
			if _, err := flow.Received[string](fc); err != nil {
				return flow.Next{}, err
			}
			if p.Delay > 0 {
				return flow.Sleep(p.Delay), nil
			}
			return flow.Continue(), nil
		},
		func(fc *flow.Context) (flow.Next, error) {
			if err := fc.Send(p.Session, "pong"); err != nil {
				return flow.Next{}, err
			}
			return flow.Return(nil), nil
		},
	}
}

func writePong(w *codec.Writer, p *pong) error {
	if err := flow.WriteSessionRef(w, p.Session); err != nil {
		return err
	}
	return w.WriteInt64(int64(p.Delay))
}

func readPong(r *codec.Reader) (*pong, error) {
	ref, err := flow.ReadSessionRef(r)
	if err != nil {
		return nil, err
	}
	d, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return &pong{Session: ref, Delay: time.Duration(d)}, nil
}

// parent runs ping as a sub-flow.
type parent struct {
	Peer wire.Identity
}

func (p *parent) FlowName() string { return "test.Parent" }

func (p *parent) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.SubFlow(&ping{Peer: p.Peer}), nil },
		func(fc *flow.Context) (flow.Next, error) {
			reply, err := flow.ResultAs[string](fc)
			if err != nil {
				return flow.Next{}, err
			}
			return flow.Return("parent:" + reply), nil
		},
	}
}

// asker sends a question and reports how the answer, or its absence,
// turned out.
type asker struct {
	Peer    wire.Identity
	Timeout time.Duration
	Session flow.SessionRef
}

func (a *asker) FlowName() string { return "test.Asker" }

func (a *asker) Steps() []flow.Step { return []flow.Step{a.ask, a.report} }

func (a *asker) ask(fc *flow.Context) (flow.Next, error) {
	s, err := fc.InitiateFlow(a.Peer)
	if err != nil {
		return flow.Next{}, err
	}
	a.Session = s
	if err := fc.Send(s, "question"); err != nil {
		return flow.Next{}, err
	}
	return flow.Receive(s, a.Timeout).Catch(), nil
}

func (a *asker) report(fc *flow.Context) (flow.Next, error) {
	err := fc.Err()
	if err == nil {
		return flow.Return(fmt.Sprint("answer:", fc.Received())), nil
	}
	if v, ok := flow.ValidationFailure(err); ok {
		return flow.Return(fmt.Sprintf("rejected by %s: %s", v.Party, v.Message)), nil
	}
	var deadline *session.DeadlineExceededError
	if errors.As(err, &deadline) {
		return flow.Return("timeout"), nil
	}
	var end *session.UnexpectedFlowEndError
	if errors.As(err, &end) {
		return flow.Return("ended:" + string(end.Kind)), nil
	}
	return flow.Next{}, err
}

// rejecter refuses whatever it is sent.
type rejecter struct {
	Session flow.SessionRef
}

func (r *rejecter) FlowName() string { return "test.Rejecter" }

func (r *rejecter) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.Receive(r.Session, 0), nil },
		func(fc *flow.Context) (flow.Next, error) {
			return flow.Next{}, &flow.FlowValidationError{Message: fmt.Sprintf("refusing %v", fc.Received())}
		},
	}
}

// listener takes one message, then waits for a second that never comes and
// returns how the session ended.
type listener struct {
	Session flow.SessionRef
}

func (l *listener) FlowName() string { return "test.Listener" }

func (l *listener) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.Receive(l.Session, 0), nil },
		func(fc *flow.Context) (flow.Next, error) { return flow.Receive(l.Session, 0).Catch(), nil },
		func(fc *flow.Context) (flow.Next, error) {
			var end *session.UnexpectedFlowEndError
			if errors.As(fc.Err(), &end) {
				return flow.Return(string(end.Kind)), nil
			}
			return flow.Return(fmt.Sprint("unexpected:", fc.Err())), nil
		},
	}
}

func writeRef(w *codec.Writer, ref flow.SessionRef) error { return flow.WriteSessionRef(w, ref) }

func registerTestTypes(b *codec.Builder) error {
	regs := []func() error{
		func() error { return codec.Register(b, "test.Ping", writePing, readPing) },
		func() error { return codec.Register(b, "test.Pong", writePong, readPong) },
		func() error {
			return codec.Register(b, "test.Parent",
				func(w *codec.Writer, p *parent) error { return w.WriteString(string(p.Peer)) },
				func(r *codec.Reader) (*parent, error) {
					peer, err := r.ReadString()
					return &parent{Peer: wire.Identity(peer)}, err
				})
		},
		func() error {
			return codec.Register(b, "test.Asker",
				func(w *codec.Writer, a *asker) error {
					if err := w.WriteString(string(a.Peer)); err != nil {
						return err
					}
					if err := w.WriteInt64(int64(a.Timeout)); err != nil {
						return err
					}
					return writeRef(w, a.Session)
				},
				func(r *codec.Reader) (*asker, error) {
					a := &asker{}
					peer, err := r.ReadString()
					if err != nil {
						return nil, err
					}
					a.Peer = wire.Identity(peer)
					d, err := r.ReadInt64()
					if err != nil {
						return nil, err
					}
					a.Timeout = time.Duration(d)
					a.Session, err = flow.ReadSessionRef(r)
					return a, err
				})
		},
		func() error {
			return codec.Register(b, "test.Rejecter",
				func(w *codec.Writer, v *rejecter) error { return writeRef(w, v.Session) },
				func(r *codec.Reader) (*rejecter, error) {
					ref, err := flow.ReadSessionRef(r)
					return &rejecter{Session: ref}, err
				})
		},
		func() error {
			return codec.Register(b, "test.Listener",
				func(w *codec.Writer, v *listener) error { return writeRef(w, v.Session) },
				func(r *codec.Reader) (*listener, error) {
					ref, err := flow.ReadSessionRef(r)
					return &listener{Session: ref}, err
				})
		},
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()
	b := codec.NewBuilder()
	require.NoError(t, session.RegisterTypes(b))
	require.NoError(t, flow.RegisterTypes(b))
	require.NoError(t, registerTestTypes(b))
	reg, err := b.Build()
	require.NoError(t, err)
	return codec.New(reg)
}

// lateEndpoint lets the manager exist before it joins the network.
type lateEndpoint struct {
	ep atomic.Pointer[memory.Endpoint]
}

func (l *lateEndpoint) Send(ctx context.Context, env wire.Envelope) error {
	return l.ep.Load().Send(ctx, env)
}

type node struct {
	name  wire.Identity
	net   *memory.Network
	mgr   *session.Manager
	sched *flow.Scheduler
	store checkpoint.Store
}

func newNode(t *testing.T, net *memory.Network, name wire.Identity, store checkpoint.Store, opts ...flow.Option) *node {
	t.Helper()
	ep := &lateEndpoint{}
	mgr := session.NewManager(name, newCodec(t), ep)
	sched, err := flow.NewScheduler(mgr, store, opts...)
	require.NoError(t, err)
	ep.ep.Store(net.Join(name, mgr))
	t.Cleanup(func() { _ = sched.Close() })
	return &node{name: name, net: net, mgr: mgr, sched: sched, store: store}
}

// crash stops the node without finishing its runs.
func (n *node) crash() {
	_ = n.sched.Close()
	n.mgr.Shutdown()
	n.net.Leave(n.name)
}

func result(t *testing.T, h *flow.Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return h.Result(ctx)
}

// responderRun waits for the single run a node started as a responder.
func responderRun(t *testing.T, n *node) *flow.Handle {
	t.Helper()
	var h *flow.Handle
	require.Eventually(t, func() bool {
		ids := n.sched.Running()
		if len(ids) != 1 {
			return false
		}
		var ok bool
		h, ok = n.sched.Get(ids[0])
		return ok
	}, waitFor, 5*time.Millisecond)
	return h
}
