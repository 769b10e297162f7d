//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package flow runs multi-party protocols as checkpointed continuations.
//
// A flow is a Logic: a codec-registered struct whose fields are the flow's
// locals, and an ordered list of steps. Steps never block. A step that needs
// to wait returns a Next describing the suspension (receive, sleep or
// sub-flow) and the scheduler persists the whole frame stack before anything
// the step did becomes visible to other parties.
//
//	type Ping struct {
//		Peer    wire.Identity
//		Session flow.SessionRef
//		Reply   string
//	}
//
//	func (p *Ping) FlowName() string { return "example.Ping" }
//
//	func (p *Ping) Steps() []flow.Step {
//		return []flow.Step{p.send, p.done}
//	}
//
//	func (p *Ping) send(fc *flow.Context) (flow.Next, error) {
//		s, err := fc.InitiateFlow(p.Peer)
//		if err != nil {
//			return flow.Next{}, err
//		}
//		p.Session = s
//		if err := fc.Send(s, "ping"); err != nil {
//			return flow.Next{}, err
//		}
//		return flow.Receive(s, 0), nil
//	}
//
//	func (p *Ping) done(fc *flow.Context) (flow.Next, error) {
//		reply, err := flow.Received[string](fc)
//		if err != nil {
//			return flow.Next{}, err
//		}
//		return flow.Return(reply), nil
//	}
package flow

import (
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// Logic is a flow program. Implementations are pointer structs registered
// with the codec; everything a step needs after a suspension must live in
// exported fields so it is captured by checkpoints.
type Logic interface {
	// FlowName is the stable name of the flow. Sessions opened by the flow
	// carry it so the counterparty can pick a responder.
	FlowName() string
	// Steps returns the step functions in order. It must return the same
	// sequence every time it is called.
	Steps() []Step
}

// Step is one non-blocking segment of a flow.
type Step func(fc *Context) (Next, error)

// ResponderFactory builds the responder flow for a session opened by a
// counterparty.
type ResponderFactory func(s SessionRef) Logic

// SessionRef names a session owned by the current run. It is a plain value
// so flows can keep it in their fields across checkpoints.
type SessionRef struct {
	ID        uuid.UUID
	Peer      wire.Identity
	Initiated bool
}

// IsZero reports whether r refers to no session.
func (r SessionRef) IsZero() bool { return r.ID == uuid.Nil }

type nextKind uint8

const (
	nextContinue nextKind = iota
	nextReceive
	nextSleep
	nextSubFlow
	nextReturn
)

// Next tells the scheduler what to do after a step. The zero value
// continues with the following step.
type Next struct {
	kind    nextKind
	target  int
	set     bool
	catch   bool
	session SessionRef
	timeout time.Duration
	child   Logic
	result  any
}

// Continue proceeds with the following step.
func Continue() Next { return Next{} }

// Goto proceeds with step i.
func Goto(i int) Next { return Next{target: i, set: true} }

// Receive suspends until a message arrives on s. A zero timeout uses the
// session manager default.
func Receive(s SessionRef, timeout time.Duration) Next {
	return Next{kind: nextReceive, session: s, timeout: timeout}
}

// Sleep suspends for d.
func Sleep(d time.Duration) Next {
	return Next{kind: nextSleep, timeout: d}
}

// SubFlow runs child to completion before resuming. The child's result is
// available through Context.Result.
func SubFlow(child Logic) Next {
	return Next{kind: nextSubFlow, child: child}
}

// Return finishes the current frame with v.
func Return(v any) Next {
	return Next{kind: nextReturn, result: v}
}

// Then sets the step to resume at. By default execution resumes with the
// step after the one that returned n.
func (n Next) Then(i int) Next {
	n.target, n.set = i, true
	return n
}

// Catch delivers a failure of the receive or sub-flow to the resumed step
// through Context.Err instead of failing the flow.
func (n Next) Catch() Next {
	n.catch = true
	return n
}

func (n Next) resumeAt(pc int) int {
	if n.set {
		return n.target
	}
	return pc + 1
}
