//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package memory provides an in-process transport connecting several nodes.
// Envelopes are framed with the wire format on the way through so that
// every hop exercises the same encoding as a network transport.
package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// ErrNetworkClosed is returned by Send after Close.
var ErrNetworkClosed = errors.New("memory: network closed")

// Receiver consumes inbound envelopes. session.Manager satisfies it.
type Receiver interface {
	Deliver(ctx context.Context, env wire.Envelope)
}

// Network routes frames between joined nodes. Frames for a node that is not
// currently joined are kept until it joins again.
type Network struct {
	limits wire.Limits

	mu      sync.Mutex
	nodes   map[wire.Identity]*mailbox
	parked  map[wire.Identity][][]byte
	holding bool
	held    []heldFrame
	closed  bool
	sent    int
	rng     *rand.Rand
}

type heldFrame struct {
	to    wire.Identity
	frame []byte
}

// Option configures a Network.
type Option func(*Network)

// WithLimits overrides the frame limits.
func WithLimits(l wire.Limits) Option {
	return func(n *Network) { n.limits = l }
}

// WithSeed seeds the generator used by Shuffle.
func WithSeed(seed int64) Option {
	return func(n *Network) { n.rng = rand.New(rand.NewSource(seed)) }
}

// NewNetwork creates an empty network.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		limits: wire.DefaultLimits(),
		nodes:  make(map[wire.Identity]*mailbox),
		parked: make(map[wire.Identity][][]byte),
		rng:    rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Endpoint is one node's view of the network. It implements
// session.Transport.
type Endpoint struct {
	net  *Network
	self wire.Identity
}

// Join attaches r under id and delivers any frames parked for it.
func (n *Network) Join(id wire.Identity, r Receiver) *Endpoint {
	mb := newMailbox(id, r, n.limits)
	n.mu.Lock()
	if old, ok := n.nodes[id]; ok {
		old.close()
	}
	n.nodes[id] = mb
	parked := n.parked[id]
	delete(n.parked, id)
	n.mu.Unlock()
	for _, f := range parked {
		mb.push(f)
	}
	return &Endpoint{net: n, self: id}
}

// Leave detaches id. Frames sent to it are parked until it joins again.
func (n *Network) Leave(id wire.Identity) {
	n.mu.Lock()
	mb, ok := n.nodes[id]
	delete(n.nodes, id)
	n.mu.Unlock()
	if ok {
		mb.close()
	}
}

// Hold buffers every frame until Release or Shuffle.
func (n *Network) Hold() {
	n.mu.Lock()
	n.holding = true
	n.mu.Unlock()
}

// Release delivers held frames in reverse order and stops holding.
func (n *Network) Release() {
	n.flush(func(held []heldFrame) {
		for i, j := 0, len(held)-1; i < j; i, j = i+1, j-1 {
			held[i], held[j] = held[j], held[i]
		}
	})
}

// Shuffle delivers held frames in random order and stops holding.
func (n *Network) Shuffle() {
	n.flush(func(held []heldFrame) {
		n.rng.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
	})
}

func (n *Network) flush(order func([]heldFrame)) {
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.holding = false
	order(held)
	n.mu.Unlock()
	for _, h := range held {
		n.route(h.to, h.frame)
	}
}

// Sent reports how many frames have been accepted for delivery.
func (n *Network) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

// Close stops all mailboxes.
func (n *Network) Close() {
	n.mu.Lock()
	n.closed = true
	nodes := n.nodes
	n.nodes = make(map[wire.Identity]*mailbox)
	n.mu.Unlock()
	for _, mb := range nodes {
		mb.close()
	}
}

// Send frames env and routes it to its recipient.
func (e *Endpoint) Send(ctx context.Context, env wire.Envelope) error {
	if env.Sender == "" {
		env.Sender = e.self
	}
	frame, err := wire.Marshal(env, e.net.limits)
	if err != nil {
		return err
	}
	n := e.net
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNetworkClosed
	}
	n.sent++
	if n.holding {
		n.held = append(n.held, heldFrame{to: env.Recipient, frame: frame})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	n.route(env.Recipient, frame)
	return nil
}

func (n *Network) route(to wire.Identity, frame []byte) {
	n.mu.Lock()
	mb, ok := n.nodes[to]
	if !ok {
		n.parked[to] = append(n.parked[to], frame)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	mb.push(frame)
}

// mailbox delivers frames to one receiver in arrival order on its own
// goroutine.
type mailbox struct {
	id     wire.Identity
	r      Receiver
	limits wire.Limits

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newMailbox(id wire.Identity, r Receiver, limits wire.Limits) *mailbox {
	mb := &mailbox{id: id, r: r, limits: limits}
	mb.cond = sync.NewCond(&mb.mu)
	go mb.run()
	return mb
}

func (mb *mailbox) push(frame []byte) {
	mb.mu.Lock()
	if !mb.closed {
		mb.queue = append(mb.queue, frame)
		mb.cond.Signal()
	}
	mb.mu.Unlock()
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.queue = nil
	mb.cond.Broadcast()
	mb.mu.Unlock()
}

func (mb *mailbox) run() {
	ctx := context.Background()
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			mb.mu.Unlock()
			return
		}
		frame := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		env, err := wire.Unmarshal(frame, mb.limits)
		if err != nil {
			log.Warnf("memory: %s dropping malformed frame: %v", mb.id, err)
			continue
		}
		mb.r.Deliver(ctx, env)
	}
}
