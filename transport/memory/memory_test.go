//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/wire"
)

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recorder) Deliver(_ context.Context, env wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, env.Seq)
}

func (r *recorder) got() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func send(t *testing.T, ep *Endpoint, to wire.Identity, seqs ...uint64) {
	t.Helper()
	id := uuid.New()
	for _, s := range seqs {
		require.NoError(t, ep.Send(context.Background(), wire.Envelope{
			Recipient: to, SessionID: id, Seq: s, Kind: wire.KindData, Payload: []byte{byte(s)},
		}))
	}
}

func waitFor(t *testing.T, r *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.got()) == n }, time.Second, time.Millisecond)
}

func TestDeliversInOrder(t *testing.T) {
	n := NewNetwork()
	defer n.Close()
	b := &recorder{}
	a := n.Join("A", &recorder{})
	n.Join("B", b)

	send(t, a, "B", 0, 1, 2, 3)
	waitFor(t, b, 4)
	assert.Equal(t, []uint64{0, 1, 2, 3}, b.got())
	assert.Equal(t, 4, n.Sent())
}

func TestParksUntilJoin(t *testing.T) {
	n := NewNetwork()
	defer n.Close()
	a := n.Join("A", &recorder{})
	send(t, a, "B", 0, 1)

	b := &recorder{}
	n.Join("B", b)
	waitFor(t, b, 2)

	n.Leave("B")
	send(t, a, "B", 2)
	again := &recorder{}
	n.Join("B", again)
	waitFor(t, again, 1)
	assert.Equal(t, []uint64{2}, again.got())
}

func TestHoldReleaseAndShuffle(t *testing.T) {
	n := NewNetwork(WithSeed(7))
	defer n.Close()
	b := &recorder{}
	a := n.Join("A", &recorder{})
	n.Join("B", b)

	n.Hold()
	send(t, a, "B", 0, 1, 2)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, b.got())
	n.Release()
	waitFor(t, b, 3)
	assert.Equal(t, []uint64{2, 1, 0}, b.got())

	n.Hold()
	send(t, a, "B", 3, 4, 5, 6, 7)
	n.Shuffle()
	waitFor(t, b, 8)
	assert.ElementsMatch(t, []uint64{3, 4, 5, 6, 7}, b.got()[3:])
}

func TestSendErrors(t *testing.T) {
	n := NewNetwork(WithLimits(wire.Limits{MaxIdentityBytes: 16, MaxPayloadBytes: 1}))
	a := n.Join("A", &recorder{})
	err := a.Send(context.Background(), wire.Envelope{Recipient: "B", Kind: wire.KindData, Payload: []byte{1, 2}})
	assert.ErrorIs(t, err, wire.ErrPayloadTooLarge)

	n.Close()
	err = a.Send(context.Background(), wire.Envelope{Recipient: "B", Kind: wire.KindData})
	assert.ErrorIs(t, err, ErrNetworkClosed)
}
