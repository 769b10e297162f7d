//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/log"
)

// NewFeed adapts a typed channel into a Feed. cancel, when not nil, must
// make src close; result supplies the final value.
func NewFeed[T any](src <-chan T, cancel func(), result func(ctx context.Context) (any, error)) *Feed {
	out := make(chan any)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if cancel != nil {
				cancel()
			}
		})
	}
	go func() {
		defer close(out)
		for v := range src {
			select {
			case out <- v:
			case <-done:
				return
			}
		}
	}()
	return &Feed{Updates: out, Result: result, Cancel: stop}
}

type subscription struct {
	handle Handle
	addr   string
	feed   *Feed
	out    chan Observation

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu       sync.Mutex
	claimed  bool
	finished bool

	// expiry drops an ended, unclaimed subscription. Guarded by Gateway.mu.
	expiry *time.Timer
}

func (s *subscription) isClaimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed
}

func (s *subscription) halt() {
	s.once.Do(func() {
		s.cancel()
		if s.feed.Cancel != nil {
			s.feed.Cancel()
		}
	})
}

// serverStreams swaps the Feeds of one response for subscription handles.
type serverStreams struct {
	g       *Gateway
	addr    string
	created []Handle
}

func (s *serverStreams) EncodeStream(w *codec.Writer, st codec.Stream) error {
	f, ok := st.(*Feed)
	if !ok {
		return fmt.Errorf("rpc: cannot stream %s", st.StreamName())
	}
	h, err := s.g.subscribe(s.addr, f)
	if err != nil {
		return err
	}
	s.created = append(s.created, h)
	return w.WriteInt64(int64(h))
}

func (s *serverStreams) DecodeStream(*codec.Reader) (codec.Stream, error) {
	return nil, errors.New("rpc: clients cannot send streams")
}

func (g *Gateway) subscribe(addr string, f *Feed) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrGatewayClosed
	}
	g.next++
	ctx, cancel := context.WithCancel(g.ctx)
	// One slot beyond the buffer is kept for the final observation.
	out := make(chan Observation, g.opts.buffer+1)
	g.subs[g.next] = &subscription{
		handle: g.next,
		addr:   addr,
		feed:   f,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
	}
	return g.next, nil
}

func (g *Gateway) start(h Handle) {
	g.mu.Lock()
	s, ok := g.subs[h]
	g.mu.Unlock()
	if ok {
		go g.pump(s)
	}
}

func (g *Gateway) pump(s *subscription) {
	defer g.finish(s)
	updates := s.feed.Updates
	for updates != nil {
		select {
		case v, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if !g.emit(s, ObservationNext, v) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
	if s.feed.Result == nil {
		g.emit(s, ObservationCompleted, nil)
		return
	}
	v, err := s.feed.Result(s.ctx)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		g.emit(s, ObservationError, err.Error())
		return
	}
	g.emit(s, ObservationCompleted, v)
}

// emit delivers one observation and reports whether more may follow.
// Until a client claims the stream, next observations are dropped once the
// buffer is full so the producer never waits on nobody.
func (g *Gateway) emit(s *subscription, kind ObservationKind, v any) bool {
	data, err := g.codec.Encode(v)
	if err != nil {
		log.Warnf("rpc: encode observation for handle %d: %v", s.handle, err)
		kind = ObservationError
		if data, err = g.codec.Encode(err.Error()); err != nil {
			return false
		}
	}
	obs := Observation{Handle: s.handle, Kind: kind, Value: data}
	if !s.isClaimed() {
		if kind == ObservationNext && len(s.out) >= g.opts.buffer {
			log.Debugf("rpc: handle %d not observed yet, dropping update", s.handle)
			return true
		}
		select {
		case s.out <- obs:
			return kind == ObservationNext
		default:
		}
	}
	select {
	case s.out <- obs:
		return kind == ObservationNext
	case <-s.ctx.Done():
		return false
	}
}

func (g *Gateway) finish(s *subscription) {
	s.halt()
	close(s.out)
	s.mu.Lock()
	s.finished = true
	claimed := s.claimed
	s.mu.Unlock()
	if claimed {
		g.remove(s.handle)
		return
	}
	g.retain(s)
}

// retain moves an ended, unclaimed subscription out of the live set. Its
// buffered observations stay claimable until the retention period passes.
func (g *Gateway) retain(s *subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[s.handle]; !ok {
		return
	}
	delete(g.subs, s.handle)
	g.ended[s.handle] = s
	s.expiry = time.AfterFunc(g.opts.retention, func() {
		if g.remove(s.handle) != nil {
			log.Debugf("rpc: handle %d expired unobserved", s.handle)
		}
	})
}

// lookup returns the live or retained subscription h. g.mu must be held.
func (g *Gateway) lookup(h Handle) (*subscription, bool) {
	if s, ok := g.subs[h]; ok {
		return s, true
	}
	s, ok := g.ended[h]
	return s, ok
}

func (g *Gateway) remove(h Handle) *subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.lookup(h)
	if !ok {
		return nil
	}
	delete(g.subs, h)
	delete(g.ended, h)
	if s.expiry != nil {
		s.expiry.Stop()
	}
	return s
}

// Observations hands out the observation stream of h to the client at
// addr. A stream can be taken once; it is closed after its error or
// completed observation, or when the subscription ends.
func (g *Gateway) Observations(h Handle, addr string) (<-chan Observation, error) {
	g.mu.Lock()
	s, ok := g.lookup(h)
	g.mu.Unlock()
	if !ok || s.addr != addr {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	s.mu.Lock()
	if s.claimed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d is already observed", ErrUnknownHandle, h)
	}
	s.claimed = true
	finished := s.finished
	s.mu.Unlock()
	if finished {
		g.remove(h)
	}
	return s.out, nil
}

// Unsubscribe ends the subscription h created for addr and stops its
// producer.
func (g *Gateway) Unsubscribe(h Handle, addr string) error {
	g.mu.Lock()
	s, ok := g.lookup(h)
	g.mu.Unlock()
	if !ok || s.addr != addr {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if g.remove(h) == nil {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	s.halt()
	return nil
}

// Subscriptions returns the handles whose producers are still running,
// sorted.
func (g *Gateway) Subscriptions() []Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	hs := make([]Handle, 0, len(g.subs))
	for h := range g.subs {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}
