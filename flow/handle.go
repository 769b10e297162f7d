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
	"sync"
)

// Handle tracks one run from the caller's side.
type Handle struct {
	RunID    string
	FlowName string

	done   chan struct{}
	mu     sync.Mutex
	result any
	err    error
	last   string
	subs   map[int]chan string
	nextID int
}

func newHandle(runID, flowName string) *Handle {
	return &Handle{
		RunID:    runID,
		FlowName: flowName,
		done:     make(chan struct{}),
		subs:     make(map[int]chan string),
	}
}

// Done is closed when the run finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result waits for the run to finish and returns its outcome.
func (h *Handle) Result(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Progress returns the last published progress label.
func (h *Handle) Progress() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Subscribe streams progress labels. The channel is closed when the run
// finishes or cancel is called. Labels are dropped for subscribers that do
// not keep up with a full buffer.
func (h *Handle) Subscribe(buffer int) (<-chan string, func()) {
	ch := make(chan string, buffer)
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *Handle) publish(label string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = label
	for _, ch := range h.subs {
		select {
		case ch <- label:
		default:
		}
	}
}

func (h *Handle) resolve(result any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.result, h.err = result, err
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	close(h.done)
}
