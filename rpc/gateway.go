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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
	itelemetry "trpc.group/trpc-go/trpc-flow-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-flow-go/telemetry/trace"
)

const (
	defaultCallTimeout       = 30 * time.Second
	defaultObservationBuffer = 64
	defaultRetention         = time.Minute
)

// Option configures a Gateway.
type Option func(*options)

type options struct {
	callTimeout time.Duration
	buffer      int
	retention   time.Duration
}

// WithCallTimeout bounds how long an operation may run inside a call.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithObservationBuffer sets how many observations are held per
// subscription before its producer waits for the client.
func WithObservationBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithObservationRetention sets how long the final observation of a stream
// nobody has claimed yet is kept after its producer ends.
func WithObservationRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// FlowFactory builds a flow from the arguments of a startFlow call.
type FlowFactory func(args []any) (flow.Logic, error)

// Gateway dispatches calls to operations and owns the subscriptions they
// create.
type Gateway struct {
	sched *flow.Scheduler
	codec *codec.Codec
	opts  options
	calls otelmetric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ops    map[string]Operation
	flows  map[string]FlowFactory
	subs   map[Handle]*subscription
	ended  map[Handle]*subscription
	next   Handle
	closed bool
}

// New creates a gateway over sched with the built-in operations registered.
func New(sched *flow.Scheduler, opts ...Option) *Gateway {
	o := options{
		callTimeout: defaultCallTimeout,
		buffer:      defaultObservationBuffer,
		retention:   defaultRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	calls, err := metric.Meter.Int64Counter(itelemetry.MetricRPCCalls,
		otelmetric.WithDescription("RPC calls by method and outcome."))
	if err != nil {
		log.Warnf("rpc: create counter: %v", err)
		calls, _ = noopm.Meter{}.Int64Counter(itelemetry.MetricRPCCalls)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		sched:  sched,
		codec:  sched.Manager().Codec(),
		opts:   o,
		calls:  calls,
		ctx:    ctx,
		cancel: cancel,
		ops:    make(map[string]Operation),
		flows:  make(map[string]FlowFactory),
		subs:   make(map[Handle]*subscription),
		ended:  make(map[Handle]*subscription),
	}
	for _, op := range g.builtins() {
		g.ops[op.Name] = op
	}
	return g
}

// Codec returns the codec requests and responses are encoded with.
func (g *Gateway) Codec() *codec.Codec { return g.codec }

// Register adds an operation.
func (g *Gateway) Register(op Operation) error {
	if op.Name == "" || op.Invoke == nil {
		return errors.New("rpc: operation needs a name and an invoker")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.ops[op.Name]; ok {
		return fmt.Errorf("rpc: operation %s already registered", op.Name)
	}
	g.ops[op.Name] = op
	return nil
}

// RegisterFlow makes the named flow startable through startFlow and
// startTrackedFlow.
func (g *Gateway) RegisterFlow(name string, f FlowFactory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flows[name] = f
}

// Flows returns the names of startable flows, sorted.
func (g *Gateway) Flows() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.flows))
	for name := range g.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods returns the registered operation names, sorted.
func (g *Gateway) Methods() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.ops))
	for name := range g.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeArgs encodes call arguments the way Call expects them.
func (g *Gateway) EncodeArgs(args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return g.codec.Encode(args)
}

// Call runs one request as the caller carried by ctx. Version and
// permission checks happen before the arguments are decoded.
func (g *Gateway) Call(ctx context.Context, req Request) (Response, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameRPCCall)
	defer span.End()
	caller, _ := CallerFrom(ctx)
	itelemetry.TraceRPCCall(span, req.Method, caller.Username)

	resp, err := g.call(ctx, req)
	outcome := itelemetry.OutcomeSuccess
	if err != nil {
		outcome = itelemetry.OutcomeFailure
		var authErr *AuthorizationError
		if errors.As(err, &authErr) {
			outcome = itelemetry.OutcomeDenied
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debugf("rpc: %s from %q failed: %v", req.Method, caller.Username, err)
	}
	g.calls.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String(itelemetry.KeyRPCMethod, req.Method),
		attribute.String(itelemetry.KeyOutcome, outcome),
	))
	return resp, err
}

func (g *Gateway) call(ctx context.Context, req Request) (Response, error) {
	g.mu.Lock()
	op, ok := g.ops[req.Method]
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return Response{}, ErrGatewayClosed
	}
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}
	if req.ClientVersion < op.SinceVersion {
		return Response{}, &VersionMismatchError{Method: op.Name, Required: op.SinceVersion, Client: req.ClientVersion}
	}
	caller, ok := CallerFrom(ctx)
	if !ok {
		return Response{}, &AuthorizationError{Method: op.Name}
	}
	internal := isNode(ctx)
	if err := authorize(internal, caller, op.Name, op.Permission); err != nil {
		return Response{}, err
	}
	args, err := g.decodeArgs(req.Args)
	if err != nil {
		return Response{}, err
	}
	if op.ArgPermission != nil {
		perm, err := op.ArgPermission(args)
		if err != nil {
			return Response{}, err
		}
		if err := authorize(internal, caller, op.Name, perm); err != nil {
			return Response{}, err
		}
	}
	if op.Streaming && req.ObservationsTo == "" {
		return Response{}, ErrNoObservationAddress
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.callTimeout)
	defer cancel()
	v, err := op.Invoke(callCtx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, fmt.Errorf("%w on call to %s", ErrDeadlineExceeded, op.Name)
		}
		return Response{}, err
	}

	resp := Response{ReplyTo: req.ReplyTo}
	if !op.Streaming {
		resp.Value, err = g.codec.Encode(v)
		return resp, err
	}
	streams := &serverStreams{g: g, addr: req.ObservationsTo}
	resp.Value, err = g.codec.Encode(v, codec.WithStreamSerializer(streams))
	if err != nil {
		for _, h := range streams.created {
			_ = g.Unsubscribe(h, streams.addr)
		}
		return Response{}, err
	}
	resp.Handles = streams.created
	for _, h := range streams.created {
		g.start(h)
	}
	return resp, nil
}

func authorize(internal bool, caller User, method, permission string) error {
	if internal || permission == "" || caller.Has(permission) {
		return nil
	}
	return &AuthorizationError{Method: method, Username: caller.Username, Permission: permission}
}

func (g *Gateway) decodeArgs(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	args, err := codec.Decode[[]any](g.codec, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadArguments, err)
	}
	return args, nil
}

// Close ends every subscription. Calls made afterwards fail with
// ErrGatewayClosed.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := make([]*subscription, 0, len(g.subs))
	for _, s := range g.subs {
		subs = append(subs, s)
	}
	for _, s := range g.ended {
		s.expiry.Stop()
	}
	g.subs = make(map[Handle]*subscription)
	g.ended = make(map[Handle]*subscription)
	g.mu.Unlock()

	g.cancel()
	for _, s := range subs {
		s.halt()
	}
}
