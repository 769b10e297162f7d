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
	"encoding/hex"
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
)

// Built-in operation names.
const (
	MethodStartFlow        = "startFlow"
	MethodStartTrackedFlow = "startTrackedFlow"
	MethodKillFlow         = "killFlow"
	MethodNodeInfo         = "nodeInfo"
	MethodRegisteredFlows  = "registeredFlows"
	MethodRunningFlows     = "runningFlows"
)

// PermissionKillFlow is needed to cancel runs.
const PermissionKillFlow = "KillFlow"

// NodeInfo describes the node answering the call.
type NodeInfo struct {
	Identity        string
	ProtocolVersion int
	// Fingerprint is the hex digest of the codec registry. Nodes only
	// interoperate when their fingerprints match.
	Fingerprint string
}

// FlowHandle is returned by startTrackedFlow. Progress carries the run's
// progress labels and then its result.
type FlowHandle struct {
	RunID    string
	Progress codec.Stream
}

// RegisterTypes adds the rpc result types to b.
func RegisterTypes(b *codec.Builder) error {
	if err := codec.Register(b, "rpc.NodeInfo",
		func(w *codec.Writer, n NodeInfo) error {
			if err := w.WriteString(n.Identity); err != nil {
				return err
			}
			if err := w.WriteInt(n.ProtocolVersion); err != nil {
				return err
			}
			return w.WriteString(n.Fingerprint)
		},
		func(r *codec.Reader) (NodeInfo, error) {
			var n NodeInfo
			var err error
			if n.Identity, err = r.ReadString(); err != nil {
				return n, err
			}
			if n.ProtocolVersion, err = r.ReadInt(); err != nil {
				return n, err
			}
			n.Fingerprint, err = r.ReadString()
			return n, err
		}); err != nil {
		return err
	}
	return codec.Register(b, "rpc.FlowHandle",
		func(w *codec.Writer, h *FlowHandle) error {
			if err := w.WriteString(h.RunID); err != nil {
				return err
			}
			return w.WriteValue(h.Progress)
		},
		func(r *codec.Reader) (*FlowHandle, error) {
			id, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			progress, err := codec.ReadAs[codec.Stream](r)
			if err != nil {
				return nil, err
			}
			return &FlowHandle{RunID: id, Progress: progress}, nil
		})
}

func (g *Gateway) builtins() []Operation {
	return []Operation{
		{
			Name:          MethodStartFlow,
			ArgPermission: startFlowPermission,
			Invoke:        g.startFlow,
		},
		{
			Name:          MethodStartTrackedFlow,
			ArgPermission: startFlowPermission,
			Streaming:     true,
			Invoke:        g.startTrackedFlow,
		},
		{
			Name:       MethodKillFlow,
			Permission: PermissionKillFlow,
			Invoke:     g.killFlow,
		},
		{
			Name:   MethodNodeInfo,
			Invoke: g.nodeInfo,
		},
		{
			Name:   MethodRegisteredFlows,
			Invoke: func(context.Context, []any) (any, error) { return stringList(g.Flows()), nil },
		},
		{
			Name:         MethodRunningFlows,
			SinceVersion: 2,
			Invoke:       func(context.Context, []any) (any, error) { return stringList(g.sched.Running()), nil },
		},
	}
}

func startFlowPermission(args []any) (string, error) {
	name, err := stringArg(args, 0, "flow name")
	if err != nil {
		return "", err
	}
	return StartFlowPermission(name), nil
}

func stringArg(args []any, i int, what string) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("%w: missing %s", ErrBadArguments, what)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string, got %T", ErrBadArguments, what, args[i])
	}
	return s, nil
}

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (g *Gateway) launch(ctx context.Context, args []any) (*flow.Handle, error) {
	name, err := stringArg(args, 0, "flow name")
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	f, ok := g.flows[name]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlowName, name)
	}
	logic, err := f(args[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadArguments, err)
	}
	return g.sched.Start(ctx, logic)
}

// startFlow starts a flow and waits for its result within the call timeout.
func (g *Gateway) startFlow(ctx context.Context, args []any) (any, error) {
	h, err := g.launch(ctx, args)
	if err != nil {
		return nil, err
	}
	return h.Result(ctx)
}

// startTrackedFlow starts a flow and returns at once with a handle whose
// progress is streamed to the caller.
func (g *Gateway) startTrackedFlow(ctx context.Context, args []any) (any, error) {
	h, err := g.launch(ctx, args)
	if err != nil {
		return nil, err
	}
	labels, cancel := h.Subscribe(g.opts.buffer)
	return &FlowHandle{RunID: h.RunID, Progress: NewFeed(labels, cancel, h.Result)}, nil
}

func (g *Gateway) killFlow(_ context.Context, args []any) (any, error) {
	runID, err := stringArg(args, 0, "run id")
	if err != nil {
		return nil, err
	}
	if err := g.sched.Cancel(runID); err != nil {
		return nil, err
	}
	return true, nil
}

func (g *Gateway) nodeInfo(context.Context, []any) (any, error) {
	return NodeInfo{
		Identity:        string(g.sched.Manager().Self()),
		ProtocolVersion: ProtocolVersion,
		Fingerprint:     hex.EncodeToString(g.codec.Registry().Fingerprint()),
	}, nil
}
