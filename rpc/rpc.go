//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package rpc is the boundary through which external clients start and
// observe flows.
//
// A call names an operation and carries its arguments encoded with the
// node's codec. Before an operation runs, the Gateway checks the client's
// protocol version against the operation's SinceVersion and the caller's
// permissions. A rejected call never reaches the scheduler.
//
// Streaming operations return values holding a Feed. While the response is
// encoded each Feed is swapped for a subscription Handle, and the values it
// produces afterwards are delivered as Observations for that handle.
package rpc

import (
	"context"
	"fmt"
	"slices"

	"trpc.group/trpc-go/trpc-flow-go/codec"
)

// ProtocolVersion is the RPC protocol version spoken by this node.
const ProtocolVersion = 2

// PermissionAll grants every permission.
const PermissionAll = "ALL"

// NodeUsername is the name of the node's own caller. It is reserved: no
// configured account may use it.
const NodeUsername = "node"

// StartFlowPermission is the permission needed to start the named flow.
func StartFlowPermission(flowName string) string { return "StartFlow." + flowName }

// User is an authenticated caller.
type User struct {
	Username    string
	Password    string `json:"-"`
	Permissions []string
}

// Has reports whether u holds permission.
func (u User) Has(permission string) bool {
	return slices.Contains(u.Permissions, PermissionAll) || slices.Contains(u.Permissions, permission)
}

type (
	callerKey struct{}
	nodeKey   struct{}
)

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, callerKey{}, u)
}

// CallerFrom returns the caller carried by ctx.
func CallerFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(callerKey{}).(User)
	return u, ok
}

// AsNode returns a context for calls made by node-internal components.
// Such calls are not subject to permission checks, whatever caller ctx
// already carries.
func AsNode(ctx context.Context) context.Context {
	ctx = WithCaller(ctx, User{Username: NodeUsername})
	return context.WithValue(ctx, nodeKey{}, struct{}{})
}

func isNode(ctx context.Context) bool {
	_, ok := ctx.Value(nodeKey{}).(struct{})
	return ok
}

// ReservedUsername reports whether name may not be given to an account.
func ReservedUsername(name string) bool {
	return name == NodeUsername
}

// Request is one inbound call.
type Request struct {
	Method string
	// Args is a codec encoded []any.
	Args []byte
	// ReplyTo is echoed in the Response.
	ReplyTo string
	// ObservationsTo is where observations of streams returned by the call
	// are delivered. Streaming operations require it.
	ObservationsTo string
	ClientVersion  int
}

// Response is the reply to a Request.
type Response struct {
	ReplyTo string
	// Value is the codec encoded result.
	Value []byte
	// Handles lists the subscriptions created while encoding Value.
	Handles []Handle
}

// Handle identifies a live subscription.
type Handle int64

// ObservationKind tags an Observation.
type ObservationKind uint8

// Observation kinds.
const (
	ObservationNext ObservationKind = iota + 1
	ObservationError
	ObservationCompleted
)

func (k ObservationKind) String() string {
	switch k {
	case ObservationNext:
		return "next"
	case ObservationError:
		return "error"
	case ObservationCompleted:
		return "completed"
	default:
		return fmt.Sprintf("ObservationKind(%d)", uint8(k))
	}
}

// Observation is one value produced by a subscription. Error and completed
// observations are the last for their handle.
type Observation struct {
	Handle Handle
	Kind   ObservationKind
	// Value is the codec encoded value. Error observations carry the error
	// message as a string.
	Value []byte
}

// Invoker runs an operation with decoded arguments.
type Invoker func(ctx context.Context, args []any) (any, error)

// Operation is a method exposed through the Gateway.
type Operation struct {
	Name string
	// SinceVersion is the lowest client protocol version allowed to call
	// the operation.
	SinceVersion int
	// Permission is required to call the operation. Empty means any
	// authenticated caller.
	Permission string
	// ArgPermission derives an additional required permission from the
	// decoded arguments. It runs before Invoke.
	ArgPermission func(args []any) (string, error)
	// Streaming operations may return Feeds and need an observation
	// address.
	Streaming bool
	Invoke    Invoker
}

// Feed is a stream of values returned from a streaming operation. The
// Gateway reads Updates until it is closed and then calls Result once.
type Feed struct {
	Updates <-chan any
	Result  func(ctx context.Context) (any, error)
	// Cancel stops Updates early. It is called when the client
	// unsubscribes.
	Cancel func()
}

// StreamName implements codec.Stream.
func (f *Feed) StreamName() string { return "rpc.Feed" }

// Remote is a Feed as seen by a client: the handle its observations are
// delivered under.
type Remote struct {
	Handle Handle
}

// StreamName implements codec.Stream.
func (r *Remote) StreamName() string { return "rpc.Remote" }

// ClientStreams decodes streams in a Response value as Remote handles.
var ClientStreams codec.StreamSerializer = clientStreams{}

type clientStreams struct{}

func (clientStreams) EncodeStream(w *codec.Writer, s codec.Stream) error {
	r, ok := s.(*Remote)
	if !ok {
		return fmt.Errorf("rpc: client cannot encode %s", s.StreamName())
	}
	return w.WriteInt64(int64(r.Handle))
}

func (clientStreams) DecodeStream(r *codec.Reader) (codec.Stream, error) {
	h, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return &Remote{Handle: Handle(h)}, nil
}
