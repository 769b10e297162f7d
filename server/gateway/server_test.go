//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/rpc"
	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

type discard struct{}

func (discard) Send(context.Context, wire.Envelope) error { return nil }

// greet reports progress once and returns a greeting.
type greet struct {
	Name string
}

func (g *greet) FlowName() string { return "test.Greet" }

func (g *greet) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.Sleep(10 * time.Millisecond), nil },
		func(fc *flow.Context) (flow.Next, error) {
			fc.Progress("greeting")
			return flow.Return("hello " + g.Name), nil
		},
	}
}

var (
	alice = rpc.User{Username: "alice", Password: "wonderland", Permissions: []string{rpc.StartFlowPermission("greet")}}
	bob   = rpc.User{Username: "bob", Password: "builder"}
)

func newTestServer(t *testing.T, users ...rpc.User) (*httptest.Server, *rpc.Gateway) {
	t.Helper()
	b := codec.NewBuilder()
	require.NoError(t, session.RegisterTypes(b))
	require.NoError(t, flow.RegisterTypes(b))
	require.NoError(t, rpc.RegisterTypes(b))
	require.NoError(t, codec.Register(b, "test.Greet",
		func(w *codec.Writer, g *greet) error { return w.WriteString(g.Name) },
		func(r *codec.Reader) (*greet, error) {
			name, err := r.ReadString()
			return &greet{Name: name}, err
		}))
	reg, err := b.Build()
	require.NoError(t, err)
	sched, err := flow.NewScheduler(session.NewManager("A", codec.New(reg), discard{}), inmemory.NewStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Close() })

	gw := rpc.New(sched)
	t.Cleanup(gw.Close)
	gw.RegisterFlow("greet", func(args []any) (flow.Logic, error) {
		if len(args) != 1 {
			return nil, errors.New("greet takes a name")
		}
		name, _ := args[0].(string)
		return &greet{Name: name}, nil
	})

	srv := httptest.NewServer(New(gw, WithUsers(append([]rpc.User{alice, bob}, users...)...)).Handler())
	t.Cleanup(srv.Close)
	return srv, gw
}

func call(t *testing.T, srv *httptest.Server, gw *rpc.Gateway, u rpc.User, method string, headers map[string]string, args ...any) *http.Response {
	t.Helper()
	body, err := gw.EncodeArgs(args...)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc/"+method, bytes.NewReader(body))
	require.NoError(t, err)
	req.SetBasicAuth(u.Username, u.Password)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Kind
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCallStatus(t *testing.T) {
	srv, gw := newTestServer(t)
	tests := []struct {
		name    string
		user    rpc.User
		method  string
		headers map[string]string
		args    []any
		status  int
		kind    string
	}{
		{"unknown user", rpc.User{Username: "mallory", Password: "x"}, rpc.MethodNodeInfo, nil, nil, http.StatusUnauthorized, "unauthenticated"},
		{"wrong password", rpc.User{Username: "alice", Password: "nope"}, rpc.MethodNodeInfo, nil, nil, http.StatusUnauthorized, "unauthenticated"},
		{"not permitted", bob, rpc.MethodStartFlow, nil, []any{"greet", "bob"}, http.StatusForbidden, "authorization"},
		{"old client", bob, rpc.MethodRunningFlows, map[string]string{HeaderClientVersion: "1"}, nil, http.StatusUpgradeRequired, "version_mismatch"},
		{"bad version header", bob, rpc.MethodNodeInfo, map[string]string{HeaderClientVersion: "two"}, nil, http.StatusBadRequest, "bad_request"},
		{"unknown method", bob, "selfDestruct", nil, nil, http.StatusNotFound, "unknown_method"},
		{"streaming without address", alice, rpc.MethodStartTrackedFlow, nil, []any{"greet", "a"}, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, srv, gw, tt.user, tt.method, tt.headers, tt.args...)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, errorKind(t, resp))
		})
	}
}

func TestStartFlowOverHTTP(t *testing.T) {
	srv, gw := newTestServer(t)
	resp := call(t, srv, gw, alice, rpc.MethodStartFlow, map[string]string{HeaderReplyTo: "r-7"}, "greet", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r-7", resp.Header.Get(HeaderReplyTo))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	got, err := codec.Decode[string](gw.Codec(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "hello alice", got)
}

type event struct {
	kind string
	data []byte
}

func readEvents(t *testing.T, resp *http.Response) []event {
	t.Helper()
	var events []event
	var cur event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "data: "))
			require.NoError(t, err)
			cur.data = data
		case line == "":
			if cur.kind != "" {
				events = append(events, cur)
			}
			cur = event{}
		}
	}
	return events
}

func TestTrackedFlowOverSSE(t *testing.T) {
	srv, gw := newTestServer(t)
	resp := call(t, srv, gw, alice, rpc.MethodStartTrackedFlow, map[string]string{HeaderObservationsTo: "tab-1"}, "greet", "sse")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	handles := resp.Header.Get(HeaderHandles)
	require.NotEmpty(t, handles)
	h, err := strconv.ParseInt(handles, 10, 64)
	require.NoError(t, err)

	// The address is scoped to the caller that made the call.
	other := observations(t, srv, http.MethodGet, bob, h, "tab-1")
	assert.Equal(t, http.StatusNotFound, other.StatusCode)

	stream := observations(t, srv, http.MethodGet, alice, h, "tab-1")
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))
	events := readEvents(t, stream)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, rpc.ObservationCompleted.String(), last.kind)
	got, err := codec.Decode[string](gw.Codec(), last.data)
	require.NoError(t, err)
	assert.Equal(t, "hello sse", got)
}

func observations(t *testing.T, srv *httptest.Server, method string, u rpc.User, h int64, to string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, fmt.Sprintf("%s/observations/%d?to=%s", srv.URL, h, to), nil)
	require.NoError(t, err)
	req.SetBasicAuth(u.Username, u.Password)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestUnsubscribeOverHTTP(t *testing.T) {
	srv, gw := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, observations(t, srv, http.MethodDelete, bob, 42, "").StatusCode)

	resp := call(t, srv, gw, alice, rpc.MethodStartTrackedFlow, map[string]string{HeaderObservationsTo: "tab-1"}, "greet", "gone")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h, err := strconv.ParseInt(resp.Header.Get(HeaderHandles), 10, 64)
	require.NoError(t, err)

	tests := []struct {
		name   string
		user   rpc.User
		to     string
		status int
	}{
		{"other caller", bob, "tab-1", http.StatusNotFound},
		{"other address", alice, "tab-2", http.StatusNotFound},
		{"owner", alice, "tab-1", http.StatusNoContent},
		{"twice", alice, "tab-1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := observations(t, srv, http.MethodDelete, tt.user, h, tt.to)
			assert.Equal(t, tt.status, got.StatusCode)
		})
	}
	assert.Equal(t, http.StatusNotFound, observations(t, srv, http.MethodGet, alice, h, "tab-1").StatusCode)
}

func TestReservedAccountIgnored(t *testing.T) {
	impostor := rpc.User{Username: rpc.NodeUsername, Password: "pw"}
	srv, gw := newTestServer(t, impostor)
	for _, method := range []string{rpc.MethodStartFlow, rpc.MethodKillFlow} {
		resp := call(t, srv, gw, impostor, method, nil, "greet", "node")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, method)
		assert.Equal(t, "unauthenticated", errorKind(t, resp))
	}
	assert.Empty(t, gw.Subscriptions())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&rpc.AuthorizationError{Method: "m"}, http.StatusForbidden},
		{&rpc.VersionMismatchError{Method: "m"}, http.StatusUpgradeRequired},
		{fmt.Errorf("wrapped: %w", rpc.ErrDeadlineExceeded), http.StatusGatewayTimeout},
		{flow.ErrUnknownFlow, http.StatusNotFound},
		{rpc.ErrGatewayClosed, http.StatusServiceUnavailable},
		{&flow.FlowValidationError{Party: "B", Message: "no"}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, _ := classify(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}
