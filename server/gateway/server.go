//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package gateway serves the RPC gateway over HTTP.
//
// Calls are POSTed to /rpc/{method} with the codec encoded argument list as
// the body and HTTP basic auth identifying the caller. Streams created by a
// call are read as server-sent events from /observations/{handle}.
package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/rpc"
)

// Headers exchanged with clients.
const (
	HeaderClientVersion  = "X-Client-Version"
	HeaderReplyTo        = "X-Reply-To"
	HeaderObservationsTo = "X-Observations-To"
	HeaderHandles        = "X-Subscription-Handles"
)

const (
	defaultMaxBody = 4 << 20
	realm          = "flownode"
)

// Server exposes an rpc.Gateway over HTTP.
type Server struct {
	gw      *rpc.Gateway
	router  *mux.Router
	users   map[string]rpc.User
	origins []string
	maxBody int64
}

// Option configures the Server instance.
type Option func(*Server)

// WithUsers sets the accounts allowed to call the gateway. Accounts with a
// reserved name are ignored.
func WithUsers(users ...rpc.User) Option {
	return func(s *Server) {
		for _, u := range users {
			if rpc.ReservedUsername(u.Username) {
				log.Warnf("gateway: ignoring account with reserved name %q", u.Username)
				continue
			}
			s.users[u.Username] = u
		}
	}
}

// WithAllowedOrigins restricts cross-origin callers. All origins are
// allowed by default.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithMaxBody bounds request bodies.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a server for gw.
func New(gw *rpc.Gateway, opts ...Option) *Server {
	s := &Server{
		gw:      gw,
		router:  mux.NewRouter(),
		users:   make(map[string]rpc.User),
		origins: []string{"*"},
		maxBody: defaultMaxBody,
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", HeaderClientVersion, HeaderReplyTo, HeaderObservationsTo},
		ExposedHeaders:   []string{HeaderReplyTo, HeaderHandles},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/rpc/{method}", s.authenticated(s.handleCall)).Methods(http.MethodPost)
	s.router.HandleFunc("/observations/{handle}", s.authenticated(s.handleObserve)).Methods(http.MethodGet)
	s.router.HandleFunc("/observations/{handle}", s.authenticated(s.handleUnsubscribe)).Methods(http.MethodDelete)

	preflight := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	s.router.HandleFunc("/rpc/{method}", preflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/observations/{handle}", preflight).Methods(http.MethodOptions)
}

// authenticated resolves the basic auth credentials to a user and puts it
// in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, password, ok := r.BasicAuth()
		u, known := s.users[name]
		// Compare even for unknown users so timing does not reveal them.
		match := subtle.ConstantTimeCompare([]byte(password), []byte(u.Password)) == 1
		if !ok || !known || !match {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
			s.writeError(w, http.StatusUnauthorized, "unauthenticated", errors.New("invalid credentials"))
			return
		}
		next(w, r.WithContext(rpc.WithCaller(r.Context(), u)))
	}
}

// observationAddress scopes a client supplied address to the caller, so
// one user cannot read another's streams.
func observationAddress(r *http.Request, addr string) string {
	if addr == "" {
		return ""
	}
	u, _ := rpc.CallerFrom(r.Context())
	return u.Username + "/" + addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "methods": s.gw.Methods()})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	method := mux.Vars(r)["method"]
	log.Debugf("gateway: call %s", method)
	defer r.Body.Close()

	version := rpc.ProtocolVersion
	if v := r.Header.Get(HeaderClientVersion); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("bad %s: %w", HeaderClientVersion, err))
			return
		}
		version = n
	}
	args, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if int64(len(args)) > s.maxBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "bad_request", fmt.Errorf("body exceeds %d bytes", s.maxBody))
		return
	}

	resp, err := s.gw.Call(r.Context(), rpc.Request{
		Method:         method,
		Args:           args,
		ReplyTo:        r.Header.Get(HeaderReplyTo),
		ObservationsTo: observationAddress(r, r.Header.Get(HeaderObservationsTo)),
		ClientVersion:  version,
	})
	if err != nil {
		status, kind := classify(err)
		s.writeError(w, status, kind, err)
		return
	}
	if resp.ReplyTo != "" {
		w.Header().Set(HeaderReplyTo, resp.ReplyTo)
	}
	if len(resp.Handles) > 0 {
		hs := make([]string, len(resp.Handles))
		for i, h := range resp.Handles {
			hs[i] = strconv.FormatInt(int64(h), 10)
		}
		w.Header().Set(HeaderHandles, strings.Join(hs, ","))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Value)
}

func parseHandle(r *http.Request) (rpc.Handle, error) {
	n, err := strconv.ParseInt(mux.Vars(r)["handle"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad subscription handle: %w", err)
	}
	return rpc.Handle(n), nil
}

// handleObserve streams observations as server-sent events. The event name
// is the observation kind and the data is the base64 encoded value.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	h, err := parseHandle(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal", errors.New("streaming unsupported"))
		return
	}
	addr := observationAddress(r, r.URL.Query().Get("to"))
	ch, err := s.gw.Observations(h, addr)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case obs, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
				obs.Handle, obs.Kind, base64.StdEncoding.EncodeToString(obs.Value))
			flusher.Flush()
		case <-r.Context().Done():
			// The client went away; nobody else may read this stream.
			_ = s.gw.Unsubscribe(h, addr)
			return
		}
	}
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	h, err := parseHandle(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := s.gw.Unsubscribe(h, observationAddress(r, r.URL.Query().Get("to"))); err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// classify maps a call failure to a status code and a stable error kind.
func classify(err error) (int, string) {
	var authErr *rpc.AuthorizationError
	var versionErr *rpc.VersionMismatchError
	switch {
	case errors.As(err, &authErr):
		return http.StatusForbidden, "authorization"
	case errors.As(err, &versionErr):
		return http.StatusUpgradeRequired, "version_mismatch"
	case errors.Is(err, rpc.ErrUnknownMethod):
		return http.StatusNotFound, "unknown_method"
	case errors.Is(err, rpc.ErrBadArguments), errors.Is(err, rpc.ErrUnknownFlowName),
		errors.Is(err, rpc.ErrNoObservationAddress):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, flow.ErrUnknownFlow):
		return http.StatusNotFound, "unknown_flow"
	case errors.Is(err, rpc.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	case errors.Is(err, rpc.ErrGatewayClosed), errors.Is(err, flow.ErrSchedulerClosed):
		return http.StatusServiceUnavailable, "unavailable"
	}
	if _, ok := flow.ValidationFailure(err); ok {
		return http.StatusUnprocessableEntity, "flow_validation"
	}
	return http.StatusInternalServerError, "flow_failed"
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind string, err error) {
	s.writeJSON(w, status, errorBody{Kind: kind, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
