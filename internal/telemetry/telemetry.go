//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the names and attribute helpers shared by the
// node's spans and metrics.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// telemetry service constants.
const (
	ServiceName      = "flownode"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-flow-go"
	InstrumentName   = "trpc.flow.go"

	SpanNameFlowStep = "flow.step"
	SpanNameRPCCall  = "rpc.call"

	MetricFlowsStarted       = "flow.runs.started"
	MetricFlowsFinished      = "flow.runs.finished"
	MetricCheckpointsWritten = "flow.checkpoints.written"
	MetricRPCCalls           = "rpc.calls"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attribute keys.
const (
	KeyRunID     = "trpc.flow.run_id"
	KeyFlowName  = "trpc.flow.name"
	KeyStep      = "trpc.flow.step"
	KeyOutcome   = "trpc.flow.outcome"
	KeyRPCMethod = "trpc.flow.rpc.method"
	KeyCaller    = "trpc.flow.rpc.caller"
)

// Outcome values for KeyOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// FlowStepAttributes describes one executed step.
func FlowStepAttributes(runID, flowName string, step int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyRunID, runID),
		attribute.String(KeyFlowName, flowName),
		attribute.Int(KeyStep, step),
	}
}

// TraceRPCCall annotates span with the dispatched method and caller.
func TraceRPCCall(span trace.Span, method, caller string) {
	span.SetAttributes(
		attribute.String(KeyRPCMethod, method),
		attribute.String(KeyCaller, caller),
	)
}

// NewGRPCConn connects to an OpenTelemetry collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
