//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFlowStepAttributes(t *testing.T) {
	attrs := FlowStepAttributes("run-1", "test.Flow", 3)
	assert.Contains(t, attrs, attribute.String(KeyRunID, "run-1"))
	assert.Contains(t, attrs, attribute.String(KeyFlowName, "test.Flow"))
	assert.Contains(t, attrs, attribute.Int(KeyStep, 3))
}

func TestTraceRPCCall(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(context.Background(), SpanNameRPCCall)
	TraceRPCCall(span, "startFlow", "alice")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Attributes(), attribute.String(KeyRPCMethod, "startFlow"))
	assert.Contains(t, spans[0].Attributes(), attribute.String(KeyCaller, "alice"))
}

func TestNewGRPCConn(t *testing.T) {
	conn, err := NewGRPCConn("localhost:4317")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
