//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	itelemetry "trpc.group/trpc-go/trpc-flow-go/internal/telemetry"
)

func TestTracesEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		specific string
		generic  string
		protocol string
		want     string
	}{
		{"specific wins", "custom:4317", "generic:4317", itelemetry.ProtocolGRPC, "custom:4317"},
		{"generic fallback", "", "generic:4317", itelemetry.ProtocolGRPC, "generic:4317"},
		{"grpc default", "", "", itelemetry.ProtocolGRPC, "localhost:4317"},
		{"http default", "", "", itelemetry.ProtocolHTTP, "localhost:4318"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", tt.specific)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.generic)
			assert.Equal(t, tt.want, tracesEndpoint(tt.protocol))
		})
	}
}

func TestStartAndClean(t *testing.T) {
	for _, protocol := range []string{itelemetry.ProtocolGRPC, itelemetry.ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			oldProvider, oldTracer := TracerProvider, Tracer
			defer func() { TracerProvider, Tracer = oldProvider, oldTracer }()

			clean, err := Start(context.Background(),
				WithProtocol(protocol),
				WithEndpoint("localhost:0"),
				WithServiceName("node-a"),
			)
			require.NoError(t, err)
			_, span := Tracer.Start(context.Background(), itelemetry.SpanNameFlowStep)
			span.End()
			// Nothing listens on the endpoint; only the call path matters.
			_ = clean()
		})
	}
}
