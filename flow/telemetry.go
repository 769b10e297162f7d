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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	oteltrace "go.opentelemetry.io/otel/trace"

	itelemetry "trpc.group/trpc-go/trpc-flow-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-flow-go/telemetry/trace"
)

// flowTelemetry holds the scheduler's instruments. Counters are created from
// metric.Meter when the scheduler is built.
type flowTelemetry struct {
	started     otelmetric.Int64Counter
	finished    otelmetric.Int64Counter
	checkpoints otelmetric.Int64Counter
}

func newFlowTelemetry() *flowTelemetry {
	return &flowTelemetry{
		started:     counter(itelemetry.MetricFlowsStarted, "Flow runs started or restored."),
		finished:    counter(itelemetry.MetricFlowsFinished, "Flow runs finished."),
		checkpoints: counter(itelemetry.MetricCheckpointsWritten, "Checkpoints written."),
	}
}

func counter(name, desc string) otelmetric.Int64Counter {
	c, err := metric.Meter.Int64Counter(name, otelmetric.WithDescription(desc))
	if err != nil {
		log.Warnf("flow: create counter %s: %v", name, err)
		c, _ = noopm.Meter{}.Int64Counter(name)
	}
	return c
}

func (t *flowTelemetry) startStep(ctx context.Context, runID, flowName string, pc int) (context.Context, func(error)) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameFlowStep,
		oteltrace.WithAttributes(itelemetry.FlowStepAttributes(runID, flowName, pc)...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (t *flowTelemetry) runStarted(ctx context.Context, flowName string) {
	t.started.Add(ctx, 1, otelmetric.WithAttributes(attribute.String(itelemetry.KeyFlowName, flowName)))
}

func (t *flowTelemetry) runFinished(ctx context.Context, flowName string, err error) {
	outcome := itelemetry.OutcomeSuccess
	if err != nil {
		outcome = itelemetry.OutcomeFailure
	}
	t.finished.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String(itelemetry.KeyFlowName, flowName),
		attribute.String(itelemetry.KeyOutcome, outcome),
	))
}

func (t *flowTelemetry) checkpointWritten(ctx context.Context, flowName string) {
	t.checkpoints.Add(ctx, 1, otelmetric.WithAttributes(attribute.String(itelemetry.KeyFlowName, flowName)))
}
