package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sibyl"

// StartRouteSpan starts a span for a routing decision.
func StartRouteSpan(ctx context.Context, taskID, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "route",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("project.id", projectID),
		),
	)
}

// StartGateSpan starts a span for one quality gate execution.
func StartGateSpan(ctx context.Context, taskID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "gate",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("gate.kind", kind),
		),
	)
}

// StartCheckpointSpan starts a span for a checkpoint write or restore.
func StartCheckpointSpan(ctx context.Context, agentID, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "checkpoint",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("checkpoint.op", op),
		),
	)
}
