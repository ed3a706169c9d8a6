package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "synapse"

// StartQuerySpan starts a span for one orchestrated query.
func StartQuerySpan(ctx context.Context, queryID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "query",
		trace.WithAttributes(
			attribute.String("query.id", queryID),
			attribute.String("query.mode", mode),
		),
	)
}

// StartInferenceSpan starts a span for one model call within a query.
func StartInferenceSpan(ctx context.Context, modelID string, maxTokens int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "inference",
		trace.WithAttributes(
			attribute.String("model.id", modelID),
			attribute.Int("inference.max_tokens", maxTokens),
		),
	)
}
