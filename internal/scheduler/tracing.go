package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startSpan uses the global tracer provider, a no-op unless the host
// installs one.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := otel.Tracer("execguard/scheduler")
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}
