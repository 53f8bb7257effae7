// Package tracing wires up an OpenTelemetry tracer for the mirror core.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope reported for every span this
// package creates.
const tracerName = "github.com/quay/pypimirror/pkg/tracing"

// Tracer returns the package-scoped tracer, fetched lazily from the global
// otel.TracerProvider so that callers don't need to thread one through.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Start is a thin wrapper around Tracer().Start, kept so call sites read the
// same whether or not a provider has been configured by the embedder.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// HandleError records err on the span and marks it as errored, returning err
// unchanged so it can be used inline in a return statement.
func HandleError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
