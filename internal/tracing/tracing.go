// Package tracing wraps pipeline stages in OpenTelemetry spans. This is
// additive instrumentation: it never changes pipeline semantics or failure
// propagation, only observability.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "blackbox/pipeline"

// Setup installs a stdout-exporting tracer provider and returns a shutdown
// func. When enabled is false it installs a no-op provider so callers can
// unconditionally start spans.
func Setup(enabled bool, w io.Writer) (func(context.Context) error, error) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartRequest begins the root span for one pipeline request, keyed by session ID.
func StartRequest(ctx context.Context, sessionID string) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "pipeline.request", oteltrace.WithAttributes(attribute.String("session_id", sessionID)))
}

// StartStage begins a child span for one of the seven pipeline stages.
func StartStage(ctx context.Context, stage string) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "pipeline.stage."+stage)
}

// EndWithError marks span as errored (if err != nil) and ends it.
func EndWithError(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
