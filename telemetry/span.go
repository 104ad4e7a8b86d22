// Package telemetry wraps the OpenTelemetry span helpers the attempt loop,
// gateway executor and both workflow drivers call: one span per Attempt
// Loop execution, gateway batch, linear workflow run and graph run, with a
// span event for each failed attempt. It also defines a small set of
// Prometheus collectors (metrics.go).
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("stableinfra")

// Attr builds a string-valued span attribute; a small convenience so
// callers outside this package don't need to import attribute directly for
// the common case.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// SetSpanAttributes attaches attributes to the span active in ctx, if any.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(attrs...)
}

// AddSpanEvent records a named event with attributes on the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError marks the active span as failed and attaches err.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartSpan starts a named span under the module's tracer, returning the
// derived context and a func to end it. With no TracerProvider configured
// by the host application, otel's default is a no-op provider, so this is
// safe to call unconditionally.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	newCtx, span := tracer.Start(ctx, name)
	return newCtx, func() { span.End() }
}
