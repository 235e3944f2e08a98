// Package telemetry provides trace context extraction for log correlation.
//
// This file provides functions to extract OpenTelemetry trace context
// (trace_id, span_id) from context for log correlation, plus helpers for
// span events and error recording.
//
// # Log Correlation
//
// Use GetTraceContext to include trace identifiers in structured logs:
//
//	tc := telemetry.GetTraceContext(ctx)
//	logger.Info("Processing action", map[string]interface{}{
//	    "trace_id": tc.TraceID,
//	    "span_id":  tc.SpanID,
//	})
//
// The bus client uses the same extraction to stamp trace_id onto outgoing
// envelopes, and the worker restores it with StartLinkedSpan.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds trace and span identifiers for log correlation and
// envelope stamping.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier
	TraceID string

	// SpanID is the 16-character hex span identifier
	SpanID string

	// Sampled indicates whether this trace is being recorded
	Sampled bool
}

// GetTraceContext extracts OpenTelemetry trace context from the context.
// Returns zero values if no valid trace context exists. This is the
// bridge between span context, structured logging and envelope trace_id
// propagation.
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}

	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()

	if !sc.IsValid() {
		return TraceContext{}
	}

	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// HasTraceContext returns true if the context contains valid trace
// information.
func HasTraceContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid()
}

// AddSpanEvent adds a named event to the current span. Events mark
// meaningful points in time during the span's duration: action parsed,
// handler dispatched, reply published.
//
//	telemetry.AddSpanEvent(ctx, "action_parsed")
//	telemetry.AddSpanEvent(ctx, "reply_published",
//	    attribute.String("queue", replyQueue),
//	)
//
// Safe to call when no span exists in the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the current span and sets the span
// status to Error. Safe to call when ctx is nil or err is nil.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds attributes to the current span. Use for business
// context that aids debugging: action type, tenant, tier, retry count.
// Avoid high-cardinality values and never include payload data.
//
//	telemetry.SetSpanAttributes(ctx,
//	    attribute.String("bus.action_type", action.ActionType),
//	    attribute.String("bus.tenant_id", action.TenantID),
//	    attribute.Int("bus.retry_count", retries),
//	)
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// SetSpanStatus sets the status of the current span. Use to mark success
// or failure when not recording a concrete error.
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}
