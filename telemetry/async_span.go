// Package telemetry provides async span creation for trace context restoration.
//
// When an action is pushed to a queue and processed later by a worker,
// the original trace would be lost without explicit propagation. The
// envelope carries the trace identifier; StartLinkedSpan creates a new
// span linked to it so tools like Jaeger show the full journey across
// the queue boundary.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartLinkedSpan creates a span linked to a stored trace context.
// Used by workers restoring trace continuity from envelope metadata.
//
// Parameters:
//   - ctx: base context (typically context.Background() for workers)
//   - name: span name (e.g. "bus.action.process")
//   - traceID: W3C trace ID (32 hex chars) from the envelope
//   - parentSpanID: span ID (16 hex chars) stored by the producer
//   - attributes: key-value pairs to attach to the span
//
// Returns the context carrying the new span and an end function to call
// when processing completes.
//
// If traceID or parentSpanID are empty or invalid, a valid span is still
// created, just without the link. Trace context being absent never blocks
// action processing.
//
// Example:
//
//	ctx, endSpan := telemetry.StartLinkedSpan(
//	    context.Background(),
//	    "bus.action.process",
//	    action.TraceID,
//	    action.Metadata["span_id"],
//	    map[string]string{
//	        "bus.action_id":   action.ActionID,
//	        "bus.action_type": action.ActionType,
//	    },
//	)
//	defer endSpan()
func StartLinkedSpan(
	ctx context.Context,
	name string,
	traceID string,
	parentSpanID string,
	attributes map[string]string,
) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(instrumentationName)

	opts := []trace.SpanStartOption{}
	if link, ok := remoteLink(traceID, parentSpanID); ok {
		opts = append(opts, trace.WithLinks(link))
	}

	ctx, span := tracer.Start(ctx, name, opts...)

	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}

	return ctx, func() { span.End() }
}

// StartLinkedSpanWithOptions is StartLinkedSpan with an explicit span
// kind. Workers consuming from queues should pass
// trace.SpanKindConsumer so backends classify the span correctly.
func StartLinkedSpanWithOptions(
	ctx context.Context,
	name string,
	traceID string,
	parentSpanID string,
	attributes map[string]string,
	spanKind trace.SpanKind,
) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(instrumentationName)

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(spanKind),
	}
	if link, ok := remoteLink(traceID, parentSpanID); ok {
		opts = append(opts, trace.WithLinks(link))
	}

	ctx, span := tracer.Start(ctx, name, opts...)

	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}

	return ctx, func() { span.End() }
}

// remoteLink builds a span link to a remote parent when both identifiers
// parse. Invalid identifiers degrade to no link rather than an error.
func remoteLink(traceID, parentSpanID string) (trace.Link, bool) {
	if traceID == "" || parentSpanID == "" {
		return trace.Link{}, false
	}

	tid, tidErr := trace.TraceIDFromHex(traceID)
	sid, sidErr := trace.SpanIDFromHex(parentSpanID)
	if tidErr != nil || sidErr != nil {
		return trace.Link{}, false
	}

	parentSC := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid,
		SpanID:  sid,
		Remote:  true,
	})
	return trace.Link{
		SpanContext: parentSC,
		Attributes: []attribute.KeyValue{
			attribute.String("link.type", "queued_action"),
		},
	}, true
}
