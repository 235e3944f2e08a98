package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestStartLinkedSpan(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	tests := []struct {
		name         string
		spanName     string
		traceID      string
		parentSpanID string
		attributes   map[string]string
	}{
		{
			name:         "valid trace context",
			spanName:     "bus.action.process",
			traceID:      "0af7651916cd43dd8448eb211c80319c",
			parentSpanID: "b7ad6b7169203331",
			attributes:   map[string]string{"bus.action_id": "a-123"},
		},
		{
			name:         "empty trace context",
			spanName:     "bus.action.process",
			traceID:      "",
			parentSpanID: "",
			attributes:   map[string]string{"bus.action_id": "a-456"},
		},
		{
			name:         "invalid trace ID degrades to unlinked span",
			spanName:     "bus.action.process",
			traceID:      "invalid",
			parentSpanID: "b7ad6b7169203331",
			attributes:   nil,
		},
		{
			name:         "invalid span ID degrades to unlinked span",
			spanName:     "bus.action.process",
			traceID:      "0af7651916cd43dd8448eb211c80319c",
			parentSpanID: "invalid",
			attributes:   nil,
		},
		{
			name:         "nil attributes",
			spanName:     "bus.action.process",
			traceID:      "0af7651916cd43dd8448eb211c80319c",
			parentSpanID: "b7ad6b7169203331",
			attributes:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			newCtx, endSpan := StartLinkedSpan(ctx, tt.spanName, tt.traceID, tt.parentSpanID, tt.attributes)

			if newCtx == nil {
				t.Error("StartLinkedSpan returned nil context")
			}
			if endSpan == nil {
				t.Fatal("StartLinkedSpan returned nil end function")
			}
			endSpan()
		})
	}
}

func TestStartLinkedSpanNilContext(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, endSpan := StartLinkedSpan(nil, "bus.action.process",
		"0af7651916cd43dd8448eb211c80319c", "b7ad6b7169203331", nil)

	if ctx == nil {
		t.Error("StartLinkedSpan should return non-nil context even with nil input")
	}
	endSpan()
}

func TestStartLinkedSpanRecordsLink(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	}()

	const (
		traceID = "0af7651916cd43dd8448eb211c80319c"
		spanID  = "b7ad6b7169203331"
	)

	_, endSpan := StartLinkedSpan(context.Background(), "bus.action.process",
		traceID, spanID, map[string]string{"bus.action_type": "echo.ping"})
	endSpan()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}

	links := spans[0].Links()
	if len(links) != 1 {
		t.Fatalf("recorded %d links, want 1", len(links))
	}

	link := links[0]
	if link.SpanContext.TraceID().String() != traceID {
		t.Errorf("link trace ID = %s, want %s", link.SpanContext.TraceID(), traceID)
	}
	if link.SpanContext.SpanID().String() != spanID {
		t.Errorf("link span ID = %s, want %s", link.SpanContext.SpanID(), spanID)
	}
	if !link.SpanContext.IsRemote() {
		t.Error("link span context should be marked remote")
	}
}

func TestStartLinkedSpanWithOptionsSetsSpanKind(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	}()

	_, endSpan := StartLinkedSpanWithOptions(context.Background(), "bus.action.process",
		"0af7651916cd43dd8448eb211c80319c", "b7ad6b7169203331",
		map[string]string{"bus.action_id": "a-1"}, trace.SpanKindConsumer)
	endSpan()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].SpanKind() != trace.SpanKindConsumer {
		t.Errorf("span kind = %v, want consumer", spans[0].SpanKind())
	}
}

func TestRemoteLink(t *testing.T) {
	tests := []struct {
		name    string
		traceID string
		spanID  string
		want    bool
	}{
		{"both valid", "0af7651916cd43dd8448eb211c80319c", "b7ad6b7169203331", true},
		{"empty trace", "", "b7ad6b7169203331", false},
		{"empty span", "0af7651916cd43dd8448eb211c80319c", "", false},
		{"bad trace hex", "zzz", "b7ad6b7169203331", false},
		{"bad span hex", "0af7651916cd43dd8448eb211c80319c", "zzz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := remoteLink(tt.traceID, tt.spanID)
			if ok != tt.want {
				t.Errorf("remoteLink(%q, %q) ok = %v, want %v", tt.traceID, tt.spanID, ok, tt.want)
			}
		})
	}
}
