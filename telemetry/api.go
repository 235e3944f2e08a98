// Package telemetry provides the metric emission API.
// Level 1 (this file) covers almost every call site with simple functions.
// EmitWithContext in registry.go adds baggage-aware emission for code that
// carries tenant context.
package telemetry

import (
	"time"
)

// Counter increments a counter metric by 1.
// Use for counting events: actions sent, retries, dead letters.
// Labels are key-value pairs.
// Example: Counter("bus.actions.sent", "action_type", "echo.ping")
func Counter(name string, labels ...string) {
	emitTyped(kindCounter, name, 1, labels...)
}

// Add increments a counter metric by an arbitrary amount.
// Example: Add("bus.action.payload_bytes", float64(len(raw)), "action_type", at)
func Add(name string, value float64, labels ...string) {
	emitTyped(kindCounter, name, value, labels...)
}

// Histogram records a value in a distribution.
// Use for latencies, payload sizes and queue depths sampled per action.
// Example: Histogram("bus.handler.duration_ms", 125.3, "action_type", "echo.ping")
func Histogram(name string, value float64, labels ...string) {
	emitTyped(kindHistogram, name, value, labels...)
}

// Gauge records a current-value metric that can go up and down, such as
// in-flight actions or open reply queues.
// Example: Gauge("bus.worker.inflight", 42, "service", "ingestion")
func Gauge(name string, value float64, labels ...string) {
	emitTyped(kindGauge, name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
// Convenience for the common timing pattern:
//
//	start := time.Now()
//	defer Duration("bus.handler.duration_ms", start, "action_type", at)
func Duration(name string, startTime time.Time, labels ...string) {
	ms := float64(time.Since(startTime).Milliseconds())
	emitTyped(kindHistogram, name, ms, labels...)
}

// RecordError records an error occurrence with type classification.
func RecordError(name string, errorType string, labels ...string) {
	allLabels := append(labels, "error_type", errorType)
	Counter(name, allLabels...)
}

// RecordSuccess records a successful operation.
func RecordSuccess(name string, labels ...string) {
	allLabels := append(labels, "status", "success")
	Counter(name, allLabels...)
}

// RecordLatency records operation latency with a coarse bucket label for
// cheap aggregation alongside the histogram percentiles.
func RecordLatency(name string, milliseconds float64, labels ...string) {
	bucket := getLatencyBucket(milliseconds)
	allLabels := append(labels, "latency_bucket", bucket)
	Histogram(name, milliseconds, allLabels...)
}

// getLatencyBucket returns a human-readable latency bucket.
func getLatencyBucket(ms float64) string {
	switch {
	case ms < 1:
		return "<1ms"
	case ms < 10:
		return "1-10ms"
	case ms < 100:
		return "10-100ms"
	case ms < 1000:
		return "100ms-1s"
	case ms < 10000:
		return "1-10s"
	default:
		return ">10s"
	}
}

// TimeOperation times an operation and records its duration when the
// returned function runs.
//
//	defer TimeOperation("bus.handler.duration_ms", "action_type", at)()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}
