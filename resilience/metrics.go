package resilience

import (
	"context"
	"time"

	"github.com/kkvrivishvili/nooble4-sub002/telemetry"
)

func init() {
	// Declarations only. Instruments are created when the host service
	// calls telemetry.Initialize.
	telemetry.DeclareMetrics("resilience", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   "circuit_breaker.calls",
				Type:   "counter",
				Help:   "Total circuit breaker calls",
				Labels: []string{"name", "state"},
			},
			{
				Name:   "circuit_breaker.failures",
				Type:   "counter",
				Help:   "Failures counted toward the error threshold",
				Labels: []string{"name", "error_type"},
			},
			{
				Name:   "circuit_breaker.state_changes",
				Type:   "counter",
				Help:   "Circuit breaker state transitions",
				Labels: []string{"name", "from_state", "to_state"},
			},
			{
				Name:   "circuit_breaker.current_state",
				Type:   "gauge",
				Help:   "Current circuit breaker state (0=closed, 0.5=half-open, 1=open)",
				Labels: []string{"name"},
			},
			{
				Name:   "circuit_breaker.rejected",
				Type:   "counter",
				Help:   "Requests rejected by an open circuit",
				Labels: []string{"name"},
			},
			{
				Name:    "circuit_breaker.duration_ms",
				Type:    "histogram",
				Help:    "Protected call duration in milliseconds",
				Labels:  []string{"name", "status"},
				Unit:    "ms",
				Buckets: []float64{0.1, 1, 10, 100, 1000},
			},
			{
				Name:   "retry.attempts",
				Type:   "counter",
				Help:   "Individual retry attempts",
				Labels: []string{"operation"},
			},
			{
				Name:   "retry.exhausted",
				Type:   "counter",
				Help:   "Operations that ran out of retry attempts",
				Labels: []string{"operation"},
			},
			{
				Name:    "retry.duration_ms",
				Type:    "histogram",
				Help:    "Total retry loop duration in milliseconds",
				Labels:  []string{"operation", "status"},
				Unit:    "ms",
				Buckets: []float64{1, 10, 100, 1000, 10000},
			},
		},
	})
}

// TelemetryMetrics implements MetricsCollector on top of the telemetry
// package. Emission is a no-op until telemetry.Initialize runs, so the
// collector is safe to wire unconditionally.
type TelemetryMetrics struct{}

// NewTelemetryMetrics creates a metrics collector backed by the telemetry package
func NewTelemetryMetrics() *TelemetryMetrics {
	return &TelemetryMetrics{}
}

// RecordSuccess records a successful circuit breaker execution
func (t *TelemetryMetrics) RecordSuccess(name string) {
	telemetry.Counter("circuit_breaker.calls", "name", name, "state", "success")
}

// RecordFailure records a failed circuit breaker execution
func (t *TelemetryMetrics) RecordFailure(name string, errorType string) {
	telemetry.Counter("circuit_breaker.calls", "name", name, "state", "failure")
	telemetry.Counter("circuit_breaker.failures", "name", name, "error_type", errorType)
}

// RecordStateChange records a circuit breaker state transition
func (t *TelemetryMetrics) RecordStateChange(name string, from, to string) {
	telemetry.Counter("circuit_breaker.state_changes",
		"name", name,
		"from_state", from,
		"to_state", to)

	stateValue := 0.0
	switch to {
	case "half-open":
		stateValue = 0.5
	case "open":
		stateValue = 1.0
	}
	telemetry.Gauge("circuit_breaker.current_state", stateValue, "name", name)
}

// RecordRejection records a request rejected by an open circuit
func (t *TelemetryMetrics) RecordRejection(name string) {
	telemetry.Counter("circuit_breaker.rejected", "name", name)
}

// ExecuteWithTelemetry wraps Execute and records the call duration
func ExecuteWithTelemetry(ctx context.Context, cb *CircuitBreaker, fn func() error) error {
	start := time.Now()
	err := cb.Execute(ctx, fn)

	status := "success"
	if err != nil {
		status = "failure"
	}
	telemetry.Histogram("circuit_breaker.duration_ms", float64(time.Since(start).Milliseconds()),
		"name", cb.config.Name,
		"status", status)

	return err
}

// RetryWithTelemetry runs Retry and records attempt counts and the total
// loop duration under the given operation label.
func RetryWithTelemetry(ctx context.Context, operation string, config *RetryConfig, fn func() error) error {
	start := time.Now()
	err := Retry(ctx, config, func() error {
		telemetry.Counter("retry.attempts", "operation", operation)
		return fn()
	})

	status := "success"
	if err != nil {
		status = "failure"
		telemetry.Counter("retry.exhausted", "operation", operation)
	}
	telemetry.Histogram("retry.duration_ms", float64(time.Since(start).Milliseconds()),
		"operation", operation,
		"status", status)

	return err
}
