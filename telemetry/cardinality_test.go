package telemetry

import (
	"fmt"
	"testing"
)

func TestCheckAndLimitUnderBudget(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"tenant_id": 3})
	defer limiter.Stop()

	for _, tenant := range []string{"acme", "globex", "initech"} {
		if got := limiter.CheckAndLimit("bus.actions.sent", "tenant_id", tenant); got != tenant {
			t.Errorf("CheckAndLimit(%q) = %q, want passthrough", tenant, got)
		}
	}
}

func TestCheckAndLimitOverBudgetReturnsOverflow(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"tenant_id": 2})
	defer limiter.Stop()

	limiter.CheckAndLimit("bus.actions.sent", "tenant_id", "acme")
	limiter.CheckAndLimit("bus.actions.sent", "tenant_id", "globex")

	if got := limiter.CheckAndLimit("bus.actions.sent", "tenant_id", "initech"); got != overflowLabel {
		t.Errorf("CheckAndLimit over budget = %q, want %q", got, overflowLabel)
	}

	// Values already admitted keep passing through.
	if got := limiter.CheckAndLimit("bus.actions.sent", "tenant_id", "acme"); got != "acme" {
		t.Errorf("existing value = %q, want %q", got, "acme")
	}
}

func TestCheckAndLimitUnknownLabelPassesThrough(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"tenant_id": 1})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		value := fmt.Sprintf("corr-%d", i)
		if got := limiter.CheckAndLimit("bus.actions.sent", "correlation_id", value); got != value {
			t.Errorf("unlimited label value %q = %q, want passthrough", value, got)
		}
	}
}

func TestLimitsArePerMetric(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"tenant_id": 1})
	defer limiter.Stop()

	limiter.CheckAndLimit("bus.actions.sent", "tenant_id", "acme")

	// A different metric gets its own budget for the same label.
	if got := limiter.CheckAndLimit("bus.actions.processed", "tenant_id", "globex"); got != "globex" {
		t.Errorf("per-metric budget = %q, want %q", got, "globex")
	}
}

func TestCurrentAndMaxCardinality(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"tenant_id": 5, "action_type": 10})
	defer limiter.Stop()

	limiter.CheckAndLimit("bus.actions.sent", "tenant_id", "acme")
	limiter.CheckAndLimit("bus.actions.sent", "tenant_id", "globex")
	limiter.CheckAndLimit("bus.actions.sent", "action_type", "echo.ping")

	if got := limiter.CurrentCardinality(); got != 3 {
		t.Errorf("CurrentCardinality() = %d, want 3", got)
	}
	if got := limiter.MaxCardinality(); got != 15 {
		t.Errorf("MaxCardinality() = %d, want 15", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	limiter := NewCardinalityLimiter(nil)
	limiter.Stop()
	limiter.Stop() // must not panic
}

func TestEmitAppliesCardinalityLimit(t *testing.T) {
	r, restore := withTestRegistry(t, Config{
		CardinalityLimits: map[string]int{"tenant_id": 2},
	})
	defer restore()

	droppedBefore := telemetryDropped.Load()

	Counter(MetricActionsSent, "tenant_id", "acme")
	Counter(MetricActionsSent, "tenant_id", "globex")
	Counter(MetricActionsSent, "tenant_id", "initech")

	if got := r.limiter.CurrentCardinality(); got != 2 {
		t.Errorf("CurrentCardinality() = %d, want 2", got)
	}
	if got := telemetryDropped.Load() - droppedBefore; got != 1 {
		t.Errorf("dropped delta = %d, want 1", got)
	}
}
