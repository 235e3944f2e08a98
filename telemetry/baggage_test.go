package telemetry

import (
	"context"
	"strings"
	"testing"
)

func TestWithBaggageAndGetBaggage(t *testing.T) {
	ctx := WithBaggage(context.Background(),
		"tenant_id", "acme",
		"tier", "enterprise",
	)

	bag := GetBaggage(ctx)
	if bag["tenant_id"] != "acme" {
		t.Errorf("tenant_id = %q, want acme", bag["tenant_id"])
	}
	if bag["tier"] != "enterprise" {
		t.Errorf("tier = %q, want enterprise", bag["tier"])
	}
}

func TestWithBaggageIsAdditive(t *testing.T) {
	ctx := WithBaggage(context.Background(), "tenant_id", "acme")
	ctx = WithBaggage(ctx, "session_id", "s-1")

	bag := GetBaggage(ctx)
	if len(bag) != 2 {
		t.Fatalf("baggage size = %d, want 2: %v", len(bag), bag)
	}
}

func TestWithBaggageOverridesSameKey(t *testing.T) {
	ctx := WithBaggage(context.Background(), "tier", "free")
	ctx = WithBaggage(ctx, "tier", "professional")

	if got := GetBaggage(ctx)["tier"]; got != "professional" {
		t.Errorf("tier = %q, want professional", got)
	}
}

func TestWithBaggageSkipsEmptyKeys(t *testing.T) {
	ctx := WithBaggage(context.Background(), "", "ignored", "tenant_id", "acme")

	bag := GetBaggage(ctx)
	if len(bag) != 1 || bag["tenant_id"] != "acme" {
		t.Errorf("baggage = %v, want only tenant_id", bag)
	}
}

func TestWithBaggageTruncatesLongValues(t *testing.T) {
	long := strings.Repeat("x", MaxBaggageValueLength+100)
	ctx := WithBaggage(context.Background(), "tenant_id", long)

	got := GetBaggage(ctx)["tenant_id"]
	if len(got) != MaxBaggageValueLength {
		t.Errorf("value length = %d, want %d", len(got), MaxBaggageValueLength)
	}
}

func TestGetBaggageEmpty(t *testing.T) {
	if bag := GetBaggage(context.Background()); bag != nil {
		t.Errorf("GetBaggage(empty ctx) = %v, want nil", bag)
	}
	if bag := GetBaggage(nil); bag != nil {
		t.Errorf("GetBaggage(nil) = %v, want nil", bag)
	}
}

func TestAppendBaggageToLabels(t *testing.T) {
	ctx := WithBaggage(context.Background(), "tenant_id", "acme", "tier", "free")

	merged, pooled := appendBaggageToLabels(ctx, []string{"action_type", "echo.ping"})
	if !pooled {
		t.Fatal("expected a pooled slice when baggage is present")
	}
	defer returnLabelSlice(merged)

	labels := parseLabels(merged...)
	if labels["action_type"] != "echo.ping" {
		t.Errorf("action_type = %q, want echo.ping", labels["action_type"])
	}
	if labels["tenant_id"] != "acme" {
		t.Errorf("tenant_id = %q, want acme", labels["tenant_id"])
	}
	if labels["tier"] != "free" {
		t.Errorf("tier = %q, want free", labels["tier"])
	}

	// Keys come back sorted for deterministic series identity.
	for i := 0; i+2 < len(merged); i += 2 {
		if merged[i] > merged[i+2] {
			t.Errorf("labels not sorted: %v", merged)
			break
		}
	}
}

func TestAppendBaggageToLabelsBaggageWins(t *testing.T) {
	ctx := WithBaggage(context.Background(), "tier", "enterprise")

	merged, pooled := appendBaggageToLabels(ctx, []string{"tier", "free"})
	if !pooled {
		t.Fatal("expected a pooled slice")
	}
	defer returnLabelSlice(merged)

	if got := parseLabels(merged...)["tier"]; got != "enterprise" {
		t.Errorf("tier = %q, want baggage value enterprise", got)
	}
}

func TestAppendBaggageToLabelsWithoutBaggage(t *testing.T) {
	in := []string{"a", "1"}
	out, pooled := appendBaggageToLabels(context.Background(), in)
	if pooled {
		t.Error("no baggage should return the input slice unpooled")
	}
	if len(out) != 2 || out[0] != "a" {
		t.Errorf("labels = %v, want unchanged input", out)
	}
}

func TestEmitWithContextIncludesBaggage(t *testing.T) {
	r, restore := withTestRegistry(t, Config{})
	defer restore()

	ctx := WithBaggage(context.Background(), "tenant_id", "acme")
	EmitWithContext(ctx, MetricActionsProcessed, 1, "status", "success")

	if got := r.emitted.Load(); got != 1 {
		t.Errorf("emitted = %d, want 1", got)
	}
	// tenant_id flowed into the limiter, proving the label reached emission.
	if got := r.limiter.CurrentCardinality(); got != 1 {
		t.Errorf("tracked cardinality = %d, want 1", got)
	}
}

func TestBaggageStats(t *testing.T) {
	ResetBaggageStats()

	WithBaggage(context.Background(), "tenant_id", "acme", "tier", "free")

	stats := GetBaggageStats()
	if stats.ItemsAdded != 2 {
		t.Errorf("ItemsAdded = %d, want 2", stats.ItemsAdded)
	}
	if stats.ItemsDropped != 0 {
		t.Errorf("ItemsDropped = %d, want 0", stats.ItemsDropped)
	}
}
