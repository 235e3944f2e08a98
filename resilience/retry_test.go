package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// TestRetryBasicSuccess tests successful execution on first attempt
func TestRetryBasicSuccess(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryEventualSuccess tests success after multiple attempts
func TestRetryEventualSuccess(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got error: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryMaxAttemptsExceeded tests failure after all retries exhausted
func TestRetryMaxAttemptsExceeded(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryContextCancellation tests context cancellation during retry
func TestRetryContextCancellation(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, func() error {
		attempts++
		return errors.New("error")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}

	if attempts == 0 || attempts >= 5 {
		t.Errorf("Expected 1-4 attempts with context cancellation, got %d", attempts)
	}
}

// TestRetryExponentialBackoff tests that delays grow between attempts
func TestRetryExponentialBackoff(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	var delays []time.Duration
	lastAttemptTime := time.Now()
	attempts := 0

	err := Retry(context.Background(), config, func() error {
		attempts++
		now := time.Now()
		if attempts > 1 {
			delays = append(delays, now.Sub(lastAttemptTime))
		}
		lastAttemptTime = now
		return errors.New("error")
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}

	if len(delays) != 3 {
		t.Fatalf("Expected 3 recorded delays, got %d", len(delays))
	}

	// First delay is InitialDelay; the factor kicks in afterward.
	// Timer scheduling adds slack, so only check the lower bounds.
	if delays[0] < 20*time.Millisecond {
		t.Errorf("First delay %v shorter than initial delay", delays[0])
	}
	if delays[1] < 40*time.Millisecond {
		t.Errorf("Second delay %v did not back off", delays[1])
	}
	if delays[2] < 80*time.Millisecond {
		t.Errorf("Third delay %v did not back off", delays[2])
	}
}

// TestRetryDelayCappedAtMax tests the MaxDelay ceiling
func TestRetryDelayCappedAtMax(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  30 * time.Millisecond,
		MaxDelay:      40 * time.Millisecond,
		BackoffFactor: 10.0,
		JitterEnabled: false,
	}

	start := time.Now()
	err := Retry(context.Background(), config, func() error {
		return errors.New("error")
	})
	elapsed := time.Since(start)

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}

	// Three sleeps of at most 40ms each; generous upper bound for CI.
	if elapsed > 400*time.Millisecond {
		t.Errorf("Expected capped delays, total elapsed %v", elapsed)
	}
}

// TestRetryNilConfigUsesDefaults tests that nil config falls back to defaults
func TestRetryNilConfigUsesDefaults(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), nil, func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success with nil config, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryWithCircuitBreakerOpenCircuit tests that an open circuit
// short-circuits every attempt without invoking the function
func TestRetryWithCircuitBreakerOpenCircuit(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:            "test-open",
		ErrorThreshold:  0.5,
		VolumeThreshold: 1,
		SleepWindow:     time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}
	cb.ForceOpen()

	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	var calls atomic.Int32
	err = RetryWithCircuitBreaker(context.Background(), config, cb, func() error {
		calls.Add(1)
		return nil
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("Expected function never called with open circuit, got %d calls", calls.Load())
	}
}

// TestRetryWithCircuitBreakerSuccess tests the happy path records success
func TestRetryWithCircuitBreakerSuccess(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:            "test-success",
		ErrorThreshold:  0.5,
		VolumeThreshold: 5,
		SleepWindow:     time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}

	calls := 0
	err = RetryWithCircuitBreaker(context.Background(), nil, cb, func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if cb.GetState() != "closed" {
		t.Errorf("Expected circuit to stay closed, got %s", cb.GetState())
	}
}

// TestRetryWithCircuitBreakerEventuallyOpens tests that repeated
// failures through the retry loop trip the breaker
func TestRetryWithCircuitBreakerEventuallyOpens(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:            "test-trip",
		ErrorThreshold:  0.5,
		VolumeThreshold: 3,
		SleepWindow:     time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}

	config := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	var calls atomic.Int32
	err = RetryWithCircuitBreaker(context.Background(), config, cb, func() error {
		calls.Add(1)
		return core.ErrConnectionFailed
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}
	if cb.GetState() != "open" {
		t.Errorf("Expected circuit open after repeated failures, got %s", cb.GetState())
	}
	// The breaker opens after the volume threshold, so the last attempts
	// should have been short-circuited.
	if calls.Load() >= 5 {
		t.Errorf("Expected some attempts rejected by the open circuit, got %d calls", calls.Load())
	}
}
