package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors. Envelope
// validation failures, missing handlers and configuration mistakes are
// caller bugs: opening the circuit for them would block healthy Redis
// traffic for every other sender on the node.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Malformed envelopes - DON'T count (caller error)
	if errors.Is(err, core.ErrInvalidEnvelope) ||
		errors.Is(err, core.ErrInvalidActionType) ||
		errors.Is(err, core.ErrInvalidResponse) {
		return false
	}

	// Configuration errors - DON'T count (user error)
	if core.IsConfigurationError(err) {
		return false
	}

	// Not found errors - DON'T count (user error)
	if core.IsNotFound(err) {
		return false
	}

	// State errors - DON'T count (programming error)
	if core.IsStateError(err) {
		return false
	}

	// Context cancellation - DON'T count (client gave up)
	if errors.Is(err, context.Canceled) {
		return false
	}

	// All other errors count as failures (network, timeout, connection issues)
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of requests before evaluation
	VolumeThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests in half-open state
	HalfOpenRequests int

	// SuccessThreshold is the success rate needed to close from half-open
	SuccessThreshold float64

	// WindowSize is the sliding window duration for metrics
	WindowSize time.Duration

	// BucketCount is the number of buckets in the sliding window
	BucketCount int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5, // 50% error rate
		VolumeThreshold:  10,  // Need 10 requests minimum
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6, // 60% success to recover
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}

	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}

	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0 and 1, got %f", c.ErrorThreshold)
	}

	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}

	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be between 0 and 1, got %f", c.SuccessThreshold)
	}

	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}

	if c.WindowSize < 0 {
		return fmt.Errorf("window size must be non-negative, got %v", c.WindowSize)
	}

	return nil
}

// ExecutionToken tracks in-flight requests to prevent orphaned executions
type ExecutionToken struct {
	id         uint64
	startTime  time.Time
	isHalfOpen bool
}

// CircuitBreaker protects Redis operations from cascading failures.
// State reads are lock-free; the mutex guards transitions only.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time
	generation     uint64

	window *SlidingWindow

	// Half-open state management with atomic operations
	halfOpenCount     atomic.Int32
	halfOpenTotal     atomic.Int32 // Requests allowed in current half-open period
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32
	halfOpenTokens    sync.Map     // map[uint64]ExecutionToken for in-flight requests
	tokenCounter      atomic.Uint64

	// Manual control
	forceOpen   atomic.Bool
	forceClosed atomic.Bool

	// Error type cache to avoid allocations
	errorTypeCache sync.Map // map[error]string

	// State change listeners
	listeners []func(name string, from, to CircuitState)

	// Guards state transitions and listener registration
	mu sync.Mutex

	executionsInFlight atomic.Int32
	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for
// unset optional fields.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount <= 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}

	cb := &CircuitBreaker{
		config:    config,
		window:    NewSlidingWindow(config.WindowSize, config.BucketCount, config.Logger, config.Name),
		listeners: make([]func(string, CircuitState, CircuitState), 0),
	}

	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":          "circuit_breaker_created",
		"name":               config.Name,
		"error_threshold":    config.ErrorThreshold,
		"volume_threshold":   config.VolumeThreshold,
		"sleep_window_ms":    config.SleepWindow.Milliseconds(),
		"half_open_requests": config.HalfOpenRequests,
	})

	return cb, nil
}

// SetLogger replaces the logger. The component is pinned so breaker
// events stay attributable regardless of which service injected it.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	cb.config.Logger = core.WithComponent(logger, "resilience")
}

// Execute runs the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs the function with timeout protection. When the
// context expires before fn returns, the call is abandoned but its
// eventual outcome is still recorded against the window.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	token, allowed := cb.startExecution()
	if !allowed {
		cb.config.Logger.Debug("Circuit breaker rejected execution", map[string]interface{}{
			"operation":     "circuit_breaker_reject",
			"name":          cb.config.Name,
			"current_state": cb.GetState(),
		})

		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	cb.executionsInFlight.Add(1)
	defer cb.executionsInFlight.Add(-1)
	cb.totalExecutions.Add(1)

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()

				var panicErr error
				switch v := r.(type) {
				case error:
					panicErr = fmt.Errorf("panic in circuit breaker: %w\nStack:\n%s", v, stack)
				case string:
					panicErr = fmt.Errorf("panic in circuit breaker: %s\nStack:\n%s", v, stack)
				default:
					panicErr = fmt.Errorf("panic in circuit breaker: %v (%T)\nStack:\n%s", v, v, stack)
				}

				cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
					"name":  cb.config.Name,
					"panic": fmt.Sprintf("%v", r),
					"type":  fmt.Sprintf("%T", r),
				})

				done <- panicErr
			}
		}()

		done <- fn()
	}()

	select {
	case err := <-done:
		cb.completeExecution(token, err)
		return err
	case <-ctx.Done():
		// The function is still running. Record its eventual outcome
		// once it finishes so the window stays truthful.
		go func() {
			<-done
			cb.completeExecution(token, ctx.Err())
		}()
		return ctx.Err()
	}
}

// startExecution attempts to start an execution and returns a token if allowed
func (cb *CircuitBreaker) startExecution() (ExecutionToken, bool) {
	// Manual overrides win over everything
	if cb.forceClosed.Load() {
		return ExecutionToken{}, true
	}
	if cb.forceOpen.Load() {
		return ExecutionToken{}, false
	}

	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return ExecutionToken{
			id:        cb.tokenCounter.Add(1),
			startTime: time.Now(),
		}, true

	case StateOpen:
		stateChangedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(stateChangedAt) > cb.config.SleepWindow {
			cb.mu.Lock()
			// Double-check state after acquiring lock
			if cb.state.Load().(CircuitState) == StateOpen {
				cb.transitionToUnlocked(StateHalfOpen)
			}
			cb.mu.Unlock()

			// Retry after transition
			return cb.startExecution()
		}
		return ExecutionToken{}, false

	case StateHalfOpen:
		// Atomically reserve one of the probe slots
		for {
			current := cb.halfOpenTotal.Load()
			if cb.config.HalfOpenRequests > 0 && int(current) >= cb.config.HalfOpenRequests {
				return ExecutionToken{}, false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				break
			}
		}

		cb.halfOpenCount.Add(1)

		token := ExecutionToken{
			id:         cb.tokenCounter.Add(1),
			startTime:  time.Now(),
			isHalfOpen: true,
		}

		// Track this token to prevent orphaned requests
		cb.halfOpenTokens.Store(token.id, token)

		return token, true

	default:
		return ExecutionToken{}, false
	}
}

// completeExecution records the result of an execution
func (cb *CircuitBreaker) completeExecution(token ExecutionToken, err error) {
	// Skip if manually controlled
	if cb.forceClosed.Load() || cb.forceOpen.Load() {
		return
	}

	if token.isHalfOpen {
		cb.halfOpenTokens.Delete(token.id)
		cb.halfOpenCount.Add(-1)
	}

	if err == nil {
		cb.window.RecordSuccess()
		cb.config.Metrics.RecordSuccess(cb.config.Name)

		if token.isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.RecordFailure()
		cb.config.Metrics.RecordFailure(cb.config.Name, cb.getErrorType(err))

		if token.isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}

	cb.evaluateState()
}

// getErrorType returns a low-cardinality error label. Wire error codes
// are already bounded, so they pass through unchanged.
func (cb *CircuitBreaker) getErrorType(err error) string {
	var busErr *core.BusError
	if errors.As(err, &busErr) && busErr.Code != "" {
		return busErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "DeadlineExceeded"
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}

	if cached, ok := cb.errorTypeCache.Load(err); ok {
		return cached.(string)
	}
	errorType := fmt.Sprintf("%T", err)
	cb.errorTypeCache.Store(err, errorType)
	return errorType
}

// evaluateState checks if state transition is needed
func (cb *CircuitBreaker) evaluateState() {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		errorRate := cb.window.GetErrorRate()
		total := cb.window.GetTotal()

		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.config.Logger.Info("Circuit breaker opening due to error threshold", map[string]interface{}{
				"operation":        "circuit_breaker_opening",
				"name":             cb.config.Name,
				"error_rate":       errorRate,
				"error_threshold":  cb.config.ErrorThreshold,
				"total_requests":   total,
				"volume_threshold": cb.config.VolumeThreshold,
			})

			cb.mu.Lock()
			cb.transitionToUnlocked(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		totalProbes := successes + failures

		if cb.config.HalfOpenRequests > 0 && int(totalProbes) >= cb.config.HalfOpenRequests {
			successRate := float64(successes) / float64(totalProbes)

			cb.mu.Lock()
			if successRate >= cb.config.SuccessThreshold {
				cb.config.Logger.Info("Circuit breaker recovering to closed state", map[string]interface{}{
					"operation":    "circuit_breaker_recovery",
					"name":         cb.config.Name,
					"success_rate": successRate,
					"threshold":    cb.config.SuccessThreshold,
				})
				cb.transitionToUnlocked(StateClosed)
			} else {
				// Too many probe failures: reopen and extend the sleep
				// window so a struggling Redis gets more breathing room.
				cb.transitionToUnlocked(StateOpen)
				cb.config.SleepWindow = time.Duration(float64(cb.config.SleepWindow) * 1.5)
				if cb.config.SleepWindow > 5*time.Minute {
					cb.config.SleepWindow = 5 * time.Minute
				}

				cb.config.Logger.Info("Circuit breaker re-opening after failed probes", map[string]interface{}{
					"operation":            "circuit_breaker_reopen",
					"name":                 cb.config.Name,
					"success_rate":         successRate,
					"threshold":            cb.config.SuccessThreshold,
					"next_sleep_window_ms": cb.config.SleepWindow.Milliseconds(),
				})
			}
			cb.mu.Unlock()
		}
	}
}

// transitionToUnlocked changes state (must be called with lock held)
func (cb *CircuitBreaker) transitionToUnlocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}

	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())
	cb.generation++

	// Reset probe counters when entering half-open
	if newState == StateHalfOpen {
		cb.halfOpenCount.Store(0)
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
		cb.halfOpenTokens.Range(func(key, value interface{}) bool {
			cb.halfOpenTokens.Delete(key)
			return true
		})
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name":       cb.config.Name,
		"from":       oldState.String(),
		"to":         newState.String(),
		"error_rate": cb.window.GetErrorRate(),
	})

	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener adds a listener for state changes
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// GetMetrics returns current metrics
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.GetCounts()

	metrics := map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.GetState(),
		"generation":           cb.generation,
		"success":              success,
		"failure":              failure,
		"total":                success + failure,
		"error_rate":           cb.window.GetErrorRate(),
		"force_open":           cb.forceOpen.Load(),
		"force_closed":         cb.forceClosed.Load(),
		"executions_in_flight": cb.executionsInFlight.Load(),
		"total_executions":     cb.totalExecutions.Load(),
		"rejected_executions":  cb.rejectedExecutions.Load(),
	}

	if cb.state.Load().(CircuitState) == StateHalfOpen {
		metrics["half_open_count"] = cb.halfOpenCount.Load()
		metrics["half_open_successes"] = cb.halfOpenSuccesses.Load()
		metrics["half_open_failures"] = cb.halfOpenFailures.Load()
	}

	return metrics
}

// Reset returns the breaker to closed with a fresh window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state.Load().(CircuitState)
	success, failure := cb.window.GetCounts()

	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.halfOpenCount.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenFailures.Store(0)
	cb.window = NewSlidingWindow(cb.config.WindowSize, cb.config.BucketCount, cb.config.Logger, cb.config.Name)

	orphaned := 0
	cb.halfOpenTokens.Range(func(key, value interface{}) bool {
		cb.halfOpenTokens.Delete(key)
		orphaned++
		return true
	})

	fields := map[string]interface{}{
		"operation":       "circuit_breaker_reset",
		"name":            cb.config.Name,
		"previous_state":  oldState.String(),
		"cleared_success": success,
		"cleared_failure": failure,
	}
	if orphaned > 0 {
		fields["orphaned_tokens"] = orphaned
	}
	cb.config.Logger.Info("Circuit breaker reset", fields)
}

// ForceOpen manually opens the circuit
func (cb *CircuitBreaker) ForceOpen() {
	cb.config.Logger.Info("Circuit breaker manually forced open", map[string]interface{}{
		"operation":      "circuit_breaker_force_open",
		"name":           cb.config.Name,
		"previous_state": cb.GetState(),
	})

	cb.forceOpen.Store(true)
	cb.forceClosed.Store(false)

	cb.mu.Lock()
	if cb.state.Load().(CircuitState) != StateOpen {
		cb.transitionToUnlocked(StateOpen)
	}
	cb.mu.Unlock()
}

// ForceClosed manually closes the circuit
func (cb *CircuitBreaker) ForceClosed() {
	cb.config.Logger.Info("Circuit breaker manually forced closed", map[string]interface{}{
		"operation":      "circuit_breaker_force_closed",
		"name":           cb.config.Name,
		"previous_state": cb.GetState(),
	})

	cb.forceClosed.Store(true)
	cb.forceOpen.Store(false)

	cb.mu.Lock()
	if cb.state.Load().(CircuitState) != StateClosed {
		cb.transitionToUnlocked(StateClosed)
	}
	cb.mu.Unlock()
}

// ClearForce removes manual override
func (cb *CircuitBreaker) ClearForce() {
	wasForceOpen := cb.forceOpen.Load()
	wasForceClosed := cb.forceClosed.Load()

	if wasForceOpen || wasForceClosed {
		cb.config.Logger.Info("Circuit breaker manual override cleared", map[string]interface{}{
			"operation":        "circuit_breaker_clear_force",
			"name":             cb.config.Name,
			"was_force_open":   wasForceOpen,
			"was_force_closed": wasForceClosed,
		})
	}

	cb.forceOpen.Store(false)
	cb.forceClosed.Store(false)
}

// CleanupOrphanedRequests records abandoned half-open probes as failures.
// Orphans happen when a caller's context expired and its fn never returned.
func (cb *CircuitBreaker) CleanupOrphanedRequests(maxAge time.Duration) int {
	cleaned := 0
	now := time.Now()

	cb.halfOpenTokens.Range(func(key, value interface{}) bool {
		token, ok := value.(ExecutionToken)
		if !ok {
			return true
		}
		if now.Sub(token.startTime) > maxAge {
			cb.halfOpenTokens.Delete(key)
			cb.completeExecution(token, errors.New("request orphaned"))
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		cb.config.Logger.Warn("Orphaned requests cleaned up", map[string]interface{}{
			"operation":     "orphaned_cleanup_complete",
			"name":          cb.config.Name,
			"cleaned_count": cleaned,
			"max_age_ms":    maxAge.Milliseconds(),
		})
	}

	return cleaned
}

// CanExecute checks if the circuit breaker allows execution. Used by
// RetryWithCircuitBreaker, which tracks outcomes itself.
func (cb *CircuitBreaker) CanExecute() bool {
	if cb.forceClosed.Load() {
		return true
	}
	if cb.forceOpen.Load() {
		return false
	}

	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return true
	case StateOpen:
		stateChangedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(stateChangedAt) > cb.config.SleepWindow {
			cb.mu.Lock()
			if cb.state.Load().(CircuitState) == StateOpen {
				cb.transitionToUnlocked(StateHalfOpen)
			}
			cb.mu.Unlock()
			return true
		}
		return false
	default:
		// Half-open: allow while probe slots remain
		return cb.config.HalfOpenRequests > 0 && int(cb.halfOpenTotal.Load()) < cb.config.HalfOpenRequests
	}
}

// RecordSuccess records a successful operation observed outside Execute
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.RecordSuccess()
	cb.evaluateState()
}

// RecordFailure records a failed operation observed outside Execute
func (cb *CircuitBreaker) RecordFailure() {
	cb.window.RecordFailure()
	cb.evaluateState()
}

// bucket is one time slice of the sliding window
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks success/failure counts over a rolling interval
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex

	logger core.Logger
	name   string
}

// NewSlidingWindow creates a sliding window with time skew protection
func NewSlidingWindow(windowSize time.Duration, bucketCount int, logger core.Logger, name string) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}

	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
		logger:       logger,
		name:         name,
	}
}

// rotateBuckets advances the ring. Callers hold the write lock.
func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)

	// Clock went backward: drop the window rather than serve stale rates
	if elapsed < 0 {
		sw.logger.Warn("Time skew detected in sliding window, resetting", map[string]interface{}{
			"operation":  "sliding_window_time_skew",
			"name":       sw.name,
			"elapsed_ns": elapsed.Nanoseconds(),
		})
		sw.reset(now)
		return
	}

	if elapsed < sw.bucketSize {
		return
	}

	rotations := int(elapsed / sw.bucketSize)
	if rotations > len(sw.buckets) {
		rotations = len(sw.buckets)
	}
	for i := 0; i < rotations; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

func (sw *SlidingWindow) reset(now time.Time) {
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

// RecordSuccess records a successful operation
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].success++
}

// RecordFailure records a failed operation
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].failure++
}

// GetCounts returns success and failure counts within the window
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

// GetErrorRate returns the current error rate
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// GetTotal returns the total number of requests in the window
func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}
