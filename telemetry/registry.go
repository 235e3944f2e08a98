package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

var (
	// globalRegistry holds the singleton Registry instance.
	// atomic.Value gives lock-free reads on the hot path (metric emission).
	// It is written during Initialize() and read on every Emit().
	globalRegistry atomic.Value // *Registry

	// initOnce ensures Initialize() can only succeed once.
	initOnce sync.Once

	// declaredMetrics stores metric declarations made from init()
	// functions, before the telemetry system is initialized. sync.Map
	// handles concurrent writes during package init.
	declaredMetrics sync.Map // map[string]ModuleConfig

	// Internal health counters, tracked atomically.
	telemetryErrors  atomic.Int64 // Total errors encountered
	telemetryDropped atomic.Int64 // Metrics dropped due to limits
)

// metricKind selects which instrument type an emission uses.
type metricKind int

const (
	kindAuto metricKind = iota
	kindCounter
	kindHistogram
	kindGauge
)

// ModuleConfig represents metric declarations for one module.
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition defines a metric's metadata.
type MetricDefinition struct {
	Name    string
	Type    string    // counter, histogram, gauge, updowncounter
	Help    string
	Labels  []string
	Unit    string    // optional: milliseconds, bytes, etc.
	Buckets []float64 // optional: for histograms
}

// Registry coordinates the telemetry subsystems: the OpenTelemetry
// provider, the cardinality limiter and the internal health counters.
type Registry struct {
	config   Config
	provider *Provider
	limiter  *CardinalityLimiter
	logger   core.Logger

	emitted   atomic.Int64 // Total metrics successfully emitted
	startTime time.Time
	lastError atomic.Value // string

	// errorThrottle keeps a failing exporter from flooding the logs.
	errorThrottle *logThrottle
}

// DeclareMetrics registers metric definitions for a module. Safe to call
// from init() before Initialize(); declarations are replayed once the
// registry comes up, pre-creating the instruments.
//
// Example:
//
//	func init() {
//	    telemetry.DeclareMetrics("bus", telemetry.ModuleConfig{
//	        Metrics: []telemetry.MetricDefinition{
//	            {Name: "bus.actions.sent", Type: "counter"},
//	        },
//	    })
//	}
func DeclareMetrics(module string, config ModuleConfig) {
	declaredMetrics.Store(module, config)
}

// Initialize activates the telemetry system. Call once from main before
// emitting metrics; later calls are no-ops returning the first result.
// If initialization fails the Emit functions keep working as silent
// no-ops, so services never crash over a missing collector.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		logger := config.Logger
		if logger == nil {
			logger = core.NewProductionLogger("telemetry", core.InfoLevel)
		}

		logger.Info("Telemetry initialization starting", map[string]interface{}{
			"service_name":      config.ServiceName,
			"environment":       config.Environment,
			"exporter":          config.Exporter,
			"endpoint":          config.Endpoint,
			"cardinality_limit": config.CardinalityLimit,
		})

		registry, err := newRegistry(config)
		if err != nil {
			initErr = err
			logger.Error("Telemetry initialization failed", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": config.Endpoint,
				"impact":   "metrics and traces will not be exported",
			})
			return
		}
		registry.logger = logger

		// Replay declarations made before Initialize.
		declaredCount := 0
		declaredMetrics.Range(func(key, value interface{}) bool {
			module := key.(string)
			moduleConfig := value.(ModuleConfig)
			registry.registerModule(module, moduleConfig)
			declaredCount++
			logger.Debug("Registered module metrics", map[string]interface{}{
				"module":       module,
				"metric_count": len(moduleConfig.Metrics),
			})
			return true
		})

		globalRegistry.Store(registry)

		logger.Info("Telemetry system initialized", map[string]interface{}{
			"declared_modules":  declaredCount,
			"limiter_enabled":   registry.limiter != nil,
			"exporter":          config.Exporter,
			"initialization_ms": time.Since(registry.startTime).Milliseconds(),
		})
	})
	return initErr
}

// newRegistry creates a telemetry registry with defaults applied.
func newRegistry(config Config) (*Registry, error) {
	startTime := time.Now()

	if config.ServiceName == "" {
		config.ServiceName = "nooble4-service"
	}
	if config.Exporter == "" {
		config.Exporter = ExporterOTLP
	}
	if config.Exporter == ExporterOTLP && config.Endpoint == "" {
		config.Endpoint = "localhost:4317"
	}
	if config.MetricInterval <= 0 {
		config.MetricInterval = 60 * time.Second
	}
	if config.CardinalityLimit == 0 {
		config.CardinalityLimit = 10000
	}

	provider, err := NewProvider(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	limits := config.CardinalityLimits
	if limits == nil {
		limits = map[string]int{
			"tenant_id":   200,
			"session_id":  500,
			"action_type": 100,
			"queue":       500,
			"error_code":  25,
		}
	}

	r := &Registry{
		config:        config,
		provider:      provider,
		limiter:       NewCardinalityLimiter(limits),
		startTime:     startTime,
		errorThrottle: newLogThrottle(time.Second),
	}
	r.lastError.Store("")

	return r, nil
}

// registerModule pre-creates instruments for declared metrics so the
// first real emission doesn't pay creation cost.
func (r *Registry) registerModule(_ string, config ModuleConfig) {
	ctx := context.Background()
	for _, m := range config.Metrics {
		switch m.Type {
		case "histogram":
			_ = r.provider.instruments.RecordHistogram(ctx, m.Name, 0)
		case "gauge":
			_ = r.provider.instruments.RecordGauge(ctx, m.Name, 0)
		default:
			_ = r.provider.instruments.RecordCounter(ctx, m.Name, 0)
		}
	}
}

// emit routes one metric through the cardinality limiter to the right
// instrument.
func (r *Registry) emit(kind metricKind, name string, value float64, labels map[string]string) error {
	if r.limiter != nil {
		for key, val := range labels {
			limited := r.limiter.CheckAndLimit(name, key, val)
			if limited != val {
				telemetryDropped.Add(1)
				labels[key] = limited
			}
		}
	}

	if r.provider == nil {
		return nil
	}

	ctx := context.Background()
	attrs := attributesFromMap(labels)

	var err error
	switch kind {
	case kindCounter:
		err = r.provider.instruments.RecordCounter(ctx, name, value, counterOpts(attrs)...)
	case kindHistogram:
		err = r.provider.instruments.RecordHistogram(ctx, name, value, histogramOpts(attrs)...)
	case kindGauge:
		err = r.provider.instruments.RecordGauge(ctx, name, value, histogramOpts(attrs)...)
	default:
		r.provider.RecordMetric(name, value, labels)
	}
	if err != nil {
		return err
	}

	r.emitted.Add(1)
	return nil
}

// loadRegistry returns the active registry, or nil before Initialize and
// after Shutdown.
func loadRegistry() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	r, _ := v.(*Registry)
	return r
}

// emitTyped is the shared path behind the public emission API.
func emitTyped(kind metricKind, name string, value float64, labels ...string) {
	r := loadRegistry()
	if r == nil {
		return // Telemetry not initialized, silent no-op
	}

	if err := r.emit(kind, name, value, parseLabels(labels...)); err != nil {
		telemetryErrors.Add(1)
		r.lastError.Store(err.Error())

		if r.logger != nil && r.errorThrottle.Allow() {
			r.logger.Error("Failed to emit metric", map[string]interface{}{
				"metric": name,
				"value":  value,
				"error":  err.Error(),
			})
		}
	}
}

// Emit records a metric, picking the instrument from the name: duration
// and byte-size style names become histograms, everything else counts.
func Emit(name string, value float64, labels ...string) {
	emitTyped(kindAuto, name, value, labels...)
}

// EmitWithContext records a metric with baggage labels from ctx appended.
// Labels set via WithBaggage (tenant, tier, request identifiers) are
// merged into the explicit labels, baggage winning on conflicts.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	allLabels, pooled := appendBaggageToLabels(ctx, labels)
	if pooled {
		defer returnLabelSlice(allLabels)
	}
	Emit(name, value, allLabels...)
}

// parseLabels converts variadic key-value strings to a map.
// "key1", "val1", "key2", "val2" -> map[string]string
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string)
	for i := 0; i < len(labels)-1; i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// Shutdown flushes exporters and stops background loops. Emit becomes a
// no-op once shutdown completes.
func Shutdown(ctx context.Context) error {
	r := loadRegistry()
	if r == nil {
		return nil
	}

	if r.logger != nil {
		r.logger.Info("Shutting down telemetry system", map[string]interface{}{
			"total_emitted": r.emitted.Load(),
			"uptime_ms":     time.Since(r.startTime).Milliseconds(),
		})
	}

	if r.limiter != nil {
		r.limiter.Stop()
	}

	// Typed nil keeps atomic.Value happy; loadRegistry treats it as absent.
	globalRegistry.Store((*Registry)(nil))

	if r.provider != nil {
		if err := r.provider.Shutdown(ctx); err != nil {
			if r.logger != nil {
				r.logger.Error("Error during provider shutdown", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return err
		}
	}

	return nil
}

// Stats reports the registry's own health counters.
type Stats struct {
	Emitted     int64  `json:"emitted"`
	Dropped     int64  `json:"dropped"`
	Errors      int64  `json:"errors"`
	LastError   string `json:"last_error,omitempty"`
	Cardinality int    `json:"cardinality"`
	UptimeMs    int64  `json:"uptime_ms"`
}

// GetStats returns telemetry-internal counters for health endpoints and
// tests. Returns zero values when telemetry is not initialized.
func GetStats() Stats {
	r := loadRegistry()
	if r == nil {
		return Stats{
			Dropped: telemetryDropped.Load(),
			Errors:  telemetryErrors.Load(),
		}
	}
	lastErr, _ := r.lastError.Load().(string)
	return Stats{
		Emitted:     r.emitted.Load(),
		Dropped:     telemetryDropped.Load(),
		Errors:      telemetryErrors.Load(),
		LastError:   lastErr,
		Cardinality: r.limiter.CurrentCardinality(),
		UptimeMs:    time.Since(r.startTime).Milliseconds(),
	}
}

// GetRegistry returns the current registry (for testing).
func GetRegistry() *Registry {
	return loadRegistry()
}

// GetTelemetryProvider returns the provider as a core.Telemetry for
// injection into components that create spans directly. Returns nil if
// telemetry is not initialized.
func GetTelemetryProvider() core.Telemetry {
	r := loadRegistry()
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider
}

// logThrottle gates repeated error logs to one per interval.
type logThrottle struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

func newLogThrottle(interval time.Duration) *logThrottle {
	return &logThrottle{interval: interval}
}

// Allow reports whether another log line may be written now.
func (t *logThrottle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.Sub(t.lastTime) >= t.interval {
		t.lastTime = now
		return true
	}
	return false
}
