package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName is the tracer/meter scope for everything this
// module records.
const instrumentationName = "nooble4-bus"

// MetricInstruments caches metric instruments so repeated emission of the
// same metric does not re-create them. Lookups take a read lock; creation
// uses double-checked locking under the write lock.
type MetricInstruments struct {
	meter         metric.Meter
	counters      map[string]metric.Float64Counter
	upDownCounter map[string]metric.Int64UpDownCounter
	histograms    map[string]metric.Float64Histogram
	gauges        map[string]metric.Float64Gauge
	mu            sync.RWMutex
}

// NewMetricInstruments creates an instrument cache bound to the given meter.
func NewMetricInstruments(meter metric.Meter) *MetricInstruments {
	return &MetricInstruments{
		meter:         meter,
		counters:      make(map[string]metric.Float64Counter),
		upDownCounter: make(map[string]metric.Int64UpDownCounter),
		histograms:    make(map[string]metric.Float64Histogram),
		gauges:        make(map[string]metric.Float64Gauge),
	}
}

// RecordCounter adds value to a monotonic counter.
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value float64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Float64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordUpDownCounter records a value that can go up or down, such as the
// number of in-flight actions.
func (m *MetricInstruments) RecordUpDownCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.upDownCounter[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.upDownCounter[name]; !exists {
			var err error
			counter, err = m.meter.Int64UpDownCounter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create up-down counter %s: %w", name, err)
			}
			m.upDownCounter[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution, such as handler latencies
// or payload sizes.
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RecordGauge records the current value of a gauge metric, such as queue
// depth observed during a drain pass.
func (m *MetricInstruments) RecordGauge(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if gauge, exists = m.gauges[name]; !exists {
			var err error
			gauge, err = m.meter.Float64Gauge(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create gauge %s: %w", name, err)
			}
			m.gauges[name] = gauge
		}
		m.mu.Unlock()
	}

	gauge.Record(ctx, value, opts...)
	return nil
}

// attributesFromMap converts a label map to OpenTelemetry attributes.
func attributesFromMap(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Bus metric names. Emit these with the labels noted so dashboards work
// the same way across every service sharing the bus.
const (
	// Client-side metrics
	MetricActionsSent        = "bus.actions.sent"            // action_type, target, mode
	MetricCallbacksRequested = "bus.callbacks.requested"     // action_type
	MetricEnqueueLatency     = "bus.enqueue.duration_ms"     // action_type, mode
	MetricPseudoSyncLatency  = "bus.pseudo_sync.duration_ms" // action_type, status
	MetricPseudoSyncTimeouts = "bus.pseudo_sync.timeouts"    // action_type
	MetricSendErrors         = "bus.send.errors"             // action_type, error_code
	MetricPayloadBytes       = "bus.action.payload_bytes"    // action_type

	// Worker-side metrics
	MetricActionsReceived   = "bus.actions.received"          // action_type, tier
	MetricActionsProcessed  = "bus.actions.processed"         // action_type, status
	MetricActionsRetried    = "bus.actions.retried"           // action_type, attempt
	MetricActionsDeferred   = "bus.actions.deferred"          // action_type
	MetricActionsDeadLetter = "bus.actions.dead_lettered"     // action_type, reason
	MetricHandlerDuration   = "bus.handler.duration_ms"       // action_type, status
	MetricQueueWait         = "bus.queue.wait_ms"             // action_type, tier
	MetricInflight          = "bus.worker.inflight"           // service
	MetricRecoveredActions  = "bus.worker.recovered"          // service
	MetricDuplicatesSkipped = "bus.worker.duplicates_skipped" // action_type
	MetricWorkerStarted     = "bus.worker.started"            // service, worker_id
	MetricWorkerStopped     = "bus.worker.stopped"            // service, worker_id
	MetricWorkersActive     = "bus.workers.active"            // service
	MetricWorkerPanics      = "bus.worker.panics"             // action_type
	MetricQueueDepth        = "bus.queue.depth"               // queue

	// Delivery metrics
	MetricRepliesSent   = "bus.replies.sent"         // action_type, status
	MetricCallbacksSent = "bus.callbacks.sent"       // action_type
	MetricRateLimited   = "bus.ratelimit.rejections" // tier
	MetricTenantBusy    = "bus.inflight.rejections"  // tier

	// Task lifecycle metrics
	MetricTaskTransitions = "bus.tasks.transitions" // from, to
)
