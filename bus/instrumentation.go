// Package bus provides telemetry helpers for the action bus.
//
// This file centralizes metric and span-event emission for the client and
// worker, so every service reports the same shapes under the same names.
// All helpers are safe to call before telemetry.Initialize; emission is a
// no-op until then.
package bus

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kkvrivishvili/nooble4-sub002/core"
	"github.com/kkvrivishvili/nooble4-sub002/telemetry"
)

func init() {
	telemetry.DeclareMetrics("bus", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			// Client side
			{Name: telemetry.MetricActionsSent, Type: "counter", Help: "Actions enqueued", Labels: []string{"action_type", "target", "mode"}},
			{Name: telemetry.MetricCallbacksRequested, Type: "counter", Help: "Actions enqueued with a completion callback", Labels: []string{"action_type"}},
			{Name: telemetry.MetricEnqueueLatency, Type: "histogram", Help: "RPUSH round-trip latency", Unit: "milliseconds", Labels: []string{"action_type", "mode"}, Buckets: []float64{1, 5, 25, 100, 500, 2000}},
			{Name: telemetry.MetricPseudoSyncLatency, Type: "histogram", Help: "Pseudo-sync round-trip latency", Unit: "milliseconds", Labels: []string{"action_type", "status"}, Buckets: []float64{10, 50, 250, 1000, 5000, 30000}},
			{Name: telemetry.MetricPseudoSyncTimeouts, Type: "counter", Help: "Pseudo-sync waits that elapsed", Labels: []string{"action_type"}},
			{Name: telemetry.MetricSendErrors, Type: "counter", Help: "Enqueue failures", Labels: []string{"action_type", "error_code"}},
			{Name: telemetry.MetricPayloadBytes, Type: "histogram", Help: "Envelope payload size", Unit: "bytes", Labels: []string{"action_type"}, Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144}},

			// Worker side
			{Name: telemetry.MetricActionsReceived, Type: "counter", Help: "Actions popped for processing", Labels: []string{"action_type", "tier"}},
			{Name: telemetry.MetricActionsProcessed, Type: "counter", Help: "Actions finished, by outcome", Labels: []string{"action_type", "status"}},
			{Name: telemetry.MetricActionsRetried, Type: "counter", Help: "Actions re-enqueued after retryable failure", Labels: []string{"action_type", "attempt"}},
			{Name: telemetry.MetricActionsDeferred, Type: "counter", Help: "Actions pushed back for later delivery", Labels: []string{"action_type", "reason"}},
			{Name: telemetry.MetricActionsDeadLetter, Type: "counter", Help: "Envelopes routed to a dead letter queue", Labels: []string{"action_type", "reason"}},
			{Name: telemetry.MetricHandlerDuration, Type: "histogram", Help: "Handler execution time", Unit: "milliseconds", Labels: []string{"action_type", "status"}, Buckets: []float64{5, 25, 100, 500, 2000, 10000, 30000}},
			{Name: telemetry.MetricQueueWait, Type: "histogram", Help: "Time between enqueue and pop", Unit: "milliseconds", Labels: []string{"action_type", "tier"}, Buckets: []float64{10, 100, 1000, 10000, 60000}},
			{Name: telemetry.MetricInflight, Type: "gauge", Help: "Handlers currently running", Labels: []string{"service"}},
			{Name: telemetry.MetricRecoveredActions, Type: "counter", Help: "Envelopes recovered from a processing list", Labels: []string{"service", "queue"}},
			{Name: telemetry.MetricDuplicatesSkipped, Type: "counter", Help: "Envelopes dropped by the dedupe window", Labels: []string{"action_type"}},
			{Name: telemetry.MetricWorkerStarted, Type: "counter", Help: "Poll loop launches", Labels: []string{"service", "worker_id"}},
			{Name: telemetry.MetricWorkerStopped, Type: "counter", Help: "Poll loop exits", Labels: []string{"service", "worker_id"}},
			{Name: telemetry.MetricWorkersActive, Type: "gauge", Help: "Poll loops currently running", Labels: []string{"service"}},
			{Name: telemetry.MetricWorkerPanics, Type: "counter", Help: "Handler panics recovered", Labels: []string{"action_type"}},
			{Name: telemetry.MetricQueueDepth, Type: "gauge", Help: "Envelopes waiting in a queue", Labels: []string{"queue"}},

			// Delivery
			{Name: telemetry.MetricRepliesSent, Type: "counter", Help: "Pseudo-sync replies published", Labels: []string{"action_type", "status"}},
			{Name: telemetry.MetricCallbacksSent, Type: "counter", Help: "Callback actions published", Labels: []string{"action_type"}},
			{Name: telemetry.MetricRateLimited, Type: "counter", Help: "Sends rejected by the session rate limit", Labels: []string{"tier"}},
			{Name: telemetry.MetricTenantBusy, Type: "counter", Help: "Pops deferred by the tenant in-flight limit", Labels: []string{"tier"}},

			// Task lifecycle
			{Name: telemetry.MetricTaskTransitions, Type: "counter", Help: "Task record status transitions", Labels: []string{"from", "to"}},
		},
	})
}

// EmitActionSent records a successful enqueue: counter, payload size, and
// a span event on the producer's span.
func EmitActionSent(ctx context.Context, action *core.DomainAction, mode, queue string) {
	telemetry.Counter(telemetry.MetricActionsSent,
		"action_type", action.ActionType,
		"target", action.TargetService,
		"mode", mode,
	)
	telemetry.Histogram(telemetry.MetricPayloadBytes, float64(len(action.Data)),
		"action_type", action.ActionType,
	)

	telemetry.AddSpanEvent(ctx, "action.sent",
		attribute.String("action_id", action.ActionID),
		attribute.String("action_type", action.ActionType),
		attribute.String("queue", queue),
		attribute.String("mode", mode),
	)
}

// EmitCallbackRequested marks an enqueue that asked for a completion
// callback.
func EmitCallbackRequested(ctx context.Context, action *core.DomainAction) {
	telemetry.Counter(telemetry.MetricCallbacksRequested,
		"action_type", action.ActionType,
	)

	telemetry.AddSpanEvent(ctx, "callback.requested",
		attribute.String("action_id", action.ActionID),
		attribute.String("callback_queue", action.CallbackQueueName),
		attribute.String("callback_action_type", action.CallbackActionType),
	)
}

// EmitEnqueueLatency records the RPUSH round trip for one send.
func EmitEnqueueLatency(actionType, mode string, start time.Time) {
	telemetry.Duration(telemetry.MetricEnqueueLatency, start,
		"action_type", actionType,
		"mode", mode,
	)
}

// EmitSendError records an enqueue failure on both the metric stream and
// the producer's span.
func EmitSendError(ctx context.Context, actionType, code string, err error) {
	telemetry.Counter(telemetry.MetricSendErrors,
		"action_type", actionType,
		"error_code", code,
	)

	telemetry.AddSpanEvent(ctx, "action.send_failed",
		attribute.String("action_type", actionType),
		attribute.String("error_code", code),
	)
	telemetry.RecordSpanError(ctx, err)
}

// EmitPseudoSyncOutcome records how a pseudo-sync wait ended: success,
// error, timeout, transport_error, or decode_error.
func EmitPseudoSyncOutcome(ctx context.Context, action *core.DomainAction, status string, elapsed time.Duration) {
	telemetry.Histogram(telemetry.MetricPseudoSyncLatency, float64(elapsed.Milliseconds()),
		"action_type", action.ActionType,
		"status", status,
	)
	if status == "timeout" {
		telemetry.Counter(telemetry.MetricPseudoSyncTimeouts,
			"action_type", action.ActionType,
		)
	}

	telemetry.AddSpanEvent(ctx, "pseudo_sync.finished",
		attribute.String("action_id", action.ActionID),
		attribute.String("status", status),
		attribute.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
}

// EmitActionReceived records a pop on the worker's processing span.
func EmitActionReceived(ctx context.Context, action *core.DomainAction, queue string) {
	tier := string(action.Tier)
	if tier == "" {
		if t, ok := core.QueueTier(queue); ok {
			tier = string(t)
		}
	}

	telemetry.Counter(telemetry.MetricActionsReceived,
		"action_type", action.ActionType,
		"tier", tier,
	)

	telemetry.AddSpanEvent(ctx, "action.received",
		attribute.String("action_id", action.ActionID),
		attribute.String("action_type", action.ActionType),
		attribute.String("queue", queue),
		attribute.Int("retry_count", action.RetryCount()),
	)
}

// EmitQueueWait records the time an action spent queued before its pop.
func EmitQueueWait(ctx context.Context, action *core.DomainAction, poppedAt time.Time) {
	if action.Timestamp.IsZero() {
		return
	}
	wait := poppedAt.Sub(action.Timestamp)
	if wait < 0 {
		wait = 0
	}

	telemetry.Histogram(telemetry.MetricQueueWait, float64(wait.Milliseconds()),
		"action_type", action.ActionType,
		"tier", string(action.Tier),
	)
}

// EmitQueueDepth publishes a sampled queue length.
func EmitQueueDepth(queue string, depth int64) {
	telemetry.Gauge(telemetry.MetricQueueDepth, float64(depth), "queue", queue)
}

// EmitActionProcessed records a finished dispatch: outcome counter,
// handler duration histogram, and a span event.
func EmitActionProcessed(ctx context.Context, action *core.DomainAction, status string, duration time.Duration) {
	telemetry.Counter(telemetry.MetricActionsProcessed,
		"action_type", action.ActionType,
		"status", status,
	)
	telemetry.Histogram(telemetry.MetricHandlerDuration, float64(duration.Milliseconds()),
		"action_type", action.ActionType,
		"status", status,
	)

	telemetry.AddSpanEvent(ctx, "action.processed",
		attribute.String("action_id", action.ActionID),
		attribute.String("status", status),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
}

// EmitActionRetried records a retryable failure being re-enqueued.
func EmitActionRetried(ctx context.Context, action *core.DomainAction, attempt int, delay time.Duration) {
	telemetry.Counter(telemetry.MetricActionsRetried,
		"action_type", action.ActionType,
		"attempt", strconv.Itoa(attempt),
	)

	telemetry.AddSpanEvent(ctx, "action.retried",
		attribute.String("action_id", action.ActionID),
		attribute.Int("attempt", attempt),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	)
}

// EmitActionDeferred records an envelope pushed back to its queue without
// processing, either because its delivery time has not come or because the
// tenant is at its in-flight limit.
func EmitActionDeferred(action *core.DomainAction, reason string) {
	telemetry.Counter(telemetry.MetricActionsDeferred,
		"action_type", action.ActionType,
		"reason", reason,
	)
}

// EmitActionDeadLettered records an envelope routed to a DLQ and why:
// exhausted, no_handler, invalid_payload, or parse_error.
func EmitActionDeadLettered(ctx context.Context, actionType, reason string) {
	telemetry.Counter(telemetry.MetricActionsDeadLetter,
		"action_type", actionType,
		"reason", reason,
	)

	telemetry.AddSpanEvent(ctx, "action.dead_lettered",
		attribute.String("action_type", actionType),
		attribute.String("reason", reason),
	)
}

// EmitReplySent records a pseudo-sync reply published to its reply queue.
func EmitReplySent(ctx context.Context, action *core.DomainAction, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	telemetry.Counter(telemetry.MetricRepliesSent,
		"action_type", action.ActionType,
		"status", status,
	)

	telemetry.AddSpanEvent(ctx, "reply.sent",
		attribute.String("correlation_id", action.CorrelationID),
		attribute.String("queue", action.CallbackQueueName),
		attribute.String("status", status),
	)
}

// EmitCallbackSent records a callback action published for a completed
// action.
func EmitCallbackSent(ctx context.Context, callback *core.DomainAction, queue string) {
	telemetry.Counter(telemetry.MetricCallbacksSent,
		"action_type", callback.ActionType,
	)

	telemetry.AddSpanEvent(ctx, "callback.sent",
		attribute.String("action_id", callback.ActionID),
		attribute.String("action_type", callback.ActionType),
		attribute.String("queue", queue),
	)
}

// EmitRateLimited records a send rejected by the session rate limit.
func EmitRateLimited(tier core.Tier) {
	telemetry.Counter(telemetry.MetricRateLimited, "tier", string(tier))
}

// EmitTenantBusy records a pop deferred by the tenant in-flight limit.
func EmitTenantBusy(tier core.Tier) {
	telemetry.Counter(telemetry.MetricTenantBusy, "tier", string(tier))
}

// EmitWorkerInflight publishes the current number of running handlers.
func EmitWorkerInflight(service string, inflight int) {
	telemetry.Gauge(telemetry.MetricInflight, float64(inflight), "service", service)
}

// EmitWorkerStarted records a poll loop launch. The active gauge tracks
// this process's loop for the service.
func EmitWorkerStarted(service, workerID string) {
	telemetry.Counter(telemetry.MetricWorkerStarted,
		"service", service,
		"worker_id", workerID,
	)
	telemetry.Gauge(telemetry.MetricWorkersActive, 1, "service", service)
}

// EmitWorkerStopped records a poll loop exit.
func EmitWorkerStopped(service, workerID string) {
	telemetry.Counter(telemetry.MetricWorkerStopped,
		"service", service,
		"worker_id", workerID,
	)
	telemetry.Gauge(telemetry.MetricWorkersActive, 0, "service", service)
}

// EmitWorkerPanic records a recovered handler panic.
func EmitWorkerPanic(ctx context.Context, actionType string) {
	telemetry.Counter(telemetry.MetricWorkerPanics, "action_type", actionType)

	telemetry.AddSpanEvent(ctx, "worker.panic",
		attribute.String("action_type", actionType),
	)
}

// EmitRecovered records envelopes moved back from a processing list to
// their source queue at worker startup.
func EmitRecovered(service, queue string, count int) {
	telemetry.Add(telemetry.MetricRecoveredActions, float64(count),
		"service", service,
		"queue", queue,
	)
}

// EmitDuplicateSkipped records an envelope dropped by the dedupe window.
func EmitDuplicateSkipped(actionType string) {
	telemetry.Counter(telemetry.MetricDuplicatesSkipped, "action_type", actionType)
}

// EmitTaskTransition records a task record moving between states.
func EmitTaskTransition(from, to core.TaskStatus) {
	telemetry.Counter(telemetry.MetricTaskTransitions,
		"from", string(from),
		"to", string(to),
	)
}

// EmitTaskProgress adds a progress span event for the current task. No
// metric: progress updates are high-cardinality and per-task.
func EmitTaskProgress(ctx context.Context, taskID string, processed, total int, message string) {
	telemetry.AddSpanEvent(ctx, "task.progress",
		attribute.String("task_id", taskID),
		attribute.Int("processed", processed),
		attribute.Int("total", total),
		attribute.String("message", message),
	)
}
