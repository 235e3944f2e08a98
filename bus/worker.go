package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/trace"

	"github.com/kkvrivishvili/nooble4-sub002/core"
	"github.com/kkvrivishvili/nooble4-sub002/resilience"
	"github.com/kkvrivishvili/nooble4-sub002/telemetry"
)

// defaultDedupeWindow is how long completed action ids are remembered.
const defaultDedupeWindow = 10 * time.Minute

// maxRetryBackoff caps the exponential re-enqueue delay.
const maxRetryBackoff = 5 * time.Minute

// depthSampleInterval is how often the poll loop samples queue lengths.
const depthSampleInterval = 15 * time.Second

// WorkerConfig configures a Worker. ServiceName and Queues are required;
// everything else defaults.
type WorkerConfig struct {
	// ServiceName identifies this consumer in logs, metrics, and task
	// records.
	ServiceName string

	// Queues are polled in order every cycle, so priority queues go
	// first. QueueNamer.TierQueues produces a tier-ordered set.
	Queues []string

	// WorkerID distinguishes this instance's processing list. Keep it
	// stable across restarts so crash recovery finds the previous run's
	// list. Defaults to the hostname; override when running multiple
	// workers per host.
	WorkerID string

	// PollInterval is the idle sleep when every queue is empty or holds
	// only deferred work.
	PollInterval time.Duration

	// MaxInflight bounds concurrent handler invocations.
	MaxInflight int

	// DefaultTimeout is the handler deadline for actions carrying none.
	DefaultTimeout time.Duration

	// MaxRetries is how many retryable failures one envelope survives
	// before dead-lettering. Zero means no retries; negative selects the
	// platform default.
	MaxRetries int

	// RetryBackoffBase seeds the exponential re-enqueue delay:
	// delay = base * 2^(attempt-1).
	RetryBackoffBase time.Duration

	// DLQEnabled routes exhausted and malformed envelopes to the dead
	// letter queue; when disabled they are dropped with an error log.
	// WorkerConfigFromSettings carries the platform default (enabled).
	DLQEnabled bool

	// DedupeWindow is how long completed action ids are remembered, so a
	// redelivered duplicate of a finished action is skipped instead of
	// re-executed. Zero selects the default; negative disables the check.
	DedupeWindow time.Duration

	// ShutdownGrace is how long Stop waits for in-flight handlers.
	ShutdownGrace time.Duration

	// Namer scopes auxiliary keys (completion markers). Defaults to the
	// platform prefix and environment.
	Namer core.QueueNamer

	// Store, when set, tracks callback-mode actions as task records.
	Store core.TaskStore

	// Policy supplies reply-queue TTL floors. Defaults to
	// DefaultTierPolicy.
	Policy *core.TierPolicy

	// InflightLimiter, when set, defers actions for tenants at their
	// in-flight bound instead of processing them.
	InflightLimiter *InflightLimiter

	Logger core.Logger
}

// WorkerConfigFromSettings derives a worker config from service settings,
// consuming the given queues. Collaborators (store, limiter, logger) are
// attached by the caller afterward.
func WorkerConfigFromSettings(s *core.Settings, queues ...string) WorkerConfig {
	return WorkerConfig{
		ServiceName:      s.ServiceName,
		Queues:           queues,
		PollInterval:     s.WorkerSleep,
		MaxInflight:      s.MaxInflight,
		DefaultTimeout:   s.DefaultTimeout,
		MaxRetries:       s.MaxRetries,
		RetryBackoffBase: s.RetryBackoffBase,
		DLQEnabled:       s.DLQEnabled,
		ShutdownGrace:    s.ShutdownGrace,
		Namer:            s.QueueNamer(),
	}
}

// Worker consumes actions from a set of queues and dispatches them to
// registered handlers. One poll goroutine scans the queues in priority
// order; handlers run on their own goroutines, bounded by MaxInflight.
//
// Delivery is at-least-once: each pop moves the envelope into a
// per-worker processing list where it stays until the dispatch acks it,
// and Start moves any leftovers from a previous run back to their source
// queues.
type Worker struct {
	rdb       *redis.Client
	config    WorkerConfig
	registry  *Registry
	policy    *core.TierPolicy
	logger    core.Logger
	pushRetry *resilience.RetryConfig

	sem      chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	running  atomic.Bool
	inflight atomic.Int32
}

// workItem is one popped envelope moving through the dispatch pipeline.
// raw holds the exact popped bytes; the ack removes that value from the
// processing list.
type workItem struct {
	queue      string
	raw        []byte
	action     *core.DomainAction
	popped     time.Time
	tenantHeld bool
}

// NewWorker creates a worker on an existing Redis connection.
func NewWorker(rdb *redis.Client, config WorkerConfig, registry *Registry) (*Worker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrMissingConfiguration)
	}
	if registry == nil {
		return nil, fmt.Errorf("handler registry is required: %w", core.ErrMissingConfiguration)
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required: %w", core.ErrMissingConfiguration)
	}
	if len(config.Queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required: %w", core.ErrMissingConfiguration)
	}

	if config.WorkerID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			config.WorkerID = core.SanitizeSegment(host)
		} else {
			config.WorkerID = "worker"
		}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = core.DefaultWorkerSleep
	}
	if config.MaxInflight < 1 {
		config.MaxInflight = core.DefaultMaxInflight
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = core.DefaultActionTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = core.DefaultMaxRetries
	}
	if config.RetryBackoffBase <= 0 {
		config.RetryBackoffBase = core.DefaultRetryBackoffBase
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = core.DefaultShutdownGrace
	}
	switch {
	case config.DedupeWindow == 0:
		config.DedupeWindow = defaultDedupeWindow
	case config.DedupeWindow < 0:
		config.DedupeWindow = 0
	}
	if config.Namer == (core.QueueNamer{}) {
		config.Namer = core.NewQueueNamer("", "")
	}
	if config.Policy == nil {
		config.Policy = core.DefaultTierPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &Worker{
		rdb:       rdb,
		config:    config,
		registry:  registry,
		policy:    config.Policy,
		logger:    core.WithComponent(logger, "bus.worker"),
		pushRetry: resilience.DefaultRetryConfig(),
		sem:       make(chan struct{}, config.MaxInflight),
	}, nil
}

// Start recovers this worker's processing list and launches the poll
// loop. It returns once the loop is running; use Stop to drain.
func (w *Worker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return fmt.Errorf("worker %s: %w", w.config.WorkerID, core.ErrAlreadyStarted)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if _, err := w.RecoverProcessing(pollCtx); err != nil {
		cancel()
		w.running.Store(false)
		return err
	}

	w.wg.Add(1)
	go w.pollLoop(pollCtx)

	w.logger.Info("Worker started", map[string]interface{}{
		"service":      w.config.ServiceName,
		"worker_id":    w.config.WorkerID,
		"queues":       w.config.Queues,
		"max_inflight": w.config.MaxInflight,
		"max_retries":  w.config.MaxRetries,
		"dlq_enabled":  w.config.DLQEnabled,
	})
	return nil
}

// Stop cancels polling and waits for in-flight handlers, up to the
// shutdown grace period or ctx's deadline, whichever comes first.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.Load() {
		return nil
	}

	w.logger.Info("Stopping worker", map[string]interface{}{
		"service":  w.config.ServiceName,
		"inflight": w.inflight.Load(),
	})
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.running.Store(false)
		w.logger.Info("Worker stopped", map[string]interface{}{
			"service": w.config.ServiceName,
		})
		return nil
	case <-time.After(w.config.ShutdownGrace):
		return fmt.Errorf("shutdown grace %v elapsed with handlers still running: %w",
			w.config.ShutdownGrace, core.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the worker has been started and not stopped.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// RecoverProcessing moves envelopes left in this worker's processing
// lists by a previous run back to the head of their source queues, in
// their original order. Start calls it; it is exported so operators can
// force recovery without restarting.
func (w *Worker) RecoverProcessing(ctx context.Context) (int, error) {
	total := 0
	for _, queue := range w.config.Queues {
		processing := w.processingList(queue)
		count := 0
		for {
			err := w.rdb.LMove(ctx, processing, queue, "RIGHT", "LEFT").Err()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return total, &core.BusError{
					Op:    "worker.RecoverProcessing",
					Code:  core.CodeRedisClientError,
					Queue: processing,
					Err:   err,
				}
			}
			count++
			total++
		}
		if count > 0 {
			EmitRecovered(w.config.ServiceName, queue, count)
			w.logger.Warn("Recovered in-flight actions from previous run", map[string]interface{}{
				"queue": queue,
				"count": count,
			})
		}
	}
	return total, nil
}

// pollLoop is the single scan goroutine: acquire a handler slot, pop the
// next dispatchable envelope, hand it to a goroutine. An empty pass
// sleeps PollInterval.
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	EmitWorkerStarted(w.config.ServiceName, w.config.WorkerID)
	defer EmitWorkerStopped(w.config.ServiceName, w.config.WorkerID)

	var lastDepthSample time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case w.sem <- struct{}{}:
		}

		if time.Since(lastDepthSample) >= depthSampleInterval {
			w.sampleQueueDepths(ctx)
			lastDepthSample = time.Now()
		}

		item := w.popNext(ctx)
		if item == nil {
			<-w.sem
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		w.wg.Add(1)
		go w.process(ctx, item)
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.config.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// sampleQueueDepths publishes the current length of every source queue.
// Sampling is advisory; a failed sample is skipped, not retried.
func (w *Worker) sampleQueueDepths(ctx context.Context) {
	pipe := w.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(w.config.Queues))
	for i, queue := range w.config.Queues {
		cmds[i] = pipe.LLen(ctx, queue)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Debug("Queue depth sample failed", map[string]interface{}{
			"error": err,
		})
		return
	}
	for i, queue := range w.config.Queues {
		EmitQueueDepth(queue, cmds[i].Val())
	}
}

// popNext scans the queues in priority order and returns the first
// envelope ready for dispatch. Malformed and already-completed envelopes
// are consumed inline; deferred envelopes go back to their queue's tail
// and do not count as activity, so a queue holding only deferred work
// still lets the loop sleep.
func (w *Worker) popNext(ctx context.Context) *workItem {
	for _, queue := range w.config.Queues {
		processing := w.processingList(queue)
		for {
			raw, err := w.rdb.LMove(ctx, queue, processing, "LEFT", "RIGHT").Bytes()
			if err == redis.Nil {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("Queue poll failed", map[string]interface{}{
					"queue": queue,
					"error": err,
				})
				break
			}

			item := &workItem{queue: queue, raw: raw, popped: time.Now()}

			action, perr := core.ParseAction(raw)
			if perr != nil {
				if w.deadLetterRaw(ctx, queue, raw, perr) {
					w.ack(ctx, item)
				}
				continue
			}
			item.action = action

			if w.config.DedupeWindow > 0 {
				seen, serr := w.alreadyCompleted(ctx, action.ActionID)
				if serr != nil {
					w.logger.Warn("Completion marker check failed, processing anyway", map[string]interface{}{
						"action_id": action.ActionID,
						"error":     serr,
					})
				} else if seen {
					EmitDuplicateSkipped(action.ActionType)
					w.logger.Info("Skipping duplicate of completed action", map[string]interface{}{
						"action_id":   action.ActionID,
						"action_type": action.ActionType,
					})
					w.ack(ctx, item)
					continue
				}
			}

			if nb, ok := action.NotBefore(); ok && nb.After(time.Now()) {
				w.pushBack(ctx, item, "not_before")
				break
			}

			if w.config.InflightLimiter != nil && action.TenantID != "" {
				ok, lerr := w.config.InflightLimiter.Acquire(ctx, action.TenantID, action.Tier)
				if lerr != nil {
					// Fail open: quota enforcement must not stall the queue.
					w.logger.Warn("Inflight limit check failed, processing anyway", map[string]interface{}{
						"tenant_id": action.TenantID,
						"error":     lerr,
					})
				} else if !ok {
					w.pushBack(ctx, item, "tenant_busy")
					break
				} else {
					item.tenantHeld = true
				}
			}

			return item
		}
	}
	return nil
}

// pushBack returns an envelope to the tail of its queue unchanged. Each
// deferred envelope costs at most one extra PollInterval of latency per
// scan cycle.
func (w *Worker) pushBack(ctx context.Context, item *workItem, reason string) {
	if err := w.pushRaw(ctx, item.queue, item.raw); err != nil {
		// Still on the processing list; recovery re-delivers it.
		w.logger.Error("Failed to requeue deferred action", map[string]interface{}{
			"action_id": item.action.ActionID,
			"queue":     item.queue,
			"error":     err,
		})
		return
	}
	w.ack(ctx, item)
	EmitActionDeferred(item.action, reason)
}

// process runs the dispatch pipeline for one envelope on its own
// goroutine: restore the trace, resolve the handler, validate the
// payload, execute under a deadline, then answer, retry, or dead-letter.
func (w *Worker) process(ctx context.Context, item *workItem) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	action := item.action
	EmitWorkerInflight(w.config.ServiceName, int(w.inflight.Add(1)))
	defer func() {
		EmitWorkerInflight(w.config.ServiceName, int(w.inflight.Add(-1)))
	}()

	// The span context is detached from the poll context so shutdown
	// cancellation never yanks a handler mid-flight; Stop's grace period
	// is the bound on how long that can take.
	spanID, _ := action.Metadata["span_id"].(string)
	pctx, endSpan := telemetry.StartLinkedSpanWithOptions(
		context.Background(),
		"bus.action.process",
		action.TraceID,
		spanID,
		map[string]string{
			"bus.action_id":   action.ActionID,
			"bus.action_type": action.ActionType,
			"bus.queue":       item.queue,
			"worker.id":       w.config.WorkerID,
		},
		trace.SpanKindConsumer,
	)
	defer endSpan()
	pctx = WithActionTrace(pctx, action.TraceID)

	if item.tenantHeld {
		defer func() {
			if err := w.config.InflightLimiter.Release(pctx, action.TenantID); err != nil {
				w.logger.Warn("Failed to release tenant inflight slot", map[string]interface{}{
					"tenant_id": action.TenantID,
					"error":     err,
				})
			}
		}()
	}

	EmitActionReceived(pctx, action, item.queue)
	EmitQueueWait(pctx, action, item.popped)

	if w.tracked(action) {
		w.ensureTaskRecord(pctx, action)
	}

	reg, err := w.registry.Resolve(action.ActionType)
	if err != nil {
		w.finishFailure(pctx, item, core.NewErrorDetail(core.CodeNoHandler,
			fmt.Sprintf("no handler registered for %s", action.ActionType), false), 0)
		return
	}

	if verr := reg.ValidateRequest(action.Data); verr != nil {
		w.finishFailure(pctx, item, core.NewErrorDetail(core.CodeInvalidPayload,
			fmt.Sprintf("payload rejected by %s request schema: %v", action.ActionType, verr), false), 0)
		return
	}

	var progress core.ProgressReporter = core.NoOpProgressReporter{}
	if w.tracked(action) {
		progress = &taskProgress{store: w.config.Store, taskID: action.ActionID, logger: w.logger}
	}

	timeout := w.config.DefaultTimeout
	if d, ok := action.HandlerTimeout(); ok && d > 0 {
		timeout = d
	}
	hctx, hcancel := context.WithTimeout(pctx, timeout)
	defer hcancel()

	start := time.Now()
	result, detail := w.invokeHandler(hctx, reg, action, progress)
	duration := time.Since(start)

	if detail != nil && hctx.Err() == context.DeadlineExceeded {
		detail = core.NewErrorDetail(core.CodeHandlerTimeout,
			fmt.Sprintf("handler exceeded its %v deadline", timeout), true)
	}

	if detail == nil {
		w.finishSuccess(pctx, item, result, duration)
	} else {
		w.finishFailure(pctx, item, detail, duration)
	}
}

// invokeHandler runs the handler with panic recovery. A panic becomes a
// non-retryable HANDLER_ERROR: a handler that crashes on an input will
// crash on its redelivery too.
func (w *Worker) invokeHandler(ctx context.Context, reg *Registration, action *core.DomainAction, progress core.ProgressReporter) (result json.RawMessage, detail *core.ErrorDetail) {
	defer func() {
		if r := recover(); r != nil {
			EmitWorkerPanic(ctx, action.ActionType)
			w.logger.Error("Handler panicked", map[string]interface{}{
				"action_id":   action.ActionID,
				"action_type": action.ActionType,
				"panic":       fmt.Sprintf("%v", r),
				"stack":       string(debug.Stack()),
			})
			result = nil
			detail = core.NewErrorDetail(core.CodeHandlerError,
				fmt.Sprintf("handler panic: %v", r), false)
		}
	}()

	return reg.Handler(ctx, action, progress)
}

// finishSuccess answers the producer (reply or callback), completes the
// task record, and acks.
func (w *Worker) finishSuccess(ctx context.Context, item *workItem, result json.RawMessage, duration time.Duration) {
	action := item.action

	if action.ExpectsCallback() {
		if core.IsReplyQueue(action.CallbackQueueName) {
			resp, err := core.NewSuccessResponse(action, result)
			if err != nil {
				w.logger.Error("Failed to build success reply", map[string]interface{}{
					"action_id": action.ActionID,
					"error":     err,
				})
			} else {
				w.sendReply(ctx, action, resp)
			}
		} else {
			w.sendCallbackAction(ctx, action, result)
		}
	}

	if w.tracked(action) {
		if err := w.config.Store.Complete(ctx, action.ActionID, result); err != nil {
			w.logger.Warn("Failed to mark task completed", map[string]interface{}{
				"task_id": action.ActionID,
				"error":   err,
			})
		}
	}

	w.markCompleted(ctx, action.ActionID)
	w.ack(ctx, item)

	EmitActionProcessed(ctx, action, "success", duration)
	w.logger.Info("Action processed", map[string]interface{}{
		"action_id":   action.ActionID,
		"action_type": action.ActionType,
		"duration_ms": duration.Milliseconds(),
	})
}

// finishFailure re-enqueues a retryable failure with backoff, or settles
// the envelope terminally: error reply for pseudo-sync producers, task
// record failure, dead letter, ack.
func (w *Worker) finishFailure(ctx context.Context, item *workItem, detail *core.ErrorDetail, duration time.Duration) {
	action := item.action
	retries := action.RetryCount()

	if detail.Retryable && retries < w.config.MaxRetries {
		attempt := retries + 1
		delay := w.backoff(attempt)
		if err := w.requeueRetry(ctx, item, attempt, delay); err != nil {
			// Still on the processing list; recovery re-delivers it.
			w.logger.Error("Failed to re-enqueue retry", map[string]interface{}{
				"action_id": action.ActionID,
				"queue":     item.queue,
				"error":     err,
			})
			return
		}
		w.ack(ctx, item)
		EmitActionRetried(ctx, action, attempt, delay)
		w.logger.Warn("Action failed, retrying", map[string]interface{}{
			"action_id":   action.ActionID,
			"action_type": action.ActionType,
			"attempt":     attempt,
			"max_retries": w.config.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error_code":  detail.ErrorCode,
			"error":       detail.Message,
		})
		return
	}

	status := "failed"
	if detail.ErrorCode == core.CodeHandlerTimeout {
		status = "timeout"
	}

	// Pseudo-sync producers are waiting; a terminal failure is the one
	// reply they get.
	if core.IsReplyQueue(action.CallbackQueueName) {
		w.sendReply(ctx, action,
			core.NewErrorResponse(action, detail.ErrorCode, detail.Message, detail.Retryable))
	}

	if w.tracked(action) {
		if err := w.config.Store.Fail(ctx, action.ActionID, detail.Message); err != nil {
			w.logger.Warn("Failed to mark task failed", map[string]interface{}{
				"task_id": action.ActionID,
				"error":   err,
			})
		}
	}

	if w.deadLetter(ctx, item, detail) {
		w.markCompleted(ctx, action.ActionID)
		w.ack(ctx, item)
	}

	EmitActionProcessed(ctx, action, status, duration)
	telemetry.RecordSpanError(ctx, detail)
	w.logger.Error("Action failed terminally", map[string]interface{}{
		"action_id":   action.ActionID,
		"action_type": action.ActionType,
		"error_code":  detail.ErrorCode,
		"error":       detail.Message,
		"retry_count": retries,
	})
}

// sendReply publishes a response envelope onto the action's reply queue
// and sets the queue TTL so abandoned replies expire.
func (w *Worker) sendReply(ctx context.Context, action *core.DomainAction, resp *core.DomainActionResponse) {
	raw, err := resp.Marshal()
	if err != nil {
		w.logger.Error("Failed to marshal reply", map[string]interface{}{
			"action_id": action.ActionID,
			"error":     err,
		})
		return
	}

	queue := action.CallbackQueueName
	if err := w.pushRaw(ctx, queue, raw); err != nil {
		w.logger.Error("Failed to publish reply", map[string]interface{}{
			"action_id": action.ActionID,
			"queue":     queue,
			"error":     err,
		})
		return
	}
	ttl := replyQueueTTL(action, w.policy)
	if err := w.rdb.Expire(ctx, queue, ttl).Err(); err != nil {
		w.logger.Warn("Failed to set reply queue TTL", map[string]interface{}{
			"queue": queue,
			"error": err,
		})
	}
	EmitReplySent(ctx, action, resp.Success)
}

// sendCallbackAction emits the completion callback for a finished action.
func (w *Worker) sendCallbackAction(ctx context.Context, action *core.DomainAction, result json.RawMessage) {
	cb, err := core.NewCallbackAction(action, w.config.ServiceName, result)
	if err != nil {
		w.logger.Error("Failed to build callback action", map[string]interface{}{
			"action_id": action.ActionID,
			"error":     err,
		})
		return
	}

	raw, err := cb.Marshal()
	if err != nil {
		w.logger.Error("Failed to marshal callback action", map[string]interface{}{
			"action_id": action.ActionID,
			"error":     err,
		})
		return
	}

	if err := w.pushRaw(ctx, action.CallbackQueueName, raw); err != nil {
		w.logger.Error("Failed to publish callback", map[string]interface{}{
			"action_id": action.ActionID,
			"queue":     action.CallbackQueueName,
			"error":     err,
		})
		return
	}
	EmitCallbackSent(ctx, cb, action.CallbackQueueName)
}

// deadLetter routes a terminally failed envelope to the DLQ, annotated
// with the failure. Returns false when the push failed and the envelope
// must stay on the processing list for recovery.
func (w *Worker) deadLetter(ctx context.Context, item *workItem, detail *core.ErrorDetail) bool {
	if !w.config.DLQEnabled {
		w.logger.Error("Dead letter queue disabled, dropping action", map[string]interface{}{
			"action_id":  item.action.ActionID,
			"error_code": detail.ErrorCode,
			"queue":      item.queue,
		})
		return true
	}

	entry := item.action.Clone()
	if entry.QueueMetadata == nil {
		entry.QueueMetadata = make(map[string]interface{}, 4)
	}
	entry.QueueMetadata[core.QueueMetaErrorCode] = detail.ErrorCode
	entry.QueueMetadata[core.QueueMetaErrorMessage] = detail.Message
	entry.QueueMetadata[core.QueueMetaSourceQueue] = item.queue
	if detail.ErrorCode == core.CodeNoHandler {
		entry.QueueMetadata[core.QueueMetaNoHandler] = true
	}

	raw, err := entry.Marshal()
	if err != nil {
		raw = item.raw
	}

	dlq := core.DeadLetterQueue(item.queue)
	if err := w.pushRaw(ctx, dlq, raw); err != nil {
		w.logger.Error("Failed to push to dead letter queue", map[string]interface{}{
			"action_id": item.action.ActionID,
			"dlq":       dlq,
			"error":     err,
		})
		return false
	}

	EmitActionDeadLettered(ctx, entry.ActionType, dlqReason(detail.ErrorCode))
	return true
}

func dlqReason(code string) string {
	switch code {
	case core.CodeNoHandler:
		return "no_handler"
	case core.CodeInvalidPayload:
		return "invalid_payload"
	case core.CodeHandlerTimeout:
		return "timeout"
	}
	return "exhausted"
}

// deadLetterRaw wraps bytes that failed to parse and routes them to the
// DLQ. The wrapper is a plain JSON object, not an envelope; the original
// bytes ride along verbatim for inspection. Returns false when the push
// failed and the bytes must stay on the processing list.
func (w *Worker) deadLetterRaw(ctx context.Context, queue string, raw []byte, parseErr error) bool {
	if !w.config.DLQEnabled {
		w.logger.Error("Unparsable envelope dropped", map[string]interface{}{
			"queue": queue,
			"error": parseErr,
		})
		return true
	}

	wrapper, err := json.Marshal(map[string]interface{}{
		core.QueueMetaParseError:  parseErr.Error(),
		core.QueueMetaSourceQueue: queue,
		"received_at":             time.Now().UTC().Format(time.RFC3339Nano),
		"raw":                     string(raw),
	})
	if err != nil {
		wrapper = raw
	}

	if err := w.pushRaw(ctx, core.DeadLetterQueue(queue), wrapper); err != nil {
		w.logger.Error("Failed to dead-letter unparsable envelope", map[string]interface{}{
			"queue": queue,
			"error": err,
		})
		return false
	}

	EmitActionDeadLettered(ctx, "unparsable", "parse_error")
	w.logger.Error("Unparsable envelope dead-lettered", map[string]interface{}{
		"queue": queue,
		"error": parseErr,
	})
	return true
}

// requeueRetry re-enqueues a clone of the envelope with the bumped retry
// counter and its backoff recorded as a deferred delivery time.
func (w *Worker) requeueRetry(ctx context.Context, item *workItem, attempt int, delay time.Duration) error {
	next := item.action.Clone()
	next.SetRetryCount(attempt)
	next.SetNotBefore(time.Now().UTC().Add(delay))

	raw, err := next.Marshal()
	if err != nil {
		return err
	}
	return w.pushRaw(ctx, item.queue, raw)
}

// backoff computes the re-enqueue delay for an attempt:
// base * 2^(attempt-1), capped.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.config.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}

// ensureTaskRecord creates (or adopts, on retry) the task record for a
// callback-mode action and marks it in progress. Failures log and never
// block dispatch.
func (w *Worker) ensureTaskRecord(ctx context.Context, action *core.DomainAction) {
	record := core.NewTaskRecord(action)
	if err := w.config.Store.Create(ctx, record); err != nil && !errors.Is(err, core.ErrTaskAlreadyExists) {
		w.logger.Warn("Failed to create task record", map[string]interface{}{
			"task_id": record.TaskID,
			"error":   err,
		})
		return
	}
	if err := w.config.Store.UpdateStatus(ctx, action.ActionID, core.TaskStatusInProgress); err != nil {
		w.logger.Warn("Failed to mark task in progress", map[string]interface{}{
			"task_id": action.ActionID,
			"error":   err,
		})
	}
}

// tracked reports whether this action gets a task record: callback-mode
// actions only, and only when a store is wired. Pseudo-sync replies are
// short-lived and observed directly by their waiting producer.
func (w *Worker) tracked(action *core.DomainAction) bool {
	return w.config.Store != nil &&
		action.ExpectsCallback() &&
		!core.IsReplyQueue(action.CallbackQueueName)
}

// ack removes the envelope's exact bytes from the processing list.
func (w *Worker) ack(ctx context.Context, item *workItem) {
	if err := w.rdb.LRem(ctx, w.processingList(item.queue), 1, item.raw).Err(); err != nil {
		w.logger.Warn("Failed to ack processing entry", map[string]interface{}{
			"queue": item.queue,
			"error": err,
		})
	}
}

// alreadyCompleted reports whether the action id carries a completion
// marker from a previous delivery.
func (w *Worker) alreadyCompleted(ctx context.Context, actionID string) (bool, error) {
	n, err := w.rdb.Exists(ctx, w.seenKey(actionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// markCompleted records that this action id finished, so redelivered
// duplicates inside the dedupe window are skipped.
func (w *Worker) markCompleted(ctx context.Context, actionID string) {
	if w.config.DedupeWindow <= 0 {
		return
	}
	if err := w.rdb.SetNX(ctx, w.seenKey(actionID), 1, w.config.DedupeWindow).Err(); err != nil {
		w.logger.Warn("Failed to record completion marker", map[string]interface{}{
			"action_id": actionID,
			"error":     err,
		})
	}
}

// pushRaw RPUSHes bytes with the worker's retry policy. Used for every
// worker-side publish: replies, callbacks, retries, dead letters.
func (w *Worker) pushRaw(ctx context.Context, queue string, raw []byte) error {
	return resilience.Retry(ctx, w.pushRetry, func() error {
		return w.rdb.RPush(ctx, queue, raw).Err()
	})
}

// processingList names this worker's in-flight list for a queue.
func (w *Worker) processingList(queue string) string {
	return queue + ":processing:" + w.config.WorkerID
}

// seenKey builds the completion-marker key for an action id.
func (w *Worker) seenKey(actionID string) string {
	return strings.Join([]string{
		w.config.Namer.GlobalPrefix,
		w.config.Namer.Environment,
		core.SanitizeSegment(w.config.ServiceName),
		"seen",
		core.SanitizeSegment(actionID),
	}, ":")
}
