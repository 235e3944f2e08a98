package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/kkvrivishvili/nooble4-sub002/core"
	"github.com/kkvrivishvili/nooble4-sub002/resilience"
	"github.com/kkvrivishvili/nooble4-sub002/telemetry"
)

// Client enqueues actions for other services. It is safe for concurrent
// use; construct one per service and share it.
type Client struct {
	rdb            *redis.Client
	service        string
	namer          core.QueueNamer
	policy         *core.TierPolicy
	logger         core.Logger
	retry          *resilience.RetryConfig
	breaker        *resilience.CircuitBreaker
	limiter        *SessionRateLimiter
	defaultTimeout time.Duration
}

// ClientConfig configures a Client. Settings is required; everything else
// defaults.
type ClientConfig struct {
	// Settings supplies the service name, queue namer inputs, and the
	// default pseudo-sync timeout.
	Settings *core.Settings

	// Policy supplies per-tier reply TTLs and rate limits. Defaults to
	// DefaultTierPolicy.
	Policy *core.TierPolicy

	Logger core.Logger

	// Retry wraps every enqueue. Defaults to DefaultRetryConfig.
	Retry *resilience.RetryConfig

	// CircuitBreaker, when set, short-circuits enqueues while Redis is
	// failing instead of stacking retries.
	CircuitBreaker *resilience.CircuitBreaker

	// RateLimiter, when set, enforces the per-session budget on every
	// send before anything reaches Redis.
	RateLimiter *SessionRateLimiter
}

// NewClient creates a bus client on an existing Redis connection.
func NewClient(rdb *redis.Client, config ClientConfig) (*Client, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrMissingConfiguration)
	}
	if config.Settings == nil {
		return nil, fmt.Errorf("settings are required: %w", core.ErrMissingConfiguration)
	}
	if config.Settings.ServiceName == "" {
		return nil, fmt.Errorf("settings carry no service name: %w", core.ErrMissingConfiguration)
	}

	policy := config.Policy
	if policy == nil {
		policy = core.DefaultTierPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	retry := config.Retry
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	timeout := config.Settings.DefaultTimeout
	if timeout <= 0 {
		timeout = core.DefaultActionTimeout
	}

	return &Client{
		rdb:            rdb,
		service:        config.Settings.ServiceName,
		namer:          config.Settings.QueueNamer(),
		policy:         policy,
		logger:         core.WithComponent(logger, "bus.client"),
		retry:          retry,
		breaker:        config.CircuitBreaker,
		limiter:        config.RateLimiter,
		defaultTimeout: timeout,
	}, nil
}

// SendInput describes one send. ActionType, TargetService, and Data are
// the work request; the rest is tenant and correlation context.
type SendInput struct {
	// ActionType is the dotted dispatch key, e.g. "ingestion.document.process".
	ActionType string

	// TargetService selects the consumer's action queue.
	TargetService string

	// Data is the payload: nil, json.RawMessage, raw bytes, or any
	// JSON-marshalable value.
	Data interface{}

	// Tenant context, stamped onto the envelope.
	TenantID  string
	UserID    string
	SessionID string
	Tier      core.Tier

	// CorrelationID, when set, stitches this action into an existing
	// request chain. Fresh otherwise.
	CorrelationID string

	// TraceID, when set, overrides trace propagation from ctx. The usual
	// flow leaves it empty: the client lifts the trace from the caller's
	// span, or starts a new one.
	TraceID string

	// Metadata is copied onto the envelope's free-form metadata.
	Metadata map[string]interface{}
}

// SendAsync enqueues an action fire-and-forget and returns its action id.
// Delivery to Redis is confirmed; processing is not.
func (c *Client) SendAsync(ctx context.Context, input SendInput) (string, error) {
	const op = "client.SendAsync"

	if err := c.checkRateLimit(ctx, op, input); err != nil {
		return "", err
	}

	action, err := c.buildAction(ctx, input)
	if err != nil {
		return "", &core.BusError{Op: op, Err: err}
	}

	queue := c.namer.ActionQueue(input.TargetService, "", "", input.Tier)
	if err := c.push(ctx, op, "async", queue, action); err != nil {
		return "", err
	}

	EmitActionSent(ctx, action, "async", queue)
	c.logger.Debug("Action enqueued", map[string]interface{}{
		"action_id":   action.ActionID,
		"action_type": action.ActionType,
		"queue":       queue,
		"trace_id":    action.TraceID,
	})
	return action.ActionID, nil
}

// SendAsyncWithCallback enqueues an action that asks the consumer to emit
// a completion callback of callbackActionType onto callbackQueue. The
// callback carries this action's correlation and trace ids.
func (c *Client) SendAsyncWithCallback(ctx context.Context, input SendInput, callbackQueue, callbackActionType string) (string, error) {
	const op = "client.SendAsyncWithCallback"

	if callbackQueue == "" || callbackActionType == "" {
		return "", &core.BusError{
			Op:  op,
			Err: fmt.Errorf("callback queue and action type are both required: %w", core.ErrInvalidEnvelope),
		}
	}

	if err := c.checkRateLimit(ctx, op, input); err != nil {
		return "", err
	}

	action, err := c.buildAction(ctx, input)
	if err != nil {
		return "", &core.BusError{Op: op, Err: err}
	}
	action.CallbackQueueName = callbackQueue
	action.CallbackActionType = callbackActionType

	queue := c.namer.ActionQueue(input.TargetService, "", "", input.Tier)
	if err := c.push(ctx, op, "callback", queue, action); err != nil {
		return "", err
	}

	EmitActionSent(ctx, action, "callback", queue)
	EmitCallbackRequested(ctx, action)
	c.logger.Debug("Action enqueued with callback", map[string]interface{}{
		"action_id":      action.ActionID,
		"action_type":    action.ActionType,
		"queue":          queue,
		"callback_queue": callbackQueue,
	})
	return action.ActionID, nil
}

// SendPseudoSync enqueues an action and blocks until its reply arrives on
// a private per-request reply queue, or the timeout elapses. A timeout of
// zero uses the settings default.
//
// The returned response is always well-formed: transport failures,
// timeouts, and undecodable replies come back as failure responses with
// the codes REDIS_CLIENT_ERROR, CLIENT_TIMEOUT, and RESPONSE_DECODE_ERROR
// respectively, carrying the request's correlation and trace ids. The
// error return is reserved for invalid input, rate limiting, and context
// cancellation.
//
// The correlation id is always fresh: the reply queue is keyed by it, so
// reusing a supplied one could cross replies between concurrent requests.
func (c *Client) SendPseudoSync(ctx context.Context, input SendInput, timeout time.Duration) (*core.DomainActionResponse, error) {
	const op = "client.SendPseudoSync"
	start := time.Now()

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	if err := c.checkRateLimit(ctx, op, input); err != nil {
		return nil, err
	}

	input.CorrelationID = ""
	action, err := c.buildAction(ctx, input)
	if err != nil {
		return nil, &core.BusError{Op: op, Err: err}
	}

	replyQueue := c.namer.ReplyQueue(c.service, action.ShortType(), action.CorrelationID)
	action.CallbackQueueName = replyQueue
	action.SetReplyTimeout(timeout)

	queue := c.namer.ActionQueue(input.TargetService, "", "", input.Tier)
	if err := c.push(ctx, op, "pseudo_sync", queue, action); err != nil {
		EmitPseudoSyncOutcome(ctx, action, "transport_error", time.Since(start))
		return core.NewErrorResponse(action, core.CodeRedisClientError,
			fmt.Sprintf("failed to enqueue action: %v", err), true), nil
	}
	EmitActionSent(ctx, action, "pseudo_sync", queue)

	// The Redis-side timeout is a backstop; waitCtx cuts the wait at the
	// precise deadline regardless of server-side rounding.
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.rdb.BLPop(waitCtx, timeout+time.Second, replyQueue).Result()
	elapsed := time.Since(start)

	switch {
	case err == nil:
		// Reply arrived; decoded below.
	case err == redis.Nil, waitCtx.Err() != nil && ctx.Err() == nil:
		EmitPseudoSyncOutcome(ctx, action, "timeout", elapsed)
		c.logger.Warn("Pseudo-sync wait timed out", map[string]interface{}{
			"action_id":   action.ActionID,
			"action_type": action.ActionType,
			"timeout_ms":  timeout.Milliseconds(),
		})
		return core.NewErrorResponse(action, core.CodeClientTimeout,
			fmt.Sprintf("no reply within %v", timeout), false), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		EmitPseudoSyncOutcome(ctx, action, "transport_error", elapsed)
		EmitSendError(ctx, action.ActionType, core.CodeRedisClientError, err)
		return core.NewErrorResponse(action, core.CodeRedisClientError,
			fmt.Sprintf("failed waiting for reply: %v", err), true), nil
	}

	if len(res) != 2 {
		EmitPseudoSyncOutcome(ctx, action, "decode_error", elapsed)
		return core.NewErrorResponse(action, core.CodeResponseDecodeError,
			"reply pop returned no payload", true), nil
	}

	resp, err := core.ParseResponse([]byte(res[1]))
	if err != nil {
		EmitPseudoSyncOutcome(ctx, action, "decode_error", elapsed)
		c.logger.Error("Failed to decode pseudo-sync reply", map[string]interface{}{
			"action_id": action.ActionID,
			"queue":     replyQueue,
			"error":     err,
		})
		return core.NewErrorResponse(action, core.CodeResponseDecodeError,
			fmt.Sprintf("reply is not a valid response envelope: %v", err), true), nil
	}

	status := "success"
	if !resp.Success {
		status = "error"
	}
	EmitPseudoSyncOutcome(ctx, action, status, elapsed)
	c.logger.Debug("Pseudo-sync reply received", map[string]interface{}{
		"action_id":  action.ActionID,
		"success":    resp.Success,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return resp, nil
}

// buildAction assembles the envelope for one send: identity, tenant
// context, correlation, and trace propagation.
func (c *Client) buildAction(ctx context.Context, input SendInput) (*core.DomainAction, error) {
	if input.TargetService == "" {
		return nil, fmt.Errorf("target service is required: %w", core.ErrInvalidEnvelope)
	}

	action, err := core.NewAction(input.ActionType, input.Data)
	if err != nil {
		return nil, err
	}

	action.OriginService = c.service
	action.TargetService = input.TargetService
	action.TenantID = input.TenantID
	action.UserID = input.UserID
	action.SessionID = input.SessionID
	action.Tier = input.Tier

	action.CorrelationID = input.CorrelationID
	if action.CorrelationID == "" {
		action.CorrelationID = uuid.NewString()
	}

	if len(input.Metadata) > 0 {
		action.Metadata = make(map[string]interface{}, len(input.Metadata)+1)
		for k, v := range input.Metadata {
			action.Metadata[k] = v
		}
	}

	// Trace resolution order: explicit, the action being processed (sends
	// from inside a handler), the caller's live span, fresh.
	tc := telemetry.GetTraceContext(ctx)
	action.TraceID = input.TraceID
	if action.TraceID == "" {
		action.TraceID = ActionTraceFrom(ctx)
	}
	if action.TraceID == "" {
		action.TraceID = tc.TraceID
	}
	if action.TraceID == "" {
		action.TraceID = newTraceID()
	}
	// Record the producing span so the consumer can link its span to it.
	if tc.SpanID != "" && action.TraceID == tc.TraceID {
		if action.Metadata == nil {
			action.Metadata = make(map[string]interface{}, 1)
		}
		action.Metadata["span_id"] = tc.SpanID
	}

	return action, nil
}

// push marshals and RPUSHes one envelope, wrapped in retry and, when
// configured, the circuit breaker.
func (c *Client) push(ctx context.Context, op, mode, queue string, action *core.DomainAction) error {
	raw, err := action.Marshal()
	if err != nil {
		return &core.BusError{Op: op, Err: err}
	}

	start := time.Now()
	enqueue := func() error {
		return c.rdb.RPush(ctx, queue, raw).Err()
	}

	if c.breaker != nil {
		err = resilience.RetryWithCircuitBreaker(ctx, c.retry, c.breaker, enqueue)
	} else {
		err = resilience.Retry(ctx, c.retry, enqueue)
	}
	EmitEnqueueLatency(action.ActionType, mode, start)

	if err != nil {
		EmitSendError(ctx, action.ActionType, core.CodeRedisClientError, err)
		c.logger.Error("Failed to enqueue action", map[string]interface{}{
			"action_id":   action.ActionID,
			"action_type": action.ActionType,
			"queue":       queue,
			"error":       err,
		})
		return &core.BusError{Op: op, Code: core.CodeRedisClientError, Queue: queue, Err: err}
	}
	return nil
}

// checkRateLimit rejects the send when the session is over its budget.
// Limiter transport errors fail open: quota enforcement must not take the
// bus down with it.
func (c *Client) checkRateLimit(ctx context.Context, op string, input SendInput) error {
	if c.limiter == nil {
		return nil
	}

	allowed, err := c.limiter.Allow(ctx, input.TenantID, input.SessionID, input.Tier)
	if err != nil {
		c.logger.Warn("Rate limit check failed, allowing send", map[string]interface{}{
			"tenant_id": input.TenantID,
			"error":     err,
		})
		return nil
	}
	if !allowed {
		return &core.BusError{
			Op:   op,
			Code: core.CodeRateLimited,
			Err: fmt.Errorf("session %s/%s is over its %s budget: %w",
				input.TenantID, input.SessionID, input.Tier, core.ErrQuotaExceeded),
		}
	}
	return nil
}

// newTraceID returns a fresh 32-character hex trace identifier, the W3C
// format StartLinkedSpan expects.
func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
