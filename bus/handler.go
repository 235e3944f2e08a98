package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// ActionHandler processes one action. It returns the result payload on
// success, or an ErrorDetail describing the failure; never both. The
// context carries the handler deadline, and handlers performing long work
// should honor it. Progress reports flow to the task record backing the
// action, when one exists.
//
// Handlers must not panic; if one does, the worker recovers and records a
// non-retryable HANDLER_ERROR.
type ActionHandler func(ctx context.Context, action *core.DomainAction, progress core.ProgressReporter) (json.RawMessage, *core.ErrorDetail)

// ParseActionData strictly decodes the action payload into out, rejecting
// unknown fields. The returned ErrorDetail, if any, is ready to hand back
// from the handler:
//
//	var req ProcessRequest
//	if detail := bus.ParseActionData(action, &req); detail != nil {
//	    return nil, detail
//	}
func ParseActionData(action *core.DomainAction, out interface{}) *core.ErrorDetail {
	if len(action.Data) == 0 {
		return core.NewErrorDetail(core.CodeInvalidPayload,
			fmt.Sprintf("%s action carries no data payload", action.ActionType), false)
	}

	dec := json.NewDecoder(bytes.NewReader(action.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return core.NewErrorDetail(core.CodeInvalidPayload,
			fmt.Sprintf("failed to decode %s payload: %v", action.ActionType, err), false)
	}
	return nil
}

// SendCallback emits the completion callback for action onto its callback
// queue, preserving the correlation id, trace id, and tenant context. Most
// handlers never call this: the worker emits the callback from the handler
// result. It exists for handlers that stream intermediate callbacks before
// returning.
func SendCallback(ctx context.Context, rdb *redis.Client, originService string, action *core.DomainAction, payload interface{}) error {
	cb, err := core.NewCallbackAction(action, originService, payload)
	if err != nil {
		return err
	}

	raw, err := cb.Marshal()
	if err != nil {
		return err
	}

	if err := rdb.RPush(ctx, action.CallbackQueueName, raw).Err(); err != nil {
		return &core.BusError{
			Op:    "bus.SendCallback",
			Code:  core.CodeRedisClientError,
			Queue: action.CallbackQueueName,
			Err:   err,
		}
	}

	EmitCallbackSent(ctx, cb, action.CallbackQueueName)
	return nil
}

// contextKey scopes context values the worker sets for handlers.
type contextKey string

const actionTraceKey contextKey = "bus_action_trace"

// WithActionTrace returns a context carrying the trace id of the action
// being processed. The worker attaches it before invoking a handler;
// Client sends made with that context inherit the trace, so one request
// chain shares one trace id across services.
func WithActionTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, actionTraceKey, traceID)
}

// ActionTraceFrom returns the trace id of the action being processed, or
// empty outside a handler.
func ActionTraceFrom(ctx context.Context) string {
	id, _ := ctx.Value(actionTraceKey).(string)
	return id
}

// taskProgress publishes handler progress onto the task record backing a
// long-running action.
type taskProgress struct {
	store  core.TaskStore
	taskID string
	logger core.Logger
}

func (p *taskProgress) Report(ctx context.Context, processed, total int, message string) error {
	err := p.store.SetProgress(ctx, p.taskID, processed, total, message)
	if err != nil {
		// Progress is advisory; the action keeps processing.
		p.logger.Warn("Failed to report task progress", map[string]interface{}{
			"task_id": p.taskID,
			"error":   err,
		})
		return err
	}
	EmitTaskProgress(ctx, p.taskID, processed, total, message)
	return nil
}

// replyQueueTTL sizes the TTL for a pseudo-sync reply: the client's own
// timeout hint plus a margin when present, the tier floor otherwise.
func replyQueueTTL(action *core.DomainAction, policy *core.TierPolicy) time.Duration {
	if hint, ok := action.ReplyTimeout(); ok && hint > 0 {
		return hint + core.ReplyQueueTTLMargin
	}
	return policy.ReplyQueueTTL(action.Tier)
}
