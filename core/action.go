// Package core provides the envelope model for the Nooble action bus.
//
// This file defines DomainAction, the typed message every service exchanges
// over Redis lists. An action describes a unit of work requested of another
// service: what to do (action_type), for whom (tenant/user/session), with
// what payload (data), and how to answer (callback queue or pseudo-sync
// reply queue). Actions are immutable after creation; workers that need to
// re-enqueue one mutate a clone's queue metadata only.
//
// # Identity and Correlation
//
// Each action carries three identifiers with distinct lifetimes:
//   - ActionID: unique per enqueue, fresh on every hop. Handlers use it for
//     idempotency under at-least-once delivery.
//   - CorrelationID: links a request to its reply or the chain of callbacks
//     it spawns. Never re-generated on a reply or callback.
//   - TraceID: spans the entire user-initiated operation across services.
//     Never re-generated on any hop.
//
// # Wire Format
//
// UTF-8 JSON with snake_case field names. Timestamps are RFC 3339 in UTC.
// Unknown fields are ignored on read and never produced on write. The
// version field is stamped on every write.
//
// # Usage
//
// Producing an action:
//
//	action, err := core.NewAction("ingestion.document.process", payload)
//	action.TenantID = "tenant_a"
//	action.Tier = core.TierProfessional
//
// Answering with a callback from a handler:
//
//	cb, err := core.NewCallbackAction(action, "ingestion", result)
package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// actionTypePattern matches dotted identifiers of 2 to 5 lowercase segments,
// e.g. "ingestion.document.process" or "echo.message.send".
var actionTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+){1,4}$`)

// ValidActionType reports whether s is a well-formed action type. The
// handler registry uses this to reject bad registrations at startup.
func ValidActionType(s string) bool {
	return actionTypePattern.MatchString(s)
}

// DomainAction is the envelope for every message on the bus.
type DomainAction struct {
	// ActionID uniquely identifies this enqueue. Assigned at creation.
	ActionID string `json:"action_id"`

	// ActionType is the dotted dispatch key: {service}.{entity}[.{sub}].{verb}.
	ActionType string `json:"action_type"`

	// Timestamp is the UTC creation time.
	Timestamp time.Time `json:"timestamp"`

	// OriginService names the producer. TargetService names the consumer;
	// optional when the queue already implies it.
	OriginService string `json:"origin_service,omitempty"`
	TargetService string `json:"target_service,omitempty"`

	// Multi-tenant context, all optional.
	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Tier determines quotas, TTLs, and queue priority.
	Tier Tier `json:"tier,omitempty"`

	// CorrelationID links a request to its reply or callback chain.
	CorrelationID string `json:"correlation_id,omitempty"`

	// TraceID spans the entire user-initiated operation across services.
	TraceID string `json:"trace_id,omitempty"`

	// CallbackQueueName and CallbackActionType instruct the receiver to emit
	// a callback action of the given type onto that queue when done. Both
	// present or both absent.
	CallbackQueueName  string `json:"callback_queue_name,omitempty"`
	CallbackActionType string `json:"callback_action_type,omitempty"`

	// Data is the payload. Opaque at the transport layer; validated against
	// the handler's registered schema at the dispatch boundary.
	Data json.RawMessage `json:"data,omitempty"`

	// Metadata holds free-form operator annotations. QueueMetadata holds
	// routing state (retry counter, deferred delivery time) that must
	// survive serialization and process restarts.
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	QueueMetadata map[string]interface{} `json:"queue_metadata,omitempty"`

	// Version is the envelope schema version, stamped on every write.
	Version string `json:"version"`
}

// NewAction creates an action of the given type with a fresh ActionID and a
// UTC timestamp. The payload may be nil, a json.RawMessage, raw bytes, or
// any JSON-marshalable value.
func NewAction(actionType string, payload interface{}) (*DomainAction, error) {
	if !actionTypePattern.MatchString(actionType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidActionType, actionType)
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action payload: %w", err)
	}

	return &DomainAction{
		ActionID:   uuid.NewString(),
		ActionType: actionType,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Version:    EnvelopeVersion,
	}, nil
}

// NewCallbackAction builds the completion callback for src: a new action of
// src's CallbackActionType carrying the handler result as payload. The
// correlation id, trace id, tenant, user, session, and tier are copied from
// src; the ActionID and timestamp are fresh.
func NewCallbackAction(src *DomainAction, originService string, payload interface{}) (*DomainAction, error) {
	if src.CallbackActionType == "" {
		return nil, fmt.Errorf("%w: action %s has no callback_action_type", ErrInvalidEnvelope, src.ActionID)
	}

	cb, err := NewAction(src.CallbackActionType, payload)
	if err != nil {
		return nil, err
	}

	cb.OriginService = originService
	cb.CorrelationID = src.CorrelationID
	cb.TraceID = src.TraceID
	cb.TenantID = src.TenantID
	cb.UserID = src.UserID
	cb.SessionID = src.SessionID
	cb.Tier = src.Tier
	return cb, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

// Validate checks envelope invariants. It returns a *ValidationError naming
// the first offending field, matchable with errors.Is(err, ErrInvalidEnvelope).
func (a *DomainAction) Validate() error {
	if a.ActionID == "" {
		return &ValidationError{Field: "action_id", Message: "must not be empty"}
	}
	if !actionTypePattern.MatchString(a.ActionType) {
		return &ValidationError{Field: "action_type", Message: fmt.Sprintf("%q does not match {service}.{entity}[.{sub}].{verb}", a.ActionType)}
	}
	if a.Tier != "" && !a.Tier.Valid() {
		return &ValidationError{Field: "tier", Message: fmt.Sprintf("unknown tier %q", a.Tier)}
	}
	if a.CallbackActionType != "" && a.CallbackQueueName == "" {
		return &ValidationError{Field: "callback_action_type", Message: "callback_action_type requires callback_queue_name"}
	}
	if a.CallbackQueueName != "" && a.CallbackActionType == "" && !IsReplyQueue(a.CallbackQueueName) {
		// Pseudo-sync envelopes carry only the reply queue name; every
		// other callback needs the queue/type pair.
		return &ValidationError{Field: "callback_queue_name", Message: "callback_queue_name and callback_action_type must be set together"}
	}
	if a.CallbackActionType != "" && !actionTypePattern.MatchString(a.CallbackActionType) {
		return &ValidationError{Field: "callback_action_type", Message: fmt.Sprintf("%q does not match the action type format", a.CallbackActionType)}
	}
	return nil
}

// Domain returns the first segment of the action type, conventionally the
// owning service ("ingestion" for "ingestion.document.process").
func (a *DomainAction) Domain() string {
	if i := strings.IndexByte(a.ActionType, '.'); i > 0 {
		return a.ActionType[:i]
	}
	return a.ActionType
}

// Verb returns the last segment of the action type ("process" for
// "ingestion.document.process").
func (a *DomainAction) Verb() string {
	if i := strings.LastIndexByte(a.ActionType, '.'); i >= 0 {
		return a.ActionType[i+1:]
	}
	return a.ActionType
}

// ShortType returns the action type with dots collapsed to underscores, the
// form embedded as a single segment in reply queue names.
func (a *DomainAction) ShortType() string {
	return strings.ReplaceAll(a.ActionType, ".", "_")
}

// ExpectsCallback reports whether the producer asked for a completion
// callback or a pseudo-sync reply.
func (a *DomainAction) ExpectsCallback() bool {
	return a.CallbackQueueName != ""
}

// Marshal validates the envelope, stamps the schema version when missing,
// and serializes to JSON.
func (a *DomainAction) Marshal() ([]byte, error) {
	if a.Version == "" {
		a.Version = EnvelopeVersion
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// ParseAction deserializes and validates an envelope. Unknown JSON fields
// are ignored for forward compatibility.
func ParseAction(raw []byte) (*DomainAction, error) {
	var a DomainAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Clone returns a copy safe to mutate independently. The payload bytes are
// shared (treated as immutable); the metadata maps are copied.
func (a *DomainAction) Clone() *DomainAction {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.QueueMetadata != nil {
		c.QueueMetadata = make(map[string]interface{}, len(a.QueueMetadata))
		for k, v := range a.QueueMetadata {
			c.QueueMetadata[k] = v
		}
	}
	return &c
}

// --- Queue metadata accessors ---
//
// QueueMetadata round-trips through JSON, so numeric values decode as
// float64. The typed accessors below absorb that.

// RetryCount returns how many times this envelope has failed so far.
func (a *DomainAction) RetryCount() int {
	if a.QueueMetadata == nil {
		return 0
	}
	switch v := a.QueueMetadata[QueueMetaRetryCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// SetRetryCount records the failure count in the queue metadata.
func (a *DomainAction) SetRetryCount(n int) {
	a.ensureQueueMetadata()
	a.QueueMetadata[QueueMetaRetryCount] = n
}

// NotBefore returns the deferred delivery time, if one is set.
func (a *DomainAction) NotBefore() (time.Time, bool) {
	if a.QueueMetadata == nil {
		return time.Time{}, false
	}
	s, ok := a.QueueMetadata[QueueMetaNotBefore].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetNotBefore defers delivery of this envelope until t.
func (a *DomainAction) SetNotBefore(t time.Time) {
	a.ensureQueueMetadata()
	a.QueueMetadata[QueueMetaNotBefore] = t.UTC().Format(time.RFC3339Nano)
}

// ReplyTimeout returns the pseudo-sync client timeout hint, if one is set.
func (a *DomainAction) ReplyTimeout() (time.Duration, bool) {
	if a.QueueMetadata == nil {
		return 0, false
	}
	switch v := a.QueueMetadata[QueueMetaReplyTimeout].(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}

// SetReplyTimeout records the pseudo-sync client timeout so the responder
// can size the reply queue TTL.
func (a *DomainAction) SetReplyTimeout(d time.Duration) {
	a.ensureQueueMetadata()
	a.QueueMetadata[QueueMetaReplyTimeout] = d.Seconds()
}

// HandlerTimeout returns the per-action handler deadline, if the producer
// set one. The worker falls back to its configured default otherwise.
func (a *DomainAction) HandlerTimeout() (time.Duration, bool) {
	if a.QueueMetadata == nil {
		return 0, false
	}
	switch v := a.QueueMetadata[QueueMetaHandlerTimeout].(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}

// SetHandlerTimeout overrides the worker's default handler deadline for
// this action.
func (a *DomainAction) SetHandlerTimeout(d time.Duration) {
	a.ensureQueueMetadata()
	a.QueueMetadata[QueueMetaHandlerTimeout] = d.Seconds()
}

func (a *DomainAction) ensureQueueMetadata() {
	if a.QueueMetadata == nil {
		a.QueueMetadata = make(map[string]interface{})
	}
}
