// Package core provides task records for long-running actions.
//
// A TaskRecord tracks one long-running action (e.g. a document ingestion)
// across its lifecycle. The worker creates the record before emitting the
// first callback; handlers report progress through a ProgressReporter; API
// services read the record to answer status polls. Records live in Redis
// keyed by task id, with a TTL derived from the tenant's tier retention.
//
// Status moves forward only: pending → in_progress → completed. The failed
// and cancelled states are reachable from any non-terminal state. A record
// in a terminal state never changes again.
package core

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a long-running action
type TaskStatus string

const (
	// TaskStatusPending indicates the record exists but no handler has started
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusInProgress indicates a handler is processing the action
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusCompleted indicates the action finished successfully
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the action failed terminally
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the action was cancelled by request
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state (completed, failed, or cancelled)
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// rank orders the forward-only progression. Terminal states share the top
// rank so CanTransition rejects moves between them.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusInProgress:
		return 1
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether a record may move from one status to
// another. Forward moves are allowed; failed and cancelled are reachable
// from any non-terminal state; terminal states accept nothing.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskStatusFailed || to == TaskStatusCancelled {
		return true
	}
	return to.rank() > from.rank()
}

// TaskRecord tracks one long-running action
type TaskRecord struct {
	// TaskID is the unique identifier, conventionally the action id that
	// started the flow
	TaskID string `json:"task_id"`

	// ActionType is the dotted type of the originating action
	ActionType string `json:"action_type,omitempty"`

	// Tenant context copied from the originating action. Tier drives the
	// record's retention TTL.
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Tier      Tier   `json:"tier,omitempty"`

	// Status is the current lifecycle state
	Status TaskStatus `json:"status"`

	// Processed and Total are progress counters (e.g. chunks ingested)
	Processed int `json:"processed"`
	Total     int `json:"total"`

	// Message is an optional human-readable progress note
	Message string `json:"message,omitempty"`

	// Result contains the handler output when completed
	Result json.RawMessage `json:"result,omitempty"`

	// ErrorMessage is set when Status is failed
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is when the worker created the record
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped on every mutation
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the record reached a terminal state (nil before)
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Correlation context preserved for observability
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// NewTaskRecord creates a pending record for the given action.
func NewTaskRecord(action *DomainAction) *TaskRecord {
	now := time.Now().UTC()
	return &TaskRecord{
		TaskID:        action.ActionID,
		ActionType:    action.ActionType,
		TenantID:      action.TenantID,
		SessionID:     action.SessionID,
		Tier:          action.Tier,
		Status:        TaskStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: action.CorrelationID,
		TraceID:       action.TraceID,
	}
}

// TaskStore persists task records.
// The default implementation uses Redis string keys with tier-derived TTLs.
type TaskStore interface {
	// Create persists a new record.
	// Returns ErrTaskAlreadyExists if the task id is taken.
	Create(ctx context.Context, record *TaskRecord) error

	// Get retrieves a record by id.
	// Returns ErrTaskNotFound if it doesn't exist.
	Get(ctx context.Context, taskID string) (*TaskRecord, error)

	// UpdateStatus moves a record to a new status.
	// Returns ErrInvalidTransition when the move is not allowed.
	UpdateStatus(ctx context.Context, taskID string, status TaskStatus) error

	// SetProgress updates the processed/total counters and progress message.
	SetProgress(ctx context.Context, taskID string, processed, total int, message string) error

	// Complete moves a record to completed and stores the handler result.
	Complete(ctx context.Context, taskID string, result json.RawMessage) error

	// Fail moves a record to failed with the given message.
	Fail(ctx context.Context, taskID string, errorMessage string) error

	// Cancel moves a record to cancelled.
	// Returns ErrInvalidTransition if the record is already terminal.
	Cancel(ctx context.Context, taskID string) error
}

// ProgressReporter lets handlers publish progress on the task record
// backing a long-running action.
type ProgressReporter interface {
	// Report updates the counters and message for the current task.
	// Safe to call from handler goroutines; errors are advisory.
	Report(ctx context.Context, processed, total int, message string) error
}

// NoOpProgressReporter discards progress updates. Used for actions without
// a task record.
type NoOpProgressReporter struct{}

func (NoOpProgressReporter) Report(ctx context.Context, processed, total int, message string) error {
	return nil
}
