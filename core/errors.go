package core

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes carried on the wire in ErrorDetail.
// These values are part of the bus contract and must never change: every
// service in the platform matches on them.
const (
	// CodeInvalidPayload - payload failed schema validation; not retryable.
	CodeInvalidPayload = "INVALID_PAYLOAD"

	// CodeNoHandler - no handler registered for the action type; not retryable.
	CodeNoHandler = "NO_HANDLER"

	// CodeHandlerTimeout - handler exceeded its deadline; retryable.
	CodeHandlerTimeout = "HANDLER_TIMEOUT"

	// CodeHandlerError - handler returned an error; retryable flag set by the handler.
	CodeHandlerError = "HANDLER_ERROR"

	// CodeClientTimeout - pseudo-sync wait elapsed; not retryable from the client view.
	CodeClientTimeout = "CLIENT_TIMEOUT"

	// CodeRedisClientError - transport failure talking to Redis; retryable by the caller.
	CodeRedisClientError = "REDIS_CLIENT_ERROR"

	// CodeResponseDecodeError - reply arrived but could not be parsed; retryable by the caller.
	CodeResponseDecodeError = "RESPONSE_DECODE_ERROR"

	// CodeRateLimited - session exceeded its tier rate limit; retryable after backoff.
	CodeRateLimited = "RATE_LIMITED"

	// CodeTenantBusy - tenant is at its tier in-flight limit; retryable after backoff.
	CodeTenantBusy = "TENANT_BUSY"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Envelope errors
	ErrInvalidActionType = errors.New("invalid action type")
	ErrInvalidEnvelope   = errors.New("invalid envelope")
	ErrInvalidResponse   = errors.New("invalid response envelope")

	// Registry errors
	ErrNoHandler        = errors.New("no handler registered")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrInvalidSchema    = errors.New("invalid payload schema")

	// Task errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task status transition")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrQuotaExceeded      = errors.New("tier quota exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Transport errors
	ErrConnectionFailed = errors.New("connection failed")
)

// BusError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type BusError struct {
	Op    string // Operation that failed (e.g., "client.SendPseudoSync")
	Code  string // Wire error code (one of the Code* constants), if any
	Queue string // Queue involved, if any
	Err   error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *BusError) Error() string {
	switch {
	case e.Op != "" && e.Queue != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Queue, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return fmt.Sprintf("%s error", e.Code)
	}
	return "bus error"
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *BusError) Unwrap() error {
	return e.Err
}

// NewBusError creates a new BusError
func NewBusError(op, code string, err error) *BusError {
	return &BusError{
		Op:   op,
		Code: code,
		Err:  err,
	}
}

// ValidationError reports which envelope field failed validation.
// Returned by DomainAction.Validate and DomainActionResponse.Validate.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrInvalidEnvelope) match any validation error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEnvelope
}

// RetryableCode reports whether a wire error code is worth retrying.
// HANDLER_ERROR is decided by the handler itself via ErrorDetail.Retryable,
// so it does not appear here.
func RetryableCode(code string) bool {
	switch code {
	case CodeHandlerTimeout, CodeRedisClientError, CodeRateLimited, CodeTenantBusy:
		return true
	}
	return false
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	var busErr *BusError
	if errors.As(err, &busErr) && busErr.Code != "" {
		return RetryableCode(busErr.Code)
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrQuotaExceeded)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrNoHandler)
}

// IsStateError checks if an error is a lifecycle/state violation
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrInvalidTransition)
}
