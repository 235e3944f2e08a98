package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorDetail is the wire form of a handler or transport failure. ErrorCode
// is one of the stable Code* constants; Retryable tells the consumer whether
// re-submitting the same action can succeed.
type ErrorDetail struct {
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

// NewErrorDetail creates an ErrorDetail with the given code and message.
func NewErrorDetail(code, message string, retryable bool) *ErrorDetail {
	return &ErrorDetail{ErrorCode: code, Message: message, Retryable: retryable}
}

// NewErrorDetailFromError converts any error into its wire form. BusError
// codes and ErrorDetail values pass through unchanged; everything else
// becomes a HANDLER_ERROR with the retryable flag from IsRetryable.
func NewErrorDetailFromError(err error) *ErrorDetail {
	if err == nil {
		return nil
	}

	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return detail
	}

	var busErr *BusError
	if errors.As(err, &busErr) && busErr.Code != "" {
		return NewErrorDetail(busErr.Code, busErr.Error(), RetryableCode(busErr.Code))
	}

	return NewErrorDetail(CodeHandlerError, err.Error(), IsRetryable(err))
}

// DomainActionResponse is the envelope for pseudo-synchronous replies.
// Exactly one of Data or Error is present: Success=true implies Error is
// nil, Success=false implies Error is set and Data is nil. CorrelationID
// and TraceID always equal those of the request.
type DomainActionResponse struct {
	Success              bool            `json:"success"`
	CorrelationID        string          `json:"correlation_id"`
	TraceID              string          `json:"trace_id,omitempty"`
	ActionTypeResponseTo string          `json:"action_type_response_to,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
	Data                 json.RawMessage `json:"data,omitempty"`
	Error                *ErrorDetail    `json:"error,omitempty"`
}

// NewSuccessResponse builds the success reply for action, preserving its
// correlation and trace ids.
func NewSuccessResponse(action *DomainAction, payload interface{}) (*DomainActionResponse, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response payload: %w", err)
	}
	return &DomainActionResponse{
		Success:              true,
		CorrelationID:        action.CorrelationID,
		TraceID:              action.TraceID,
		ActionTypeResponseTo: action.ActionType,
		Timestamp:            time.Now().UTC(),
		Data:                 data,
	}, nil
}

// NewErrorResponse builds the failure reply for action, preserving its
// correlation and trace ids.
func NewErrorResponse(action *DomainAction, code, message string, retryable bool) *DomainActionResponse {
	return &DomainActionResponse{
		Success:              false,
		CorrelationID:        action.CorrelationID,
		TraceID:              action.TraceID,
		ActionTypeResponseTo: action.ActionType,
		Timestamp:            time.Now().UTC(),
		Error:                NewErrorDetail(code, message, retryable),
	}
}

// Validate checks the success/error exclusivity invariants.
func (r *DomainActionResponse) Validate() error {
	if r.Success && r.Error != nil {
		return &ValidationError{Field: "error", Message: "must be absent when success is true"}
	}
	if !r.Success {
		if r.Error == nil {
			return &ValidationError{Field: "error", Message: "must be present when success is false"}
		}
		if len(r.Data) > 0 {
			return &ValidationError{Field: "data", Message: "must be absent when success is false"}
		}
		if r.Error.ErrorCode == "" {
			return &ValidationError{Field: "error.error_code", Message: "must not be empty"}
		}
	}
	return nil
}

// Marshal validates the response and serializes to JSON.
func (r *DomainActionResponse) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// ParseResponse deserializes and validates a reply envelope.
func ParseResponse(raw []byte) (*DomainActionResponse, error) {
	var r DomainActionResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// DecodeData unmarshals the response payload into out.
func (r *DomainActionResponse) DecodeData(out interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%w: response has no data", ErrInvalidResponse)
	}
	return json.Unmarshal(r.Data, out)
}
