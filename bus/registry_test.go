package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// =============================================================================
// Handler Registry Tests
// =============================================================================

const echoRequestSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"}
	},
	"required": ["text"],
	"additionalProperties": false
}`

const echoResponseSchema = `{
	"type": "object",
	"properties": {
		"text":   {"type": "string"},
		"echoed": {"type": "boolean"}
	},
	"required": ["text", "echoed"]
}`

func noopHandler(ctx context.Context, action *core.DomainAction, progress core.ProgressReporter) (json.RawMessage, *core.ErrorDetail) {
	return nil, nil
}

func TestRegister_Success(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	err := r.Register(Registration{
		ActionType:     "echo.message.send",
		RequestSchema:  []byte(echoRequestSchema),
		ResponseSchema: []byte(echoResponseSchema),
		Handler:        noopHandler,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if r.Len() != 1 {
		t.Errorf("Expected 1 registration, got %d", r.Len())
	}

	reg, err := r.Resolve("echo.message.send")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if reg.Handler == nil {
		t.Error("Resolved registration has no handler")
	}
}

func TestRegister_RejectsInvalidActionType(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	cases := []string{
		"",
		"echo",
		"Echo.Message.Send",
		"echo..send",
		"echo.message.send.extra.deep.toodeep",
		"echo message.send",
	}
	for _, actionType := range cases {
		err := r.Register(Registration{ActionType: actionType, Handler: noopHandler})
		if !errors.Is(err, core.ErrInvalidActionType) {
			t.Errorf("Register(%q): expected ErrInvalidActionType, got %v", actionType, err)
		}
	}
}

func TestRegister_RejectsNilHandler(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	err := r.Register(Registration{ActionType: "echo.message.send"})
	if !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestRegister_RejectsDuplicate(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	reg := Registration{ActionType: "echo.message.send", Handler: noopHandler}
	if err := r.Register(reg); err != nil {
		t.Fatalf("First Register failed: %v", err)
	}
	if err := r.Register(reg); !errors.Is(err, core.ErrDuplicateHandler) {
		t.Errorf("Expected ErrDuplicateHandler, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Duplicate registration changed registry size: %d", r.Len())
	}
}

func TestRegister_RejectsMalformedSchema(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	err := r.Register(Registration{
		ActionType:    "echo.message.send",
		RequestSchema: []byte(`{not json`),
		Handler:       noopHandler,
	})
	if !errors.Is(err, core.ErrInvalidSchema) {
		t.Errorf("Expected ErrInvalidSchema for malformed request schema, got %v", err)
	}

	err = r.Register(Registration{
		ActionType:     "echo.message.send",
		ResponseSchema: []byte(`{"type": 12}`),
		Handler:        noopHandler,
	})
	if !errors.Is(err, core.ErrInvalidSchema) {
		t.Errorf("Expected ErrInvalidSchema for malformed response schema, got %v", err)
	}
}

func TestResolve_UnknownType(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	_, err := r.Resolve("query.rag.search")
	if !errors.Is(err, core.ErrNoHandler) {
		t.Errorf("Expected ErrNoHandler, got %v", err)
	}
}

func TestTypes_Sorted(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	for _, actionType := range []string{"query.rag.search", "echo.message.send", "ingestion.document.process"} {
		if err := r.Register(Registration{ActionType: actionType, Handler: noopHandler}); err != nil {
			t.Fatalf("Register(%q) failed: %v", actionType, err)
		}
	}

	types := r.Types()
	want := []string{"echo.message.send", "ingestion.document.process", "query.rag.search"}
	if len(types) != len(want) {
		t.Fatalf("Expected %d types, got %d", len(want), len(types))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestMustRegister_PanicsOnInvalid(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})

	defer func() {
		if recover() == nil {
			t.Error("Expected MustRegister to panic on invalid registration")
		}
	}()
	r.MustRegister(Registration{ActionType: "not valid"})
}

// -----------------------------------------------------------------------------
// Payload Validation Tests
// -----------------------------------------------------------------------------

func TestValidateRequest_SchemaEnforced(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})
	if err := r.Register(Registration{
		ActionType:    "echo.message.send",
		RequestSchema: []byte(echoRequestSchema),
		Handler:       noopHandler,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	reg, err := r.Resolve("echo.message.send")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if err := reg.ValidateRequest(json.RawMessage(`{"text": "hi"}`)); err != nil {
		t.Errorf("Valid payload rejected: %v", err)
	}
	if err := reg.ValidateRequest(json.RawMessage(`{}`)); err == nil {
		t.Error("Payload missing required field was accepted")
	}
	if err := reg.ValidateRequest(json.RawMessage(`{"text": "hi", "extra": 1}`)); err == nil {
		t.Error("Payload with additional property was accepted")
	}
	if err := reg.ValidateRequest(nil); err == nil {
		t.Error("Empty payload was accepted despite a request schema")
	}
}

func TestValidateRequest_NoSchemaAcceptsAnything(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})
	if err := r.Register(Registration{
		ActionType: "echo.message.send",
		Handler:    noopHandler,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	reg, _ := r.Resolve("echo.message.send")

	if err := reg.ValidateRequest(json.RawMessage(`{"anything": [1, 2, 3]}`)); err != nil {
		t.Errorf("Schemaless registration rejected a payload: %v", err)
	}
	if err := reg.ValidateRequest(nil); err != nil {
		t.Errorf("Schemaless registration rejected an empty payload: %v", err)
	}
}

func TestValidateResponse_SchemaEnforced(t *testing.T) {
	r := NewRegistry(&core.NoOpLogger{})
	if err := r.Register(Registration{
		ActionType:     "echo.message.send",
		ResponseSchema: []byte(echoResponseSchema),
		Handler:        noopHandler,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	reg, _ := r.Resolve("echo.message.send")

	if err := reg.ValidateResponse(json.RawMessage(`{"text": "hi", "echoed": true}`)); err != nil {
		t.Errorf("Valid response rejected: %v", err)
	}
	if err := reg.ValidateResponse(json.RawMessage(`{"text": "hi"}`)); err == nil {
		t.Error("Response missing required field was accepted")
	}
}
