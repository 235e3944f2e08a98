package bus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// Registration binds one action type to its handler and payload contracts.
// The schemas are JSON Schema documents; either may be nil, in which case
// the corresponding payload is accepted as-is.
type Registration struct {
	// ActionType is the dotted dispatch key this handler serves.
	ActionType string

	// RequestSchema validates incoming action data before the handler runs.
	RequestSchema []byte

	// ResponseSchema documents (and on demand validates) the handler result.
	ResponseSchema []byte

	// Handler processes actions of this type.
	Handler ActionHandler

	// Compiled at registration so dispatch never re-parses the schema.
	requestSchema  *jsonschema.Schema
	responseSchema *jsonschema.Schema
}

// ValidateRequest checks raw action data against the registered request
// schema. A nil schema accepts everything, including empty data.
func (r *Registration) ValidateRequest(raw json.RawMessage) error {
	return validateAgainstSchema(r.requestSchema, raw)
}

// ValidateResponse checks a handler result against the registered response
// schema. Used by tests and by handlers that want to fail fast on their
// own output.
func (r *Registration) ValidateResponse(raw json.RawMessage) error {
	return validateAgainstSchema(r.responseSchema, raw)
}

func validateAgainstSchema(schema *jsonschema.Schema, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(raw) == 0 {
		return fmt.Errorf("payload is empty but a schema is registered")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// compileSchema parses and compiles a JSON Schema document. Returns nil
// for an empty document.
func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON: %v", core.ErrInvalidSchema, name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidSchema, name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidSchema, name, err)
	}
	return schema, nil
}

// Registry maps action types to their registrations. Registration happens
// at service startup; Resolve runs on every dispatch, so lookups take a
// read lock only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
	logger  core.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		entries: make(map[string]*Registration),
		logger:  core.WithComponent(logger, "bus.registry"),
	}
}

// Register adds a handler for an action type. The action type must match
// the envelope format, the handler must be non-nil, and the schemas must
// compile. Duplicate registrations are rejected so a misconfigured service
// fails at startup instead of silently shadowing a handler.
func (r *Registry) Register(reg Registration) error {
	if !core.ValidActionType(reg.ActionType) {
		return fmt.Errorf("%w: %q", core.ErrInvalidActionType, reg.ActionType)
	}
	if reg.Handler == nil {
		return fmt.Errorf("handler for %s must not be nil: %w", reg.ActionType, core.ErrInvalidConfiguration)
	}

	var err error
	if reg.requestSchema, err = compileSchema(reg.ActionType+"/request.json", reg.RequestSchema); err != nil {
		return err
	}
	if reg.responseSchema, err = compileSchema(reg.ActionType+"/response.json", reg.ResponseSchema); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.ActionType]; exists {
		return fmt.Errorf("%w: %s", core.ErrDuplicateHandler, reg.ActionType)
	}
	r.entries[reg.ActionType] = &reg

	r.logger.Info("Handler registered", map[string]interface{}{
		"action_type":     reg.ActionType,
		"request_schema":  reg.requestSchema != nil,
		"response_schema": reg.responseSchema != nil,
	})
	return nil
}

// MustRegister is Register for static wiring in main; it panics on error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Resolve returns the registration for an action type, or ErrNoHandler.
// The returned value is shared; callers must not mutate it.
func (r *Registry) Resolve(actionType string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNoHandler, actionType)
	}
	return reg, nil
}

// Types returns the registered action types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
