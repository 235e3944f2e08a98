package resilience

import (
	"github.com/kkvrivishvili/nooble4-sub002/core"
	"github.com/kkvrivishvili/nooble4-sub002/telemetry"
)

// Dependencies holds optional collaborators injected by the host service
type Dependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

// WithLogger creates a dependency injection option
func WithLogger(logger core.Logger) func(*Dependencies) {
	return func(d *Dependencies) {
		d.Logger = logger
	}
}

// WithTelemetry creates a dependency injection option
func WithTelemetry(tel core.Telemetry) func(*Dependencies) {
	return func(d *Dependencies) {
		d.Telemetry = tel
	}
}

func globalTelemetryAvailable() bool {
	return telemetry.GetRegistry() != nil
}

// CreateCircuitBreaker creates a circuit breaker with injected
// dependencies, falling back to a production logger and auto-detecting
// an initialized telemetry registry.
func CreateCircuitBreaker(name string, opts ...func(*Dependencies)) (*CircuitBreaker, error) {
	var deps Dependencies
	for _, opt := range opts {
		opt(&deps)
	}

	config := DefaultConfig()
	config.Name = name

	if deps.Logger != nil {
		config.Logger = core.WithComponent(deps.Logger, "resilience")
	} else {
		config.Logger = core.NewProductionLogger("resilience", core.InfoLevel)
	}

	if deps.Telemetry != nil || globalTelemetryAvailable() {
		config.Metrics = NewTelemetryMetrics()
		config.Logger.Info("Telemetry integration enabled for circuit breaker", map[string]interface{}{
			"operation": "telemetry_integration",
			"name":      name,
			"component": "circuit_breaker",
		})
	}

	return NewCircuitBreaker(config)
}
