package telemetry

import (
	"time"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// Exporter selects how traces and metrics leave the process.
const (
	// ExporterOTLP ships traces and metrics to an OTLP collector over gRPC.
	ExporterOTLP = "otlp"

	// ExporterStdout pretty-prints spans to stdout. Metrics are recorded
	// but not exported. Intended for local development.
	ExporterStdout = "stdout"

	// ExporterNone records nothing. Spans still propagate context so
	// trace and correlation identifiers keep flowing through envelopes.
	ExporterNone = "none"
)

// Config configures the telemetry system.
type Config struct {
	// Basic settings
	Enabled     bool
	ServiceName string
	Environment string
	Endpoint    string
	Exporter    string // "otlp", "stdout", "none"

	// Logger receives telemetry's own operational logs (init, export
	// failures). Defaults to a JSON logger on stdout when nil.
	Logger core.Logger

	// Sampling configuration for traces. 0 or 1 means always sample.
	SamplingRate float64

	// MetricInterval is how often the periodic reader pushes metrics.
	MetricInterval time.Duration

	// Cardinality control
	CardinalityLimit  int
	CardinalityLimits map[string]int // Per-label limits
}

// Profile represents a pre-configured telemetry profile.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// Profiles contains pre-configured telemetry profiles.
var Profiles = map[Profile]Config{
	ProfileDevelopment: {
		Enabled:          true,
		Exporter:         ExporterStdout,
		SamplingRate:     1.0,
		MetricInterval:   15 * time.Second,
		CardinalityLimit: 50000,
	},
	ProfileStaging: {
		Enabled:          true,
		Exporter:         ExporterOTLP,
		Endpoint:         "otel-collector.staging:4317",
		SamplingRate:     0.1,
		MetricInterval:   30 * time.Second,
		CardinalityLimit: 20000,
	},
	ProfileProduction: {
		Enabled:          true,
		Exporter:         ExporterOTLP,
		Endpoint:         "otel-collector.prod:4317", // Override with env var
		SamplingRate:     0.01,
		MetricInterval:   60 * time.Second,
		CardinalityLimit: 10000,
		CardinalityLimits: map[string]int{
			"tenant_id":   200,
			"session_id":  500,
			"action_type": 100,
			"queue":       500,
			"error_code":  25,
		},
	},
}

// UseProfile returns a configuration based on a profile name.
func UseProfile(profile Profile) Config {
	if config, ok := Profiles[profile]; ok {
		return config
	}
	// Default to development profile
	return Profiles[ProfileDevelopment]
}

// FromSettings builds a telemetry configuration from bus settings.
// The environment picks the base profile ("dev" maps to development,
// "staging" to staging, everything else to production), then the
// settings' service name and telemetry endpoint are applied on top.
// An empty endpoint outside development disables export entirely.
func FromSettings(s *core.Settings) Config {
	profile := ProfileProduction
	switch s.Environment {
	case "dev", "development", "local", "test":
		profile = ProfileDevelopment
	case "staging", "stage":
		profile = ProfileStaging
	}

	cfg := UseProfile(profile)
	cfg.ServiceName = s.ServiceName
	cfg.Environment = s.Environment
	if s.TelemetryEndpoint != "" {
		cfg.Endpoint = s.TelemetryEndpoint
		cfg.Exporter = ExporterOTLP
	} else if profile != ProfileDevelopment {
		cfg.Exporter = ExporterNone
	}
	return cfg
}

// WithOverrides applies non-zero override values to a config.
func (c Config) WithOverrides(overrides Config) Config {
	if overrides.Enabled {
		c.Enabled = overrides.Enabled
	}
	if overrides.ServiceName != "" {
		c.ServiceName = overrides.ServiceName
	}
	if overrides.Environment != "" {
		c.Environment = overrides.Environment
	}
	if overrides.Endpoint != "" {
		c.Endpoint = overrides.Endpoint
	}
	if overrides.Exporter != "" {
		c.Exporter = overrides.Exporter
	}
	if overrides.Logger != nil {
		c.Logger = overrides.Logger
	}
	if overrides.SamplingRate > 0 {
		c.SamplingRate = overrides.SamplingRate
	}
	if overrides.MetricInterval > 0 {
		c.MetricInterval = overrides.MetricInterval
	}
	if overrides.CardinalityLimit > 0 {
		c.CardinalityLimit = overrides.CardinalityLimit
	}
	if overrides.CardinalityLimits != nil {
		c.CardinalityLimits = overrides.CardinalityLimits
	}
	return c
}
