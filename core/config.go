package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds the bus configuration for one service. It supports
// four-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Config file (optional)
//  3. Environment variables under the service prefix
//  4. Functional options (highest priority)
//
// Every service reads the same variable names under its own prefix, so an
// operator configures the ingestion worker with INGESTION_REDIS_URL and the
// orchestrator with ORCHESTRATOR_REDIS_URL.
//
// Example usage:
//
//	settings, err := core.NewSettings("ingestion",
//	    core.WithEnvironment("staging"),
//	    core.WithMaxInflight(20),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Settings struct {
	// ServiceName identifies this service in queue names and envelopes.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// EnvPrefix is the environment variable prefix, derived from
	// ServiceName unless overridden (e.g. "INGESTION").
	EnvPrefix string `json:"env_prefix" yaml:"env_prefix"`

	// RedisURL is the bus connection string, e.g. "redis://localhost:6379/0".
	RedisURL string `json:"redis_url" yaml:"redis_url"`

	// Environment and GlobalPrefix feed the queue namer.
	Environment  string `json:"environment" yaml:"environment"`
	GlobalPrefix string `json:"global_prefix" yaml:"global_prefix"`

	// WorkerSleep is how long the poll loop sleeps when all queues are empty.
	WorkerSleep time.Duration `json:"worker_sleep" yaml:"worker_sleep"`

	// MaxInflight bounds concurrent handler invocations per worker.
	MaxInflight int `json:"max_inflight" yaml:"max_inflight"`

	// DefaultTimeout is the handler deadline when the action carries none.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// DLQEnabled routes exhausted envelopes to the dead letter queue.
	// When disabled they are dropped with an error log.
	DLQEnabled bool `json:"dlq_enabled" yaml:"dlq_enabled"`

	// MaxRetries is how many retryable failures an envelope survives.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBackoffBase seeds the exponential re-enqueue delay.
	RetryBackoffBase time.Duration `json:"retry_backoff_base" yaml:"retry_backoff_base"`

	// ShutdownGrace is how long Stop waits for in-flight handlers.
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`

	// LogLevel controls the production logger: debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// TelemetryEndpoint is the OTLP receiver address; empty disables export.
	TelemetryEndpoint string `json:"telemetry_endpoint" yaml:"telemetry_endpoint"`
}

// SettingsOption is a functional option for configuring the bus.
// Options are applied in order and can return an error if the value is invalid.
type SettingsOption func(*Settings) error

// DefaultSettings returns the configuration defaults for a service.
// The environment prefix is the upper-cased service name with separators
// collapsed to underscores.
func DefaultSettings(serviceName string) *Settings {
	return &Settings{
		ServiceName:      serviceName,
		EnvPrefix:        derivePrefix(serviceName),
		RedisURL:         "redis://localhost:6379",
		Environment:      DefaultEnvironment,
		GlobalPrefix:     DefaultGlobalPrefix,
		WorkerSleep:      DefaultWorkerSleep,
		MaxInflight:      DefaultMaxInflight,
		DefaultTimeout:   DefaultActionTimeout,
		DLQEnabled:       true,
		MaxRetries:       DefaultMaxRetries,
		RetryBackoffBase: DefaultRetryBackoffBase,
		ShutdownGrace:    DefaultShutdownGrace,
		LogLevel:         "info",
	}
}

func derivePrefix(serviceName string) string {
	p := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, serviceName)
	return strings.Trim(p, "_")
}

// NewSettings builds the settings for a service: defaults, then environment
// variables, then functional options, then validation.
func NewSettings(serviceName string, opts ...SettingsOption) (*Settings, error) {
	s := DefaultSettings(serviceName)

	if err := s.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// LoadFromEnv loads configuration from environment variables under the
// service prefix. Variables take precedence over defaults and file values
// but are overridden by functional options.
//
// Variable naming convention: {PREFIX}_{SETTING}, e.g. INGESTION_REDIS_URL,
// INGESTION_WORKER_SLEEP_SECONDS.
func (s *Settings) LoadFromEnv() error {
	env := func(suffix string) string {
		return os.Getenv(s.EnvPrefix + "_" + suffix)
	}

	if v := env(EnvSuffixRedisURL); v != "" {
		s.RedisURL = v
	}
	if v := env(EnvSuffixEnvironment); v != "" {
		s.Environment = v
	}
	if v := env(EnvSuffixGlobalPrefix); v != "" {
		s.GlobalPrefix = v
	}
	if v := env(EnvSuffixWorkerSleepSeconds); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s_%s=%q is not a number: %w", s.EnvPrefix, EnvSuffixWorkerSleepSeconds, v, ErrInvalidConfiguration)
		}
		s.WorkerSleep = time.Duration(secs * float64(time.Second))
	}
	if v := env(EnvSuffixMaxInflight); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s_%s=%q is not an integer: %w", s.EnvPrefix, EnvSuffixMaxInflight, v, ErrInvalidConfiguration)
		}
		s.MaxInflight = n
	}
	if v := env(EnvSuffixDefaultTimeoutSecond); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s_%s=%q is not a number: %w", s.EnvPrefix, EnvSuffixDefaultTimeoutSecond, v, ErrInvalidConfiguration)
		}
		s.DefaultTimeout = time.Duration(secs * float64(time.Second))
	}
	if v := env(EnvSuffixDLQEnabled); v != "" {
		s.DLQEnabled = parseBool(v)
	}
	if v := env(EnvSuffixMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s_%s=%q is not an integer: %w", s.EnvPrefix, EnvSuffixMaxRetries, v, ErrInvalidConfiguration)
		}
		s.MaxRetries = n
	}
	if v := env(EnvSuffixLogLevel); v != "" {
		s.LogLevel = v
	}
	if v := env(EnvSuffixTelemetryEndpoint); v != "" {
		s.TelemetryEndpoint = v
	}

	return nil
}

// LoadFromFile merges settings from a JSON or YAML file. File values sit
// between defaults and environment variables in priority, so call it before
// LoadFromEnv (NewSettings with WithConfigFile does this in the right order).
func (s *Settings) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, s); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, s); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks the final configuration for values the bus cannot run with.
func (s *Settings) Validate() error {
	if s.ServiceName == "" {
		return &BusError{
			Op:  "Settings.Validate",
			Err: fmt.Errorf("service name is required: %w", ErrMissingConfiguration),
		}
	}
	if s.RedisURL == "" {
		return &BusError{
			Op:  "Settings.Validate",
			Err: fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration),
		}
	}
	if s.WorkerSleep <= 0 {
		return &BusError{
			Op:  "Settings.Validate",
			Err: fmt.Errorf("worker sleep must be positive, got %v: %w", s.WorkerSleep, ErrInvalidConfiguration),
		}
	}
	if s.MaxInflight < 1 {
		return &BusError{
			Op:  "Settings.Validate",
			Err: fmt.Errorf("max inflight must be at least 1, got %d: %w", s.MaxInflight, ErrInvalidConfiguration),
		}
	}
	if s.DefaultTimeout <= 0 {
		return &BusError{
			Op:  "Settings.Validate",
			Err: fmt.Errorf("default timeout must be positive, got %v: %w", s.DefaultTimeout, ErrInvalidConfiguration),
		}
	}
	if s.MaxRetries < 0 {
		return &BusError{
			Op:  "Settings.Validate",
			Err: fmt.Errorf("max retries must not be negative, got %d: %w", s.MaxRetries, ErrInvalidConfiguration),
		}
	}
	return nil
}

// QueueNamer returns the namer configured for this service's prefix and
// environment.
func (s *Settings) QueueNamer() QueueNamer {
	return NewQueueNamer(s.GlobalPrefix, s.Environment)
}

// --- Functional options ---

// WithRedisURL sets the bus connection string.
func WithRedisURL(url string) SettingsOption {
	return func(s *Settings) error {
		if url == "" {
			return fmt.Errorf("redis URL must not be empty: %w", ErrInvalidConfiguration)
		}
		s.RedisURL = url
		return nil
	}
}

// WithEnvironment sets the deployment environment segment of queue names.
func WithEnvironment(env string) SettingsOption {
	return func(s *Settings) error {
		if env == "" {
			return fmt.Errorf("environment must not be empty: %w", ErrInvalidConfiguration)
		}
		s.Environment = env
		return nil
	}
}

// WithGlobalPrefix sets the first segment of queue names.
func WithGlobalPrefix(prefix string) SettingsOption {
	return func(s *Settings) error {
		if prefix == "" {
			return fmt.Errorf("global prefix must not be empty: %w", ErrInvalidConfiguration)
		}
		s.GlobalPrefix = prefix
		return nil
	}
}

// WithEnvPrefix overrides the derived environment variable prefix.
// Call NewSettings with this first so later env loading uses it.
func WithEnvPrefix(prefix string) SettingsOption {
	return func(s *Settings) error {
		s.EnvPrefix = prefix
		return s.LoadFromEnv()
	}
}

// WithWorkerSleep sets the idle poll sleep.
func WithWorkerSleep(d time.Duration) SettingsOption {
	return func(s *Settings) error {
		if d <= 0 {
			return fmt.Errorf("worker sleep must be positive: %w", ErrInvalidConfiguration)
		}
		s.WorkerSleep = d
		return nil
	}
}

// WithMaxInflight bounds concurrent handler invocations per worker.
func WithMaxInflight(n int) SettingsOption {
	return func(s *Settings) error {
		if n < 1 {
			return fmt.Errorf("max inflight must be at least 1: %w", ErrInvalidConfiguration)
		}
		s.MaxInflight = n
		return nil
	}
}

// WithDefaultTimeout sets the handler deadline for actions without one.
func WithDefaultTimeout(d time.Duration) SettingsOption {
	return func(s *Settings) error {
		if d <= 0 {
			return fmt.Errorf("default timeout must be positive: %w", ErrInvalidConfiguration)
		}
		s.DefaultTimeout = d
		return nil
	}
}

// WithMaxRetries sets how many retryable failures an envelope survives.
func WithMaxRetries(n int) SettingsOption {
	return func(s *Settings) error {
		if n < 0 {
			return fmt.Errorf("max retries must not be negative: %w", ErrInvalidConfiguration)
		}
		s.MaxRetries = n
		return nil
	}
}

// WithRetryBackoffBase seeds the exponential re-enqueue delay.
func WithRetryBackoffBase(d time.Duration) SettingsOption {
	return func(s *Settings) error {
		if d <= 0 {
			return fmt.Errorf("retry backoff base must be positive: %w", ErrInvalidConfiguration)
		}
		s.RetryBackoffBase = d
		return nil
	}
}

// WithDLQ enables or disables dead letter routing.
func WithDLQ(enabled bool) SettingsOption {
	return func(s *Settings) error {
		s.DLQEnabled = enabled
		return nil
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight handlers.
func WithShutdownGrace(d time.Duration) SettingsOption {
	return func(s *Settings) error {
		if d < 0 {
			return fmt.Errorf("shutdown grace must not be negative: %w", ErrInvalidConfiguration)
		}
		s.ShutdownGrace = d
		return nil
	}
}

// WithLogLevel sets the production logger level.
func WithLogLevel(level string) SettingsOption {
	return func(s *Settings) error {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
			s.LogLevel = strings.ToLower(level)
			return nil
		}
		return fmt.Errorf("unknown log level %q: %w", level, ErrInvalidConfiguration)
	}
}

// WithTelemetryEndpoint sets the OTLP receiver address.
func WithTelemetryEndpoint(endpoint string) SettingsOption {
	return func(s *Settings) error {
		s.TelemetryEndpoint = endpoint
		return nil
	}
}

// WithConfigFile merges a JSON or YAML file, then re-applies environment
// variables so env keeps precedence over the file.
func WithConfigFile(path string) SettingsOption {
	return func(s *Settings) error {
		if err := s.LoadFromFile(path); err != nil {
			return err
		}
		return s.LoadFromEnv()
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
