package core

import "time"

// Environment Variables - Nooble Bus Protocol
//
// Every service reads the same set of variables under its own prefix
// (e.g. INGESTION_REDIS_URL, ORCHESTRATOR_REDIS_URL). The constants here
// are the suffixes; Settings.LoadFromEnv joins them with the prefix.
const (
	// Transport
	EnvSuffixRedisURL = "REDIS_URL" // Redis connection URL for the bus

	// Queue naming
	EnvSuffixEnvironment  = "ENVIRONMENT"   // Deployment environment (dev, staging, prod)
	EnvSuffixGlobalPrefix = "GLOBAL_PREFIX" // First segment of every queue name

	// Worker tuning
	EnvSuffixWorkerSleepSeconds   = "WORKER_SLEEP_SECONDS"    // Idle poll sleep, fractional seconds
	EnvSuffixMaxInflight          = "MAX_INFLIGHT"            // Bound on concurrent handlers per worker
	EnvSuffixDefaultTimeoutSecond = "DEFAULT_TIMEOUT_SECONDS" // Handler deadline when the action has none
	EnvSuffixDLQEnabled           = "DLQ_ENABLED"             // Route exhausted envelopes to dead letter
	EnvSuffixMaxRetries           = "MAX_RETRIES"             // Retryable failures before dead letter

	// Ambient
	EnvSuffixLogLevel          = "LOG_LEVEL"          // debug, info, warn, error
	EnvSuffixTelemetryEndpoint = "TELEMETRY_ENDPOINT" // OTLP receiver address
)

// Queue Naming Defaults
const (
	// DefaultGlobalPrefix is the first segment of every queue name.
	// Format: <prefix>:<environment>:<service>...:actions
	// Example: nooble4:dev:ingestion:tenant_a:professional:actions
	DefaultGlobalPrefix = "nooble4"

	// DefaultEnvironment partitions queues between deployments sharing a Redis.
	DefaultEnvironment = "dev"

	// DeadLetterSuffix is appended to a queue name to form its dead letter queue.
	DeadLetterSuffix = "dead_letter"
)

// Worker Defaults
const (
	// DefaultWorkerSleep is how long the poll loop sleeps when every queue is empty.
	DefaultWorkerSleep = 1 * time.Second

	// DefaultMaxInflight bounds concurrent handler invocations per worker instance.
	DefaultMaxInflight = 10

	// DefaultActionTimeout is the handler deadline when the action carries none.
	DefaultActionTimeout = 30 * time.Second

	// DefaultMaxRetries is how many retryable failures an envelope survives
	// before it is routed to the dead letter queue.
	DefaultMaxRetries = 3

	// DefaultRetryBackoffBase seeds the exponential re-enqueue delay:
	// delay = base * 2^(attempt-1).
	DefaultRetryBackoffBase = 2 * time.Second

	// DefaultShutdownGrace is how long Stop waits for in-flight handlers.
	DefaultShutdownGrace = 30 * time.Second
)

// Reply Queue Defaults
const (
	// ReplyQueueTTLMargin is added to the client timeout when the responder
	// sets the TTL on a pseudo-sync reply queue, so a slow consumer still
	// finds its reply.
	ReplyQueueTTLMargin = 30 * time.Second

	// DefaultReplyQueueTTL applies when the envelope carries no timeout hint.
	DefaultReplyQueueTTL = 5 * time.Minute
)

// Envelope Defaults
const (
	// EnvelopeVersion is written into every envelope produced by this module.
	EnvelopeVersion = "1.0"
)

// Queue metadata keys. These live in DomainAction.QueueMetadata so that
// routing state survives serialization and process restarts.
const (
	// QueueMetaRetryCount counts handler failures for this envelope.
	QueueMetaRetryCount = "retry_count"

	// QueueMetaNotBefore defers re-delivery until the given RFC 3339 instant.
	QueueMetaNotBefore = "not_before"

	// QueueMetaReplyTimeout carries the pseudo-sync client timeout in seconds,
	// used by the responder to size the reply queue TTL.
	QueueMetaReplyTimeout = "reply_timeout_seconds"

	// QueueMetaHandlerTimeout overrides the worker's default handler
	// deadline for one action, in seconds.
	QueueMetaHandlerTimeout = "timeout_seconds"

	// QueueMetaParseError annotates dead-lettered envelopes that failed to parse.
	QueueMetaParseError = "parse_error"

	// QueueMetaNoHandler annotates dead-lettered envelopes with no registered handler.
	QueueMetaNoHandler = "no_handler"

	// QueueMetaErrorCode and QueueMetaErrorMessage record why an envelope
	// was dead-lettered after retries were exhausted.
	QueueMetaErrorCode    = "error_code"
	QueueMetaErrorMessage = "error_message"

	// QueueMetaSourceQueue records which queue a dead-lettered envelope came from.
	QueueMetaSourceQueue = "source_queue"
)
