/*
Package telemetry provides observability for services built on the action bus.

Architecture Overview:

The package is layered:

 1. Simple API Layer - developer-facing functions (Emit, Counter, Histogram, Gauge)
 2. Registry Layer - thread-safe global registry with lifecycle management
 3. Provider Layer - OpenTelemetry integration for trace and metric export

Thread Safety:

All public functions are safe for concurrent use. The package relies on
atomic.Value for lock-free reads of the global registry, sync.Once for
one-time initialization, sync.Map for concurrent metric declaration, and
sync.Pool for label slice reuse on the emission hot path.

Design Principles:

 1. Fail-Safe - telemetry failures never break action processing
 2. Zero-Config - Emit before Initialize is a silent no-op
 3. Bounded - cardinality limits keep per-tenant labels from exploding

Usage:

Initialize once in main:

	telemetry.Initialize(telemetry.UseProfile(telemetry.ProfileDevelopment))
	defer telemetry.Shutdown(context.Background())

Then emit metrics from anywhere:

	telemetry.Counter("bus.actions.sent", "action_type", "ingestion.document.process")
	telemetry.Histogram("bus.handler.duration_ms", 123.5, "action_type", "echo.ping")

Request-scoped labels flow through context via OpenTelemetry baggage:

	ctx = telemetry.WithBaggage(ctx, "tenant_id", tenantID, "tier", string(tier))
	telemetry.EmitWithContext(ctx, "bus.actions.processed", 1)

Configuration Profiles:

Three pre-configured profiles cover the usual deployment targets:
  - ProfileDevelopment: stdout trace export, full sampling
  - ProfileStaging: OTLP export, moderate sampling
  - ProfileProduction: OTLP export, low sampling, strict cardinality limits
*/
package telemetry
