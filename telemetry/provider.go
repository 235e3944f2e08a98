package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// serviceVersion is stamped on the OTel resource for every span and metric.
const serviceVersion = "1.0.0"

// Provider implements core.Telemetry with OpenTelemetry. It owns the
// tracer and meter providers and the instrument cache shared by the
// package-level emission API.
type Provider struct {
	tracer        trace.Tracer
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	instruments   *MetricInstruments
}

// NewProvider creates an OpenTelemetry provider using the configured
// exporter. It installs itself as the global tracer and meter provider
// and sets W3C trace context plus baggage propagation.
func NewProvider(cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ctx := context.Background()

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRate)),
	}

	switch cfg.Exporter {
	case ExporterStdout:
		exporter, expErr := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if expErr != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", expErr)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	case ExporterNone:
		// No exporter. Spans still carry valid contexts so IDs propagate
		// through envelopes and logs.
	default:
		exporter, expErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if expErr != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", expErr)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Exporter == ExporterOTLP || cfg.Exporter == "" {
		exporter, expErr := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if expErr != nil {
			// Traces may already be wired; tear down before failing.
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", expErr)
		}
		reader := sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.MetricInterval),
		)
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	// Set global providers
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tracer:        tp.Tracer(instrumentationName),
		traceProvider: tp,
		meterProvider: mp,
		instruments:   NewMetricInstruments(mp.Meter(instrumentationName)),
	}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// StartSpan starts a new telemetry span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &busSpan{span: span}
}

// RecordMetric records a metric through the generic core.Telemetry
// interface. Duration-style names become histograms, everything else is
// counted. Callers that need precise instrument types should use the
// package-level Counter, Histogram and Gauge functions instead.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	ctx := context.Background()
	opts := attributesFromMap(labels)
	if strings.HasSuffix(name, "_ms") || strings.HasSuffix(name, "_bytes") || strings.Contains(name, ".duration") {
		_ = p.instruments.RecordHistogram(ctx, name, value, histogramOpts(opts)...)
		return
	}
	_ = p.instruments.RecordCounter(ctx, name, value, counterOpts(opts)...)
}

func counterOpts(attrs []attribute.KeyValue) []metric.AddOption {
	if len(attrs) == 0 {
		return nil
	}
	return []metric.AddOption{metric.WithAttributes(attrs...)}
}

func histogramOpts(attrs []attribute.KeyValue) []metric.RecordOption {
	if len(attrs) == 0 {
		return nil
	}
	return []metric.RecordOption{metric.WithAttributes(attrs...)}
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if p.traceProvider != nil {
		if err := p.traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// busSpan wraps an OpenTelemetry span to implement core.Span.
type busSpan struct {
	span trace.Span
}

func (s *busSpan) End() {
	s.span.End()
}

func (s *busSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *busSpan) RecordError(err error) {
	s.span.RecordError(err)
}
