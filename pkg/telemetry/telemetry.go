// Package telemetry provides the coordination runtime's optional
// OpenTelemetry instrumentation: distributed tracing and RED (Rate,
// Errors, Duration) metrics over OTLP, in the same shape the teacher's
// pkg/observability package wires for its own request path. Every
// runtime component (sentinel, lock manager, agent runtime) accepts a
// *Provider via a WithTelemetry option and degrades to a no-op when none
// is configured, so instrumentation never becomes a hard dependency of
// the coordination logic itself.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the runtime's default telemetry configuration:
// disabled, so constructing a Provider with no explicit config never
// reaches out to a collector that may not exist.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "loom",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the coordination runtime's trace and meter providers
// plus its RED metric instruments, mirroring the teacher's
// observability.Provider one concern at a time: cross-agent event
// handling (rate), operations that return an error such as a deadlocked
// Acquire (errors; an Abort verdict from Track is a normal return and is
// not counted), and Execute/Track/Acquire call latency (duration).
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	opCounter        metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New creates a Provider. A nil or disabled config yields a Provider
// whose every recording method is a safe no-op — callers do not need to
// branch on whether telemetry is enabled.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{config: cfg, logger: slog.Default().With("component", "telemetry")}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("loom.component", "coordination-runtime"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("loom.coordination", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("loom.coordination", metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("telemetry: init RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName, "environment", cfg.Environment, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	p.opCounter, err = p.meter.Int64Counter("loom.operations.total",
		metric.WithDescription("Total coordination operations processed (Track/Acquire/Execute)"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("loom.operations.errors",
		metric.WithDescription("Total coordination operations that returned an error"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("loom.operation.duration",
		metric.WithDescription("Coordination operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("loom.operations.active",
		metric.WithDescription("Currently in-flight coordination operations"),
		metric.WithUnit("{operation}"))
	return err
}

// Shutdown flushes and closes the trace/metric providers. Safe to call on
// a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the coordination tracer, or a disabled-but-safe tracer
// if telemetry was never enabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("loom.coordination")
	}
	return p.tracer
}

// TrackOperation starts a span plus the active-operations gauge for one
// call to Track/Acquire/Execute, and returns a completion function that
// records its duration and, on a non-nil error, increments the error
// counter and records the error on the span. Safe to call on a nil
// Provider (sentinel/lockmgr/agentrt hold *Provider fields that default
// to nil when no WithTelemetry option is given).
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil || p.opCounter == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.opCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}
