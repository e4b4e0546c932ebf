// Package observability provides the orchestrator's OpenTelemetry traces
// and metrics: proposals, governance decisions, run outcomes, execution
// duration and ledger failures.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const instrumentationName = "github.com/Mindburn-Labs/selfheal"

// Config configures the OpenTelemetry providers. With no endpoint the
// global (no-op unless set elsewhere) providers are used.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "selfheal",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the tracer, the meter and the orchestrator's instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	proposals      metric.Int64Counter
	decisions      metric.Int64Counter
	outcomes       metric.Int64Counter
	runDuration    metric.Float64Histogram
	ledgerFailures metric.Int64Counter
	executing      metric.Int64UpDownCounter
}

type Option func(*Provider)

// WithMeterProvider bypasses exporter setup for metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Provider) { p.meter = mp.Meter(instrumentationName) }
}

// WithTracerProvider bypasses exporter setup for traces.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) { p.tracer = tp.Tracer(instrumentationName) }
}

// New creates the provider, exporting over OTLP gRPC when an endpoint
// is configured.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.OTLPEndpoint != "" && (p.tracer == nil || p.meter == nil) {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
				semconv.DeploymentEnvironment(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if p.tracer == nil {
			if err := p.initTraceProvider(ctx, res); err != nil {
				return nil, fmt.Errorf("failed to init trace provider: %w", err)
			}
		}
		if p.meter == nil {
			if err := p.initMetricProvider(ctx, res); err != nil {
				return nil, fmt.Errorf("failed to init metric provider: %w", err)
			}
		}
		p.logger.InfoContext(ctx, "observability initialized",
			"service", cfg.ServiceName,
			"environment", cfg.Environment,
			"endpoint", cfg.OTLPEndpoint,
			"sample_rate", cfg.SampleRate,
		)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(instrumentationName)
	}
	if p.meter == nil {
		p.meter = otel.Meter(instrumentationName)
	}

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.tracer = p.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(p.config.ServiceVersion))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(p.config.ServiceVersion))
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.proposals, err = p.meter.Int64Counter("selfheal.proposals.total",
		metric.WithDescription("Recommendations turned into proposals or skipped"),
		metric.WithUnit("{proposal}"),
	); err != nil {
		return err
	}
	if p.decisions, err = p.meter.Int64Counter("selfheal.decisions.total",
		metric.WithDescription("Audited governance and lifecycle decisions"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.outcomes, err = p.meter.Int64Counter("selfheal.runs.completed",
		metric.WithDescription("Runs settled, by result"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}
	if p.runDuration, err = p.meter.Float64Histogram("selfheal.run.duration",
		metric.WithDescription("Run duration from start (or proposal) to settlement"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	); err != nil {
		return err
	}
	if p.ledgerFailures, err = p.meter.Int64Counter("selfheal.ledger.failures.total",
		metric.WithDescription("Audit ledger appends that exhausted their retries"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return err
	}
	p.executing, err = p.meter.Int64UpDownCounter("selfheal.executions.active",
		metric.WithDescription("Runs currently executing"),
		metric.WithUnit("{run}"),
	)
	return err
}

// Shutdown flushes and stops the providers New created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// RecordProposal counts one scheduler outcome for a recommendation.
func (p *Provider) RecordProposal(ctx context.Context, service, outcome string) {
	p.proposals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	))
}

func (p *Provider) RecordDecision(ctx context.Context, policy, decision string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.String("decision", decision),
	))
}

func (p *Provider) RecordOutcome(ctx context.Context, playbookID, result string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("playbook_id", playbookID),
		attribute.String("result", result),
	)
	p.outcomes.Add(ctx, 1, attrs)
	p.runDuration.Record(ctx, d.Seconds(), attrs)
}

func (p *Provider) RecordLedgerFailure(ctx context.Context) {
	p.ledgerFailures.Add(ctx, 1)
}

// TrackExecution opens a span around one run's execution step and counts
// it as active until the returned function is called.
func (p *Provider) TrackExecution(ctx context.Context, runID, service, playbookID string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("playbook_id", playbookID),
	}
	ctx, span := p.tracer.Start(ctx, "selfheal.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs, attribute.String("run_id", runID))...),
	)
	p.executing.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.executing.Add(ctx, -1, metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
