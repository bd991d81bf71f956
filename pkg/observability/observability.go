// Package observability provides OpenTelemetry tracing and RED metrics for
// the timelock service.
//
// A Provider without SDK providers is fully usable: spans go to the global
// tracer and metric calls are dropped.
package observability

import (
	"context"
	"errors"
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

const (
	instrumentationName = "helm.timelock"
	metricInterval      = 15 * time.Second
)

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string        // chain context the service is bound to
	OTLPEndpoint   string        // host:port of the collector's gRPC receiver
	SampleRate     float64       // 0.0 to 1.0, applied to root spans
	BatchTimeout   time.Duration // span batch flush interval
	Insecure       bool          // plaintext gRPC
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "helm-timelock"
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = "localhost:4317"
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	return c
}

// Provider owns the trace and metric pipelines of one service instance.
type Provider struct {
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	inst   instruments
	logger *slog.Logger
}

// instruments are the engine's metric instruments. Nil members are skipped.
type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	inflight   metric.Int64UpDownCounter
	latency    metric.Float64Histogram
	dispatches metric.Int64Counter
}

// New starts OTLP/gRPC trace and metric exporters and installs them as the
// otel globals.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
		attribute.String("helm.component", "timelock"),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "telemetry exporting",
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a Provider on caller-owned SDK providers without
// touching the otel globals. Either provider may be nil.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{
		tp:     tp,
		mp:     mp,
		logger: slog.Default().With("component", "observability"),
	}
	if tp != nil {
		p.tracer = tp.Tracer(instrumentationName)
	} else {
		p.tracer = otel.Tracer(instrumentationName)
	}
	if mp != nil {
		inst, err := newInstruments(mp.Meter(instrumentationName))
		if err != nil {
			return nil, fmt.Errorf("telemetry instruments: %w", err)
		}
		p.inst = inst
	}
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricInterval))),
	), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func newInstruments(m metric.Meter) (inst instruments, err error) {
	if inst.operations, err = m.Int64Counter("timelock.operations.total",
		metric.WithDescription("Engine operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return inst, err
	}
	if inst.failures, err = m.Int64Counter("timelock.errors.total",
		metric.WithDescription("Engine operations that failed, by error code"),
		metric.WithUnit("{error}")); err != nil {
		return inst, err
	}
	if inst.inflight, err = m.Int64UpDownCounter("timelock.operations.active",
		metric.WithDescription("Engine operations in flight"),
		metric.WithUnit("{operation}")); err != nil {
		return inst, err
	}
	if inst.latency, err = m.Float64Histogram("timelock.operation.duration",
		metric.WithDescription("Engine operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return inst, err
	}
	inst.dispatches, err = m.Int64Counter("timelock.dispatches.total",
		metric.WithDescription("Executor dispatches performed by Execute, by outcome"),
		metric.WithUnit("{dispatch}"))
	return inst, err
}

// Shutdown flushes and stops the SDK providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.ErrorContext(ctx, "telemetry shutdown", "error", err)
	}
	return err
}

// TrackOperation opens a span for an engine operation and counts it. The
// returned function must be called exactly once with the outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	if p.inst.operations != nil {
		p.inst.operations.Add(ctx, 1, set)
		p.inst.inflight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if p.inst.operations != nil {
			p.inst.inflight.Add(ctx, -1, set)
			p.inst.latency.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err == nil {
			return
		}
		code := ErrorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		if p.inst.failures != nil {
			withCode := append(append([]attribute.KeyValue{}, attrs...), AttrErrorCode.String(code))
			p.inst.failures.Add(ctx, 1, metric.WithAttributes(withCode...))
		}
	}
}

// RecordDispatch counts one executor dispatch made while executing an action.
func (p *Provider) RecordDispatch(ctx context.Context, executor string, outcome DispatchOutcome) {
	AddSpanEvent(ctx, "dispatch", AttrDispatchOutcome.String(string(outcome)))
	if p.inst.dispatches != nil {
		p.inst.dispatches.Add(ctx, 1, metric.WithAttributes(
			AttrExecutor.String(executor),
			AttrDispatchOutcome.String(string(outcome)),
		))
	}
}
