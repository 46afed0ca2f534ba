// Package metrics exposes the dispatch pipeline's RED-pattern
// instrumentation (spec.md §2's "Metrics, error taxonomy, misc" budget
// line): dispatch outcome counts, verdict counts, provider call
// duration, circuit-breaker transitions and background-table queue
// depth. Grounded on the teacher's observability.Provider, trimmed to
// metrics only — the teacher also wired distributed tracing, which
// this package drops since nothing in the gateway's design emits or
// consumes spans.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls where metrics are exported and under what resource
// identity.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	// Enabled toggles the OTLP exporter; when false, New builds an SDK
	// meter provider with no exporter attached, so nothing is exported.
	Enabled bool
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "actiongate",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		Enabled:        false,
	}
}

// Provider holds the meter and every dispatch-relevant instrument.
type Provider struct {
	config Config

	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	dispatchTotal       metric.Int64Counter
	verdictTotal        metric.Int64Counter
	providerCallSeconds metric.Float64Histogram
	breakerTransitions  metric.Int64Counter
	queueDepth          metric.Int64Gauge
}

// New builds a Provider. When config.Enabled is false the returned
// Provider records into a local-only SDK meter provider with no
// exporter attached, so RecordX calls are always safe to make.
func New(ctx context.Context, config Config) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("metrics: merge resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if config.Enabled {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
		if config.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("metrics: build otlp exporter: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	meter := mp.Meter("github.com/actiongate/gateway")

	p := &Provider{config: config, meterProvider: mp, meter: meter}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.dispatchTotal, err = p.meter.Int64Counter(
		"gateway.dispatch.total",
		metric.WithDescription("dispatched actions by outcome"),
	)
	if err != nil {
		return fmt.Errorf("metrics: dispatch.total: %w", err)
	}

	p.verdictTotal, err = p.meter.Int64Counter(
		"gateway.verdict.total",
		metric.WithDescription("rule verdicts by rule name and verdict kind"),
	)
	if err != nil {
		return fmt.Errorf("metrics: verdict.total: %w", err)
	}

	p.providerCallSeconds, err = p.meter.Float64Histogram(
		"gateway.provider.call.duration",
		metric.WithDescription("provider execute() latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return fmt.Errorf("metrics: provider.call.duration: %w", err)
	}

	p.breakerTransitions, err = p.meter.Int64Counter(
		"gateway.breaker.transitions",
		metric.WithDescription("circuit breaker state transitions by provider"),
	)
	if err != nil {
		return fmt.Errorf("metrics: breaker.transitions: %w", err)
	}

	p.queueDepth, err = p.meter.Int64Gauge(
		"gateway.queue.depth",
		metric.WithDescription("pending entries in a background-worker-owned table"),
	)
	if err != nil {
		return fmt.Errorf("metrics: queue.depth: %w", err)
	}

	return nil
}

// RecordDispatch records one dispatched action's final outcome.
func (p *Provider) RecordDispatch(ctx context.Context, tenant, provider, outcome string) {
	p.dispatchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordVerdict records one rule's evaluated verdict.
func (p *Provider) RecordVerdict(ctx context.Context, ruleName, verdict string) {
	p.verdictTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", ruleName),
		attribute.String("verdict", verdict),
	))
}

// RecordProviderCall records one provider.Execute call's latency and
// outcome.
func (p *Provider) RecordProviderCall(ctx context.Context, provider string, duration time.Duration, success bool) {
	p.providerCallSeconds.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordBreakerTransition records a circuit breaker state change; wire
// this into pkg/breaker.Registry.OnTransition.
func (p *Provider) RecordBreakerTransition(ctx context.Context, provider, from, to string) {
	p.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordQueueDepth reports the current pending count for a named
// background-worker table (e.g. "group", "approval", "chain",
// "scheduled").
func (p *Provider) RecordQueueDepth(ctx context.Context, table string, depth int64) {
	p.queueDepth.Record(ctx, depth, metric.WithAttributes(attribute.String("table", table)))
}

// Shutdown flushes and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}

// ForceFlush is exposed for tests and for graceful-shutdown paths that
// want to ensure pending metric points are exported before exit.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.meterProvider.ForceFlush(ctx)
}
