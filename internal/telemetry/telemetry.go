// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and defines the governance instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Register W3C Trace Context and Baggage propagators.
	// Incoming traceparent/tracestate/baggage headers are extracted by the
	// HTTP middleware.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Governance holds the counters and histograms of the governance loop.
// The zero value is not usable; use NewGovernance.
type Governance struct {
	amendmentsCreated metric.Int64Counter
	reverts           metric.Int64Counter
	escalations       metric.Int64Counter
	safetyViolations  metric.Int64Counter
	reviewDuration    metric.Float64Histogram
}

// NewGovernance creates the governance instruments on meter. A nil meter
// uses the global meter provider.
func NewGovernance(meter metric.Meter) *Governance {
	if meter == nil {
		meter = Meter("governor")
	}
	created, _ := meter.Int64Counter("governor.amendments.created",
		metric.WithDescription("Amendments persisted, by approval status"),
	)
	reverts, _ := meter.Int64Counter("governor.amendments.reverted",
		metric.WithDescription("Forced reversions, by rule"),
	)
	escalations, _ := meter.Int64Counter("governor.escalations.created",
		metric.WithDescription("Escalations routed to a human, by type"),
	)
	violations, _ := meter.Int64Counter("governor.safety.violations",
		metric.WithDescription("Safety constraint violations, by constraint"),
	)
	review, _ := meter.Float64Histogram("governor.review.duration",
		metric.WithDescription("Duration of one review cycle (ms)"),
		metric.WithUnit("ms"),
	)
	return &Governance{
		amendmentsCreated: created,
		reverts:           reverts,
		escalations:       escalations,
		safetyViolations:  violations,
		reviewDuration:    review,
	}
}

// AmendmentCreated counts one persisted amendment.
func (g *Governance) AmendmentCreated(ctx context.Context, agent, approvalStatus string) {
	g.amendmentsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("approval_status", approvalStatus),
	))
}

// Reverted counts one forced reversion.
func (g *Governance) Reverted(ctx context.Context, agent, rule string) {
	g.reverts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("rule", rule),
	))
}

// Escalated counts one escalation.
func (g *Governance) Escalated(ctx context.Context, agent, escalationType string) {
	g.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("type", escalationType),
	))
}

// SafetyViolation counts one safety violation.
func (g *Governance) SafetyViolation(ctx context.Context, agent, constraint string) {
	g.safetyViolations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("constraint", constraint),
	))
}

// ReviewFinished records the duration of a review cycle.
func (g *Governance) ReviewFinished(ctx context.Context, d time.Duration, agents int) {
	g.reviewDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.Int("agents", agents),
	))
}
