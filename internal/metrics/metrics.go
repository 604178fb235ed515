// Package metrics records operational counters through an OpenTelemetry
// meter exported in Prometheus format.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Sink receives fire-and-forget measurements. Implementations never block
// on a remote destination and never report errors to the caller.
type Sink interface {
	UsageTracked(ctx context.Context, environment string, ok bool, errorType string)
	Decision(ctx context.Context, effect, reason string, duration time.Duration)
	ThresholdNotified(ctx context.Context, threshold int, outcome string)
}

// OtelSink is the Prometheus-backed Sink.
type OtelSink struct {
	provider *sdkmetric.MeterProvider
	registry *prom.Registry

	trackingSuccess metric.Int64Counter
	trackingFailure metric.Int64Counter
	decisions       metric.Int64Counter
	decisionLatency metric.Float64Histogram
	notifications   metric.Int64Counter
}

// New creates an OtelSink with its own Prometheus registry.
func New() (*OtelSink, error) {
	registry := prom.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("quota-authorizer")

	s := &OtelSink{provider: provider, registry: registry}

	if s.trackingSuccess, err = meter.Int64Counter(
		"UsageTrackingSuccess",
		metric.WithDescription("Usage recordings that completed all writes"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tracking success counter: %w", err)
	}

	if s.trackingFailure, err = meter.Int64Counter(
		"UsageTrackingFailure",
		metric.WithDescription("Usage recordings with at least one failed write"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tracking failure counter: %w", err)
	}

	if s.decisions, err = meter.Int64Counter(
		"authorization_decisions_total",
		metric.WithDescription("Authorization decisions by effect and reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	if s.decisionLatency, err = meter.Float64Histogram(
		"authorization_duration_seconds",
		metric.WithDescription("Time to render an authorization decision"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	if s.notifications, err = meter.Int64Counter(
		"threshold_notifications_total",
		metric.WithDescription("Threshold notifications by threshold and delivery outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	return s, nil
}

func (s *OtelSink) UsageTracked(ctx context.Context, environment string, ok bool, errorType string) {
	if ok {
		s.trackingSuccess.Add(ctx, 1, metric.WithAttributes(attribute.String("environment", environment)))
		return
	}

	s.trackingFailure.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", environment),
		attribute.String("error_type", errorType),
	))
}

func (s *OtelSink) Decision(ctx context.Context, effect, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("effect", effect),
		attribute.String("reason", reason),
	)
	s.decisions.Add(ctx, 1, attrs)
	s.decisionLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("effect", effect)))
}

func (s *OtelSink) ThresholdNotified(ctx context.Context, threshold int, outcome string) {
	s.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("threshold", strconv.Itoa(threshold)),
		attribute.String("outcome", outcome),
	))
}

// Handler serves the registry in Prometheus text format.
func (s *OtelSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *OtelSink) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}

// Noop discards everything.
type Noop struct{}

func (Noop) UsageTracked(context.Context, string, bool, string)     {}
func (Noop) Decision(context.Context, string, string, time.Duration) {}
func (Noop) ThresholdNotified(context.Context, int, string)         {}
