// Package telemetry wires OpenTelemetry metrics to a Prometheus registry
// that the health server exposes on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope of every burrow instrument.
const MeterName = "github.com/dyluth/burrow"

// Provider owns the meter provider and the registry it exports to.
type Provider struct {
	meterProvider metric.MeterProvider
	registry      *promclient.Registry
	shutdown      func(context.Context) error
}

// New creates a Prometheus-backed provider with its own registry, so
// several nodes in one process (tests) do not collide.
func New() (*Provider, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{
		meterProvider: mp,
		registry:      registry,
		shutdown:      mp.Shutdown,
	}, nil
}

// Noop returns a provider whose instruments record nothing.
func Noop() *Provider {
	return &Provider{
		meterProvider: noop.NewMeterProvider(),
		shutdown:      func(context.Context) error { return nil },
	}
}

// Meter returns the burrow meter.
func (p *Provider) Meter() metric.Meter {
	return p.meterProvider.Meter(MeterName)
}

// Handler serves the Prometheus exposition format. A no-op provider
// serves 404.
func (p *Provider) Handler() http.Handler {
	if p.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
