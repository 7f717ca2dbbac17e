// Package telemetry provides OpenTelemetry instrumentation for agentd.
//
// It wires the SDK meter provider to a Prometheus exporter and exposes the
// scrape handler. Telemetry failures do not crash the daemon; they degrade
// gracefully to no-op instruments.
package telemetry

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// Telemetry manages the meter provider and the Prometheus registry.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	registry      *prometheus.Registry

	degraded atomic.Bool
}

// New creates a Telemetry instance and installs the global meter provider.
//
// If observability is disabled in config, returns a no-op instance whose
// Handler still serves an empty registry.
func New(_ context.Context, cfg config.ObservabilityConfig) (*Telemetry, error) {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
	}

	if !cfg.Enabled {
		return t, nil
	}

	// Schemaless so the merge cannot conflict with the SDK default
	// resource's schema version.
	res := resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName))

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		t.degraded.Store(true)
		return t, nil
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)

	return t, nil
}

// Handler returns the Prometheus scrape handler for the daemon registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Degraded reports whether provider initialization failed.
func (t *Telemetry) Degraded() bool {
	return t.degraded.Load()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.meterProvider == nil {
		return nil
	}
	return t.meterProvider.Shutdown(ctx)
}
