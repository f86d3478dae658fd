// Package observability provides OpenTelemetry metrics exported in the
// Prometheus format.
package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles a meter provider with the handler serving its readings.
type Metrics struct {
	Provider metric.MeterProvider
	Handler  http.Handler
	shutdown func(context.Context) error
}

// InitMetrics creates a meter provider backed by its own Prometheus registry,
// so several providers can coexist in one process. When global is true the
// provider is also installed as the otel default.
func InitMetrics(global bool) (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	if global {
		otel.SetMeterProvider(provider)
	}

	return &Metrics{
		Provider: provider,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown: provider.Shutdown,
	}, nil
}

// Meter returns a named meter of the provider.
func (m *Metrics) Meter(name string) metric.Meter {
	return m.Provider.Meter(name)
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// MeterOrNoop returns the named meter of provider, or of the otel global
// provider when provider is nil.
func MeterOrNoop(provider metric.MeterProvider, name string) metric.Meter {
	if provider == nil {
		return otel.GetMeterProvider().Meter(name)
	}
	return provider.Meter(name)
}
