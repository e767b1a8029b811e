package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewPrometheusExporter creates a Prometheus-backed OTel MeterProvider and the
// [http.Handler] serving the /metrics scrape endpoint. Instruments created
// from the returned provider's meters appear on the handler. Each call uses an
// independent Prometheus registry to avoid collector conflicts.
func NewPrometheusExporter() (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(
		promexporter.WithRegisterer(registry),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// PrometheusHandler returns a standalone /metrics handler for callers that do
// not need the MeterProvider.
func PrometheusHandler() (http.Handler, error) {
	_, handler, err := NewPrometheusExporter()

	return handler, err
}
