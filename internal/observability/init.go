package observability

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Names for the process-wide tracer and meter.
const (
	tracerName = "surveyforge"
	meterName  = "surveyforge"
)

// Providers holds the initialized observability providers.
type Providers struct {
	// Tracer is the named tracer for creating spans.
	Tracer trace.Tracer

	// Meter is the named meter for creating instruments.
	Meter metric.Meter

	// Logger is the structured process logger.
	Logger *slog.Logger

	// MetricsHandler serves the /metrics scrape endpoint.
	MetricsHandler http.Handler

	// Shutdown flushes pending telemetry and releases resources.
	// Must be called before process exit.
	Shutdown func(ctx context.Context) error
}

// Init initializes metrics and structured logging. Metrics are served through
// a process-local Prometheus registry; tracing is a no-op provider until an
// exporter is configured in front of it.
func Init(cfg Config) (Providers, error) {
	provider, handler, err := NewPrometheusExporter()
	if err != nil {
		return Providers{}, err
	}

	shutdown := func(shutdownCtx context.Context) error {
		timeoutDur := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
		if timeoutDur <= 0 {
			timeoutDur = time.Duration(defaultShutdownTimeoutSec) * time.Second
		}

		deadlineCtx, cancel := context.WithTimeout(shutdownCtx, timeoutDur)
		defer cancel()

		return provider.Shutdown(deadlineCtx)
	}

	return Providers{
		Tracer:         nooptrace.NewTracerProvider().Tracer(tracerName),
		Meter:          provider.Meter(meterName),
		Logger:         buildLogger(cfg),
		MetricsHandler: handler,
		Shutdown:       shutdown,
	}, nil
}

// buildLogger creates the process logger, tagged with the service identity so
// multi-service log streams stay attributable.
func buildLogger(cfg Config) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	logger := slog.New(inner).With(slog.String("service", cfg.ServiceName))

	if cfg.Mode != "" {
		logger = logger.With(slog.String("mode", string(cfg.Mode)))
	}

	if cfg.Environment != "" {
		logger = logger.With(slog.String("env", cfg.Environment))
	}

	return logger
}
