package observability

import (
	"context"
	"fmt"
	"math"
	runtimemetrics "runtime/metrics"

	"go.opentelemetry.io/otel/metric"
)

const (
	metricGoroutines = "surveyforge.runtime.goroutines"
	metricThreads    = "surveyforge.runtime.threads"

	sampleGoroutines = "/sched/goroutines:goroutines"
	sampleThreads    = "/sched/threads:threads"
)

// RegisterRuntimeGauges exposes scheduler load as observable gauges: live
// goroutine and OS thread counts, read from runtime/metrics on each metrics
// collection cycle. A growing goroutine count with a flat thread count is the
// signature of watcher leaks in the task manager.
func RegisterRuntimeGauges(mt metric.Meter) error {
	goroutines, gErr := mt.Int64ObservableGauge(metricGoroutines,
		metric.WithDescription("Current number of live goroutines"),
		metric.WithUnit("{goroutine}"))
	if gErr != nil {
		return fmt.Errorf("create %s: %w", metricGoroutines, gErr)
	}

	threads, tErr := mt.Int64ObservableGauge(metricThreads,
		metric.WithDescription("Current number of OS threads created by the Go runtime"),
		metric.WithUnit("{thread}"))
	if tErr != nil {
		return fmt.Errorf("create %s: %w", metricThreads, tErr)
	}

	_, err := mt.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		samples := []runtimemetrics.Sample{
			{Name: sampleGoroutines},
			{Name: sampleThreads},
		}
		runtimemetrics.Read(samples)

		obs.ObserveInt64(goroutines, clampedSample(samples[0]))
		obs.ObserveInt64(threads, clampedSample(samples[1]))

		return nil
	}, goroutines, threads)
	if err != nil {
		return fmt.Errorf("register runtime gauge callback: %w", err)
	}

	return nil
}

// clampedSample converts a runtime/metrics counter sample to int64. Both
// scheduler samples are KindUint64; anything else reads as zero.
func clampedSample(s runtimemetrics.Sample) int64 {
	if s.Value.Kind() != runtimemetrics.KindUint64 {
		return 0
	}

	v := s.Value.Uint64()
	if v > uint64(math.MaxInt64) {
		return math.MaxInt64
	}

	return int64(v)
}
