package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRequestsTotal    = "surveyforge.requests.total"
	metricRequestDuration  = "surveyforge.request.duration.seconds"
	metricErrorsTotal      = "surveyforge.errors.total"
	metricInflightRequests = "surveyforge.inflight.requests"
	metricQueueDepth       = "surveyforge.pipeline.queue.depth"
	metricTasksByState     = "surveyforge.tasks.by_state"

	attrOp     = "op"
	attrStatus = "status"
	attrNode   = "node"
	attrState  = "state"

	statusError = "error"
)

// durationBucketBoundaries covers 10ms to 600s: HTTP handlers answer in
// milliseconds while generation stages run for minutes.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// REDMetrics holds the OTel instruments for Rate, Error, Duration metrics.
type REDMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter
}

// NewREDMetrics creates RED metric instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	requests, reqErr := mt.Int64Counter(metricRequestsTotal,
		metric.WithDescription("Total number of requests"),
		metric.WithUnit("{request}"))

	duration, durErr := mt.Float64Histogram(metricRequestDuration,
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...))

	failures, failErr := mt.Int64Counter(metricErrorsTotal,
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"))

	inflight, infErr := mt.Int64UpDownCounter(metricInflightRequests,
		metric.WithDescription("Number of in-flight requests"),
		metric.WithUnit("{request}"))

	err := errors.Join(reqErr, durErr, failErr, infErr)
	if err != nil {
		return nil, fmt.Errorf("create request instruments: %w", err)
	}

	return &REDMetrics{
		requestsTotal:    requests,
		requestDuration:  duration,
		errorsTotal:      failures,
		inflightRequests: inflight,
	}, nil
}

// RecordRequest records a completed request with its operation, status, and duration.
func (rm *REDMetrics) RecordRequest(ctx context.Context, op, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrStatus, status),
	)

	rm.requestsTotal.Add(ctx, 1, attrs)
	rm.requestDuration.Record(ctx, duration.Seconds(), attrs)

	if status == statusError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrOp, op),
		))
	}
}

// TrackInflight increments the in-flight gauge and returns a function to decrement it.
func (rm *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	attrs := metric.WithAttributes(attribute.String(attrOp, op))
	rm.inflightRequests.Add(ctx, 1, attrs)

	return func() {
		rm.inflightRequests.Add(ctx, -1, attrs)
	}
}

// NodeSnapshot is one pipeline node's queue observation.
type NodeSnapshot struct {
	Name      string
	QueueSize int
}

// SnapshotFunc returns the current pipeline queue depths and task counts per
// state. Called by the SDK on every metrics collection cycle.
type SnapshotFunc func(ctx context.Context) ([]NodeSnapshot, map[string]int)

// RegisterPipelineGauges exposes the per-node input queue depth and the task
// count per lifecycle state as observable gauges backed by snapshot.
func RegisterPipelineGauges(mt metric.Meter, snapshot SnapshotFunc) error {
	queueDepth, depthErr := mt.Int64ObservableGauge(metricQueueDepth,
		metric.WithDescription("Current input queue depth per node"),
		metric.WithUnit("{item}"))

	tasksByState, stateErr := mt.Int64ObservableGauge(metricTasksByState,
		metric.WithDescription("Task records per lifecycle state"),
		metric.WithUnit("{task}"))

	err := errors.Join(depthErr, stateErr)
	if err != nil {
		return fmt.Errorf("create pipeline gauges: %w", err)
	}

	_, err = mt.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		nodes, states := snapshot(ctx)

		for _, n := range nodes {
			o.ObserveInt64(queueDepth, int64(n.QueueSize),
				metric.WithAttributes(attribute.String(attrNode, n.Name)))
		}

		for state, count := range states {
			o.ObserveInt64(tasksByState, int64(count),
				metric.WithAttributes(attribute.String(attrState, state)))
		}

		return nil
	}, queueDepth, tasksByState)
	if err != nil {
		return fmt.Errorf("register pipeline gauge callback: %w", err)
	}

	return nil
}
