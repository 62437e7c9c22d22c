package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeRetryCounter     metric.Int64Counter
	nodeTimeoutCounter   metric.Int64Counter
	nodeSkipCounter      metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
	runCounter           metric.Int64Counter
	runLatencyHistogram  metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record pipeline node telemetry metrics.
type NodeMetrics struct {
	PipelineID      string
	PipelineVersion int
	NodeID          string
	NodeKind        string
	NodeVersion     string
	Outcome         runtime.NodeOutcome
	Duration        time.Duration
	Retries         int
}

// RunMetrics captures the fields recorded once a run reaches a terminal state.
type RunMetrics struct {
	PipelineID string
	Trigger    string
	State      domain.RunState
	Branch     string
	Duration   time.Duration
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.Int("pipeline.version", metrics.PipelineVersion),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.kind", metrics.NodeKind),
		attribute.String("node.version", metrics.NodeVersion),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		nodeRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	switch metrics.Outcome {
	case runtime.OutcomeTimeout:
		nodeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case runtime.OutcomeSkipped:
		nodeSkipCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRunMetrics counts a finished run and records its wall-clock duration.
func RecordRunMetrics(ctx context.Context, metrics RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.String("run.trigger", metrics.Trigger),
		attribute.String("run.state", string(metrics.State)),
	}
	if metrics.Branch != "" {
		attrs = append(attrs, attribute.String("run.branch", metrics.Branch))
	}

	runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if metrics.Duration > 0 {
		runLatencyHistogram.Record(ctx, metrics.Duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.flow")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"flow.node.executions_total",
			metric.WithDescription("Pipeline node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRetryCounter, metricsInitErr = meter.Int64Counter(
			"flow.node.retries_total",
			metric.WithDescription("Retry attempts performed by pipeline nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"flow.node.timeout_total",
			metric.WithDescription("Timeout outcomes emitted by nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeSkipCounter, metricsInitErr = meter.Int64Counter(
			"flow.node.skipped_total",
			metric.WithDescription("Nodes skipped because their branch was not selected"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"flow.run.total",
			metric.WithDescription("Finished pipeline runs partitioned by final state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.run.duration_seconds",
			metric.WithDescription("Wall-clock duration of pipeline runs"),
			metric.WithUnit("s"),
		)
	})

	return metricsInitErr
}
