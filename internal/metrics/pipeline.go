package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics defines the observability surface of the dispatch pipeline:
// retry and dead-letter counters, publish latency, backlog and lag gauges, and
// lifecycle checkpoint tracking.
type PipelineMetrics interface {
	// RecordRetry counts one scheduled retry for a component ("dispatcher",
	// "retry_worker") with the failure reason.
	RecordRetry(ctx context.Context, component, reason string)

	// RecordDeadLetter counts one event parked in the DLQ with its reason.
	RecordDeadLetter(ctx context.Context, reason string)

	// RecordPublishDuration records how long one broker publish took.
	RecordPublishDuration(ctx context.Context, eventType string, duration time.Duration, status string)

	// RecordLifecycleCheckpoint counts one lifecycle transition by state and
	// stamping source.
	RecordLifecycleCheckpoint(ctx context.Context, state, source string)

	// SetOutboxBacklog reports the current count of pending outbox rows.
	SetOutboxBacklog(ctx context.Context, size int64)

	// SetConsumerLag reports the broker consumer group's undelivered entries.
	SetConsumerLag(ctx context.Context, group string, lag int64)

	// SetStalled reports the number of commands whose last lifecycle
	// transition is older than the staleness threshold, by state.
	SetStalled(ctx context.Context, state string, count int64)
}

// pipelineMetrics implements PipelineMetrics using OpenTelemetry metrics.
type pipelineMetrics struct {
	retryCounter      metric.Int64Counter
	deadLetterCounter metric.Int64Counter
	publishHisto      metric.Float64Histogram
	checkpointCounter metric.Int64Counter
	backlogGauge      metric.Int64Gauge
	lagGauge          metric.Int64Gauge
	stalledGauge      metric.Int64Gauge
}

// NewPipelineMetrics creates a PipelineMetrics implementation using the provided meter provider.
// The namespace parameter is used as a prefix for all metric names (e.g., "relay").
func NewPipelineMetrics(meterProvider metric.MeterProvider, namespace string) (PipelineMetrics, error) {
	meter := meterProvider.Meter(namespace)

	retryCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_retry_attempts_total", namespace),
		metric.WithDescription("Total number of scheduled retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	deadLetterCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_dead_letter_total", namespace),
		metric.WithDescription("Total number of events parked in the DLQ"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead letter counter: %w", err)
	}

	publishHisto, err := meter.Float64Histogram(
		fmt.Sprintf("%s_publish_duration_seconds", namespace),
		metric.WithDescription("Duration of broker publishes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish duration histogram: %w", err)
	}

	checkpointCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_lifecycle_checkpoints_total", namespace),
		metric.WithDescription("Total number of lifecycle transitions stamped"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint counter: %w", err)
	}

	backlogGauge, err := meter.Int64Gauge(
		fmt.Sprintf("%s_outbox_backlog", namespace),
		metric.WithDescription("Count of pending outbox rows awaiting dispatch"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backlog gauge: %w", err)
	}

	lagGauge, err := meter.Int64Gauge(
		fmt.Sprintf("%s_consumer_lag", namespace),
		metric.WithDescription("Broker consumer group undelivered entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer lag gauge: %w", err)
	}

	stalledGauge, err := meter.Int64Gauge(
		fmt.Sprintf("%s_lifecycle_stalled", namespace),
		metric.WithDescription("Commands whose last lifecycle transition exceeds the staleness threshold"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stalled gauge: %w", err)
	}

	return &pipelineMetrics{
		retryCounter:      retryCounter,
		deadLetterCounter: deadLetterCounter,
		publishHisto:      publishHisto,
		checkpointCounter: checkpointCounter,
		backlogGauge:      backlogGauge,
		lagGauge:          lagGauge,
		stalledGauge:      stalledGauge,
	}, nil
}

// RecordRetry increments the retry counter with component and reason labels.
func (p *pipelineMetrics) RecordRetry(ctx context.Context, component, reason string) {
	p.retryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("reason", reason),
		),
	)
}

// RecordDeadLetter increments the dead-letter counter with a reason label.
func (p *pipelineMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	p.deadLetterCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
		),
	)
}

// RecordPublishDuration records the publish duration in seconds.
func (p *pipelineMetrics) RecordPublishDuration(
	ctx context.Context,
	eventType string,
	duration time.Duration,
	status string,
) {
	p.publishHisto.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("status", status),
		),
	)
}

// RecordLifecycleCheckpoint increments the checkpoint counter with state and source labels.
func (p *pipelineMetrics) RecordLifecycleCheckpoint(ctx context.Context, state, source string) {
	p.checkpointCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state", state),
			attribute.String("source", source),
		),
	)
}

// SetOutboxBacklog reports the current backlog size.
func (p *pipelineMetrics) SetOutboxBacklog(ctx context.Context, size int64) {
	p.backlogGauge.Record(ctx, size)
}

// SetConsumerLag reports the consumer group lag.
func (p *pipelineMetrics) SetConsumerLag(ctx context.Context, group string, lag int64) {
	p.lagGauge.Record(ctx, lag,
		metric.WithAttributes(
			attribute.String("group", group),
		),
	)
}

// SetStalled reports the stalled-command count for one state.
func (p *pipelineMetrics) SetStalled(ctx context.Context, state string, count int64) {
	p.stalledGauge.Record(ctx, count,
		metric.WithAttributes(
			attribute.String("state", state),
		),
	)
}

// NoOpPipelineMetrics is a no-op implementation of PipelineMetrics for when metrics are disabled.
type NoOpPipelineMetrics struct{}

// NewNoOpPipelineMetrics creates a no-op PipelineMetrics implementation.
func NewNoOpPipelineMetrics() PipelineMetrics {
	return &NoOpPipelineMetrics{}
}

// RecordRetry does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) RecordRetry(ctx context.Context, component, reason string) {
	// No-op
}

// RecordDeadLetter does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	// No-op
}

// RecordPublishDuration does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) RecordPublishDuration(
	ctx context.Context,
	eventType string,
	duration time.Duration,
	status string,
) {
	// No-op
}

// RecordLifecycleCheckpoint does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) RecordLifecycleCheckpoint(ctx context.Context, state, source string) {
	// No-op
}

// SetOutboxBacklog does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) SetOutboxBacklog(ctx context.Context, size int64) {
	// No-op
}

// SetConsumerLag does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) SetConsumerLag(ctx context.Context, group string, lag int64) {
	// No-op
}

// SetStalled does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) SetStalled(ctx context.Context, state string, count int64) {
	// No-op
}
