// Package usecase implements the stream consumer: the downstream half of the
// pipeline that reads published commands from the broker and stamps the
// post-publish lifecycle states.
package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/relay/internal/broker"
	apperrors "github.com/allisson/relay/internal/errors"
	lifecycleDomain "github.com/allisson/relay/internal/lifecycle/domain"
	"github.com/allisson/relay/internal/metrics"
)

// Config holds consumer configuration.
type Config struct {
	Stream       string
	Group        string
	ConsumerName string
	BatchSize    int64
	BlockTimeout time.Duration
}

// StreamConsumer defines the consumer-group operations used by the consumer.
type StreamConsumer interface {
	Init(ctx context.Context) error
	Fetch(ctx context.Context, count, blockMillis int64) ([]broker.InboundMessage, error)
	Ack(ctx context.Context, streamID string) error
}

// LagReporter reports the consumer group's undelivered entry count.
type LagReporter interface {
	Lag(ctx context.Context, stream, group string) (int64, error)
}

// LifecycleTracker is the slice of the lifecycle tracker the consumer stamps through.
type LifecycleTracker interface {
	UpdateState(ctx context.Context, eventID uuid.UUID, state lifecycleDomain.State, actor, details string) error
}

// Consumer reads the command stream through a consumer group and stamps
// CONSUMED then APPLIED for each delivered event. Delivery is at-least-once
// and lifecycle re-stamps are idempotent, so redeliveries are harmless.
type Consumer struct {
	config    Config
	stream    StreamConsumer
	lag       LagReporter
	lifecycle LifecycleTracker
	metrics   metrics.PipelineMetrics
	logger    *slog.Logger
}

// NewConsumer creates a new Consumer. The lag reporter is optional.
func NewConsumer(
	config Config,
	stream StreamConsumer,
	lag LagReporter,
	lifecycle LifecycleTracker,
	pipelineMetrics metrics.PipelineMetrics,
	logger *slog.Logger,
) *Consumer {
	return &Consumer{
		config:    config,
		stream:    stream,
		lag:       lag,
		lifecycle: lifecycle,
		metrics:   pipelineMetrics,
		logger:    logger,
	}
}

// Start initializes the consumer group and processes messages until the
// context is done.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.stream.Init(ctx); err != nil {
		return err
	}

	if c.logger != nil {
		c.logger.Info("starting consumer",
			slog.String("stream", c.config.Stream),
			slog.String("group", c.config.Group),
			slog.String("consumer", c.config.ConsumerName),
		)
	}

	for {
		select {
		case <-ctx.Done():
			if c.logger != nil {
				c.logger.Info("stopping consumer")
			}
			return ctx.Err()
		default:
		}

		if err := c.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.logger != nil {
				c.logger.Error("consume cycle failed", slog.Any("error", err))
			}
		}
	}
}

// RunCycle fetches one batch, stamps lifecycle states, acks, and reports lag.
func (c *Consumer) RunCycle(ctx context.Context) error {
	messages, err := c.stream.Fetch(ctx, c.config.BatchSize, c.config.BlockTimeout.Milliseconds())
	if err != nil {
		return err
	}

	for _, msg := range messages {
		c.processMessage(ctx, msg)
	}

	c.reportLag(ctx)

	return nil
}

// processMessage stamps CONSUMED then APPLIED for one delivered event and
// acknowledges it. Messages without a usable event_id header are acked and
// skipped: redelivering them cannot make them addressable.
func (c *Consumer) processMessage(ctx context.Context, msg broker.InboundMessage) {
	eventID, err := uuid.Parse(msg.Headers["event_id"])
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("skipping message without event id",
				slog.String("stream_id", msg.StreamID),
				slog.String("event_type", msg.Headers["event_type"]),
			)
		}
		c.ack(ctx, msg.StreamID)
		return
	}

	if err := c.stamp(ctx, eventID, lifecycleDomain.StateConsumed, "consumed from "+c.config.Stream); err != nil {
		// Leave the message pending so it is redelivered after the stamp's
		// cause clears.
		return
	}

	if err := c.stamp(ctx, eventID, lifecycleDomain.StateApplied, "applied by "+c.config.ConsumerName); err != nil {
		return
	}

	c.ack(ctx, msg.StreamID)
}

// stamp records one lifecycle transition. A missing lifecycle record means the
// event was never persisted through the gateway; stamping is skipped but the
// message still acks.
func (c *Consumer) stamp(ctx context.Context, eventID uuid.UUID, state lifecycleDomain.State, details string) error {
	err := c.lifecycle.UpdateState(ctx, eventID, state, c.config.ConsumerName, details)
	if err == nil {
		return nil
	}

	if apperrors.Is(err, apperrors.ErrNotFound) {
		if c.logger != nil {
			c.logger.Warn("no lifecycle record for delivered event",
				slog.String("event_id", eventID.String()),
				slog.String("state", string(state)),
			)
		}
		return nil
	}

	if c.logger != nil {
		c.logger.Error("failed to stamp lifecycle state",
			slog.String("event_id", eventID.String()),
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
	}

	return err
}

// ack acknowledges one message, logging failures.
func (c *Consumer) ack(ctx context.Context, streamID string) {
	if err := c.stream.Ack(ctx, streamID); err != nil && c.logger != nil {
		c.logger.Error("failed to ack message",
			slog.String("stream_id", streamID),
			slog.Any("error", err),
		)
	}
}

// reportLag updates the consumer lag gauge when a lag reporter is wired.
func (c *Consumer) reportLag(ctx context.Context) {
	if c.lag == nil {
		return
	}

	lag, err := c.lag.Lag(ctx, c.config.Stream, c.config.Group)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("failed to read consumer lag", slog.Any("error", err))
		}
		return
	}

	c.metrics.SetConsumerLag(ctx, c.config.Group, lag)
}
