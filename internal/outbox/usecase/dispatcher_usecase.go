// Package usecase implements the outbox dispatcher: the background loop that
// drains pending outbox rows to the message broker under lease-based claims.
package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/allisson/relay/internal/broker"
	"github.com/allisson/relay/internal/database"
	apperrors "github.com/allisson/relay/internal/errors"
	lifecycleDomain "github.com/allisson/relay/internal/lifecycle/domain"
	"github.com/allisson/relay/internal/metrics"
	"github.com/allisson/relay/internal/outbox/domain"
	"github.com/allisson/relay/internal/retry"
)

// Config holds dispatcher configuration.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	BaseDelay    time.Duration
	JitterFactor float64
	LockTimeout  time.Duration
	WorkerID     string
	Stream       string
}

// OutboxEventRepository defines outbox event repository operations used by the dispatcher.
type OutboxEventRepository interface {
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]*domain.OutboxEvent, error)
	ReleaseExpired(ctx context.Context, lockTimeout time.Duration) (int64, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, workerID string) error
	MarkRetry(ctx context.Context, id uuid.UUID, workerID string, retries int, availableAt time.Time, lastError string) error
	MarkDeadLetter(ctx context.Context, id uuid.UUID, workerID string, retries int, lastError string) error
	CountPending(ctx context.Context) (int64, error)
}

// LifecycleTracker is the slice of the lifecycle tracker the dispatcher stamps through.
type LifecycleTracker interface {
	UpdateState(ctx context.Context, eventID uuid.UUID, state lifecycleDomain.State, actor, details string) error
	ReportStalled(ctx context.Context) error
}

// Dispatcher drains the outbox to the broker. Multiple replicas are safe:
// claiming is lease-based, and every terminal status flip is conditional on
// still holding the lease.
type Dispatcher struct {
	config              Config
	txManager           database.TxManager
	outboxRepo          OutboxEventRepository
	publisher           broker.Publisher
	deadLetterPublisher broker.Publisher
	lifecycle           LifecycleTracker
	metrics             metrics.PipelineMetrics
	limiter             *rate.Limiter
	logger              *slog.Logger
}

// NewDispatcher creates a new Dispatcher. The limiter is optional.
func NewDispatcher(
	config Config,
	txManager database.TxManager,
	outboxRepo OutboxEventRepository,
	publisher broker.Publisher,
	deadLetterPublisher broker.Publisher,
	lifecycle LifecycleTracker,
	pipelineMetrics metrics.PipelineMetrics,
	limiter *rate.Limiter,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		config:              config,
		txManager:           txManager,
		outboxRepo:          outboxRepo,
		publisher:           publisher,
		deadLetterPublisher: deadLetterPublisher,
		lifecycle:           lifecycle,
		metrics:             pipelineMetrics,
		limiter:             limiter,
		logger:              logger,
	}
}

// Start runs dispatch cycles on the poll interval until the context is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.logger != nil {
		d.logger.Info("starting outbox dispatcher",
			slog.String("worker_id", d.config.WorkerID),
			slog.Duration("poll_interval", d.config.PollInterval),
			slog.Int("batch_size", d.config.BatchSize),
		)
	}

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.logger != nil {
				d.logger.Info("stopping outbox dispatcher")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := d.RunCycle(ctx); err != nil {
				if d.logger != nil {
					d.logger.Error("dispatch cycle failed", slog.Any("error", err))
				}
			}
		}
	}
}

// RunCycle performs one dispatch pass: reclaim expired leases, report the
// backlog and stalled gauges, claim a batch, and publish each claimed event.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	released, err := d.outboxRepo.ReleaseExpired(ctx, d.config.LockTimeout)
	if err != nil {
		return err
	}
	if released > 0 && d.logger != nil {
		d.logger.Warn("reclaimed expired leases", slog.Int64("count", released))
	}

	backlog, err := d.outboxRepo.CountPending(ctx)
	if err != nil {
		return err
	}
	d.metrics.SetOutboxBacklog(ctx, backlog)

	// Stalled reporting is observability over another table; a failure there
	// must not block the dispatch pass.
	if err := d.lifecycle.ReportStalled(ctx); err != nil && d.logger != nil {
		d.logger.Error("failed to report stalled commands", slog.Any("error", err))
	}

	var events []*domain.OutboxEvent
	err = d.txManager.WithTx(ctx, func(ctx context.Context) error {
		var claimErr error
		events, claimErr = d.outboxRepo.ClaimBatch(ctx, d.config.WorkerID, d.config.BatchSize)
		return claimErr
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	if d.logger != nil {
		d.logger.Info("dispatching events", slog.Int("count", len(events)))
	}

	for _, event := range events {
		d.dispatchEvent(ctx, event)
	}

	return nil
}

// dispatchEvent publishes one claimed event and finalizes its status.
func (d *Dispatcher) dispatchEvent(ctx context.Context, event *domain.OutboxEvent) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	msg := broker.Message{
		Key:     event.MessageKey(),
		Value:   []byte(event.Payload),
		Headers: event.Headers,
	}

	start := time.Now()
	publishErr := d.publisher.Publish(ctx, msg)
	duration := time.Since(start)

	if publishErr != nil {
		d.metrics.RecordPublishDuration(ctx, event.EventType, duration, "error")
		d.handlePublishFailure(ctx, event, publishErr)
		return
	}

	d.metrics.RecordPublishDuration(ctx, event.EventType, duration, "success")

	if err := d.outboxRepo.MarkDelivered(ctx, event.ID, d.config.WorkerID); err != nil {
		// A lost lease means another worker reclaimed and redelivered the row;
		// finalizing here would double-count it.
		if apperrors.Is(err, apperrors.ErrLeaseLost) {
			if d.logger != nil {
				d.logger.Warn("lease lost before delivery mark",
					slog.String("event_id", event.ID.String()),
				)
			}
			return
		}
		if d.logger != nil {
			d.logger.Error("failed to mark event delivered",
				slog.String("event_id", event.ID.String()),
				slog.Any("error", err),
			)
		}
		return
	}

	d.stampLifecycle(ctx, event.ID, lifecycleDomain.StatePublished, "published to "+d.config.Stream)
}

// handlePublishFailure schedules a redelivery or parks the event in the DLQ
// once the retry budget is spent.
func (d *Dispatcher) handlePublishFailure(ctx context.Context, event *domain.OutboxEvent, publishErr error) {
	if d.logger != nil {
		d.logger.Error("failed to publish event",
			slog.String("event_id", event.ID.String()),
			slog.String("event_type", event.EventType),
			slog.Int("retries", event.Retries),
			slog.Any("error", publishErr),
		)
	}

	retries := event.Retries + 1

	if retries <= d.config.MaxRetries {
		delay := retry.Delay(retry.Config{
			BaseDelay:    d.config.BaseDelay,
			JitterFactor: d.config.JitterFactor,
		}, retries-1)
		availableAt := time.Now().UTC().Add(delay)

		err := d.outboxRepo.MarkRetry(ctx, event.ID, d.config.WorkerID, retries, availableAt, publishErr.Error())
		if err != nil && !apperrors.Is(err, apperrors.ErrLeaseLost) && d.logger != nil {
			d.logger.Error("failed to schedule retry",
				slog.String("event_id", event.ID.String()),
				slog.Any("error", err),
			)
		}

		d.metrics.RecordRetry(ctx, "dispatcher", "publish_failure")
		return
	}

	err := d.outboxRepo.MarkDeadLetter(ctx, event.ID, d.config.WorkerID, retries, publishErr.Error())
	if err != nil {
		// Lease lost: another worker owns the row now and will finalize it, so
		// emitting a dead letter here would duplicate it.
		if !apperrors.Is(err, apperrors.ErrLeaseLost) && d.logger != nil {
			d.logger.Error("failed to mark event dead-lettered",
				slog.String("event_id", event.ID.String()),
				slog.Any("error", err),
			)
		}
		return
	}

	d.emitDeadLetter(ctx, event, publishErr)
	d.stampLifecycle(ctx, event.ID, lifecycleDomain.StateDeadLetter, publishErr.Error())
	d.metrics.RecordDeadLetter(ctx, "retry_exhausted")
}

// emitDeadLetter publishes the dead-letter message for a DLQ-ed event.
func (d *Dispatcher) emitDeadLetter(ctx context.Context, event *domain.OutboxEvent, publishErr error) {
	deadLetter := domain.DeadLetter{
		FailureReason:  "publish retry budget exhausted",
		FailedAt:       time.Now().UTC(),
		OriginalTopic:  d.config.Stream,
		OriginalRecord: event,
		Error: domain.DeadLetterError{
			Name:    "PublishFailure",
			Message: publishErr.Error(),
		},
	}

	value, err := json.Marshal(deadLetter)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("failed to serialize dead letter",
				slog.String("event_id", event.ID.String()),
				slog.Any("error", err),
			)
		}
		return
	}

	msg := broker.Message{
		Key:   event.MessageKey(),
		Value: value,
		Headers: map[string]string{
			"event_type":     event.EventType,
			"original_topic": d.config.Stream,
		},
	}

	if err := d.deadLetterPublisher.Publish(ctx, msg); err != nil && d.logger != nil {
		// The row is already parked in the DLQ status; the requeue path can
		// replay it even without the dead-letter message.
		d.logger.Error("failed to publish dead letter",
			slog.String("event_id", event.ID.String()),
			slog.Any("error", err),
		)
	}
}

// stampLifecycle records a lifecycle transition, logging instead of failing
// the dispatch on tracker errors.
func (d *Dispatcher) stampLifecycle(
	ctx context.Context,
	eventID uuid.UUID,
	state lifecycleDomain.State,
	details string,
) {
	if err := d.lifecycle.UpdateState(ctx, eventID, state, d.config.WorkerID, details); err != nil {
		if d.logger != nil {
			d.logger.Error("failed to stamp lifecycle state",
				slog.String("event_id", eventID.String()),
				slog.String("state", string(state)),
				slog.Any("error", err),
			)
		}
	}
}
