// Package usecase implements the idempotency retry worker: the background loop
// that re-executes failed command handler invocations under claim leases.
package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/relay/internal/command"
	commandDomain "github.com/allisson/relay/internal/command/domain"
	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/idempotency/domain"
	lifecycleDomain "github.com/allisson/relay/internal/lifecycle/domain"
	"github.com/allisson/relay/internal/metrics"
)

// WorkerConfig holds retry worker configuration.
type WorkerConfig struct {
	SweepInterval time.Duration
	BatchSize     int
	MaxRetries    int
	ClaimTimeout  time.Duration
	WorkerID      string
}

// IdempotencyRepository defines the repository operations used by the retry worker.
type IdempotencyRepository interface {
	ClaimFailedBatch(
		ctx context.Context,
		workerID string,
		limit int,
		claimTimeout time.Duration,
		maxRetries int,
	) ([]*domain.IdempotencyRecord, error)
	MarkAcked(
		ctx context.Context,
		id uuid.UUID,
		workerID string,
		resultEventID uuid.UUID,
		correlationID string,
		responsePayload string,
	) error
	MarkFailedAttempt(ctx context.Context, id uuid.UUID, workerID string, retries int, lastError string) error
}

// LifecycleTracker is the slice of the lifecycle tracker the worker stamps through.
type LifecycleTracker interface {
	UpdateState(ctx context.Context, eventID uuid.UUID, state lifecycleDomain.State, actor, details string) error
}

// RetryWorker sweeps failed idempotency records and re-invokes their command
// handlers. Handlers are required to be idempotent, so re-executing a command
// whose previous attempt partially succeeded is safe. Claims are lease-based;
// a crashed worker's claims expire after the claim timeout.
type RetryWorker struct {
	config    WorkerConfig
	repo      IdempotencyRepository
	registry  *command.Registry
	lifecycle LifecycleTracker
	metrics   metrics.PipelineMetrics
	logger    *slog.Logger
}

// NewRetryWorker creates a new RetryWorker.
func NewRetryWorker(
	config WorkerConfig,
	repo IdempotencyRepository,
	registry *command.Registry,
	lifecycle LifecycleTracker,
	pipelineMetrics metrics.PipelineMetrics,
	logger *slog.Logger,
) *RetryWorker {
	return &RetryWorker{
		config:    config,
		repo:      repo,
		registry:  registry,
		lifecycle: lifecycle,
		metrics:   pipelineMetrics,
		logger:    logger,
	}
}

// Start runs sweeps on the sweep interval until the context is done.
func (w *RetryWorker) Start(ctx context.Context) error {
	if w.logger != nil {
		w.logger.Info("starting retry worker",
			slog.String("worker_id", w.config.WorkerID),
			slog.Duration("sweep_interval", w.config.SweepInterval),
			slog.Int("batch_size", w.config.BatchSize),
		)
	}

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if w.logger != nil {
				w.logger.Info("stopping retry worker")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				if w.logger != nil {
					w.logger.Error("retry sweep failed", slog.Any("error", err))
				}
			}
		}
	}
}

// Sweep claims a batch of failed records still inside their retry budget and
// re-executes each one. Backoff between attempts on the same record comes from
// the sweep interval itself.
func (w *RetryWorker) Sweep(ctx context.Context) error {
	records, err := w.repo.ClaimFailedBatch(
		ctx, w.config.WorkerID, w.config.BatchSize, w.config.ClaimTimeout, w.config.MaxRetries)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return nil
	}

	if w.logger != nil {
		w.logger.Info("retrying failed commands", slog.Int("count", len(records)))
	}

	for _, record := range records {
		w.retryRecord(ctx, record)
	}

	return nil
}

// retryRecord re-executes one failed command.
func (w *RetryWorker) retryRecord(ctx context.Context, record *domain.IdempotencyRecord) {
	var envelope commandDomain.CommandEnvelope
	if err := json.Unmarshal([]byte(record.Payload), &envelope); err != nil {
		w.failAttempt(ctx, record, apperrors.Wrap(err, "failed to decode command envelope"))
		return
	}

	handler, err := w.registry.Resolve(record.CommandType)
	if err != nil {
		w.failAttempt(ctx, record, err)
		return
	}

	w.stampLifecycle(ctx, record, lifecycleDomain.StateInProgress, "retry attempt")

	result, err := handler.Handle(ctx, envelope)
	if err != nil {
		w.failAttempt(ctx, record, err)
		return
	}

	err = w.repo.MarkAcked(ctx, record.ID, w.config.WorkerID,
		result.EventID, result.CorrelationID, string(result.Response))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrLeaseLost) {
			if w.logger != nil {
				w.logger.Warn("claim lost before ack",
					slog.String("record_id", record.ID.String()),
				)
			}
			return
		}
		if w.logger != nil {
			w.logger.Error("failed to ack record",
				slog.String("record_id", record.ID.String()),
				slog.Any("error", err),
			)
		}
		return
	}

	w.stampLifecycle(ctx, record, lifecycleDomain.StateApplied, "applied after retry")
}

// failAttempt burns one retry and records the failure. When the budget is
// spent the record stays failed and is never claimed again; operators see it
// via the dead-letter counter.
func (w *RetryWorker) failAttempt(ctx context.Context, record *domain.IdempotencyRecord, cause error) {
	retries := record.Retries + 1

	if w.logger != nil {
		w.logger.Error("command retry failed",
			slog.String("record_id", record.ID.String()),
			slog.String("command_type", record.CommandType),
			slog.Int("retries", retries),
			slog.Any("error", cause),
		)
	}

	err := w.repo.MarkFailedAttempt(ctx, record.ID, w.config.WorkerID, retries, cause.Error())
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrLeaseLost) && w.logger != nil {
			w.logger.Error("failed to record retry attempt",
				slog.String("record_id", record.ID.String()),
				slog.Any("error", err),
			)
		}
		return
	}

	w.metrics.RecordRetry(ctx, "retry_worker", "handler_failure")

	if retries >= w.config.MaxRetries {
		w.stampLifecycle(ctx, record, lifecycleDomain.StateDeadLetter, cause.Error())
		w.metrics.RecordDeadLetter(ctx, "handler_retry_exhausted")
		return
	}

	w.stampLifecycle(ctx, record, lifecycleDomain.StateFailed, cause.Error())
}

// stampLifecycle records a lifecycle transition for the record's result event,
// logging instead of failing the retry on tracker errors. Records whose first
// attempt failed before an outbox event existed have no lifecycle row to stamp.
func (w *RetryWorker) stampLifecycle(
	ctx context.Context,
	record *domain.IdempotencyRecord,
	state lifecycleDomain.State,
	details string,
) {
	if record.ResultEventID == nil {
		return
	}

	err := w.lifecycle.UpdateState(ctx, *record.ResultEventID, state, w.config.WorkerID, details)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		if w.logger != nil {
			w.logger.Error("failed to stamp lifecycle state",
				slog.String("record_id", record.ID.String()),
				slog.String("state", string(state)),
				slog.Any("error", err),
			)
		}
	}
}
