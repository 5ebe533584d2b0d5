package usecase

import (
	"context"
	"log/slog"

	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/outbox/domain"
)

// RequeueRepository defines the repository operations used for operator requeues.
type RequeueRepository interface {
	Requeue(ctx context.Context, filter domain.RequeueFilter, note string) (int64, error)
}

// RequeueUseCase returns dead-lettered or failed outbox events to pending so
// the dispatcher picks them up again. Operator-driven, exposed via the CLI.
type RequeueUseCase struct {
	outboxRepo RequeueRepository
	logger     *slog.Logger
}

// NewRequeueUseCase creates a new RequeueUseCase.
func NewRequeueUseCase(outboxRepo RequeueRepository, logger *slog.Logger) *RequeueUseCase {
	return &RequeueUseCase{outboxRepo: outboxRepo, logger: logger}
}

// Requeue resets events matching the filter back to pending with a fresh retry
// budget, annotating their headers with the operator note.
func (u *RequeueUseCase) Requeue(ctx context.Context, filter domain.RequeueFilter, note string) (int64, error) {
	if filter.Status != domain.OutboxEventStatusDeadLetter && filter.Status != domain.OutboxEventStatusFailed {
		return 0, apperrors.Wrap(apperrors.ErrInvalidInput, "requeue supports dlq and failed statuses only")
	}
	if filter.Limit <= 0 {
		return 0, apperrors.Wrap(apperrors.ErrInvalidInput, "requeue limit must be positive")
	}

	count, err := u.outboxRepo.Requeue(ctx, filter, note)
	if err != nil {
		return 0, err
	}

	if u.logger != nil {
		u.logger.Info("requeued outbox events",
			slog.Int64("count", count),
			slog.String("status", string(filter.Status)),
			slog.String("note", note),
		)
	}

	return count, nil
}
