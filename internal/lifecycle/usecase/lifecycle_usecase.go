// Package usecase implements the lifecycle tracker: the append-only audit
// trail of processing milestones for every accepted command.
package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/relay/internal/lifecycle/domain"
	"github.com/allisson/relay/internal/metrics"
)

// LifecycleRepository defines lifecycle record repository operations.
type LifecycleRepository interface {
	Create(ctx context.Context, record *domain.LifecycleRecord) error
	AppendTransition(ctx context.Context, eventID uuid.UUID, transition domain.Transition) error
	GetByEventID(ctx context.Context, eventID uuid.UUID) (*domain.LifecycleRecord, error)
	CountStalled(ctx context.Context, threshold time.Duration) ([]domain.StalledCount, error)
}

// TrackingContext carries the command identity stamped on a new lifecycle record.
type TrackingContext struct {
	TenantID    string
	ResourceID  *string
	CommandName string
	Actor       string
	Metadata    map[string]string
}

// Tracker defines the interface for lifecycle tracking. No transition table is
// enforced: any state may follow any state in the log, and re-stamping the
// same state is idempotent.
type Tracker interface {
	RecordPersisted(ctx context.Context, eventID uuid.UUID, tc TrackingContext) error
	UpdateState(ctx context.Context, eventID uuid.UUID, state domain.State, actor, details string) error
	Get(ctx context.Context, eventID uuid.UUID) (*domain.LifecycleRecord, error)
	ReportStalled(ctx context.Context) error
}

// LifecycleTracker implements Tracker over a lifecycle repository.
type LifecycleTracker struct {
	repo           LifecycleRepository
	metrics        metrics.PipelineMetrics
	staleThreshold time.Duration
	logger         *slog.Logger
}

// NewLifecycleTracker creates a new LifecycleTracker.
func NewLifecycleTracker(
	repo LifecycleRepository,
	pipelineMetrics metrics.PipelineMetrics,
	staleThreshold time.Duration,
	logger *slog.Logger,
) *LifecycleTracker {
	return &LifecycleTracker{
		repo:           repo,
		metrics:        pipelineMetrics,
		staleThreshold: staleThreshold,
		logger:         logger,
	}
}

// RecordPersisted creates the lifecycle record for an event, stamping RECEIVED
// then PERSISTED in one call. Creating an already-tracked event is a no-op.
func (t *LifecycleTracker) RecordPersisted(ctx context.Context, eventID uuid.UUID, tc TrackingContext) error {
	now := time.Now().UTC()

	record := &domain.LifecycleRecord{
		EventID:      eventID,
		TenantID:     tc.TenantID,
		ResourceID:   tc.ResourceID,
		CommandName:  tc.CommandName,
		CurrentState: domain.StatePersisted,
		Transitions: []domain.Transition{
			{State: domain.StateReceived, Timestamp: now, Actor: tc.Actor},
			{State: domain.StatePersisted, Timestamp: now, Actor: tc.Actor},
		},
		Metadata: tc.Metadata,
	}

	if err := t.repo.Create(ctx, record); err != nil {
		return err
	}

	t.metrics.RecordLifecycleCheckpoint(ctx, string(domain.StateReceived), tc.Actor)
	t.metrics.RecordLifecycleCheckpoint(ctx, string(domain.StatePersisted), tc.Actor)

	return nil
}

// UpdateState appends a transition and updates the current state. Fails with
// ErrNotFound when the event was never persisted, guarding against consumers
// stamping progress out of order.
func (t *LifecycleTracker) UpdateState(
	ctx context.Context,
	eventID uuid.UUID,
	state domain.State,
	actor, details string,
) error {
	transition := domain.Transition{
		State:     state,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Details:   details,
	}

	if err := t.repo.AppendTransition(ctx, eventID, transition); err != nil {
		return err
	}

	t.metrics.RecordLifecycleCheckpoint(ctx, string(state), actor)

	return nil
}

// Get retrieves the full audit trail for one event.
func (t *LifecycleTracker) Get(ctx context.Context, eventID uuid.UUID) (*domain.LifecycleRecord, error) {
	return t.repo.GetByEventID(ctx, eventID)
}

// ReportStalled surfaces commands whose last transition is older than the
// staleness threshold as a per-state gauge.
func (t *LifecycleTracker) ReportStalled(ctx context.Context) error {
	counts, err := t.repo.CountStalled(ctx, t.staleThreshold)
	if err != nil {
		return err
	}

	for _, count := range counts {
		t.metrics.SetStalled(ctx, string(count.State), count.Count)

		if t.logger != nil && count.Count > 0 {
			t.logger.Warn("stalled commands detected",
				slog.String("state", string(count.State)),
				slog.Int64("count", count.Count),
			)
		}
	}

	return nil
}
