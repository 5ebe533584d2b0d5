// Package usecase defines the interfaces and implementation for the command
// acceptance gateway. The gateway is the single synchronous entry point of the
// pipeline: it deduplicates, persists, and enqueues commands in one local
// transaction, and everything after its commit is asynchronous.
package usecase

import (
	"context"

	"github.com/google/uuid"

	commandDomain "github.com/allisson/relay/internal/command/domain"
	idempotencyDomain "github.com/allisson/relay/internal/idempotency/domain"
	lifecycleUseCase "github.com/allisson/relay/internal/lifecycle/usecase"
	outboxDomain "github.com/allisson/relay/internal/outbox/domain"
)

// IdempotencyRepository defines the idempotency record persistence operations
// used by the gateway.
type IdempotencyRepository interface {
	Create(ctx context.Context, record *idempotencyDomain.IdempotencyRecord) error
	Update(ctx context.Context, record *idempotencyDomain.IdempotencyRecord) error
	GetByFingerprintForUpdate(
		ctx context.Context,
		tenantID, commandType, fingerprint string,
	) (*idempotencyDomain.IdempotencyRecord, error)
}

// OutboxEventRepository defines the outbox persistence operations used by the gateway.
type OutboxEventRepository interface {
	Create(ctx context.Context, event *outboxDomain.OutboxEvent) error
}

// LifecycleTracker is the slice of the lifecycle tracker used by the gateway.
type LifecycleTracker interface {
	RecordPersisted(ctx context.Context, eventID uuid.UUID, tc lifecycleUseCase.TrackingContext) error
}

// GatewayUseCase defines the command acceptance business logic.
type GatewayUseCase interface {
	Submit(ctx context.Context, cmd commandDomain.SubmitCommand) (*commandDomain.Acceptance, error)
}
