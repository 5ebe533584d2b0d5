package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	validation "github.com/jellydator/validation"

	commandDomain "github.com/allisson/relay/internal/command/domain"
	"github.com/allisson/relay/internal/database"
	apperrors "github.com/allisson/relay/internal/errors"
	idempotencyDomain "github.com/allisson/relay/internal/idempotency/domain"
	lifecycleUseCase "github.com/allisson/relay/internal/lifecycle/usecase"
	outboxDomain "github.com/allisson/relay/internal/outbox/domain"
	customValidation "github.com/allisson/relay/internal/validation"
)

// Config holds gateway configuration.
type Config struct {
	// TargetService is the routing hint stamped on outbox message headers.
	TargetService string

	// MaxRetries bounds how many handler re-executions a failed record gets.
	// A failed record past this budget is left for operator attention and a
	// fresh submission of the same fingerprint is rejected as a conflict.
	MaxRetries int
}

// gatewayUseCase implements the GatewayUseCase interface.
type gatewayUseCase struct {
	config          Config
	txManager       database.TxManager
	idempotencyRepo IdempotencyRepository
	outboxRepo      OutboxEventRepository
	lifecycle       LifecycleTracker
	logger          *slog.Logger
}

// NewGatewayUseCase creates a new GatewayUseCase.
func NewGatewayUseCase(
	config Config,
	txManager database.TxManager,
	idempotencyRepo IdempotencyRepository,
	outboxRepo OutboxEventRepository,
	lifecycle LifecycleTracker,
	logger *slog.Logger,
) GatewayUseCase {
	return &gatewayUseCase{
		config:          config,
		txManager:       txManager,
		idempotencyRepo: idempotencyRepo,
		outboxRepo:      outboxRepo,
		lifecycle:       lifecycle,
		logger:          logger,
	}
}

// Submit accepts or deduplicates one command. In a single transaction it locks
// the idempotency record for the submission's fingerprint and either replays a
// cached acceptance, rejects an in-flight duplicate, or persists a fresh
// record plus its outbox event. The fresh record commits acked with the
// acceptance result on it, so every later duplicate replays the same
// acceptance. Any failure before commit leaves no durable trace, so blind
// client retries are safe.
func (g *gatewayUseCase) Submit(
	ctx context.Context,
	cmd commandDomain.SubmitCommand,
) (*commandDomain.Acceptance, error) {
	if err := validateSubmit(&cmd); err != nil {
		return nil, err
	}

	fingerprint := idempotencyDomain.Fingerprint(cmd.TenantID, cmd.CommandName, cmd.IdempotencyKey, cmd.RequestID)

	acceptance, persistedEventID, err := g.submitTx(ctx, cmd, fingerprint)
	if apperrors.Is(err, apperrors.ErrAlreadyExists) {
		// Lost the insert race: two fresh submissions with the same
		// fingerprint both saw no row, and the other one committed first. A
		// second pass observes the winner's record and replays it.
		acceptance, persistedEventID, err = g.submitTx(ctx, cmd, fingerprint)
		if apperrors.Is(err, apperrors.ErrAlreadyExists) {
			err = apperrors.Wrap(apperrors.ErrConflict, "concurrent duplicate submission")
		}
	}
	if err != nil {
		return nil, err
	}

	if persistedEventID != nil {
		g.recordPersisted(ctx, *persistedEventID, cmd)
	}

	return acceptance, nil
}

// submitTx runs one accept-or-replay attempt inside a transaction.
func (g *gatewayUseCase) submitTx(
	ctx context.Context,
	cmd commandDomain.SubmitCommand,
	fingerprint string,
) (*commandDomain.Acceptance, *uuid.UUID, error) {
	var acceptance *commandDomain.Acceptance
	var persistedEventID *uuid.UUID

	err := g.txManager.WithTx(ctx, func(ctx context.Context) error {
		existing, err := g.idempotencyRepo.GetByFingerprintForUpdate(ctx, cmd.TenantID, cmd.CommandName, fingerprint)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		if existing != nil {
			switch existing.Status {
			case idempotencyDomain.IdempotencyStatusAcked:
				// Idempotent replay: no new side effects.
				acceptance = replayAcceptance(existing)
				return nil
			case idempotencyDomain.IdempotencyStatusPending:
				return apperrors.Wrap(apperrors.ErrConflict, "command with this idempotency key is in flight")
			case idempotencyDomain.IdempotencyStatusFailed:
				if existing.Retries >= g.config.MaxRetries {
					return apperrors.Wrap(apperrors.ErrConflict,
						"command retry budget is exhausted and requires operator requeue")
				}
				acceptance, persistedEventID, err = g.reexecute(ctx, existing, cmd)
				return err
			}
		}

		acceptance, persistedEventID, err = g.accept(ctx, cmd, fingerprint)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return acceptance, persistedEventID, nil
}

// accept persists a fresh idempotency record and its outbox event. The record
// is finalized acked in the same transaction: the committed acceptance is the
// cached result that duplicate submissions replay.
func (g *gatewayUseCase) accept(
	ctx context.Context,
	cmd commandDomain.SubmitCommand,
	fingerprint string,
) (*commandDomain.Acceptance, *uuid.UUID, error) {
	now := time.Now().UTC()
	commandID := uuid.Must(uuid.NewV7())
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = uuid.Must(uuid.NewV7()).String()
	}

	envelope := g.buildEnvelope(cmd, commandID, correlationID, now)

	event, err := g.buildOutboxEvent(cmd, envelope, now)
	if err != nil {
		return nil, nil, err
	}

	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, nil, err
	}

	record := &idempotencyDomain.IdempotencyRecord{
		ID:            commandID,
		TenantID:      cmd.TenantID,
		CommandType:   cmd.CommandName,
		ResourceID:    optionalString(cmd.ResourceID),
		Fingerprint:   fingerprint,
		Payload:       string(envelopeJSON),
		Status:        idempotencyDomain.IdempotencyStatusAcked,
		ResultEventID: &event.ID,
		CorrelationID: correlationID,
	}

	if err := g.idempotencyRepo.Create(ctx, record); err != nil {
		return nil, nil, err
	}
	if err := g.outboxRepo.Create(ctx, event); err != nil {
		return nil, nil, err
	}

	acceptance := &commandDomain.Acceptance{
		CommandID:     commandID,
		Status:        commandDomain.AcceptanceStatusAccepted,
		OutboxEventID: event.ID,
		CorrelationID: correlationID,
		RequestedAt:   now,
	}

	return acceptance, &event.ID, nil
}

// reexecute re-enqueues a failed command under its existing idempotency
// record: a new outbox event is created and the record is finalized acked
// again, keeping its burnt retries so the overall budget still bounds the
// command.
func (g *gatewayUseCase) reexecute(
	ctx context.Context,
	record *idempotencyDomain.IdempotencyRecord,
	cmd commandDomain.SubmitCommand,
) (*commandDomain.Acceptance, *uuid.UUID, error) {
	now := time.Now().UTC()
	correlationID := record.CorrelationID

	envelope := g.buildEnvelope(cmd, record.ID, correlationID, now)

	event, err := g.buildOutboxEvent(cmd, envelope, now)
	if err != nil {
		return nil, nil, err
	}

	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, nil, err
	}

	record.Payload = string(envelopeJSON)
	record.Status = idempotencyDomain.IdempotencyStatusAcked
	record.ResultEventID = &event.ID

	if err := g.idempotencyRepo.Update(ctx, record); err != nil {
		return nil, nil, err
	}
	if err := g.outboxRepo.Create(ctx, event); err != nil {
		return nil, nil, err
	}

	if g.logger != nil {
		g.logger.Info("re-executing failed command",
			slog.String("command_id", record.ID.String()),
			slog.String("command_type", record.CommandType),
			slog.Int("retries", record.Retries),
		)
	}

	acceptance := &commandDomain.Acceptance{
		CommandID:     record.ID,
		Status:        commandDomain.AcceptanceStatusAccepted,
		OutboxEventID: event.ID,
		CorrelationID: correlationID,
		RequestedAt:   now,
	}

	return acceptance, &event.ID, nil
}

// buildEnvelope assembles the immutable command envelope.
func (g *gatewayUseCase) buildEnvelope(
	cmd commandDomain.SubmitCommand,
	commandID uuid.UUID,
	correlationID string,
	now time.Time,
) commandDomain.CommandEnvelope {
	return commandDomain.CommandEnvelope{
		CommandID:     commandID,
		CommandName:   cmd.CommandName,
		TenantID:      cmd.TenantID,
		Payload:       cmd.Payload,
		CorrelationID: correlationID,
		RequestID:     cmd.RequestID,
		InitiatedBy:   cmd.InitiatedBy,
		IssuedAt:      now,
	}
}

// buildOutboxEvent assembles the outbox row carrying the serialized envelope.
func (g *gatewayUseCase) buildOutboxEvent(
	cmd commandDomain.SubmitCommand,
	envelope commandDomain.CommandEnvelope,
	now time.Time,
) (*outboxDomain.OutboxEvent, error) {
	body, err := json.Marshal(envelope.MessageBody())
	if err != nil {
		return nil, err
	}

	aggregateID := cmd.ResourceID
	if aggregateID == "" {
		aggregateID = envelope.CommandID.String()
	}

	eventID := uuid.Must(uuid.NewV7())

	// The event_id header lets consumers deduplicate redeliveries by
	// eventType+eventId and address lifecycle stamps.
	return &outboxDomain.OutboxEvent{
		ID:          eventID,
		AggregateID: aggregateID,
		EventType:   cmd.CommandName,
		Payload:     string(body),
		Headers: map[string]string{
			"event_id":       eventID.String(),
			"event_type":     cmd.CommandName,
			"tenant_id":      cmd.TenantID,
			"correlation_id": envelope.CorrelationID,
			"target_service": g.config.TargetService,
		},
		Status:      outboxDomain.OutboxEventStatusPending,
		AvailableAt: now,
	}, nil
}

// recordPersisted stamps RECEIVED then PERSISTED after the accepting
// transaction committed. The stamp is observability, not correctness: a
// failure here is logged and never surfaced to the caller.
func (g *gatewayUseCase) recordPersisted(ctx context.Context, eventID uuid.UUID, cmd commandDomain.SubmitCommand) {
	tc := lifecycleUseCase.TrackingContext{
		TenantID:    cmd.TenantID,
		ResourceID:  optionalString(cmd.ResourceID),
		CommandName: cmd.CommandName,
		Actor:       "gateway",
	}

	if err := g.lifecycle.RecordPersisted(ctx, eventID, tc); err != nil {
		if g.logger != nil {
			g.logger.Error("failed to record persisted lifecycle state",
				slog.String("event_id", eventID.String()),
				slog.Any("error", err),
			)
		}
	}
}

// validateSubmit rejects malformed submissions before any durable write.
func validateSubmit(cmd *commandDomain.SubmitCommand) error {
	err := validation.ValidateStruct(cmd,
		validation.Field(&cmd.CommandName, validation.Required, customValidation.CommandName),
		validation.Field(&cmd.TenantID, validation.Required, customValidation.NotBlank, customValidation.NoWhitespace),
		validation.Field(&cmd.Payload, validation.Required, customValidation.JSONObject),
		validation.Field(&cmd.RequestID, validation.Required.When(cmd.IdempotencyKey == "")),
	)
	return customValidation.WrapValidationError(err)
}

// replayAcceptance rebuilds the acceptance descriptor cached on an acked record.
func replayAcceptance(record *idempotencyDomain.IdempotencyRecord) *commandDomain.Acceptance {
	acceptance := &commandDomain.Acceptance{
		CommandID:     record.ID,
		Status:        commandDomain.AcceptanceStatusAccepted,
		CorrelationID: record.CorrelationID,
		RequestedAt:   record.CreatedAt,
	}
	if record.ResultEventID != nil {
		acceptance.OutboxEventID = *record.ResultEventID
	}
	return acceptance
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
