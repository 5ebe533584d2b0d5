package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	commandDomain "github.com/allisson/relay/internal/command/domain"
	apperrors "github.com/allisson/relay/internal/errors"
	idempotencyDomain "github.com/allisson/relay/internal/idempotency/domain"
	lifecycleUseCase "github.com/allisson/relay/internal/lifecycle/usecase"
	outboxDomain "github.com/allisson/relay/internal/outbox/domain"
)

type mockIdempotencyRepo struct {
	mock.Mock
}

func (m *mockIdempotencyRepo) Create(ctx context.Context, record *idempotencyDomain.IdempotencyRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockIdempotencyRepo) Update(ctx context.Context, record *idempotencyDomain.IdempotencyRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockIdempotencyRepo) GetByFingerprintForUpdate(
	ctx context.Context,
	tenantID, commandType, fingerprint string,
) (*idempotencyDomain.IdempotencyRecord, error) {
	args := m.Called(ctx, tenantID, commandType, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idempotencyDomain.IdempotencyRecord), args.Error(1)
}

type mockOutboxRepo struct {
	mock.Mock
}

func (m *mockOutboxRepo) Create(ctx context.Context, event *outboxDomain.OutboxEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type mockLifecycleTracker struct {
	mock.Mock
}

func (m *mockLifecycleTracker) RecordPersisted(
	ctx context.Context,
	eventID uuid.UUID,
	tc lifecycleUseCase.TrackingContext,
) error {
	args := m.Called(ctx, eventID, tc)
	return args.Error(0)
}

type fakeTxManager struct{}

func (f *fakeTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func gatewayConfig() Config {
	return Config{
		TargetService: "accounts",
		MaxRetries:    2,
	}
}

func submitCommand() commandDomain.SubmitCommand {
	return commandDomain.SubmitCommand{
		CommandName:    "account.create",
		TenantID:       "tenant-1",
		Payload:        json.RawMessage(`{"name":"checking"}`),
		ResourceID:     "account-42",
		RequestID:      "req-1",
		IdempotencyKey: "key-1",
		CorrelationID:  "corr-1",
		InitiatedBy:    "user-7",
	}
}

func TestGatewayUseCase_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts a fresh command with idempotency and outbox rows", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		outboxRepo := new(mockOutboxRepo)
		tracker := new(mockLifecycleTracker)
		cmd := submitCommand()
		fingerprint := idempotencyDomain.Fingerprint("tenant-1", "account.create", "key-1", "req-1")

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, outboxRepo, tracker, nil)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(nil, apperrors.ErrNotFound)
		idempotencyRepo.On("Create", ctx, mock.MatchedBy(func(record *idempotencyDomain.IdempotencyRecord) bool {
			return record.TenantID == "tenant-1" &&
				record.CommandType == "account.create" &&
				record.Fingerprint == fingerprint &&
				record.Status == idempotencyDomain.IdempotencyStatusAcked &&
				record.ResultEventID != nil
		})).Return(nil)
		outboxRepo.On("Create", ctx, mock.MatchedBy(func(event *outboxDomain.OutboxEvent) bool {
			var body commandDomain.MessageBody
			if err := json.Unmarshal([]byte(event.Payload), &body); err != nil {
				return false
			}
			return event.AggregateID == "account-42" &&
				event.EventType == "account.create" &&
				event.Status == outboxDomain.OutboxEventStatusPending &&
				event.Headers["tenant_id"] == "tenant-1" &&
				event.Headers["target_service"] == "accounts" &&
				body.Metadata.CommandName == "account.create" &&
				string(body.Payload) == `{"name":"checking"}`
		})).Return(nil)
		tracker.On("RecordPersisted", ctx, mock.Anything,
			mock.MatchedBy(func(tc lifecycleUseCase.TrackingContext) bool {
				return tc.TenantID == "tenant-1" && tc.CommandName == "account.create" && tc.Actor == "gateway"
			})).Return(nil)

		acceptance, err := gateway.Submit(ctx, cmd)

		require.NoError(t, err)
		assert.Equal(t, commandDomain.AcceptanceStatusAccepted, acceptance.Status)
		assert.Equal(t, "corr-1", acceptance.CorrelationID)
		assert.NotEqual(t, uuid.Nil, acceptance.CommandID)
		assert.NotEqual(t, uuid.Nil, acceptance.OutboxEventID)
		idempotencyRepo.AssertExpectations(t)
		outboxRepo.AssertExpectations(t)
		tracker.AssertExpectations(t)
	})

	t.Run("replays the same acceptance for a duplicate after acceptance", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		outboxRepo := new(mockOutboxRepo)
		tracker := new(mockLifecycleTracker)
		cmd := submitCommand()
		fingerprint := idempotencyDomain.Fingerprint("tenant-1", "account.create", "key-1", "req-1")

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, outboxRepo, tracker, nil)

		// First submission finds no record and commits one; the committed
		// record serves the second lookup, like a real row would.
		var committed *idempotencyDomain.IdempotencyRecord
		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(nil, apperrors.ErrNotFound).Once()
		idempotencyRepo.On("Create", ctx, mock.Anything).
			Run(func(args mock.Arguments) {
				committed = args.Get(1).(*idempotencyDomain.IdempotencyRecord)
			}).Return(nil).Once()
		outboxRepo.On("Create", ctx, mock.Anything).Return(nil).Once()
		tracker.On("RecordPersisted", ctx, mock.Anything, mock.Anything).Return(nil).Once()

		first, err := gateway.Submit(ctx, cmd)
		require.NoError(t, err)
		require.NotNil(t, committed)
		assert.Equal(t, idempotencyDomain.IdempotencyStatusAcked, committed.Status)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(committed, nil).Once()

		second, err := gateway.Submit(ctx, cmd)

		require.NoError(t, err)
		assert.Equal(t, first.CommandID, second.CommandID)
		assert.Equal(t, first.OutboxEventID, second.OutboxEventID)
		assert.Equal(t, first.CorrelationID, second.CorrelationID)
		idempotencyRepo.AssertExpectations(t)
		outboxRepo.AssertExpectations(t)
	})

	t.Run("replays winner after losing a concurrent fresh insert race", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		outboxRepo := new(mockOutboxRepo)
		tracker := new(mockLifecycleTracker)
		cmd := submitCommand()
		fingerprint := idempotencyDomain.Fingerprint("tenant-1", "account.create", "key-1", "req-1")
		eventID := uuid.Must(uuid.NewV7())
		winner := &idempotencyDomain.IdempotencyRecord{
			ID:            uuid.Must(uuid.NewV7()),
			TenantID:      "tenant-1",
			CommandType:   "account.create",
			Fingerprint:   fingerprint,
			Status:        idempotencyDomain.IdempotencyStatusAcked,
			ResultEventID: &eventID,
			CorrelationID: "corr-winner",
		}

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, outboxRepo, tracker, nil)

		// Both fresh submissions saw no row; this one's insert collides with
		// the winner's committed row and the retry pass observes it.
		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(nil, apperrors.ErrNotFound).Once()
		idempotencyRepo.On("Create", ctx, mock.Anything).
			Return(apperrors.Wrap(apperrors.ErrAlreadyExists, "idempotency record for this fingerprint already exists")).
			Once()
		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(winner, nil).Once()

		acceptance, err := gateway.Submit(ctx, cmd)

		require.NoError(t, err)
		assert.Equal(t, winner.ID, acceptance.CommandID)
		assert.Equal(t, eventID, acceptance.OutboxEventID)
		assert.Equal(t, "corr-winner", acceptance.CorrelationID)
		idempotencyRepo.AssertExpectations(t)
		outboxRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		tracker.AssertNotCalled(t, "RecordPersisted", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("replays cached acceptance for acked record without side effects", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		outboxRepo := new(mockOutboxRepo)
		tracker := new(mockLifecycleTracker)
		cmd := submitCommand()
		fingerprint := idempotencyDomain.Fingerprint("tenant-1", "account.create", "key-1", "req-1")
		eventID := uuid.Must(uuid.NewV7())
		createdAt := time.Now().UTC().Add(-time.Hour)
		existing := &idempotencyDomain.IdempotencyRecord{
			ID:            uuid.Must(uuid.NewV7()),
			TenantID:      "tenant-1",
			CommandType:   "account.create",
			Fingerprint:   fingerprint,
			Status:        idempotencyDomain.IdempotencyStatusAcked,
			ResultEventID: &eventID,
			CorrelationID: "corr-original",
			CreatedAt:     createdAt,
		}

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, outboxRepo, tracker, nil)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(existing, nil)

		acceptance, err := gateway.Submit(ctx, cmd)

		require.NoError(t, err)
		assert.Equal(t, existing.ID, acceptance.CommandID)
		assert.Equal(t, eventID, acceptance.OutboxEventID)
		assert.Equal(t, "corr-original", acceptance.CorrelationID)
		assert.Equal(t, createdAt, acceptance.RequestedAt)
		idempotencyRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		outboxRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		tracker.AssertNotCalled(t, "RecordPersisted", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects in-flight duplicate with conflict", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		cmd := submitCommand()
		fingerprint := idempotencyDomain.Fingerprint("tenant-1", "account.create", "key-1", "req-1")
		existing := &idempotencyDomain.IdempotencyRecord{
			ID:     uuid.Must(uuid.NewV7()),
			Status: idempotencyDomain.IdempotencyStatusPending,
		}

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, new(mockOutboxRepo), new(mockLifecycleTracker), nil)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(existing, nil)

		_, err := gateway.Submit(ctx, cmd)

		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("re-executes failed record with retry budget remaining", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		outboxRepo := new(mockOutboxRepo)
		tracker := new(mockLifecycleTracker)
		cmd := submitCommand()
		fingerprint := idempotencyDomain.Fingerprint("tenant-1", "account.create", "key-1", "req-1")
		existing := &idempotencyDomain.IdempotencyRecord{
			ID:            uuid.Must(uuid.NewV7()),
			TenantID:      "tenant-1",
			CommandType:   "account.create",
			Fingerprint:   fingerprint,
			Status:        idempotencyDomain.IdempotencyStatusFailed,
			Retries:       1,
			CorrelationID: "corr-original",
		}

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, outboxRepo, tracker, nil)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(existing, nil)
		idempotencyRepo.On("Update", ctx, mock.MatchedBy(func(record *idempotencyDomain.IdempotencyRecord) bool {
			return record.ID == existing.ID &&
				record.Status == idempotencyDomain.IdempotencyStatusAcked &&
				record.Retries == 1
		})).Return(nil)
		outboxRepo.On("Create", ctx, mock.Anything).Return(nil)
		tracker.On("RecordPersisted", ctx, mock.Anything, mock.Anything).Return(nil)

		acceptance, err := gateway.Submit(ctx, cmd)

		require.NoError(t, err)
		assert.Equal(t, existing.ID, acceptance.CommandID)
		assert.Equal(t, "corr-original", acceptance.CorrelationID)
		idempotencyRepo.AssertExpectations(t)
		outboxRepo.AssertExpectations(t)
	})

	t.Run("rejects failed record with exhausted retry budget", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		cmd := submitCommand()
		fingerprint := idempotencyDomain.Fingerprint("tenant-1", "account.create", "key-1", "req-1")
		existing := &idempotencyDomain.IdempotencyRecord{
			ID:      uuid.Must(uuid.NewV7()),
			Status:  idempotencyDomain.IdempotencyStatusFailed,
			Retries: 2,
		}

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, new(mockOutboxRepo), new(mockLifecycleTracker), nil)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, "tenant-1", "account.create", fingerprint).
			Return(existing, nil)

		_, err := gateway.Submit(ctx, cmd)

		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("rejects invalid submissions before any durable write", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, new(mockOutboxRepo), new(mockLifecycleTracker), nil)

		tests := []struct {
			name   string
			mutate func(cmd *commandDomain.SubmitCommand)
		}{
			{"missing command name", func(cmd *commandDomain.SubmitCommand) { cmd.CommandName = "" }},
			{"malformed command name", func(cmd *commandDomain.SubmitCommand) { cmd.CommandName = "Create!" }},
			{"missing tenant", func(cmd *commandDomain.SubmitCommand) { cmd.TenantID = "" }},
			{"non-object payload", func(cmd *commandDomain.SubmitCommand) { cmd.Payload = json.RawMessage(`[]`) }},
			{"no request id or idempotency key", func(cmd *commandDomain.SubmitCommand) {
				cmd.RequestID = ""
				cmd.IdempotencyKey = ""
			}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cmd := submitCommand()
				tt.mutate(&cmd)

				_, err := gateway.Submit(ctx, cmd)

				assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			})
		}

		idempotencyRepo.AssertNotCalled(t, "GetByFingerprintForUpdate",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("generates correlation id when absent", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		outboxRepo := new(mockOutboxRepo)
		tracker := new(mockLifecycleTracker)
		cmd := submitCommand()
		cmd.CorrelationID = ""

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, outboxRepo, tracker, nil)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, apperrors.ErrNotFound)
		idempotencyRepo.On("Create", ctx, mock.Anything).Return(nil)
		outboxRepo.On("Create", ctx, mock.Anything).Return(nil)
		tracker.On("RecordPersisted", ctx, mock.Anything, mock.Anything).Return(nil)

		acceptance, err := gateway.Submit(ctx, cmd)

		require.NoError(t, err)
		assert.NotEmpty(t, acceptance.CorrelationID)
	})

	t.Run("propagates transactional failures to the caller", func(t *testing.T) {
		idempotencyRepo := new(mockIdempotencyRepo)
		tracker := new(mockLifecycleTracker)
		cmd := submitCommand()

		gateway := NewGatewayUseCase(gatewayConfig(), &fakeTxManager{},
			idempotencyRepo, new(mockOutboxRepo), tracker, nil)

		idempotencyRepo.On("GetByFingerprintForUpdate", ctx, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, apperrors.New("connection refused"))

		_, err := gateway.Submit(ctx, cmd)

		assert.Error(t, err)
		tracker.AssertNotCalled(t, "RecordPersisted", mock.Anything, mock.Anything, mock.Anything)
	})
}
