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

	"github.com/allisson/relay/internal/broker"
	apperrors "github.com/allisson/relay/internal/errors"
	lifecycleDomain "github.com/allisson/relay/internal/lifecycle/domain"
	"github.com/allisson/relay/internal/metrics"
	"github.com/allisson/relay/internal/outbox/domain"
)

type mockOutboxRepo struct {
	mock.Mock
}

func (m *mockOutboxRepo) ClaimBatch(ctx context.Context, workerID string, limit int) ([]*domain.OutboxEvent, error) {
	args := m.Called(ctx, workerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboxEvent), args.Error(1)
}

func (m *mockOutboxRepo) ReleaseExpired(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	args := m.Called(ctx, lockTimeout)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockOutboxRepo) MarkDelivered(ctx context.Context, id uuid.UUID, workerID string) error {
	args := m.Called(ctx, id, workerID)
	return args.Error(0)
}

func (m *mockOutboxRepo) MarkRetry(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	availableAt time.Time,
	lastError string,
) error {
	args := m.Called(ctx, id, workerID, retries, availableAt, lastError)
	return args.Error(0)
}

func (m *mockOutboxRepo) MarkDeadLetter(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	lastError string,
) error {
	args := m.Called(ctx, id, workerID, retries, lastError)
	return args.Error(0)
}

func (m *mockOutboxRepo) CountPending(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg broker.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type mockLifecycleTracker struct {
	mock.Mock
}

func (m *mockLifecycleTracker) UpdateState(
	ctx context.Context,
	eventID uuid.UUID,
	state lifecycleDomain.State,
	actor, details string,
) error {
	args := m.Called(ctx, eventID, state, actor, details)
	return args.Error(0)
}

func (m *mockLifecycleTracker) ReportStalled(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type fakeTxManager struct{}

func (f *fakeTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func dispatcherConfig() Config {
	return Config{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    10,
		MaxRetries:   2,
		BaseDelay:    time.Second,
		LockTimeout:  30 * time.Second,
		WorkerID:     "dispatcher-test-1",
		Stream:       "relay:commands",
	}
}

func newTestEvent(retries int) *domain.OutboxEvent {
	return &domain.OutboxEvent{
		ID:          uuid.Must(uuid.NewV7()),
		AggregateID: "account-42",
		EventType:   "account.create",
		Payload:     `{"metadata":{},"payload":{}}`,
		Headers:     map[string]string{"event_type": "account.create", "tenant_id": "tenant-1"},
		Status:      domain.OutboxEventStatusInFlight,
		Retries:     retries,
	}
}

func TestDispatcher_RunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes claimed events and marks them delivered", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		publisher := new(mockPublisher)
		deadLetterPublisher := new(mockPublisher)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()
		event := newTestEvent(0)

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, publisher,
			deadLetterPublisher, tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(1), nil)
		tracker.On("ReportStalled", ctx).Return(nil)
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return([]*domain.OutboxEvent{event}, nil)
		publisher.On("Publish", ctx, mock.MatchedBy(func(msg broker.Message) bool {
			return msg.Key == "account-42" && string(msg.Value) == event.Payload
		})).Return(nil)
		outboxRepo.On("MarkDelivered", ctx, event.ID, cfg.WorkerID).Return(nil)
		tracker.On("UpdateState", ctx, event.ID, lifecycleDomain.StatePublished,
			cfg.WorkerID, "published to relay:commands").Return(nil)

		err := dispatcher.RunCycle(ctx)

		require.NoError(t, err)
		outboxRepo.AssertExpectations(t)
		publisher.AssertExpectations(t)
		tracker.AssertExpectations(t)
		deadLetterPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("uses partition key as message key when present", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		publisher := new(mockPublisher)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()
		event := newTestEvent(0)
		partitionKey := "tenant-1"
		event.PartitionKey = &partitionKey

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, publisher,
			new(mockPublisher), tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(1), nil)
		tracker.On("ReportStalled", ctx).Return(nil)
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return([]*domain.OutboxEvent{event}, nil)
		publisher.On("Publish", ctx, mock.MatchedBy(func(msg broker.Message) bool {
			return msg.Key == "tenant-1"
		})).Return(nil)
		outboxRepo.On("MarkDelivered", ctx, event.ID, cfg.WorkerID).Return(nil)
		tracker.On("UpdateState", ctx, event.ID, lifecycleDomain.StatePublished,
			cfg.WorkerID, mock.Anything).Return(nil)

		err := dispatcher.RunCycle(ctx)

		require.NoError(t, err)
		publisher.AssertExpectations(t)
	})

	t.Run("schedules retry with incremented count on publish failure", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		publisher := new(mockPublisher)
		deadLetterPublisher := new(mockPublisher)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()
		event := newTestEvent(0)

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, publisher,
			deadLetterPublisher, tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(1), nil)
		tracker.On("ReportStalled", ctx).Return(nil)
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return([]*domain.OutboxEvent{event}, nil)
		publisher.On("Publish", ctx, mock.Anything).Return(apperrors.New("broker unavailable"))
		outboxRepo.On("MarkRetry", ctx, event.ID, cfg.WorkerID, 1,
			mock.MatchedBy(func(availableAt time.Time) bool {
				return availableAt.After(time.Now().UTC())
			}), "broker unavailable").Return(nil)

		err := dispatcher.RunCycle(ctx)

		require.NoError(t, err)
		outboxRepo.AssertExpectations(t)
		outboxRepo.AssertNotCalled(t, "MarkDeadLetter",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		deadLetterPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("dead-letters event after retry budget is exhausted", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		publisher := new(mockPublisher)
		deadLetterPublisher := new(mockPublisher)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()
		event := newTestEvent(cfg.MaxRetries)

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, publisher,
			deadLetterPublisher, tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(1), nil)
		tracker.On("ReportStalled", ctx).Return(nil)
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return([]*domain.OutboxEvent{event}, nil)
		publisher.On("Publish", ctx, mock.Anything).Return(apperrors.New("broker unavailable"))
		outboxRepo.On("MarkDeadLetter", ctx, event.ID, cfg.WorkerID, cfg.MaxRetries+1,
			"broker unavailable").Return(nil)
		deadLetterPublisher.On("Publish", ctx, mock.MatchedBy(func(msg broker.Message) bool {
			var deadLetter domain.DeadLetter
			if err := json.Unmarshal(msg.Value, &deadLetter); err != nil {
				return false
			}
			return deadLetter.OriginalTopic == cfg.Stream &&
				deadLetter.Error.Message == "broker unavailable" &&
				deadLetter.OriginalRecord.ID == event.ID
		})).Return(nil).Once()
		tracker.On("UpdateState", ctx, event.ID, lifecycleDomain.StateDeadLetter,
			cfg.WorkerID, "broker unavailable").Return(nil)

		err := dispatcher.RunCycle(ctx)

		require.NoError(t, err)
		outboxRepo.AssertExpectations(t)
		deadLetterPublisher.AssertExpectations(t)
		tracker.AssertExpectations(t)
		outboxRepo.AssertNotCalled(t, "MarkRetry",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("skips finalization when lease was reclaimed by another worker", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		publisher := new(mockPublisher)
		deadLetterPublisher := new(mockPublisher)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()
		event := newTestEvent(0)

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, publisher,
			deadLetterPublisher, tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(1), nil)
		tracker.On("ReportStalled", ctx).Return(nil)
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return([]*domain.OutboxEvent{event}, nil)
		publisher.On("Publish", ctx, mock.Anything).Return(nil)
		outboxRepo.On("MarkDelivered", ctx, event.ID, cfg.WorkerID).
			Return(apperrors.ErrLeaseLost)

		err := dispatcher.RunCycle(ctx)

		require.NoError(t, err)
		tracker.AssertNotCalled(t, "UpdateState",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("does not emit dead letter when lease was lost before dlq mark", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		publisher := new(mockPublisher)
		deadLetterPublisher := new(mockPublisher)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()
		event := newTestEvent(cfg.MaxRetries)

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, publisher,
			deadLetterPublisher, tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(1), nil)
		tracker.On("ReportStalled", ctx).Return(nil)
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return([]*domain.OutboxEvent{event}, nil)
		publisher.On("Publish", ctx, mock.Anything).Return(apperrors.New("broker unavailable"))
		outboxRepo.On("MarkDeadLetter", ctx, event.ID, cfg.WorkerID, cfg.MaxRetries+1,
			"broker unavailable").Return(apperrors.ErrLeaseLost)

		err := dispatcher.RunCycle(ctx)

		require.NoError(t, err)
		deadLetterPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
		tracker.AssertNotCalled(t, "UpdateState",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("returns error when claim fails", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, new(mockPublisher),
			new(mockPublisher), tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(0), nil)
		tracker.On("ReportStalled", ctx).Return(nil)
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return(nil, apperrors.New("connection refused"))

		err := dispatcher.RunCycle(ctx)

		assert.Error(t, err)
	})

	t.Run("reports stalled commands each cycle without blocking dispatch", func(t *testing.T) {
		outboxRepo := new(mockOutboxRepo)
		publisher := new(mockPublisher)
		tracker := new(mockLifecycleTracker)
		cfg := dispatcherConfig()
		event := newTestEvent(0)

		dispatcher := NewDispatcher(cfg, &fakeTxManager{}, outboxRepo, publisher,
			new(mockPublisher), tracker, metrics.NewNoOpPipelineMetrics(), nil, nil)

		outboxRepo.On("ReleaseExpired", ctx, cfg.LockTimeout).Return(int64(0), nil)
		outboxRepo.On("CountPending", ctx).Return(int64(1), nil)
		tracker.On("ReportStalled", ctx).Return(apperrors.New("lifecycle table unavailable"))
		outboxRepo.On("ClaimBatch", ctx, cfg.WorkerID, cfg.BatchSize).
			Return([]*domain.OutboxEvent{event}, nil)
		publisher.On("Publish", ctx, mock.Anything).Return(nil)
		outboxRepo.On("MarkDelivered", ctx, event.ID, cfg.WorkerID).Return(nil)
		tracker.On("UpdateState", ctx, event.ID, lifecycleDomain.StatePublished,
			cfg.WorkerID, mock.Anything).Return(nil)

		err := dispatcher.RunCycle(ctx)

		require.NoError(t, err)
		tracker.AssertCalled(t, "ReportStalled", ctx)
		publisher.AssertExpectations(t)
	})
}

func TestRequeueUseCase_Requeue(t *testing.T) {
	ctx := context.Background()

	t.Run("requeues dead-lettered events", func(t *testing.T) {
		outboxRepo := new(mockRequeueRepo)
		u := NewRequeueUseCase(outboxRepo, nil)
		filter := domain.RequeueFilter{Status: domain.OutboxEventStatusDeadLetter, Limit: 100}

		outboxRepo.On("Requeue", ctx, filter, "incident-1234").Return(int64(3), nil)

		count, err := u.Requeue(ctx, filter, "incident-1234")

		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
		outboxRepo.AssertExpectations(t)
	})

	t.Run("rejects requeue of pending events", func(t *testing.T) {
		u := NewRequeueUseCase(new(mockRequeueRepo), nil)
		filter := domain.RequeueFilter{Status: domain.OutboxEventStatusPending, Limit: 100}

		_, err := u.Requeue(ctx, filter, "")

		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("rejects non-positive limit", func(t *testing.T) {
		u := NewRequeueUseCase(new(mockRequeueRepo), nil)
		filter := domain.RequeueFilter{Status: domain.OutboxEventStatusDeadLetter}

		_, err := u.Requeue(ctx, filter, "")

		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})
}

type mockRequeueRepo struct {
	mock.Mock
}

func (m *mockRequeueRepo) Requeue(ctx context.Context, filter domain.RequeueFilter, note string) (int64, error) {
	args := m.Called(ctx, filter, note)
	return args.Get(0).(int64), args.Error(1)
}
