package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
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
)

type mockStreamConsumer struct {
	mock.Mock
}

func (m *mockStreamConsumer) Init(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStreamConsumer) Fetch(ctx context.Context, count, blockMillis int64) ([]broker.InboundMessage, error) {
	args := m.Called(ctx, count, blockMillis)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.InboundMessage), args.Error(1)
}

func (m *mockStreamConsumer) Ack(ctx context.Context, streamID string) error {
	args := m.Called(ctx, streamID)
	return args.Error(0)
}

type mockLagReporter struct {
	mock.Mock
}

func (m *mockLagReporter) Lag(ctx context.Context, stream, group string) (int64, error) {
	args := m.Called(ctx, stream, group)
	return args.Get(0).(int64), args.Error(1)
}

type mockLifecycleTracker struct {
	mock.Mock
}

func (m *mockLifecycleTracker) UpdateState(ctx context.Context, eventID uuid.UUID, state lifecycleDomain.State, actor, details string) error {
	args := m.Called(ctx, eventID, state, actor, details)
	return args.Error(0)
}

func consumerConfig() Config {
	return Config{
		Stream:       "relay:commands",
		Group:        "relay-consumers",
		ConsumerName: "consumer-test-1",
		BatchSize:    10,
		BlockTimeout: 100 * time.Millisecond,
	}
}

func newInboundMessage(eventID uuid.UUID, streamID string) broker.InboundMessage {
	return broker.InboundMessage{
		StreamID: streamID,
		Message: broker.Message{
			Key:   "account-1",
			Value: []byte(`{"metadata":{},"payload":{}}`),
			Headers: map[string]string{
				"event_id":   eventID.String(),
				"event_type": "accounts.open_account",
			},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsumer_RunCycle(t *testing.T) {
	ctx := context.Background()
	cfg := consumerConfig()

	t.Run("stamps consumed and applied then acks", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		lifecycle := new(mockLifecycleTracker)
		consumer := NewConsumer(cfg, stream, nil, lifecycle, metrics.NewNoOpPipelineMetrics(), testLogger())

		eventID := uuid.Must(uuid.NewV7())
		messages := []broker.InboundMessage{newInboundMessage(eventID, "1-0")}

		stream.On("Fetch", ctx, cfg.BatchSize, cfg.BlockTimeout.Milliseconds()).Return(messages, nil)
		lifecycle.On("UpdateState", ctx, eventID, lifecycleDomain.StateConsumed, cfg.ConsumerName, "consumed from relay:commands").Return(nil)
		lifecycle.On("UpdateState", ctx, eventID, lifecycleDomain.StateApplied, cfg.ConsumerName, "applied by consumer-test-1").Return(nil)
		stream.On("Ack", ctx, "1-0").Return(nil)

		err := consumer.RunCycle(ctx)
		require.NoError(t, err)
		stream.AssertExpectations(t)
		lifecycle.AssertExpectations(t)
	})

	t.Run("acks message without lifecycle record", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		lifecycle := new(mockLifecycleTracker)
		consumer := NewConsumer(cfg, stream, nil, lifecycle, metrics.NewNoOpPipelineMetrics(), testLogger())

		eventID := uuid.Must(uuid.NewV7())
		messages := []broker.InboundMessage{newInboundMessage(eventID, "2-0")}

		stream.On("Fetch", ctx, cfg.BatchSize, cfg.BlockTimeout.Milliseconds()).Return(messages, nil)
		lifecycle.On("UpdateState", ctx, eventID, lifecycleDomain.StateConsumed, cfg.ConsumerName, mock.Anything).Return(apperrors.ErrNotFound)
		lifecycle.On("UpdateState", ctx, eventID, lifecycleDomain.StateApplied, cfg.ConsumerName, mock.Anything).Return(apperrors.ErrNotFound)
		stream.On("Ack", ctx, "2-0").Return(nil)

		err := consumer.RunCycle(ctx)
		require.NoError(t, err)
		stream.AssertExpectations(t)
		lifecycle.AssertExpectations(t)
	})

	t.Run("leaves message pending when stamp fails", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		lifecycle := new(mockLifecycleTracker)
		consumer := NewConsumer(cfg, stream, nil, lifecycle, metrics.NewNoOpPipelineMetrics(), testLogger())

		eventID := uuid.Must(uuid.NewV7())
		messages := []broker.InboundMessage{newInboundMessage(eventID, "3-0")}

		stream.On("Fetch", ctx, cfg.BatchSize, cfg.BlockTimeout.Milliseconds()).Return(messages, nil)
		lifecycle.On("UpdateState", ctx, eventID, lifecycleDomain.StateConsumed, cfg.ConsumerName, mock.Anything).Return(errors.New("database is down"))

		err := consumer.RunCycle(ctx)
		require.NoError(t, err)
		stream.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		lifecycle.AssertNumberOfCalls(t, "UpdateState", 1)
	})

	t.Run("acks message with unparsable event id", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		lifecycle := new(mockLifecycleTracker)
		consumer := NewConsumer(cfg, stream, nil, lifecycle, metrics.NewNoOpPipelineMetrics(), testLogger())

		msg := broker.InboundMessage{
			StreamID: "4-0",
			Message: broker.Message{
				Key:     "account-1",
				Value:   []byte(`{}`),
				Headers: map[string]string{"event_id": "not-a-uuid"},
			},
		}

		stream.On("Fetch", ctx, cfg.BatchSize, cfg.BlockTimeout.Milliseconds()).Return([]broker.InboundMessage{msg}, nil)
		stream.On("Ack", ctx, "4-0").Return(nil)

		err := consumer.RunCycle(ctx)
		require.NoError(t, err)
		stream.AssertExpectations(t)
		lifecycle.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("reports lag after processing", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		lifecycle := new(mockLifecycleTracker)
		lag := new(mockLagReporter)
		consumer := NewConsumer(cfg, stream, lag, lifecycle, metrics.NewNoOpPipelineMetrics(), testLogger())

		stream.On("Fetch", ctx, cfg.BatchSize, cfg.BlockTimeout.Milliseconds()).Return([]broker.InboundMessage{}, nil)
		lag.On("Lag", ctx, cfg.Stream, cfg.Group).Return(int64(5), nil)

		err := consumer.RunCycle(ctx)
		require.NoError(t, err)
		lag.AssertExpectations(t)
	})

	t.Run("returns fetch error", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		lifecycle := new(mockLifecycleTracker)
		consumer := NewConsumer(cfg, stream, nil, lifecycle, metrics.NewNoOpPipelineMetrics(), testLogger())

		stream.On("Fetch", ctx, cfg.BatchSize, cfg.BlockTimeout.Milliseconds()).Return(nil, errors.New("connection reset"))

		err := consumer.RunCycle(ctx)
		assert.Error(t, err)
	})
}

func TestConsumer_Start(t *testing.T) {
	cfg := consumerConfig()

	t.Run("returns init error", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		consumer := NewConsumer(cfg, stream, nil, new(mockLifecycleTracker), metrics.NewNoOpPipelineMetrics(), testLogger())

		stream.On("Init", mock.Anything).Return(errors.New("group create failed"))

		err := consumer.Start(context.Background())
		assert.Error(t, err)
	})

	t.Run("stops when context is canceled", func(t *testing.T) {
		stream := new(mockStreamConsumer)
		consumer := NewConsumer(cfg, stream, nil, new(mockLifecycleTracker), metrics.NewNoOpPipelineMetrics(), testLogger())

		ctx, cancel := context.WithCancel(context.Background())

		stream.On("Init", mock.Anything).Return(nil)
		stream.On("Fetch", mock.Anything, cfg.BatchSize, cfg.BlockTimeout.Milliseconds()).
			Return([]broker.InboundMessage{}, nil).
			Run(func(args mock.Arguments) { cancel() })

		err := consumer.Start(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
