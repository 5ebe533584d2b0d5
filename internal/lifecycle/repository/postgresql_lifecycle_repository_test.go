package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/lifecycle/domain"
	"github.com/allisson/relay/internal/testutil"
)

func newLifecycleRecord() *domain.LifecycleRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.LifecycleRecord{
		EventID:      uuid.Must(uuid.NewV7()),
		TenantID:     "acme",
		CommandName:  "accounts.open_account",
		CurrentState: domain.StatePersisted,
		Transitions: []domain.Transition{
			{State: domain.StateReceived, Timestamp: now, Actor: "gateway"},
			{State: domain.StatePersisted, Timestamp: now, Actor: "gateway"},
		},
		Metadata: map[string]string{"correlation_id": "corr-1"},
	}
}

func TestNewPostgreSQLLifecycleRepository(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	db := testutil.SetupPostgresDB(t)
	defer testutil.TeardownDB(t, db)

	repo := NewPostgreSQLLifecycleRepository(db)
	assert.NotNil(t, repo)
	assert.Equal(t, db, repo.db)
}

func TestPostgreSQLLifecycleRepository_Create(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	db := testutil.SetupPostgresDB(t)
	defer testutil.TeardownDB(t, db)
	defer testutil.CleanupPostgresDB(t, db)

	repo := NewPostgreSQLLifecycleRepository(db)
	ctx := context.Background()

	record := newLifecycleRecord()
	err := repo.Create(ctx, record)
	require.NoError(t, err)

	created, err := repo.GetByEventID(ctx, record.EventID)
	require.NoError(t, err)
	assert.Equal(t, record.EventID, created.EventID)
	assert.Equal(t, record.TenantID, created.TenantID)
	assert.Equal(t, domain.StatePersisted, created.CurrentState)
	require.Len(t, created.Transitions, 2)
	assert.Equal(t, domain.StateReceived, created.Transitions[0].State)
	assert.Equal(t, "gateway", created.Transitions[0].Actor)
	assert.Equal(t, "corr-1", created.Metadata["correlation_id"])

	// Re-creating the same event is a no-op, not an error.
	record.CurrentState = domain.StateApplied
	err = repo.Create(ctx, record)
	require.NoError(t, err)

	unchanged, err := repo.GetByEventID(ctx, record.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePersisted, unchanged.CurrentState)
}

func TestPostgreSQLLifecycleRepository_AppendTransition(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	db := testutil.SetupPostgresDB(t)
	defer testutil.TeardownDB(t, db)
	defer testutil.CleanupPostgresDB(t, db)

	repo := NewPostgreSQLLifecycleRepository(db)
	ctx := context.Background()

	record := newLifecycleRecord()
	require.NoError(t, repo.Create(ctx, record))

	err := repo.AppendTransition(ctx, record.EventID, domain.Transition{
		State:     domain.StatePublished,
		Timestamp: time.Now().UTC(),
		Actor:     "dispatcher-1",
		Details:   "published to relay:commands",
	})
	require.NoError(t, err)

	updated, err := repo.GetByEventID(ctx, record.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePublished, updated.CurrentState)
	require.Len(t, updated.Transitions, 3)
	last := updated.Transitions[2]
	assert.Equal(t, domain.StatePublished, last.State)
	assert.Equal(t, "dispatcher-1", last.Actor)
	assert.Equal(t, "published to relay:commands", last.Details)

	err = repo.AppendTransition(ctx, uuid.Must(uuid.NewV7()), domain.Transition{
		State:     domain.StateConsumed,
		Timestamp: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPostgreSQLLifecycleRepository_GetByEventID(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	db := testutil.SetupPostgresDB(t)
	defer testutil.TeardownDB(t, db)
	defer testutil.CleanupPostgresDB(t, db)

	repo := NewPostgreSQLLifecycleRepository(db)
	ctx := context.Background()

	_, err := repo.GetByEventID(ctx, uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPostgreSQLLifecycleRepository_CountStalled(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	db := testutil.SetupPostgresDB(t)
	defer testutil.TeardownDB(t, db)
	defer testutil.CleanupPostgresDB(t, db)

	repo := NewPostgreSQLLifecycleRepository(db)
	ctx := context.Background()

	stuck := newLifecycleRecord()
	require.NoError(t, repo.Create(ctx, stuck))

	terminal := newLifecycleRecord()
	terminal.CurrentState = domain.StateApplied
	require.NoError(t, repo.Create(ctx, terminal))

	// Nothing is stalled against a generous threshold.
	counts, err := repo.CountStalled(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, counts)

	// With a zero-ish threshold the persisted record shows up but the
	// terminal one is excluded.
	time.Sleep(10 * time.Millisecond)
	counts, err = repo.CountStalled(ctx, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, domain.StatePersisted, counts[0].State)
	assert.Equal(t, int64(1), counts[0].Count)
}
