// Package repository provides data persistence implementations for lifecycle records.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/relay/internal/database"
	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/lifecycle/domain"
)

// PostgreSQLLifecycleRepository handles lifecycle record persistence for PostgreSQL.
type PostgreSQLLifecycleRepository struct {
	db *sql.DB
}

// NewPostgreSQLLifecycleRepository creates a new PostgreSQLLifecycleRepository.
func NewPostgreSQLLifecycleRepository(db *sql.DB) *PostgreSQLLifecycleRepository {
	return &PostgreSQLLifecycleRepository{
		db: db,
	}
}

const lifecycleColumns = `event_id, tenant_id, resource_id, command_name, current_state,
	transitions, metadata, created_at, updated_at`

// Create inserts a lifecycle record, doing nothing if one already exists for
// the event, so the gateway can re-stamp PERSISTED on a retried acceptance
// without error.
func (r *PostgreSQLLifecycleRepository) Create(ctx context.Context, record *domain.LifecycleRecord) error {
	querier := database.GetTx(ctx, r.db)

	transitions, metadata, err := marshalLifecycle(record)
	if err != nil {
		return err
	}

	query := `INSERT INTO lifecycle_records (event_id, tenant_id, resource_id, command_name,
				current_state, transitions, metadata, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
			  ON CONFLICT (event_id) DO NOTHING`

	_, err = querier.ExecContext(ctx, query, record.EventID, record.TenantID, record.ResourceID,
		record.CommandName, record.CurrentState, transitions, metadata)

	return err
}

// AppendTransition appends one transition and moves current_state in a single
// statement. Returns ErrNotFound when no record exists for the event, guarding
// against a consumer stamping progress before PERSISTED exists.
func (r *PostgreSQLLifecycleRepository) AppendTransition(
	ctx context.Context,
	eventID uuid.UUID,
	transition domain.Transition,
) error {
	querier := database.GetTx(ctx, r.db)

	raw, err := json.Marshal(transition)
	if err != nil {
		return err
	}

	query := `UPDATE lifecycle_records
			  SET transitions = (transitions::jsonb || $1::jsonb)::text, current_state = $2, updated_at = NOW()
			  WHERE event_id = $3`

	result, err := querier.ExecContext(ctx, query, string(raw), transition.State, eventID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// GetByEventID retrieves a lifecycle record with its full transition trail.
func (r *PostgreSQLLifecycleRepository) GetByEventID(
	ctx context.Context,
	eventID uuid.UUID,
) (*domain.LifecycleRecord, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM lifecycle_records WHERE event_id = $1`, lifecycleColumns)

	row := querier.QueryRowContext(ctx, query, eventID)
	return scanLifecycleRecord(row)
}

// CountStalled counts records per state whose last transition is older than
// the threshold, excluding terminal states that legitimately never move again.
func (r *PostgreSQLLifecycleRepository) CountStalled(
	ctx context.Context,
	threshold time.Duration,
) ([]domain.StalledCount, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT current_state, COUNT(*) FROM lifecycle_records
			  WHERE updated_at < NOW() - ($1 * INTERVAL '1 millisecond')
				AND current_state NOT IN ($2, $3, $4)
			  GROUP BY current_state`

	rows, err := querier.QueryContext(ctx, query, threshold.Milliseconds(),
		domain.StateApplied, domain.StateDeadLetter, domain.StateFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var counts []domain.StalledCount
	for rows.Next() {
		var count domain.StalledCount
		if err := rows.Scan(&count.State, &count.Count); err != nil {
			return nil, err
		}
		counts = append(counts, count)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

// marshalLifecycle serializes the transitions and metadata JSON columns.
func marshalLifecycle(record *domain.LifecycleRecord) (string, string, error) {
	transitions := record.Transitions
	if transitions == nil {
		transitions = []domain.Transition{}
	}
	rawTransitions, err := json.Marshal(transitions)
	if err != nil {
		return "", "", err
	}

	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return "", "", err
	}

	return string(rawTransitions), string(rawMetadata), nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanLifecycleRecord reads one record in lifecycleColumns order.
func scanLifecycleRecord(row rowScanner) (*domain.LifecycleRecord, error) {
	var record domain.LifecycleRecord
	var transitions, metadata string

	err := row.Scan(&record.EventID, &record.TenantID, &record.ResourceID, &record.CommandName,
		&record.CurrentState, &transitions, &metadata, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(transitions), &record.Transitions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &record.Metadata); err != nil {
		return nil, err
	}

	return &record, nil
}
