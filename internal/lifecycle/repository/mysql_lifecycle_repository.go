package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/relay/internal/database"
	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/lifecycle/domain"
)

// MySQLLifecycleRepository handles lifecycle record persistence for MySQL.
type MySQLLifecycleRepository struct {
	db *sql.DB
}

// NewMySQLLifecycleRepository creates a new MySQLLifecycleRepository.
func NewMySQLLifecycleRepository(db *sql.DB) *MySQLLifecycleRepository {
	return &MySQLLifecycleRepository{
		db: db,
	}
}

// Create inserts a lifecycle record, doing nothing if one already exists.
func (r *MySQLLifecycleRepository) Create(ctx context.Context, record *domain.LifecycleRecord) error {
	querier := database.GetTx(ctx, r.db)

	transitions, metadata, err := marshalLifecycle(record)
	if err != nil {
		return err
	}

	query := `INSERT IGNORE INTO lifecycle_records (event_id, tenant_id, resource_id, command_name,
				current_state, transitions, metadata, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, NOW(3), NOW(3))`

	_, err = querier.ExecContext(ctx, query, record.EventID, record.TenantID, record.ResourceID,
		record.CommandName, record.CurrentState, transitions, metadata)

	return err
}

// AppendTransition appends one transition and moves current_state. Returns
// ErrNotFound when no record exists for the event.
func (r *MySQLLifecycleRepository) AppendTransition(
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
			  SET transitions = JSON_ARRAY_APPEND(transitions, '$', CAST(? AS JSON)),
				  current_state = ?, updated_at = NOW(3)
			  WHERE event_id = ?`

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
func (r *MySQLLifecycleRepository) GetByEventID(
	ctx context.Context,
	eventID uuid.UUID,
) (*domain.LifecycleRecord, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM lifecycle_records WHERE event_id = ?`, lifecycleColumns)

	row := querier.QueryRowContext(ctx, query, eventID)
	return scanLifecycleRecord(row)
}

// CountStalled counts records per state whose last transition is older than
// the threshold, excluding terminal states.
func (r *MySQLLifecycleRepository) CountStalled(
	ctx context.Context,
	threshold time.Duration,
) ([]domain.StalledCount, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT current_state, COUNT(*) FROM lifecycle_records
			  WHERE updated_at < DATE_SUB(NOW(3), INTERVAL ? MICROSECOND)
				AND current_state NOT IN (?, ?, ?)
			  GROUP BY current_state`

	rows, err := querier.QueryContext(ctx, query, threshold.Microseconds(),
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
