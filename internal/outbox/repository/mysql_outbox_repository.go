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
	"github.com/allisson/relay/internal/outbox/domain"
)

// MySQLOutboxEventRepository handles outbox event persistence for MySQL.
//
// MySQL does not allow updating a table referenced by a subquery on itself, so
// the claim runs as a locked select followed by an update inside the ambient
// transaction. Callers must wrap ClaimBatch in TxManager.WithTx for the
// FOR UPDATE SKIP LOCKED row locks to hold until the status flip commits.
type MySQLOutboxEventRepository struct {
	db *sql.DB
}

// NewMySQLOutboxEventRepository creates a new MySQLOutboxEventRepository.
func NewMySQLOutboxEventRepository(db *sql.DB) *MySQLOutboxEventRepository {
	return &MySQLOutboxEventRepository{
		db: db,
	}
}

// Create inserts a new outbox event.
func (r *MySQLOutboxEventRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	headers, err := marshalHeaders(event.Headers)
	if err != nil {
		return err
	}

	query := `INSERT INTO outbox_events (id, aggregate_id, partition_key, event_type, payload, headers,
				status, retries, last_error, available_at, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(3), NOW(3))`

	_, err = querier.ExecContext(ctx, query, event.ID, event.AggregateID, event.PartitionKey,
		event.EventType, event.Payload, headers, event.Status, event.Retries, event.LastError,
		event.AvailableAt)

	return err
}

// ClaimBatch claims up to limit available pending events for the given worker.
func (r *MySQLOutboxEventRepository) ClaimBatch(
	ctx context.Context,
	workerID string,
	limit int,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	selectQuery := fmt.Sprintf(`SELECT %s FROM outbox_events
			  WHERE status = ? AND available_at <= NOW(3)
			  ORDER BY available_at ASC
			  LIMIT ?
			  FOR UPDATE SKIP LOCKED`, outboxColumns)

	rows, err := querier.QueryContext(ctx, selectQuery, domain.OutboxEventStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	events, err := scanOutboxEvents(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, event := range events {
		updateQuery := `UPDATE outbox_events
				  SET status = ?, locked_by = ?, locked_at = NOW(3), updated_at = NOW(3)
				  WHERE id = ?`

		if _, err := querier.ExecContext(ctx, updateQuery,
			domain.OutboxEventStatusInFlight, workerID, event.ID); err != nil {
			return nil, err
		}

		event.Status = domain.OutboxEventStatusInFlight
		lockedBy := workerID
		lockedAt := now
		event.LockedBy = &lockedBy
		event.LockedAt = &lockedAt
	}

	return events, nil
}

// ReleaseExpired reclaims rows whose lease is older than lockTimeout.
func (r *MySQLOutboxEventRepository) ReleaseExpired(
	ctx context.Context,
	lockTimeout time.Duration,
) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = ?, locked_at = NULL, locked_by = NULL, updated_at = NOW(3)
			  WHERE status = ? AND locked_at < DATE_SUB(NOW(3), INTERVAL ? MICROSECOND)`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusPending, domain.OutboxEventStatusInFlight, lockTimeout.Microseconds())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// MarkDelivered finalizes a published event, conditional on the lease.
func (r *MySQLOutboxEventRepository) MarkDelivered(ctx context.Context, id uuid.UUID, workerID string) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = ?, delivered_at = NOW(3), locked_at = NULL, locked_by = NULL, updated_at = NOW(3)
			  WHERE id = ? AND status = ? AND locked_by = ?`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusDelivered, id, domain.OutboxEventStatusInFlight, workerID)
	if err != nil {
		return err
	}

	return requireLease(result)
}

// MarkRetry schedules a failed publish for redelivery.
func (r *MySQLOutboxEventRepository) MarkRetry(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	availableAt time.Time,
	lastError string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = ?, retries = ?, last_error = ?, available_at = ?,
				  locked_at = NULL, locked_by = NULL, updated_at = NOW(3)
			  WHERE id = ? AND status = ? AND locked_by = ?`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusPending, retries, lastError, availableAt,
		id, domain.OutboxEventStatusInFlight, workerID)
	if err != nil {
		return err
	}

	return requireLease(result)
}

// MarkDeadLetter parks an event in the DLQ after its retry budget is spent.
func (r *MySQLOutboxEventRepository) MarkDeadLetter(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	lastError string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = ?, retries = ?, last_error = ?,
				  locked_at = NULL, locked_by = NULL, updated_at = NOW(3)
			  WHERE id = ? AND status = ? AND locked_by = ?`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusDeadLetter, retries, lastError,
		id, domain.OutboxEventStatusInFlight, workerID)
	if err != nil {
		return err
	}

	return requireLease(result)
}

// CountPending returns the dispatch backlog size.
func (r *MySQLOutboxEventRepository) CountPending(ctx context.Context) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	var count int64
	err := querier.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status = ?`,
		domain.OutboxEventStatusPending,
	).Scan(&count)

	return count, err
}

// Requeue resets failed or dead-lettered events matching the filter back to
// pending with a zeroed retry count.
func (r *MySQLOutboxEventRepository) Requeue(
	ctx context.Context,
	filter domain.RequeueFilter,
	note string,
) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	annotation, err := json.Marshal(map[string]string{
		"requeued_at":   time.Now().UTC().Format(time.RFC3339),
		"requeued_note": note,
	})
	if err != nil {
		return 0, err
	}

	// Derived table works around MySQL's self-referencing update restriction.
	query := `UPDATE outbox_events
			  SET status = ?, retries = 0, available_at = NOW(3), last_error = NULL,
				  locked_at = NULL, locked_by = NULL,
				  headers = JSON_MERGE_PATCH(headers, ?), updated_at = NOW(3)
			  WHERE id IN (
				  SELECT id FROM (
					  SELECT id FROM outbox_events
					  WHERE status = ?
						AND (? = '' OR event_type = ?)
						AND (? = '' OR aggregate_id = ?)
						AND (? = '' OR JSON_UNQUOTE(JSON_EXTRACT(headers, '$.tenant_id')) = ?)
					  ORDER BY created_at ASC
					  LIMIT ?
				  ) AS requeueable
			  )`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusPending, string(annotation), filter.Status,
		filter.EventType, filter.EventType,
		filter.AggregateID, filter.AggregateID,
		filter.TenantID, filter.TenantID,
		filter.Limit)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetByID retrieves a single outbox event.
func (r *MySQLOutboxEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM outbox_events WHERE id = ?`, outboxColumns)

	rows, err := querier.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	events, err := scanOutboxEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.ErrNotFound
	}

	return events[0], nil
}
