// Package repository provides data persistence implementations for outbox entities.
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

// PostgreSQLOutboxEventRepository handles outbox event persistence for PostgreSQL.
type PostgreSQLOutboxEventRepository struct {
	db *sql.DB
}

// NewPostgreSQLOutboxEventRepository creates a new PostgreSQLOutboxEventRepository.
func NewPostgreSQLOutboxEventRepository(db *sql.DB) *PostgreSQLOutboxEventRepository {
	return &PostgreSQLOutboxEventRepository{
		db: db,
	}
}

const outboxColumns = `id, aggregate_id, partition_key, event_type, payload, headers, status, retries,
	last_error, available_at, locked_at, locked_by, delivered_at, created_at, updated_at`

// Create inserts a new outbox event.
func (r *PostgreSQLOutboxEventRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	headers, err := marshalHeaders(event.Headers)
	if err != nil {
		return err
	}

	query := `INSERT INTO outbox_events (id, aggregate_id, partition_key, event_type, payload, headers,
				status, retries, last_error, available_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`

	_, err = querier.ExecContext(ctx, query, event.ID, event.AggregateID, event.PartitionKey,
		event.EventType, event.Payload, headers, event.Status, event.Retries, event.LastError,
		event.AvailableAt)

	return err
}

// ClaimBatch atomically claims up to limit available pending events for the
// given worker, stamping the lease and moving them to in_flight. The inner
// select uses FOR UPDATE SKIP LOCKED so concurrent dispatcher replicas never
// claim the same row.
func (r *PostgreSQLOutboxEventRepository) ClaimBatch(
	ctx context.Context,
	workerID string,
	limit int,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`UPDATE outbox_events
			  SET status = $1, locked_by = $2, locked_at = NOW(), updated_at = NOW()
			  WHERE id IN (
				  SELECT id FROM outbox_events
				  WHERE status = $3 AND available_at <= NOW()
				  ORDER BY available_at ASC
				  LIMIT $4
				  FOR UPDATE SKIP LOCKED
			  )
			  RETURNING %s`, outboxColumns)

	rows, err := querier.QueryContext(ctx, query,
		domain.OutboxEventStatusInFlight, workerID, domain.OutboxEventStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	return scanOutboxEvents(rows)
}

// ReleaseExpired reclaims rows whose lease is older than lockTimeout,
// regardless of owner, returning them to pending. Recovers rows claimed by
// crashed workers.
func (r *PostgreSQLOutboxEventRepository) ReleaseExpired(
	ctx context.Context,
	lockTimeout time.Duration,
) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = NOW()
			  WHERE status = $2 AND locked_at < NOW() - ($3 * INTERVAL '1 millisecond')`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusPending, domain.OutboxEventStatusInFlight, lockTimeout.Milliseconds())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// MarkDelivered finalizes a published event. The update is conditional on the
// caller still holding the lease, so a stale worker whose row was reclaimed
// cannot resurrect or double-count it.
func (r *PostgreSQLOutboxEventRepository) MarkDelivered(ctx context.Context, id uuid.UUID, workerID string) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = $1, delivered_at = NOW(), locked_at = NULL, locked_by = NULL, updated_at = NOW()
			  WHERE id = $2 AND status = $3 AND locked_by = $4`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusDelivered, id, domain.OutboxEventStatusInFlight, workerID)
	if err != nil {
		return err
	}

	return requireLease(result)
}

// MarkRetry schedules a failed publish for redelivery: the row returns to
// pending with an incremented retry count and a future available_at.
func (r *PostgreSQLOutboxEventRepository) MarkRetry(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	availableAt time.Time,
	lastError string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = $1, retries = $2, last_error = $3, available_at = $4,
				  locked_at = NULL, locked_by = NULL, updated_at = NOW()
			  WHERE id = $5 AND status = $6 AND locked_by = $7`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusPending, retries, lastError, availableAt,
		id, domain.OutboxEventStatusInFlight, workerID)
	if err != nil {
		return err
	}

	return requireLease(result)
}

// MarkDeadLetter parks an event in the DLQ after its retry budget is spent.
func (r *PostgreSQLOutboxEventRepository) MarkDeadLetter(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	lastError string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = $1, retries = $2, last_error = $3,
				  locked_at = NULL, locked_by = NULL, updated_at = NOW()
			  WHERE id = $4 AND status = $5 AND locked_by = $6`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusDeadLetter, retries, lastError,
		id, domain.OutboxEventStatusInFlight, workerID)
	if err != nil {
		return err
	}

	return requireLease(result)
}

// CountPending returns the dispatch backlog size.
func (r *PostgreSQLOutboxEventRepository) CountPending(ctx context.Context) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	var count int64
	err := querier.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status = $1`,
		domain.OutboxEventStatusPending,
	).Scan(&count)

	return count, err
}

// Requeue resets failed or dead-lettered events matching the filter back to
// pending with a zeroed retry count, annotating the headers with the requeue
// note. Incident-recovery path, not hot-path.
func (r *PostgreSQLOutboxEventRepository) Requeue(
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

	query := `UPDATE outbox_events
			  SET status = $1, retries = 0, available_at = NOW(), last_error = NULL,
				  locked_at = NULL, locked_by = NULL,
				  headers = (headers::jsonb || $2::jsonb)::text, updated_at = NOW()
			  WHERE id IN (
				  SELECT id FROM outbox_events
				  WHERE status = $3
					AND ($4 = '' OR event_type = $4)
					AND ($5 = '' OR aggregate_id = $5)
					AND ($6 = '' OR headers::jsonb->>'tenant_id' = $6)
				  ORDER BY created_at ASC
				  LIMIT $7
			  )`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxEventStatusPending, string(annotation), filter.Status,
		filter.EventType, filter.AggregateID, filter.TenantID, filter.Limit)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetByID retrieves a single outbox event.
func (r *PostgreSQLOutboxEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM outbox_events WHERE id = $1`, outboxColumns)

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

// requireLease converts an unmatched conditional update into ErrLeaseLost.
func requireLease(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.ErrLeaseLost
	}
	return nil
}

// marshalHeaders serializes the header map for storage, defaulting to an
// empty JSON object.
func marshalHeaders(headers map[string]string) (string, error) {
	if headers == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// scanOutboxEvents reads outbox rows in outboxColumns order.
func scanOutboxEvents(rows *sql.Rows) ([]*domain.OutboxEvent, error) {
	var events []*domain.OutboxEvent

	for rows.Next() {
		var event domain.OutboxEvent
		var headers string

		err := rows.Scan(&event.ID, &event.AggregateID, &event.PartitionKey, &event.EventType,
			&event.Payload, &headers, &event.Status, &event.Retries, &event.LastError,
			&event.AvailableAt, &event.LockedAt, &event.LockedBy, &event.DeliveredAt,
			&event.CreatedAt, &event.UpdatedAt)
		if err != nil {
			return nil, err
		}

		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &event.Headers); err != nil {
				return nil, err
			}
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
