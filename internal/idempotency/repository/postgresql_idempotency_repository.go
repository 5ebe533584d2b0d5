// Package repository provides data persistence implementations for idempotency records.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/allisson/relay/internal/database"
	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/idempotency/domain"
)

// PostgreSQLIdempotencyRepository handles idempotency record persistence for PostgreSQL.
type PostgreSQLIdempotencyRepository struct {
	db *sql.DB
}

// NewPostgreSQLIdempotencyRepository creates a new PostgreSQLIdempotencyRepository.
func NewPostgreSQLIdempotencyRepository(db *sql.DB) *PostgreSQLIdempotencyRepository {
	return &PostgreSQLIdempotencyRepository{
		db: db,
	}
}

const idempotencyColumns = `id, tenant_id, command_type, resource_id, fingerprint, payload, status,
	result_event_id, response_payload, retries, last_error, correlation_id, locked_at, locked_by,
	created_at, updated_at`

// Create inserts a new idempotency record. A collision on the fingerprint
// unique constraint surfaces as ErrAlreadyExists so the gateway can re-read
// the winning record after losing a concurrent-insert race.
func (r *PostgreSQLIdempotencyRepository) Create(ctx context.Context, record *domain.IdempotencyRecord) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO idempotency_records (id, tenant_id, command_type, resource_id, fingerprint,
				payload, status, result_event_id, response_payload, retries, last_error, correlation_id,
				created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`

	_, err := querier.ExecContext(ctx, query, record.ID, record.TenantID, record.CommandType,
		record.ResourceID, record.Fingerprint, record.Payload, record.Status, record.ResultEventID,
		record.ResponsePayload, record.Retries, record.LastError, record.CorrelationID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperrors.Wrap(apperrors.ErrAlreadyExists, "idempotency record for this fingerprint already exists")
	}

	return err
}

// GetByFingerprintForUpdate looks up the live record for a fingerprint with an
// explicit row lock. Two concurrent submissions with the same fingerprint
// serialize here: the second blocks until the first's transaction commits and
// then observes the cached result. Must run inside TxManager.WithTx.
func (r *PostgreSQLIdempotencyRepository) GetByFingerprintForUpdate(
	ctx context.Context,
	tenantID, commandType, fingerprint string,
) (*domain.IdempotencyRecord, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM idempotency_records
			  WHERE tenant_id = $1 AND command_type = $2 AND fingerprint = $3
			  FOR UPDATE`, idempotencyColumns)

	row := querier.QueryRowContext(ctx, query, tenantID, commandType, fingerprint)
	return scanIdempotencyRecord(row)
}

// Update rewrites a record's mutable fields.
func (r *PostgreSQLIdempotencyRepository) Update(ctx context.Context, record *domain.IdempotencyRecord) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE idempotency_records
			  SET payload = $1, status = $2, result_event_id = $3, response_payload = $4,
				  retries = $5, last_error = $6, correlation_id = $7, updated_at = NOW()
			  WHERE id = $8`

	_, err := querier.ExecContext(ctx, query, record.Payload, record.Status, record.ResultEventID,
		record.ResponsePayload, record.Retries, record.LastError, record.CorrelationID, record.ID)

	return err
}

// ClaimFailedBatch claims up to limit failed records with retry budget left,
// stamping a worker claim so concurrent retry-worker replicas never pick the
// same record. Records whose previous claim expired are reclaimed; a crashed
// worker therefore cannot starve a record permanently.
func (r *PostgreSQLIdempotencyRepository) ClaimFailedBatch(
	ctx context.Context,
	workerID string,
	limit int,
	claimTimeout time.Duration,
	maxRetries int,
) ([]*domain.IdempotencyRecord, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`UPDATE idempotency_records
			  SET locked_by = $1, locked_at = NOW(), updated_at = NOW()
			  WHERE id IN (
				  SELECT id FROM idempotency_records
				  WHERE status = $2 AND retries < $3
					AND (locked_at IS NULL OR locked_at < NOW() - ($4 * INTERVAL '1 millisecond'))
				  ORDER BY updated_at ASC
				  LIMIT $5
				  FOR UPDATE SKIP LOCKED
			  )
			  RETURNING %s`, idempotencyColumns)

	rows, err := querier.QueryContext(ctx, query, workerID, domain.IdempotencyStatusFailed,
		maxRetries, claimTimeout.Milliseconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	return scanIdempotencyRecords(rows)
}

// MarkAcked finalizes a successfully re-executed record, storing the result
// for future replays. Conditional on the worker still holding the claim.
func (r *PostgreSQLIdempotencyRepository) MarkAcked(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	resultEventID uuid.UUID,
	correlationID string,
	responsePayload string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE idempotency_records
			  SET status = $1, result_event_id = $2, correlation_id = $3, response_payload = $4,
				  last_error = NULL, locked_at = NULL, locked_by = NULL, updated_at = NOW()
			  WHERE id = $5 AND locked_by = $6`

	result, err := querier.ExecContext(ctx, query, domain.IdempotencyStatusAcked,
		resultEventID, correlationID, responsePayload, id, workerID)
	if err != nil {
		return err
	}

	return requireClaim(result)
}

// MarkFailedAttempt appends a failed re-execution: the record stays failed
// with an incremented retry count and releases the claim for the next sweep.
func (r *PostgreSQLIdempotencyRepository) MarkFailedAttempt(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	lastError string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE idempotency_records
			  SET retries = $1, last_error = $2, locked_at = NULL, locked_by = NULL, updated_at = NOW()
			  WHERE id = $3 AND locked_by = $4`

	result, err := querier.ExecContext(ctx, query, retries, lastError, id, workerID)
	if err != nil {
		return err
	}

	return requireClaim(result)
}

// GetByID retrieves a single idempotency record.
func (r *PostgreSQLIdempotencyRepository) GetByID(
	ctx context.Context,
	id uuid.UUID,
) (*domain.IdempotencyRecord, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM idempotency_records WHERE id = $1`, idempotencyColumns)

	row := querier.QueryRowContext(ctx, query, id)
	return scanIdempotencyRecord(row)
}

// requireClaim converts an unmatched conditional update into ErrLeaseLost.
func requireClaim(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.ErrLeaseLost
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanIdempotencyRecord reads one record in idempotencyColumns order.
func scanIdempotencyRecord(row rowScanner) (*domain.IdempotencyRecord, error) {
	var record domain.IdempotencyRecord

	err := row.Scan(&record.ID, &record.TenantID, &record.CommandType, &record.ResourceID,
		&record.Fingerprint, &record.Payload, &record.Status, &record.ResultEventID,
		&record.ResponsePayload, &record.Retries, &record.LastError, &record.CorrelationID,
		&record.LockedAt, &record.LockedBy, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}

	return &record, nil
}

// scanIdempotencyRecords reads records in idempotencyColumns order.
func scanIdempotencyRecords(rows *sql.Rows) ([]*domain.IdempotencyRecord, error) {
	var records []*domain.IdempotencyRecord

	for rows.Next() {
		record, err := scanIdempotencyRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}
