package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/allisson/relay/internal/database"
	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/idempotency/domain"
)

// MySQLIdempotencyRepository handles idempotency record persistence for MySQL.
//
// Like the outbox repository, the batch claim is a locked select followed by
// per-row updates and must run inside TxManager.WithTx.
type MySQLIdempotencyRepository struct {
	db *sql.DB
}

// NewMySQLIdempotencyRepository creates a new MySQLIdempotencyRepository.
func NewMySQLIdempotencyRepository(db *sql.DB) *MySQLIdempotencyRepository {
	return &MySQLIdempotencyRepository{
		db: db,
	}
}

// Create inserts a new idempotency record. A collision on the fingerprint
// unique constraint surfaces as ErrAlreadyExists so the gateway can re-read
// the winning record after losing a concurrent-insert race.
func (r *MySQLIdempotencyRepository) Create(ctx context.Context, record *domain.IdempotencyRecord) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO idempotency_records (id, tenant_id, command_type, resource_id, fingerprint,
				payload, status, result_event_id, response_payload, retries, last_error, correlation_id,
				created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(3), NOW(3))`

	_, err := querier.ExecContext(ctx, query, record.ID, record.TenantID, record.CommandType,
		record.ResourceID, record.Fingerprint, record.Payload, record.Status, record.ResultEventID,
		record.ResponsePayload, record.Retries, record.LastError, record.CorrelationID)

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return apperrors.Wrap(apperrors.ErrAlreadyExists, "idempotency record for this fingerprint already exists")
	}

	return err
}

// GetByFingerprintForUpdate looks up the live record for a fingerprint with an
// explicit row lock. Must run inside TxManager.WithTx.
func (r *MySQLIdempotencyRepository) GetByFingerprintForUpdate(
	ctx context.Context,
	tenantID, commandType, fingerprint string,
) (*domain.IdempotencyRecord, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM idempotency_records
			  WHERE tenant_id = ? AND command_type = ? AND fingerprint = ?
			  FOR UPDATE`, idempotencyColumns)

	row := querier.QueryRowContext(ctx, query, tenantID, commandType, fingerprint)
	return scanIdempotencyRecord(row)
}

// Update rewrites a record's mutable fields.
func (r *MySQLIdempotencyRepository) Update(ctx context.Context, record *domain.IdempotencyRecord) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE idempotency_records
			  SET payload = ?, status = ?, result_event_id = ?, response_payload = ?,
				  retries = ?, last_error = ?, correlation_id = ?, updated_at = NOW(3)
			  WHERE id = ?`

	_, err := querier.ExecContext(ctx, query, record.Payload, record.Status, record.ResultEventID,
		record.ResponsePayload, record.Retries, record.LastError, record.CorrelationID, record.ID)

	return err
}

// ClaimFailedBatch claims up to limit failed records with retry budget left.
func (r *MySQLIdempotencyRepository) ClaimFailedBatch(
	ctx context.Context,
	workerID string,
	limit int,
	claimTimeout time.Duration,
	maxRetries int,
) ([]*domain.IdempotencyRecord, error) {
	querier := database.GetTx(ctx, r.db)

	selectQuery := fmt.Sprintf(`SELECT %s FROM idempotency_records
			  WHERE status = ? AND retries < ?
				AND (locked_at IS NULL OR locked_at < DATE_SUB(NOW(3), INTERVAL ? MICROSECOND))
			  ORDER BY updated_at ASC
			  LIMIT ?
			  FOR UPDATE SKIP LOCKED`, idempotencyColumns)

	rows, err := querier.QueryContext(ctx, selectQuery, domain.IdempotencyStatusFailed,
		maxRetries, claimTimeout.Microseconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	records, err := scanIdempotencyRecords(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, record := range records {
		updateQuery := `UPDATE idempotency_records
				  SET locked_by = ?, locked_at = NOW(3), updated_at = NOW(3)
				  WHERE id = ?`

		if _, err := querier.ExecContext(ctx, updateQuery, workerID, record.ID); err != nil {
			return nil, err
		}

		lockedBy := workerID
		lockedAt := now
		record.LockedBy = &lockedBy
		record.LockedAt = &lockedAt
	}

	return records, nil
}

// MarkAcked finalizes a successfully re-executed record, conditional on the claim.
func (r *MySQLIdempotencyRepository) MarkAcked(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	resultEventID uuid.UUID,
	correlationID string,
	responsePayload string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE idempotency_records
			  SET status = ?, result_event_id = ?, correlation_id = ?, response_payload = ?,
				  last_error = NULL, locked_at = NULL, locked_by = NULL, updated_at = NOW(3)
			  WHERE id = ? AND locked_by = ?`

	result, err := querier.ExecContext(ctx, query, domain.IdempotencyStatusAcked,
		resultEventID, correlationID, responsePayload, id, workerID)
	if err != nil {
		return err
	}

	return requireClaim(result)
}

// MarkFailedAttempt appends a failed re-execution and releases the claim.
func (r *MySQLIdempotencyRepository) MarkFailedAttempt(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	retries int,
	lastError string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE idempotency_records
			  SET retries = ?, last_error = ?, locked_at = NULL, locked_by = NULL, updated_at = NOW(3)
			  WHERE id = ? AND locked_by = ?`

	result, err := querier.ExecContext(ctx, query, retries, lastError, id, workerID)
	if err != nil {
		return err
	}

	return requireClaim(result)
}

// GetByID retrieves a single idempotency record.
func (r *MySQLIdempotencyRepository) GetByID(
	ctx context.Context,
	id uuid.UUID,
) (*domain.IdempotencyRecord, error) {
	querier := database.GetTx(ctx, r.db)

	query := fmt.Sprintf(`SELECT %s FROM idempotency_records WHERE id = ?`, idempotencyColumns)

	row := querier.QueryRowContext(ctx, query, id)
	return scanIdempotencyRecord(row)
}
