// Package domain defines the idempotency dedup entities and types.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// IdempotencyStatus represents the status of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyStatusPending IdempotencyStatus = "pending"
	IdempotencyStatusAcked   IdempotencyStatus = "acked"
	IdempotencyStatusFailed  IdempotencyStatus = "failed"
)

// IdempotencyRecord pins one logical command submission. At most one live
// record exists per (tenant, command type, fingerprint); duplicate submissions
// resolve to the same record instead of creating a new one.
type IdempotencyRecord struct {
	ID              uuid.UUID
	TenantID        string
	CommandType     string
	ResourceID      *string
	Fingerprint     string
	Payload         string
	Status          IdempotencyStatus
	ResultEventID   *uuid.UUID
	ResponsePayload *string
	Retries         int
	LastError       *string
	CorrelationID   string
	LockedAt        *time.Time
	LockedBy        *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fingerprint deterministically identifies a logically duplicate submission:
// a hash over tenant, command type, and the client's idempotency key (falling
// back to the request ID when no key was sent).
func Fingerprint(tenantID, commandType, idempotencyKey, requestID string) string {
	key := idempotencyKey
	if key == "" {
		key = requestID
	}

	sum := sha256.Sum256([]byte(tenantID + "\x00" + commandType + "\x00" + key))
	return hex.EncodeToString(sum[:])
}
