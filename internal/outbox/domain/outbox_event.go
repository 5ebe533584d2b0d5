// Package domain defines the core outbox domain entities and types.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxEventStatus represents the status of an outbox event.
type OutboxEventStatus string

const (
	OutboxEventStatusPending    OutboxEventStatus = "pending"
	OutboxEventStatusInFlight   OutboxEventStatus = "in_flight"
	OutboxEventStatusDelivered  OutboxEventStatus = "delivered"
	OutboxEventStatusFailed     OutboxEventStatus = "failed"
	OutboxEventStatusDeadLetter OutboxEventStatus = "dlq"
)

// OutboxEvent is one message owed to the broker, written in the same
// transaction as the domain change that requires it. After creation only the
// dispatcher mutates it.
type OutboxEvent struct {
	ID           uuid.UUID
	AggregateID  string
	PartitionKey *string
	EventType    string
	Payload      string
	Headers      map[string]string
	Status       OutboxEventStatus
	Retries      int
	LastError    *string
	AvailableAt  time.Time
	LockedAt     *time.Time
	LockedBy     *string
	DeliveredAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageKey returns the broker partition key: the explicit partition key when
// present, else the aggregate ID. Per-aggregate ordering is best effort via
// this key; there is no cross-aggregate guarantee.
func (e *OutboxEvent) MessageKey() string {
	if e.PartitionKey != nil && *e.PartitionKey != "" {
		return *e.PartitionKey
	}
	return e.AggregateID
}

// DeadLetter is the message emitted when an outbox event exhausts its retry
// budget and is parked in the DLQ for manual inspection or requeue.
type DeadLetter struct {
	FailureReason  string          `json:"failure_reason"`
	FailedAt       time.Time       `json:"failed_at"`
	OriginalTopic  string          `json:"original_topic"`
	OriginalRecord *OutboxEvent    `json:"original_record"`
	Error          DeadLetterError `json:"error"`
}

// DeadLetterError carries the terminal publish error details.
type DeadLetterError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// RequeueFilter selects FAILED/DLQ rows for operational requeue.
type RequeueFilter struct {
	Status      OutboxEventStatus
	TenantID    string
	EventType   string
	AggregateID string
	Limit       int
}
