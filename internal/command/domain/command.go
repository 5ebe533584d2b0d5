// Package domain defines the core command envelope and acceptance types.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AcceptanceStatus is the synchronous outcome of a command submission.
type AcceptanceStatus string

const (
	AcceptanceStatusAccepted AcceptanceStatus = "accepted"
	AcceptanceStatusConflict AcceptanceStatus = "conflict"
)

// CommandEnvelope is the immutable description of one accepted write command.
// It is serialized into the outbox payload and carried to the broker.
type CommandEnvelope struct {
	CommandID     uuid.UUID       `json:"command_id"`
	CommandName   string          `json:"command_name"`
	TenantID      string          `json:"tenant_id"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	RequestID     string          `json:"request_id"`
	InitiatedBy   string          `json:"initiated_by,omitempty"`
	IssuedAt      time.Time       `json:"issued_at"`
}

// SubmitCommand is the gateway input, handed over by the outer API layer after
// authentication and schema validation.
type SubmitCommand struct {
	CommandName    string
	TenantID       string
	Payload        json.RawMessage
	ResourceID     string
	RequestID      string
	IdempotencyKey string
	CorrelationID  string
	InitiatedBy    string
}

// MessageMetadata is the envelope metadata portion of the broker wire value.
type MessageMetadata struct {
	CommandID     uuid.UUID `json:"command_id"`
	CommandName   string    `json:"command_name"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	RequestID     string    `json:"request_id"`
	InitiatedBy   string    `json:"initiated_by,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}

// MessageBody is the broker wire value: one JSON document per outbox row,
// carrying the envelope metadata and the raw command payload.
type MessageBody struct {
	Metadata MessageMetadata `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// MessageBody maps the envelope to its broker wire value.
func (e CommandEnvelope) MessageBody() MessageBody {
	return MessageBody{
		Metadata: MessageMetadata{
			CommandID:     e.CommandID,
			CommandName:   e.CommandName,
			TenantID:      e.TenantID,
			CorrelationID: e.CorrelationID,
			RequestID:     e.RequestID,
			InitiatedBy:   e.InitiatedBy,
			IssuedAt:      e.IssuedAt,
		},
		Payload: e.Payload,
	}
}

// Acceptance is the synchronous response to a command submission. For a
// duplicate submission it is replayed unchanged from the cached idempotency
// record.
type Acceptance struct {
	CommandID     uuid.UUID        `json:"command_id"`
	Status        AcceptanceStatus `json:"status"`
	OutboxEventID uuid.UUID        `json:"outbox_event_id"`
	CorrelationID string           `json:"correlation_id"`
	RequestedAt   time.Time        `json:"requested_at"`
}

// HandlerResult is what a command handler produces on success. It is stored on
// the idempotency record so later duplicates replay the same outcome.
type HandlerResult struct {
	EventID       uuid.UUID       `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	Response      json.RawMessage `json:"response,omitempty"`
}
