package dto

import (
	"time"

	commandDomain "github.com/allisson/relay/internal/command/domain"
)

// AcceptanceResponse is the synchronous response body for an accepted command.
type AcceptanceResponse struct {
	CommandID     string    `json:"command_id"`
	Status        string    `json:"status"`
	OutboxEventID string    `json:"outbox_event_id"`
	CorrelationID string    `json:"correlation_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

// MapAcceptanceToResponse maps an acceptance descriptor to its response body.
func MapAcceptanceToResponse(acceptance *commandDomain.Acceptance) AcceptanceResponse {
	return AcceptanceResponse{
		CommandID:     acceptance.CommandID.String(),
		Status:        string(acceptance.Status),
		OutboxEventID: acceptance.OutboxEventID.String(),
		CorrelationID: acceptance.CorrelationID,
		RequestedAt:   acceptance.RequestedAt,
	}
}
