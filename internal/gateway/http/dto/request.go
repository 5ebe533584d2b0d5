// Package dto provides data transfer objects for HTTP request and response handling.
package dto

import (
	"encoding/json"

	validation "github.com/jellydator/validation"

	customValidation "github.com/allisson/relay/internal/validation"
)

// SubmitCommandRequest contains the parameters for submitting a command.
// The request ID comes from the X-Request-Id header and the idempotency key
// from the Idempotency-Key header, not the body.
type SubmitCommandRequest struct {
	CommandName   string          `json:"command_name" binding:"required"`
	TenantID      string          `json:"tenant_id" binding:"required"`
	Payload       json.RawMessage `json:"payload" binding:"required"`
	ResourceID    string          `json:"resource_id"`
	CorrelationID string          `json:"correlation_id"`
	InitiatedBy   string          `json:"initiated_by"`
}

// Validate checks if the submit command request is valid.
func (r *SubmitCommandRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CommandName, validation.Required, customValidation.CommandName),
		validation.Field(&r.TenantID, validation.Required, customValidation.NotBlank, customValidation.NoWhitespace),
		validation.Field(&r.Payload, validation.Required, customValidation.JSONObject),
	)
}
