// Package http provides the HTTP handler for command submission. It is the
// outer boundary of the acceptance path: parse, validate, hand over to the
// gateway use case, and map the outcome to a status code.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	commandDomain "github.com/allisson/relay/internal/command/domain"
	"github.com/allisson/relay/internal/gateway/http/dto"
	gatewayUseCase "github.com/allisson/relay/internal/gateway/usecase"
	"github.com/allisson/relay/internal/httputil"
	customValidation "github.com/allisson/relay/internal/validation"
)

// CommandHandler handles HTTP requests for command submission.
type CommandHandler struct {
	gatewayUseCase gatewayUseCase.GatewayUseCase
	logger         *slog.Logger
}

// NewCommandHandler creates a new command handler with required dependencies.
func NewCommandHandler(useCase gatewayUseCase.GatewayUseCase, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		gatewayUseCase: useCase,
		logger:         logger,
	}
}

// SubmitHandler accepts a command submission.
// POST /v1/commands
// Returns 202 Accepted: acceptance is a durable promise that the command will
// be dispatched, not a completion guarantee.
func (h *CommandHandler) SubmitHandler(c *gin.Context) {
	var req dto.SubmitCommandRequest

	// Parse and bind JSON
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	// Validate request
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, customValidation.WrapValidationError(err), h.logger)
		return
	}

	cmd := commandDomain.SubmitCommand{
		CommandName:    req.CommandName,
		TenantID:       req.TenantID,
		Payload:        req.Payload,
		ResourceID:     req.ResourceID,
		RequestID:      requestid.Get(c),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		CorrelationID:  req.CorrelationID,
		InitiatedBy:    req.InitiatedBy,
	}

	acceptance, err := h.gatewayUseCase.Submit(c.Request.Context(), cmd)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusAccepted, dto.MapAcceptanceToResponse(acceptance))
}
