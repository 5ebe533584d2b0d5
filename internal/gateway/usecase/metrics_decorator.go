package usecase

import (
	"context"
	"time"

	commandDomain "github.com/allisson/relay/internal/command/domain"
	apperrors "github.com/allisson/relay/internal/errors"
	"github.com/allisson/relay/internal/metrics"
)

// gatewayUseCaseWithMetrics decorates GatewayUseCase with metrics instrumentation.
type gatewayUseCaseWithMetrics struct {
	next    GatewayUseCase
	metrics metrics.BusinessMetrics
}

// NewGatewayUseCaseWithMetrics wraps a GatewayUseCase with metrics recording.
func NewGatewayUseCaseWithMetrics(useCase GatewayUseCase, m metrics.BusinessMetrics) GatewayUseCase {
	return &gatewayUseCaseWithMetrics{
		next:    useCase,
		metrics: m,
	}
}

// Submit records metrics for command submissions. Conflicts are labeled apart
// from errors because an elevated conflict rate points at client retry storms,
// not at pipeline problems.
func (g *gatewayUseCaseWithMetrics) Submit(
	ctx context.Context,
	cmd commandDomain.SubmitCommand,
) (*commandDomain.Acceptance, error) {
	start := time.Now()
	acceptance, err := g.next.Submit(ctx, cmd)

	status := "success"
	switch {
	case apperrors.Is(err, apperrors.ErrConflict):
		status = "conflict"
	case err != nil:
		status = "error"
	}

	g.metrics.RecordOperation(ctx, "gateway", "command_submit", status)
	g.metrics.RecordDuration(ctx, "gateway", "command_submit", time.Since(start), status)

	return acceptance, err
}
