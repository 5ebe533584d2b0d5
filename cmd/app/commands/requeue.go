package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/allisson/relay/internal/outbox/domain"
)

// Requeuer is the slice of the requeue use case the CLI command needs.
type Requeuer interface {
	Requeue(ctx context.Context, filter domain.RequeueFilter, note string) (int64, error)
}

// RunRequeue returns dead-lettered or failed outbox events to pending so the
// dispatcher redelivers them.
func RunRequeue(
	ctx context.Context,
	requeuer Requeuer,
	writer io.Writer,
	status, tenant, eventType, aggregateID string,
	limit int,
	note string,
) error {
	eventStatus, err := parseRequeueStatus(status)
	if err != nil {
		return err
	}

	filter := domain.RequeueFilter{
		Status:      eventStatus,
		TenantID:    tenant,
		EventType:   eventType,
		AggregateID: aggregateID,
		Limit:       limit,
	}

	count, err := requeuer.Requeue(ctx, filter, note)
	if err != nil {
		return fmt.Errorf("failed to requeue events: %w", err)
	}

	fmt.Fprintf(writer, "Requeued %d event(s) with status %q\n", count, status)
	return nil
}

// parseRequeueStatus converts the status flag to an outbox event status.
func parseRequeueStatus(status string) (domain.OutboxEventStatus, error) {
	switch status {
	case "dlq":
		return domain.OutboxEventStatusDeadLetter, nil
	case "failed":
		return domain.OutboxEventStatusFailed, nil
	default:
		return "", fmt.Errorf("invalid status: %s (valid options: dlq, failed)", status)
	}
}
