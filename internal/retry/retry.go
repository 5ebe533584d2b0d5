// Package retry provides a bounded retry executor with exponential backoff and
// jitter. It is broker- and handler-agnostic: the outbox dispatcher uses it to
// schedule redelivery delays and the idempotency retry worker uses it to space
// out handler re-executions.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	apperrors "github.com/allisson/relay/internal/errors"
)

// OnRetryFunc is invoked before each retry wait with the zero-based attempt
// index that just failed, the computed delay, and the causing error.
type OnRetryFunc func(attempt int, delay time.Duration, err error)

// Config holds retry behavior configuration.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int
	// BaseDelay is the backoff base; attempt n waits BaseDelay * 2^n.
	BaseDelay time.Duration
	// Schedule is an optional explicit per-attempt delay list. When set it
	// takes precedence over exponential backoff; attempts beyond its length
	// reuse the last entry.
	Schedule []time.Duration
	// JitterFactor adds a uniform random delay of up to JitterFactor times the
	// computed delay, desynchronizing concurrent retries.
	JitterFactor float64
	// OnRetry is called before each wait. Optional.
	OnRetry OnRetryFunc
}

// ExhaustedError is the terminal error returned when the retry budget is used
// up. It wraps the last cause and carries the total attempt count.
type ExhaustedError struct {
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

// Unwrap exposes both the last cause and the ErrRetryExhausted sentinel so
// callers can match either with errors.Is.
func (e *ExhaustedError) Unwrap() []error {
	return []error{apperrors.ErrRetryExhausted, e.Cause}
}

// Delay computes the wait before retrying attempt (zero-based). The schedule,
// when present, wins over exponential backoff; jitter is added either way.
func Delay(cfg Config, attempt int) time.Duration {
	var delay time.Duration

	if len(cfg.Schedule) > 0 {
		idx := attempt
		if idx >= len(cfg.Schedule) {
			idx = len(cfg.Schedule) - 1
		}
		delay = cfg.Schedule[idx]
	} else {
		delay = cfg.BaseDelay << uint(attempt)
	}

	if cfg.JitterFactor > 0 {
		delay += time.Duration(rand.Float64() * cfg.JitterFactor * float64(delay))
	}

	return delay
}

// Do executes op for up to MaxRetries+1 attempts, waiting Delay(cfg, attempt)
// between attempts. It returns nil on the first success, the context error if
// the context is done during a wait, and an ExhaustedError once the budget is
// spent.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxRetries {
			break
		}

		delay := Delay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxRetries + 1, Cause: lastErr}
}
