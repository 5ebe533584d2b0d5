// Package errors provides standardized domain errors that express business intent
// rather than infrastructure details. These errors should be used by use cases
// and mapped to appropriate HTTP status codes by handlers.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors that can be used across all domain modules.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., a duplicate
	// in-flight idempotency key).
	ErrConflict = errors.New("conflict")

	// ErrAlreadyExists indicates an insert collided with a uniqueness
	// constraint. Callers that raced a concurrent writer can re-read and
	// observe the winner's row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownCommand indicates a command type that has no registered handler.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrRetryExhausted indicates an operation failed after using its full
	// retry budget. Use retry.ExhaustedError to carry the attempt count.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrLeaseLost indicates a worker tried to finalize a row whose lease it
	// no longer holds (another worker reclaimed it after lock timeout).
	ErrLeaseLost = errors.New("lease lost")
)

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New for consistency.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// Use this to add context at each layer without losing the original error type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
