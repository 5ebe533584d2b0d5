// Package domain defines the lifecycle audit-trail entities and states.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// State is a processing milestone in a command's lifecycle.
type State string

const (
	StateReceived   State = "RECEIVED"
	StatePersisted  State = "PERSISTED"
	StateInProgress State = "IN_PROGRESS"
	StatePublished  State = "PUBLISHED"
	StateConsumed   State = "CONSUMED"
	StateApplied    State = "APPLIED"
	StateFailed     State = "FAILED"
	StateDeadLetter State = "DLQ"
)

// Transition is one appended lifecycle step. Transitions are never rewritten
// or removed; re-stamping the same state appends another entry.
type Transition struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// LifecycleRecord is the append-only audit trail for one command, keyed by its
// outbox event ID. CurrentState always equals the last transition's state.
type LifecycleRecord struct {
	EventID      uuid.UUID
	TenantID     string
	ResourceID   *string
	CommandName  string
	CurrentState State
	Transitions  []Transition
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StalledCount is the number of records sitting in one state longer than the
// staleness threshold.
type StalledCount struct {
	State State
	Count int64
}
