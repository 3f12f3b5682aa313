// Package event provides the event types and storage interfaces for Baton's
// event-sourced workflow execution model.
package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies events in the workflow execution lifecycle.
type EventType string

const (
	// Node outcome events
	EventTaskCompleted  EventType = "task.completed"
	EventAgentCompleted EventType = "agent.completed"

	// Human checkpoint events
	EventHumanApproved EventType = "human.approved"
	EventHumanWait     EventType = "human.wait"

	// Policy events
	EventPolicyDenied EventType = "policy.denied"
)

// Event is a single immutable fact in a workflow run's history. Events are
// the source of truth for execution progress and enable crash recovery:
// a run's state is always derived from its event list, never from an
// in-memory cursor.
type Event struct {
	// ID is the unique identifier for this event (UUID), assigned at
	// creation and never reused.
	ID string `json:"id"`

	// Type classifies the event (e.g., "task.completed").
	Type EventType `json:"type"`

	// Payload contains the step-specific output. The engine treats it as
	// opaque apart from the "node" and "workflow" keys it stamps itself.
	Payload map[string]any `json:"payload"`

	// Timestamp records wall-clock seconds at creation. Within a run,
	// store listings are ordered by ascending Timestamp.
	Timestamp float64 `json:"ts"`

	// CorrelationID identifies the workflow run this event belongs to.
	// All events of one run share it.
	CorrelationID string `json:"correlation_id"`

	// CausationID is the ID of the event that logically caused this one,
	// forming a causal chain for auditing. Empty for run-initiating events.
	CausationID string `json:"causation_id,omitempty"`

	// IdempotencyKey, when set, constrains the event to be recorded at most
	// once: a second append with the same key is a silent no-op.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Option customizes an event created by New.
type Option func(*Event)

// WithCorrelationID sets the workflow run identifier.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithCausationID records the event that caused this one.
func WithCausationID(id string) Option {
	return func(e *Event) { e.CausationID = id }
}

// WithIdempotencyKey constrains the event to at-most-once recording.
func WithIdempotencyKey(key string) Option {
	return func(e *Event) { e.IdempotencyKey = key }
}

// New creates an event with a fresh ID and the current wall-clock timestamp.
// If no correlation id is supplied, a fresh one is generated so the event
// can start a run of its own.
func New(typ EventType, payload map[string]any, opts ...Option) Event {
	e := Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	return e
}
