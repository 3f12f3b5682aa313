package event

import "context"

// Store defines the minimal interface for event persistence.
// Implementations must be safe for concurrent use.
//
// Following the principle that the bigger the interface, the weaker the
// abstraction, optional capabilities (transactional outbox, snapshots) are
// separate interfaces. Callers type-assert to discover them:
//
//	if os, ok := store.(event.OutboxStore); ok {
//	    committed, err := os.AppendWithOutbox(ctx, evt)
//	    ...
//	}
type Store interface {
	// Append inserts the event. If the event carries an idempotency key and
	// an event with the same key already exists, Append succeeds without
	// writing anything - the idempotent-retry contract. Implementations must
	// convert storage-level uniqueness violations on the key into this
	// silent no-op, never surface them as errors.
	Append(ctx context.Context, evt Event) error

	// List returns all events for a workflow run in ascending timestamp
	// order. Returns an empty slice if the run has no events.
	List(ctx context.Context, correlationID string) ([]Event, error)
}

// OutboxStore is an optional Store capability that couples durability with
// reliable delivery: an event is never in the log without a matching outbox
// entry, and vice versa. A separate drain process publishes undelivered
// entries to the bus and marks them delivered.
type OutboxStore interface {
	Store

	// AppendWithOutbox atomically appends the event and an outbox entry in
	// one unit. Returns committed=false (and no error) if the idempotency
	// key already existed; in that case neither the log nor the outbox is
	// modified.
	AppendWithOutbox(ctx context.Context, evt Event) (committed bool, err error)

	// FetchOutbox returns up to limit undelivered events, oldest first.
	FetchOutbox(ctx context.Context, limit int) ([]Event, error)

	// MarkOutboxDelivered excludes the given event ids from future fetches.
	// Idempotent: already-delivered and unknown ids are no-ops.
	MarkOutboxDelivered(ctx context.Context, ids []string) error
}

// SnapshotStore is an optional Store capability for point-in-time copies of
// a run's event list, used for replay and inspection without rescanning the
// live log.
type SnapshotStore interface {
	Store

	// Snapshot materializes the current event list for the run into a new
	// named snapshot and returns its id. The id format is
	// "{correlationID}:{eventCount}", so repeated snapshots at the same
	// depth are idempotent by construction: same id, same content.
	Snapshot(ctx context.Context, correlationID string) (string, error)

	// ListSnapshots returns the snapshot ids recorded for the run.
	ListSnapshots(ctx context.Context, correlationID string) ([]string, error)

	// LoadSnapshot returns the event list captured in the snapshot.
	// An unknown snapshot id yields an empty slice, not an error.
	LoadSnapshot(ctx context.Context, correlationID, snapshotID string) ([]Event, error)
}
