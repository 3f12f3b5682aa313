// Package bus defines the publish/subscribe transport for workflow events,
// decoupled from durable storage.
package bus

import (
	"context"

	"github.com/lirancohen/baton/event"
)

// Bus is the event transport. The only delivery guarantee is at-least-once:
// the bus never deduplicates, so consumers must dedup themselves, e.g. by
// event ID or idempotency key.
type Bus interface {
	// Publish hands the event to the transport.
	Publish(ctx context.Context, evt event.Event) error

	// Subscribe returns a channel of events delivered to this subscriber.
	// The channel is closed when ctx is cancelled; a subscription cannot be
	// restarted, only replaced by a new one. There is no replay-from-offset
	// contract at this level - that is a transport-specific enhancement.
	Subscribe(ctx context.Context) (<-chan event.Event, error)
}
