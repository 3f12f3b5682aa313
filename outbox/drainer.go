// Package outbox provides the drain worker that completes the transactional
// outbox pattern: events appended atomically with their outbox entries are
// picked up by the drainer, published to the bus, and marked delivered.
// Delivery is at-least-once - a crash between publish and mark results in a
// re-publish, which consumers must tolerate by deduplicating.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/baton/bus"
	"github.com/lirancohen/baton/event"
	"github.com/lirancohen/baton/retry"
)

// Default drainer settings.
const (
	// DefaultBatch is the maximum events fetched per drain pass.
	DefaultBatch = 100

	// DefaultSettle is the pause after a successful publish burst, keeping
	// a busy drainer from monopolizing the store.
	DefaultSettle = 100 * time.Millisecond
)

// Logger defines the logging interface for the drainer.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all messages.
type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// Config configures a Drainer.
type Config struct {
	// Store is the outbox-capable event store. Required.
	Store event.OutboxStore

	// Bus receives the drained events. Required.
	Bus bus.Bus

	// Batch caps events fetched per pass. Defaults to DefaultBatch.
	Batch int

	// Backoff shapes the sleep when the outbox is idle and after transient
	// errors. Defaults to retry.Polling().
	Backoff *retry.Policy

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("outbox: Store is required")
	}
	if c.Bus == nil {
		return errors.New("outbox: Bus is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Polling()
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}

// Drainer polls the outbox and publishes undelivered events to the bus.
// Exactly one drainer should run per store; the fetch/mark operations are
// idempotent, so a crashed drainer can simply be restarted.
type Drainer struct {
	cfg Config
}

// NewDrainer creates a drainer from the given configuration.
func NewDrainer(cfg Config) (*Drainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Drainer{cfg: cfg.withDefaults()}, nil
}

// DrainOnce performs a single fetch/publish/mark pass and returns the
// number of events delivered. Events are published in outbox order and
// marked delivered only after every publish in the batch succeeded.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	events, err := d.cfg.Store.FetchOutbox(ctx, d.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(events))
	for _, evt := range events {
		if err := d.cfg.Bus.Publish(ctx, evt); err != nil {
			// Mark what made it out; the rest stays undelivered for the
			// next pass.
			if len(ids) > 0 {
				if markErr := d.cfg.Store.MarkOutboxDelivered(ctx, ids); markErr != nil {
					d.cfg.Logger.Error("mark outbox delivered", "error", markErr)
				}
			}
			return len(ids), fmt.Errorf("publish event %s: %w", evt.ID, err)
		}
		ids = append(ids, evt.ID)
	}

	if err := d.cfg.Store.MarkOutboxDelivered(ctx, ids); err != nil {
		// The events were published; failing to mark means they will be
		// published again. At-least-once allows that.
		return len(ids), fmt.Errorf("mark outbox delivered: %w", err)
	}

	d.cfg.Logger.Debug("drained outbox batch", "count", len(ids))
	return len(ids), nil
}

// Run drains in a loop until ctx is cancelled. Idle passes and transient
// errors back off with jitter; activity resets the backoff.
func (d *Drainer) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivered, err := d.DrainOnce(ctx)
		switch {
		case err != nil:
			attempt++
			d.cfg.Logger.Error("outbox drain pass", "error", err, "attempt", attempt)
		case delivered > 0:
			attempt = 0
		default:
			attempt++
		}

		delay := DefaultSettle
		if delivered == 0 {
			delay = d.cfg.Backoff.NextDelay(attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
