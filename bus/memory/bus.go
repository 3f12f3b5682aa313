// Package memory provides an in-process implementation of bus.Bus backed by
// channels. This implementation is suitable for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/lirancohen/baton/event"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 1000

// subscriber pairs a delivery channel with its subscription context.
// The mutex serializes sends against the close that ends the subscription.
type subscriber struct {
	mu     sync.Mutex
	ch     chan event.Event
	closed bool
	ctx    context.Context
}

// send delivers the event unless the subscription has ended. Delivery to a
// saturated subscriber blocks until it drains or either context ends.
func (s *subscriber) send(ctx context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- evt:
		return nil
	case <-s.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish closes the delivery channel exactly once.
func (s *subscriber) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is a thread-safe in-process event bus. Published events fan out to
// every active subscriber. The zero value is ready for use.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	buffer int
}

// New creates a new in-process bus with the default per-subscriber buffer.
func New() *Bus {
	return &Bus{buffer: DefaultBuffer}
}

// NewBuffered creates a bus with the given per-subscriber channel capacity.
func NewBuffered(buffer int) *Bus {
	return &Bus{buffer: buffer}
}

// Publish fans the event out to all active subscribers.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.send(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	buffer := b.buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{
		ch:  make(chan event.Event, buffer),
		ctx: ctx,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.finish()
	}()

	return sub.ch, nil
}
