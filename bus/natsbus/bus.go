// Package natsbus provides a NATS JetStream implementation of bus.Bus.
//
// Publishes are acknowledged by the stream (at-least-once). Subscriptions
// share a durable consumer, giving consumer-group semantics: each event is
// delivered to one member of the group, redelivered if not acknowledged.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lirancohen/baton/bus"
	"github.com/lirancohen/baton/event"
)

// Default configuration values.
const (
	DefaultStream  = "BATON_EVENTS"
	DefaultSubject = "baton.events"
	DefaultGroup   = "baton"
	DefaultBuffer  = 256
)

// Config configures the JetStream bus.
type Config struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// Stream is the JetStream stream name. Defaults to DefaultStream.
	Stream string

	// Subject is the subject events are published on. Defaults to DefaultSubject.
	Subject string

	// Group is the durable consumer name shared by subscribers.
	// Defaults to DefaultGroup.
	Group string

	// Buffer is the per-subscription channel capacity. Defaults to DefaultBuffer.
	Buffer int
}

// withDefaults returns a copy of the config with default values applied.
func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	return c
}

// Bus implements bus.Bus on NATS JetStream.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials NATS, initializes JetStream, and ensures the event stream
// exists.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream instance: %w", err)
	}

	b := &Bus{nc: nc, js: js, cfg: cfg}
	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// ensureStream creates the event stream if it doesn't exist.
func (b *Bus) ensureStream(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{b.cfg.Subject},
	}
	_, err := b.js.Stream(ctx, b.cfg.Stream)
	if err == jetstream.ErrStreamNotFound {
		if _, err := b.js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", b.cfg.Stream, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

// Publish marshals the event as JSON and publishes it to the stream,
// waiting for the stream acknowledgement.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, b.cfg.Subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", b.cfg.Subject, err)
	}
	return nil
}

// Subscribe joins the durable consumer group and returns a channel of
// events. Messages are acknowledged after they are handed to the channel,
// so a crash before the consumer processes them results in redelivery
// (at-least-once).
func (b *Bus) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	stream, err := b.js.Stream(ctx, b.cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", b.cfg.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.cfg.Group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", b.cfg.Group, err)
	}

	ch := make(chan event.Event, b.cfg.Buffer)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var evt event.Event
		if err := json.Unmarshal(msg.Data(), &evt); err != nil {
			// Unparseable message; drop it rather than redeliver forever.
			_ = msg.Term()
			return
		}
		select {
		case ch <- evt:
			_ = msg.Ack()
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume from %s: %w", b.cfg.Group, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		// Wait for in-flight handler callbacks before closing the channel.
		<-cc.Closed()
		close(ch)
	}()

	return ch, nil
}

// Close closes the NATS connection.
func (b *Bus) Close() error {
	if b.nc != nil && !b.nc.IsClosed() {
		b.nc.Close()
	}
	return nil
}
