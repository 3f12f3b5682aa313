package memory

import (
	"context"
	"testing"
	"time"

	"github.com/lirancohen/baton/event"
)

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New()
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	e := event.New(event.EventTaskCompleted, map[string]any{"node": "a"}, event.WithCorrelationID("run-1"))
	if err := b.Publish(ctx, e); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != e.ID {
			t.Errorf("received event %s, want %s", got.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	e := event.New(event.EventTaskCompleted, nil, event.WithCorrelationID("run-1"))
	if err := b.Publish(ctx, e); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, ch := range []<-chan event.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ID != e.ID {
				t.Errorf("subscriber %d received %s, want %s", i, got.ID, e.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestPublishOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New()
	ch, _ := b.Subscribe(ctx)

	var ids []string
	for i := 0; i < 10; i++ {
		e := event.New(event.EventTaskCompleted, nil, event.WithCorrelationID("run-1"))
		ids = append(ids, e.ID)
		if err := b.Publish(ctx, e); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for i, want := range ids {
		select {
		case got := <-ch:
			if got.ID != want {
				t.Errorf("event %d = %s, want %s", i, got.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ordered events")
		}
	}
}

func TestSubscribeChannelClosedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := New()
	ch, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel, got an event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	// Publishing after the subscription ended must not block or panic.
	pubCtx, pubCancel := context.WithTimeout(context.Background(), time.Second)
	defer pubCancel()
	if err := b.Publish(pubCtx, event.New(event.EventTaskCompleted, nil)); err != nil {
		t.Errorf("Publish() after unsubscribe error = %v", err)
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	b := New()
	if err := b.Publish(context.Background(), event.New(event.EventTaskCompleted, nil)); err != nil {
		t.Errorf("Publish() with no subscribers error = %v", err)
	}
}

func TestZeroValueReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var b Bus
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("zero-value Subscribe() error = %v", err)
	}

	e := event.New(event.EventTaskCompleted, nil)
	if err := b.Publish(ctx, e); err != nil {
		t.Fatalf("zero-value Publish() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != e.ID {
			t.Errorf("received %s, want %s", got.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
