// Package memory provides an in-memory implementation of event.Store with
// outbox and snapshot support. This implementation is suitable for testing
// and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lirancohen/baton/event"
)

// outboxEntry wraps an event with its delivery flag.
type outboxEntry struct {
	evt       event.Event
	delivered bool
}

// Store is a thread-safe in-memory implementation of event.Store,
// event.OutboxStore and event.SnapshotStore. The zero value is ready for use.
type Store struct {
	mu        sync.RWMutex
	events    map[string][]event.Event // correlationID -> events (append order)
	idemKeys  map[string]struct{}      // set of seen idempotency keys
	outbox    []outboxEntry            // append order = oldest first
	snapshots map[string][]event.Event // snapshotID -> captured event list
	snapIDs   map[string][]string      // correlationID -> snapshot ids (creation order)
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		events:    make(map[string][]event.Event),
		idemKeys:  make(map[string]struct{}),
		snapshots: make(map[string][]event.Event),
		snapIDs:   make(map[string][]string),
	}
}

// init initializes maps if nil. Caller must hold s.mu.
func (s *Store) init() {
	if s.events == nil {
		s.events = make(map[string][]event.Event)
	}
	if s.idemKeys == nil {
		s.idemKeys = make(map[string]struct{})
	}
	if s.snapshots == nil {
		s.snapshots = make(map[string][]event.Event)
	}
	if s.snapIDs == nil {
		s.snapIDs = make(map[string][]string)
	}
}

// Append inserts the event. A duplicate idempotency key is a silent no-op.
func (s *Store) Append(ctx context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	s.appendLocked(evt, false)
	return nil
}

// AppendWithOutbox atomically appends the event and an outbox entry.
// Returns committed=false if the idempotency key already existed.
func (s *Store) AppendWithOutbox(ctx context.Context, evt event.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	return s.appendLocked(evt, true), nil
}

// appendLocked performs the idempotency check and insert.
// Caller must hold s.mu.
func (s *Store) appendLocked(evt event.Event, withOutbox bool) bool {
	if evt.IdempotencyKey != "" {
		if _, exists := s.idemKeys[evt.IdempotencyKey]; exists {
			return false
		}
		s.idemKeys[evt.IdempotencyKey] = struct{}{}
	}

	s.events[evt.CorrelationID] = append(s.events[evt.CorrelationID], evt)
	if withOutbox {
		s.outbox = append(s.outbox, outboxEntry{evt: evt})
	}
	return true
}

// List returns all events for a run in ascending timestamp order.
func (s *Store) List(ctx context.Context, correlationID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedCopy(s.events[correlationID]), nil
}

// Snapshot materializes the current event list for the run into a named
// snapshot. Snapshotting at the same depth twice reuses the same id.
func (s *Store) Snapshot(ctx context.Context, correlationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	events := sortedCopy(s.events[correlationID])
	id := fmt.Sprintf("%s:%d", correlationID, len(events))

	if _, exists := s.snapshots[id]; !exists {
		s.snapshots[id] = events
		s.snapIDs[correlationID] = append(s.snapIDs[correlationID], id)
	}
	return id, nil
}

// ListSnapshots returns the snapshot ids recorded for the run.
func (s *Store) ListSnapshots(ctx context.Context, correlationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.snapIDs[correlationID]))
	copy(ids, s.snapIDs[correlationID])
	return ids, nil
}

// LoadSnapshot returns the event list captured in the snapshot.
// An unknown snapshot id yields an empty slice.
func (s *Store) LoadSnapshot(ctx context.Context, correlationID, snapshotID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	captured, ok := s.snapshots[snapshotID]
	if !ok {
		return []event.Event{}, nil
	}
	result := make([]event.Event, len(captured))
	copy(result, captured)
	return result, nil
}

// FetchOutbox returns up to limit undelivered events, oldest first.
func (s *Store) FetchOutbox(ctx context.Context, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []event.Event
	for _, entry := range s.outbox {
		if entry.delivered {
			continue
		}
		result = append(result, entry.evt)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// MarkOutboxDelivered marks the given event ids as delivered.
// Already-delivered and unknown ids are no-ops.
func (s *Store) MarkOutboxDelivered(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for i := range s.outbox {
		if _, ok := set[s.outbox[i].evt.ID]; ok {
			s.outbox[i].delivered = true
		}
	}
	return nil
}

// sortedCopy returns a copy of events sorted by ascending timestamp.
// The sort is stable so events with equal timestamps keep append order.
func sortedCopy(events []event.Event) []event.Event {
	result := make([]event.Event, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result
}
