// Package pgstore provides a PostgreSQL-based event store implementation
// with a transactional outbox and point-in-time snapshots.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/baton/event"
)

// Schema is the DDL for the tables the store requires.
// The partial unique index on idempotency_key enforces the at-most-once
// recording contract at the storage layer.
const Schema = `
CREATE TABLE IF NOT EXISTS baton_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	ts DOUBLE PRECISION NOT NULL,
	correlation_id TEXT NOT NULL,
	causation_id TEXT,
	idempotency_key TEXT,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_baton_events_correlation ON baton_events (correlation_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_baton_events_idem ON baton_events (idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS baton_outbox (
	position BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	payload JSONB NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_baton_outbox_undelivered ON baton_outbox (position)
	WHERE NOT delivered;

CREATE TABLE IF NOT EXISTS baton_snapshots (
	id TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	events JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_baton_snapshots_correlation ON baton_snapshots (correlation_id);
`

// Store implements event.Store, event.OutboxStore and event.SnapshotStore
// backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL event store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the required tables and indexes if they don't exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Append inserts the event. A duplicate idempotency key (or a retried insert
// of the same event id) is a silent no-op, per the idempotent-retry contract.
func (s *Store) Append(ctx context.Context, evt event.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO baton_events (id, type, ts, correlation_id, causation_id, idempotency_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, evt.ID, string(evt.Type), evt.Timestamp, evt.CorrelationID,
		nullIfEmpty(evt.CausationID), nullIfEmpty(evt.IdempotencyKey), evt.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendWithOutbox atomically appends the event and an outbox entry in one
// transaction. Returns committed=false without error when the idempotency
// key already existed; neither table is modified in that case.
func (s *Store) AppendWithOutbox(ctx context.Context, evt event.Event) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO baton_events (id, type, ts, correlation_id, causation_id, idempotency_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, evt.ID, string(evt.Type), evt.Timestamp, evt.CorrelationID,
		nullIfEmpty(evt.CausationID), nullIfEmpty(evt.IdempotencyKey), evt.Payload)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Idempotency hit: leave both the log and the outbox unchanged.
		return false, nil
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO baton_outbox (event_id, payload) VALUES ($1, $2)
	`, evt.ID, raw); err != nil {
		return false, fmt.Errorf("append outbox entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// List returns all events for a run in ascending timestamp order.
func (s *Store) List(ctx context.Context, correlationID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, ts, correlation_id, causation_id, idempotency_key, payload
		FROM baton_events
		WHERE correlation_id = $1
		ORDER BY ts ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Snapshot materializes the current event list for the run into a named
// snapshot. The id encodes the event count, so repeated snapshots at the
// same depth resolve to the same row.
func (s *Store) Snapshot(ctx context.Context, correlationID string) (string, error) {
	events, err := s.List(ctx, correlationID)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("%s:%d", correlationID, len(events))
	raw, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO baton_snapshots (id, correlation_id, events)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, correlationID, raw); err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// ListSnapshots returns the snapshot ids recorded for the run, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, correlationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM baton_snapshots
		WHERE correlation_id = $1
		ORDER BY created_at ASC, id ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return ids, nil
}

// LoadSnapshot returns the event list captured in the snapshot.
// An unknown snapshot id yields an empty slice, not an error.
func (s *Store) LoadSnapshot(ctx context.Context, correlationID, snapshotID string) ([]event.Event, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT events FROM baton_snapshots
		WHERE id = $1 AND correlation_id = $2
	`, snapshotID, correlationID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return []event.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var events []event.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return events, nil
}

// FetchOutbox returns up to limit undelivered events in insertion order.
func (s *Store) FetchOutbox(ctx context.Context, limit int) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM baton_outbox
		WHERE NOT delivered
		ORDER BY position ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		var evt event.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("unmarshal outbox entry: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return events, nil
}

// MarkOutboxDelivered marks the given event ids as delivered.
// Already-delivered and unknown ids are no-ops.
func (s *Store) MarkOutboxDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE baton_outbox SET delivered = TRUE WHERE event_id = ANY($1)
	`, ids); err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	return nil
}

// scanEvents reads event rows produced by the events SELECT column order.
func scanEvents(rows pgx.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var e event.Event
		var typ string
		var causationID, idemKey *string
		if err := rows.Scan(&e.ID, &typ, &e.Timestamp, &e.CorrelationID, &causationID, &idemKey, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = event.EventType(typ)
		if causationID != nil {
			e.CausationID = *causationID
		}
		if idemKey != nil {
			e.IdempotencyKey = *idemKey
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// nullIfEmpty maps the empty string to SQL NULL so the partial unique index
// on idempotency_key only constrains events that actually carry a key.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
