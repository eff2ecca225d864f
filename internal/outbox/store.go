// Package outbox provides transactional event delivery: ride transition
// events are appended to a Postgres table and a polling worker drains them to
// NATS, so a broker outage never loses an event.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/mella/internal/domain"
)

const defaultTopic = "mella.ride.events"

// Store appends ride transition events to the ride_outbox table. It satisfies
// domain.EventPublisher so the state machine can write events in the same
// database the ride snapshots land in.
type Store struct {
	db    *sql.DB
	topic string
}

// NewStore builds a Store writing to the given topic. An empty topic falls
// back to the default ride events subject.
func NewStore(db *sql.DB, topic string) *Store {
	if topic == "" {
		topic = defaultTopic
	}
	return &Store{db: db, topic: topic}
}

// Migrate creates the ride_outbox table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS ride_outbox (
id BIGSERIAL PRIMARY KEY,
topic TEXT NOT NULL,
payload BYTEA NOT NULL,
published BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate ride_outbox: %w", err)
	}
	return nil
}

// Publish satisfies domain.EventPublisher.
func (s *Store) Publish(ctx context.Context, event domain.TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.Append(ctx, s.topic, payload)
}

// Append inserts a raw payload for the worker to deliver.
func (s *Store) Append(ctx context.Context, topic string, payload []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ride_outbox (topic, payload, published) VALUES ($1, $2, false)`,
		topic, payload); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}
