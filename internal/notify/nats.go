// Package notify fans ride lifecycle updates out over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/mella/internal/domain"
)

// Publisher writes ride transition events and rider notifications to NATS
// subjects. A nil Publisher or nil connection drops messages silently so the
// core can run without a broker in tests and local setups.
type Publisher struct {
	conn          *nats.Conn
	eventSubject  string
	notifySubject string
}

// NewPublisher builds a Publisher on the provided NATS connection.
func NewPublisher(conn *nats.Conn, eventSubject, notifySubject string) *Publisher {
	if eventSubject == "" {
		eventSubject = "mella.ride.events"
	}
	if notifySubject == "" {
		notifySubject = "mella.ride.notify"
	}
	return &Publisher{conn: conn, eventSubject: eventSubject, notifySubject: notifySubject}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.TransitionEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: p.eventSubject, Data: payload, Header: map[string][]string{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {string(event.To)},
	}})
}

// Notify satisfies domain.Notifier.
func (p *Publisher) Notify(ctx context.Context, rideID uuid.UUID, kind string, payload map[string]any) error {
	if p == nil || p.conn == nil {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"ride_id": rideID,
		"kind":    kind,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: p.notifySubject, Data: body, Header: map[string][]string{
		"x-trace-id": {traceIDFromContext(ctx)},
		"x-kind":     {kind},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
