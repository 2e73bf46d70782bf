package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/checkout-settlement/internal/db"
)

// Event is a persisted domain event.
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventStore appends events to durable storage.
type EventStore interface {
	InsertEvent(ctx context.Context, topic, aggregateID string, payload []byte) (Event, error)
}

// Notifier reacts to an event after it is stored. Notifiers pick the
// topics they care about and ignore the rest.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Bus writes events to the domain_events table, then hands each one to
// every notifier. A failing notifier does not stop the others; their
// errors come back joined so callers can decide whether to surface them.
type Bus struct {
	Store     EventStore
	Notifiers []Notifier
}

// Emit stores the event and runs the notifiers.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (Event, error) {
	if b == nil || b.Store == nil {
		return Event{}, errors.New("events: store not configured")
	}
	topic, aggregateID = strings.TrimSpace(topic), strings.TrimSpace(aggregateID)
	switch {
	case topic == "":
		return Event{}, errors.New("events: topic is required")
	case aggregateID == "":
		return Event{}, errors.New("events: aggregate id is required")
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: %s payload: %w", topic, err)
	}
	ev, err := b.Store.InsertEvent(ctx, topic, aggregateID, body)
	if err != nil {
		return Event{}, fmt.Errorf("events: store %s: %w", topic, err)
	}

	errs := make([]error, 0, len(b.Notifiers))
	for i, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: notifier %d on %s: %w", i, topic, err))
		}
	}
	return ev, errors.Join(errs...)
}

// PGStore writes events to the domain_events table.
type PGStore struct {
	DB db.DBTX
}

func (s PGStore) InsertEvent(ctx context.Context, topic, aggregateID string, payload []byte) (Event, error) {
	ev := Event{Topic: topic, AggregateID: aggregateID}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id::text, payload, occurred_at`, topic, aggregateID, payload).
		Scan(&ev.ID, &ev.Payload, &ev.OccurredAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// marshalPayload accepts raw JSON as is and marshals anything else. An
// absent payload is stored as an empty object.
func marshalPayload(payload any) ([]byte, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return json.Marshal(v)
	}
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("not valid json")
	}
	return append([]byte(nil), raw...), nil
}
