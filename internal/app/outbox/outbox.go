// Package outbox records domain events next to the write that raised them so
// a relay can publish them later.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"huddle/internal/app/ids"
	"huddle/internal/domain/shared/events"
)

// EventRecord is one queued event. Attempts counts failed relays.
type EventRecord struct {
	ID         string
	Name       string
	Payload    []byte
	OccurredAt time.Time
	Aggregate  string
	Headers    map[string]string
	Attempts   int
}

// Outbox accepts events for later relay.
type Outbox interface {
	Add(ctx context.Context, record EventRecord) error
}

// Queue is the relay side of an outbox: records are claimed one at a time and
// settled as sent or failed.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*EventRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error
}

// EventEncoder turns a domain event into a record ready for Add.
type EventEncoder interface {
	Encode(ev events.DomainEvent) (EventRecord, error)
}

// EventNameHeader carries the event name so consumers can route without
// decoding the payload.
const EventNameHeader = "huddle-event"

// JSONEventEncoder marshals the event as JSON under a ULID minted at the
// event time, so records sort in the order they happened.
type JSONEventEncoder struct {
	NewID func(at time.Time) string
}

func (e JSONEventEncoder) Encode(ev events.DomainEvent) (EventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventRecord{}, fmt.Errorf("outbox: encode %s: %w", ev.EventName(), err)
	}
	newID := e.NewID
	if newID == nil {
		newID = ids.NewULID
	}
	at := ev.OccurredAt().UTC()
	return EventRecord{
		ID:         newID(at),
		Name:       ev.EventName(),
		Payload:    payload,
		OccurredAt: at,
		Aggregate:  ev.AggregateID(),
		Headers:    map[string]string{EventNameHeader: ev.EventName()},
	}, nil
}

// RecordDomainEvents encodes and stores evs, stopping at the first failure.
func RecordDomainEvents(ctx context.Context, box Outbox, encoder EventEncoder, evs []events.DomainEvent) error {
	if box == nil || len(evs) == 0 {
		return nil
	}
	if encoder == nil {
		encoder = JSONEventEncoder{}
	}
	for _, ev := range evs {
		rec, err := encoder.Encode(ev)
		if err != nil {
			return err
		}
		if err := box.Add(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
