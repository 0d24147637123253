package memory

import (
	"context"
	"sync"
	"time"

	appoutbox "huddle/internal/app/outbox"
)

// Outbox keeps events in memory and serves them to the relay worker in
// insertion order.
type Outbox struct {
	mu      sync.Mutex
	records []*outboxEntry
}

type outboxEntry struct {
	record    appoutbox.EventRecord
	claimed   bool
	sent      bool
	nextTry   time.Time
	lastError string
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Add(ctx context.Context, record appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, &outboxEntry{record: record})
	return nil
}

func (o *Outbox) Claim(ctx context.Context, workerID string) (*appoutbox.EventRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	for _, e := range o.records {
		if e.claimed || e.sent || e.nextTry.After(now) {
			continue
		}
		e.claimed = true
		rec := e.record
		return &rec, nil
	}
	return nil, nil
}

func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.records {
		if e.record.ID == id {
			e.sent = true
			e.claimed = false
		}
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.records {
		if e.record.ID == id {
			e.claimed = false
			e.nextTry = next
			e.lastError = errMsg
			e.record.Attempts++
		}
	}
	return nil
}

// Pending returns records not yet sent.
func (o *Outbox) Pending() []appoutbox.EventRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []appoutbox.EventRecord
	for _, e := range o.records {
		if !e.sent {
			out = append(out, e.record)
		}
	}
	return out
}

var (
	_ appoutbox.Outbox = (*Outbox)(nil)
	_ appoutbox.Queue  = (*Outbox)(nil)
)
