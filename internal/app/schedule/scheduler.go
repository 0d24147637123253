package schedule

import (
	"sync"
	"time"
)

// Scheduler runs keyed callbacks at a later time. Scheduling an existing key
// replaces the pending callback, which makes it a debounce.
type Scheduler interface {
	Schedule(key string, runAt time.Time, fn func())
	Cancel(key string) bool
	Stop()
}

// Timers implements Scheduler with time.AfterFunc.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*entry
	stopped bool
}

type entry struct {
	timer *time.Timer
}

func NewTimers() *Timers {
	return &Timers{pending: make(map[string]*entry)}
}

func (t *Timers) Schedule(key string, runAt time.Time, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
	}
	e := &entry{}
	e.timer = time.AfterFunc(time.Until(runAt), func() {
		t.mu.Lock()
		current, ok := t.pending[key]
		if !ok || current != e {
			t.mu.Unlock()
			return
		}
		delete(t.pending, key)
		t.mu.Unlock()
		fn()
	})
	t.pending[key] = e
}

func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.pending, key)
	return true
}

// Pending reports how many callbacks are waiting.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels everything and ignores later Schedule calls.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, key)
	}
	t.stopped = true
}

var _ Scheduler = (*Timers)(nil)
