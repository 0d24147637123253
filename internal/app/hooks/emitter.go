// Package hooks adapts the messaging service into small stateful views for
// request handlers and socket sessions: a conversation list, a single
// conversation, a message list, a connection monitor and a user search. Each
// view reports its state through an OnChange callback and stops reporting
// once closed.
package hooks

import "sync"

// emitter holds a view's state and pushes a copy to onChange on every update.
type emitter[S any] struct {
	mu       sync.Mutex
	state    S
	closed   bool
	onChange func(S)
}

func newEmitter[S any](initial S, onChange func(S)) *emitter[S] {
	return &emitter[S]{state: initial, onChange: onChange}
}

// update applies fn and notifies, unless the view is closed.
func (e *emitter[S]) update(fn func(*S)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	fn(&e.state)
	snapshot := e.state
	e.mu.Unlock()
	if e.onChange != nil {
		e.onChange(snapshot)
	}
}

func (e *emitter[S]) get() S {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// close reports whether this call closed the emitter.
func (e *emitter[S]) close() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	return true
}

func (e *emitter[S]) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
