package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"huddle/internal/app/identity"
)

// Registry keeps one Context per signed-in user. Every auth session using
// the Context holds a lease on it; the Context is torn down once its last
// lease is released on logout or runs past its expiry.
type Registry struct {
	factory  Factory
	fallback Fallback
	logger   *slog.Logger

	// Watch, when set, runs alongside every Context the registry creates;
	// the returned function is called when the Context is released. It runs
	// under the registry lock and must not call back into the registry.
	Watch func(c *Context) (stop func())

	mu       sync.Mutex
	items    map[string]*Context
	leases   map[string]map[string]time.Time
	watchers map[string]func()
	closed   bool
}

// Lease ties a Context to one auth session. Key identifies the session and
// Expires is when it lapses unless a later Acquire extends it.
type Lease struct {
	Key     string
	Expires time.Time
}

func NewRegistry(factory Factory, fallback Fallback, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		factory:  factory,
		fallback: fallback,
		logger:   logger,
		items:    make(map[string]*Context),
		leases:   make(map[string]map[string]time.Time),
		watchers: make(map[string]func()),
	}
}

var ErrRegistryClosed = errors.New("session: registry closed")

// Acquire returns the Context of p, creating and starting it on first use,
// and records or extends lease.
func (r *Registry) Acquire(ctx context.Context, p identity.Principal, lease Lease) (*Context, error) {
	if p.ID == "" {
		return nil, errors.New("session: principal without id")
	}
	if c, err := r.existing(p.ID, lease); c != nil || err != nil {
		return c, err
	}

	// Initialization talks to the store, so it runs outside the lock.
	c, err := New(Config{
		Identity: identity.Static{Principal: p},
		Factory:  r.factory,
		Fallback: r.fallback,
		Logger:   r.logger.With("user_id", p.ID),
	})
	if err != nil {
		return nil, err
	}
	c.Start()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.Close()
		return nil, ErrRegistryClosed
	}
	if winner, ok := r.items[p.ID]; ok {
		r.holdLocked(p.ID, lease)
		r.mu.Unlock()
		_ = c.Close()
		return winner, nil
	}
	r.items[p.ID] = c
	r.holdLocked(p.ID, lease)
	if r.Watch != nil {
		r.watchers[p.ID] = r.Watch(c)
	}
	r.mu.Unlock()
	return c, nil
}

func (r *Registry) existing(userID string, lease Lease) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	c, ok := r.items[userID]
	if !ok {
		return nil, nil
	}
	r.holdLocked(userID, lease)
	return c, nil
}

func (r *Registry) holdLocked(userID string, lease Lease) {
	if lease.Key == "" {
		return
	}
	held := r.leases[userID]
	if held == nil {
		held = make(map[string]time.Time)
		r.leases[userID] = held
	}
	if cur, ok := held[lease.Key]; !ok || lease.Expires.After(cur) {
		held[lease.Key] = lease.Expires
	}
}

// Lookup returns an existing Context without creating one.
func (r *Registry) Lookup(userID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[userID]
	return c, ok
}

// Release drops the lease key of userID and tears the Context down when no
// other lease holds it. An empty key drops every lease.
func (r *Registry) Release(userID, key string) {
	r.mu.Lock()
	held := r.leases[userID]
	if key == "" {
		held = nil
	} else {
		delete(held, key)
	}
	if len(held) > 0 {
		r.mu.Unlock()
		return
	}
	c, stop, ok := r.removeLocked(userID)
	r.mu.Unlock()
	if ok {
		r.teardown(c, stop)
	}
}

// Sweep tears down every Context whose leases have all expired at now and
// reports how many went.
func (r *Registry) Sweep(now time.Time) int {
	type gone struct {
		c    *Context
		stop func()
	}
	var dropped []gone
	r.mu.Lock()
	for userID := range r.items {
		held := r.leases[userID]
		for key, exp := range held {
			if !exp.After(now) {
				delete(held, key)
			}
		}
		if len(held) > 0 {
			continue
		}
		if c, stop, ok := r.removeLocked(userID); ok {
			dropped = append(dropped, gone{c, stop})
		}
	}
	r.mu.Unlock()
	for _, g := range dropped {
		r.teardown(g.c, g.stop)
	}
	if len(dropped) > 0 {
		r.logger.Info("expired sessions released", "count", len(dropped))
	}
	return len(dropped)
}

// Run sweeps every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

const DefaultSweepInterval = time.Minute

func (r *Registry) removeLocked(userID string) (*Context, func(), bool) {
	c, ok := r.items[userID]
	stop := r.watchers[userID]
	delete(r.items, userID)
	delete(r.leases, userID)
	delete(r.watchers, userID)
	return c, stop, ok
}

func (r *Registry) teardown(c *Context, stop func()) {
	if stop != nil {
		stop()
	}
	_ = c.Close()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Close releases every Context and refuses new ones.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	items, watchers := r.items, r.watchers
	r.items = make(map[string]*Context)
	r.leases = make(map[string]map[string]time.Time)
	r.watchers = make(map[string]func())
	r.mu.Unlock()

	for _, stop := range watchers {
		if stop != nil {
			stop()
		}
	}

	var wg sync.WaitGroup
	for _, c := range items {
		wg.Add(1)
		go func(c *Context) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
	return nil
}
