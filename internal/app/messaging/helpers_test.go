package messaging_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"huddle/internal/app/docstore"
	"huddle/internal/app/identity"
	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/team"
	"huddle/internal/infra/storage/memory"
)

var errNoProfile = errors.New("no such user")

type profileMap map[string]domain.Profile

func (p profileMap) Profile(_ context.Context, id string) (domain.Profile, error) {
	prof, ok := p[id]
	if !ok {
		return domain.Profile{}, errNoProfile
	}
	return prof, nil
}

type teamMap map[string]team.Team

func (t teamMap) ByID(_ context.Context, id string) (team.Team, error) {
	tm, ok := t[id]
	if !ok {
		return team.Team{}, team.ErrNotFound
	}
	return tm, nil
}

type countingMetrics struct {
	sent          atomic.Int64
	denormFailed  atomic.Int64
	fanoutFailed  atomic.Int64
	subscriptions atomic.Int64
}

func (m *countingMetrics) MessageSent(string)        { m.sent.Add(1) }
func (m *countingMetrics) DenormalizationFailed()    { m.denormFailed.Add(1) }
func (m *countingMetrics) UnreadFanoutFailed(n int)  { m.fanoutFailed.Add(int64(n)) }
func (m *countingMetrics) SubscriptionOpened(string) { m.subscriptions.Add(1) }
func (m *countingMetrics) SubscriptionClosed(string) { m.subscriptions.Add(-1) }

var people = profileMap{
	"u1": {ID: "u1", DisplayName: "Coach Kim"},
	"u2": {ID: "u2", DisplayName: "Jordan Lee"},
	"u3": {ID: "u3", DisplayName: "Riley Park"},
	"u4": {ID: "u4", DisplayName: "Assistant Coach Ng"},
}

var rosters = teamMap{
	"team-1": {
		ID:        "team-1",
		Name:      "Falcons",
		CoachIDs:  []string{"u1", "u4"},
		PlayerIDs: []string{"u2"},
		ParentIDs: []string{"u3"},
	},
}

type storeEnv struct {
	store   *memory.DocStore
	metrics *countingMetrics
	ttl     time.Duration
}

func newStoreEnv(t *testing.T) *storeEnv {
	t.Helper()
	st := memory.NewDocStore(nil)
	t.Cleanup(func() { _ = st.Close() })
	return &storeEnv{store: st, metrics: &countingMetrics{}, ttl: messaging.DefaultTypingTTL}
}

// as returns a store-backed service acting as userID.
func (e *storeEnv) as(t *testing.T, userID string) *messaging.StoreService {
	t.Helper()
	return e.through(t, e.store, userID)
}

// through is as with every store call routed through st.
func (e *storeEnv) through(t *testing.T, st docstore.Store, userID string) *messaging.StoreService {
	t.Helper()
	prof := people[userID]
	svc := messaging.NewStoreService(messaging.Deps{
		Identity:  identity.Static{Principal: identity.Principal{ID: userID, DisplayName: prof.DisplayName}},
		Store:     st,
		Blobs:     memory.NewBlobStore(),
		Profiles:  people,
		Teams:     rosters,
		Metrics:   e.metrics,
		TypingTTL: e.ttl,
	})
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Disconnect() })
	return svc
}

// lockstepStore holds the first two reads of collection once armed until
// both have happened, so two writers start from the same document.
type lockstepStore struct {
	*memory.DocStore
	collection string
	armed      atomic.Bool
	arrived    atomic.Int32
	release    chan struct{}
}

func newLockstepStore(st *memory.DocStore, collection string) *lockstepStore {
	return &lockstepStore{DocStore: st, collection: collection, release: make(chan struct{})}
}

func (s *lockstepStore) Get(ctx context.Context, collection, id string, dst any) error {
	err := s.DocStore.Get(ctx, collection, id, dst)
	if collection == s.collection && s.armed.Load() {
		if s.arrived.Add(1) == 2 {
			close(s.release)
		}
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	}
	return err
}

// collector records every delivery of a subscription callback.
type collector[T any] struct {
	mu    sync.Mutex
	calls [][]T
	ch    chan []T
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{ch: make(chan []T, 64)}
}

func (c *collector[T]) fn(v []T) {
	c.mu.Lock()
	c.calls = append(c.calls, v)
	c.mu.Unlock()
	select {
	case c.ch <- v:
	default:
	}
}

func (c *collector[T]) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *collector[T]) latest() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1]
}

// saw reports whether any delivery so far satisfies pred.
func (c *collector[T]) saw(pred func([]T) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.calls {
		if pred(v) {
			return true
		}
	}
	return false
}

func (c *collector[T]) next(t *testing.T) []T {
	t.Helper()
	select {
	case v := <-c.ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery within 2s")
		return nil
	}
}
