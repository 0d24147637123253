package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/app/identity"
	"huddle/internal/app/messaging"
	"huddle/internal/app/session"
)

func TestRegistryKeepsOneContextPerUser(t *testing.T) {
	b := &builder{}
	reg := session.NewRegistry(b.factory, nil, nil)
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*session.Context, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Acquire(ctx, coach, session.Lease{})
			if err == nil {
				got[i] = c
			}
		}(i)
	}
	wg.Wait()
	for _, c := range got {
		require.NotNil(t, c)
		assert.Same(t, got[0], c)
	}
	assert.Equal(t, 1, reg.Len())
	assert.True(t, got[0].IsInitialized())

	// Losers of the creation race were closed again.
	live := 0
	for _, svc := range b.all() {
		if svc.disconnects.Load() == 0 {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestRegistryReleaseAndClose(t *testing.T) {
	b := &builder{}
	reg := session.NewRegistry(b.factory, nil, nil)
	ctx := context.Background()

	coachCtx, err := reg.Acquire(ctx, coach, session.Lease{})
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, identity.Principal{ID: messaging.MockParentID}, session.Lease{})
	require.NoError(t, err)

	reg.Release(coach.ID, "")
	reg.Release(coach.ID, "")
	assert.Nil(t, coachCtx.Service())
	_, ok := reg.Lookup(coach.ID)
	assert.False(t, ok)

	require.NoError(t, reg.Close())
	assert.Zero(t, reg.Len())
	for _, svc := range b.all() {
		assert.Equal(t, int32(1), svc.disconnects.Load())
	}
	_, err = reg.Acquire(ctx, coach, session.Lease{})
	assert.ErrorIs(t, err, session.ErrRegistryClosed)
}

func TestRegistryRejectsAnonymous(t *testing.T) {
	reg := session.NewRegistry((&builder{}).factory, nil, nil)
	_, err := reg.Acquire(context.Background(), identity.Principal{}, session.Lease{})
	assert.Error(t, err)
}

func TestRegistryWatchFollowsContextLifetime(t *testing.T) {
	reg := session.NewRegistry((&builder{}).factory, nil, nil)
	var started, stopped []string
	var mu sync.Mutex
	reg.Watch = func(c *session.Context) func() {
		mu.Lock()
		started = append(started, c.UserID())
		mu.Unlock()
		return func() {
			mu.Lock()
			stopped = append(stopped, c.UserID())
			mu.Unlock()
		}
	}
	ctx := context.Background()

	_, err := reg.Acquire(ctx, coach, session.Lease{})
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, coach, session.Lease{})
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, identity.Principal{ID: messaging.MockParentID}, session.Lease{})
	require.NoError(t, err)

	reg.Release(coach.ID, "")
	mu.Lock()
	assert.ElementsMatch(t, []string{coach.ID, messaging.MockParentID}, started)
	assert.Equal(t, []string{coach.ID}, stopped)
	mu.Unlock()

	require.NoError(t, reg.Close())
	mu.Lock()
	assert.ElementsMatch(t, []string{coach.ID, messaging.MockParentID}, stopped)
	mu.Unlock()
}

func TestRegistryLeasesShareOneContext(t *testing.T) {
	b := &builder{}
	reg := session.NewRegistry(b.factory, nil, nil)
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	phone, err := reg.Acquire(ctx, coach, session.Lease{Key: "phone", Expires: expires})
	require.NoError(t, err)
	laptop, err := reg.Acquire(ctx, coach, session.Lease{Key: "laptop", Expires: expires})
	require.NoError(t, err)
	require.Same(t, phone, laptop)

	reg.Release(coach.ID, "phone")
	_, ok := reg.Lookup(coach.ID)
	require.True(t, ok, "the laptop still holds the context")

	reg.Release(coach.ID, "laptop")
	_, ok = reg.Lookup(coach.ID)
	assert.False(t, ok)
	assert.Nil(t, laptop.Service())
}

func TestRegistrySweepReleasesExpiredSessions(t *testing.T) {
	reg := session.NewRegistry((&builder{}).factory, nil, nil)
	t.Cleanup(func() { _ = reg.Close() })
	var stopped []string
	reg.Watch = func(c *session.Context) func() {
		id := c.UserID()
		return func() { stopped = append(stopped, id) }
	}
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := reg.Acquire(ctx, coach, session.Lease{Key: "a", Expires: now.Add(time.Minute)})
	require.NoError(t, err)
	parent, err := reg.Acquire(ctx, identity.Principal{ID: messaging.MockParentID}, session.Lease{Key: "b", Expires: now.Add(time.Hour)})
	require.NoError(t, err)

	assert.Zero(t, reg.Sweep(now))
	assert.Equal(t, 2, reg.Len())

	// A later request on the same session pushes the expiry out.
	_, err = reg.Acquire(ctx, coach, session.Lease{Key: "a", Expires: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, reg.Sweep(now.Add(30*time.Minute)))

	assert.Equal(t, 1, reg.Sweep(now.Add(90*time.Minute)))
	_, ok := reg.Lookup(messaging.MockParentID)
	assert.False(t, ok)
	assert.Nil(t, parent.Service())
	assert.Equal(t, []string{messaging.MockParentID}, stopped)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	reg := session.NewRegistry((&builder{}).factory, nil, nil)
	t.Cleanup(func() { _ = reg.Close() })
	_, err := reg.Acquire(context.Background(), coach, session.Lease{Key: "a", Expires: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
