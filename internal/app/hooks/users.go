package hooks

import (
	"context"
	"strings"
	"sync"

	domain "huddle/internal/domain/messaging"
)

// UserDirectory is what UserSearch reads; directory.Users implements it.
type UserDirectory interface {
	List(ctx context.Context, limit int) ([]domain.Profile, error)
	// SearchPrefix matches display names starting with prefix, ignoring case.
	SearchPrefix(ctx context.Context, prefix string, limit int) ([]domain.Profile, error)
}

const DefaultUserPrefetch = 200

// UserSearch filters a prefetched user list in memory. When the prefetch hit
// its limit the directory may hold more users, so queries also run a prefix
// range lookup against the store and merge the results.
type UserSearch struct {
	dir       UserDirectory
	limit     int
	excludeID string

	mu        sync.RWMutex
	users     []domain.Profile
	truncated bool
	loaded    bool
}

func NewUserSearch(dir UserDirectory, limit int, excludeID string) *UserSearch {
	if limit <= 0 {
		limit = DefaultUserPrefetch
	}
	return &UserSearch{dir: dir, limit: limit, excludeID: excludeID}
}

func (s *UserSearch) Prefetch(ctx context.Context) error {
	users, err := s.dir.List(ctx, s.limit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users = users
	s.truncated = len(users) >= s.limit
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Search returns users whose display name contains q. An empty query returns
// the prefetched list.
func (s *UserSearch) Search(ctx context.Context, q string) ([]domain.Profile, error) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if !loaded {
		if err := s.Prefetch(ctx); err != nil {
			return nil, err
		}
	}

	needle := strings.ToLower(strings.TrimSpace(q))
	s.mu.RLock()
	users, truncated := s.users, s.truncated
	s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []domain.Profile
	add := func(p domain.Profile) {
		if p.ID == s.excludeID {
			return
		}
		if _, dup := seen[p.ID]; dup {
			return
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	for _, u := range users {
		if needle == "" || strings.Contains(strings.ToLower(u.DisplayName), needle) {
			add(u)
		}
	}
	if truncated && needle != "" {
		more, err := s.dir.SearchPrefix(ctx, needle, s.limit)
		if err != nil {
			return out, err
		}
		for _, u := range more {
			add(u)
		}
	}
	return out, nil
}
