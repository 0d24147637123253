package identity

import (
	"context"
	"sync"

	"huddle/internal/domain/messaging"
)

// Principal is the signed-in user.
type Principal struct {
	ID             string
	DisplayName    string
	ProfilePicture string
}

func (p Principal) Profile() messaging.Profile {
	return messaging.Profile{ID: p.ID, DisplayName: p.DisplayName, ProfilePicture: p.ProfilePicture}
}

// Listener observes sign-in (ok=true) and sign-out (ok=false) transitions.
type Listener func(p Principal, ok bool)

// Provider supplies the current principal and authentication transitions.
type Provider interface {
	Current(ctx context.Context) (Principal, bool)
	// Subscribe calls fn with the current state immediately and on every
	// transition until the returned function is called.
	Subscribe(fn Listener) (unsubscribe func())
}

// Session is an in-process provider driven by SignIn and SignOut.
type Session struct {
	mu        sync.Mutex
	current   Principal
	signedIn  bool
	listeners map[int]Listener
	next      int
}

func NewSession() *Session {
	return &Session{listeners: make(map[int]Listener)}
}

func (s *Session) Current(context.Context) (Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.signedIn
}

func (s *Session) SignIn(p Principal) {
	s.mu.Lock()
	s.current = p
	s.signedIn = true
	listeners := s.snapshot()
	s.mu.Unlock()
	for _, l := range listeners {
		l(p, true)
	}
}

func (s *Session) SignOut() {
	s.mu.Lock()
	if !s.signedIn {
		s.mu.Unlock()
		return
	}
	s.current = Principal{}
	s.signedIn = false
	listeners := s.snapshot()
	s.mu.Unlock()
	for _, l := range listeners {
		l(Principal{}, false)
	}
}

func (s *Session) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	p, ok := s.current, s.signedIn
	s.mu.Unlock()

	fn(p, ok)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) snapshot() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// Static always reports the same principal; the HTTP server builds one per
// authenticated user.
type Static struct {
	Principal Principal
}

func (s Static) Current(context.Context) (Principal, bool) {
	return s.Principal, s.Principal.ID != ""
}

func (s Static) Subscribe(fn Listener) func() {
	fn(s.Principal, s.Principal.ID != "")
	return func() {}
}

var (
	_ Provider = (*Session)(nil)
	_ Provider = Static{}
)
