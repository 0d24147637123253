package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"huddle/internal/domain/user"
)

var (
	ErrTokenRequired   = errors.New("auth: token is required")
	ErrUserRequired    = errors.New("auth: user is required")
	ErrTTLInvalid      = errors.New("auth: ttl must be positive")
	ErrSessionNotFound = errors.New("auth: session not found")
)

// Token is the opaque bearer credential handed to clients. Stores never keep
// it in clear; see SessionStore.
type Token string

// Session binds a bearer token to a user until ExpiresAt. Sessions slide:
// Extend pushes the expiry forward while the user stays active.
type Session struct {
	Token     Token
	UserID    user.ID
	CreatedAt time.Time
	ExpiresAt time.Time
	LastSeen  time.Time
}

type CreateSessionParams struct {
	Token  Token
	UserID user.ID
	TTL    time.Duration
	Now    time.Time
}

func NewSession(params CreateSessionParams) (*Session, error) {
	token := strings.TrimSpace(string(params.Token))
	if token == "" {
		return nil, ErrTokenRequired
	}
	if strings.TrimSpace(string(params.UserID)) == "" {
		return nil, ErrUserRequired
	}
	if params.TTL <= 0 {
		return nil, ErrTTLInvalid
	}
	now := utcNow(params.Now)
	return &Session{
		Token:     Token(token),
		UserID:    params.UserID,
		CreatedAt: now,
		ExpiresAt: now.Add(params.TTL),
		LastSeen:  now,
	}, nil
}

func (s *Session) Expired(at time.Time) bool {
	return !s.ExpiresAt.After(utcNow(at))
}

// NeedsExtension reports whether less than half of ttl is left, which is when
// an active session gets its expiry pushed forward.
func (s *Session) NeedsExtension(ttl time.Duration, at time.Time) bool {
	return s.ExpiresAt.Sub(utcNow(at)) < ttl/2
}

func (s *Session) Extend(ttl time.Duration, at time.Time) {
	now := utcNow(at)
	s.LastSeen = now
	s.ExpiresAt = now.Add(ttl)
}

func utcNow(at time.Time) time.Time {
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC()
}

// SessionStore persists sessions. Implementations key records by a digest of
// the token so a leaked store does not leak usable credentials.
type SessionStore interface {
	Save(ctx context.Context, session *Session) error
	Get(ctx context.Context, token Token) (*Session, error)
	Delete(ctx context.Context, token Token) error
	DeleteByUser(ctx context.Context, userID user.ID) error
}
