package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"huddle/internal/app/docstore"
	"huddle/internal/app/messaging/schema"
	domainauth "huddle/internal/domain/auth"
	domainuser "huddle/internal/domain/user"
)

type sessionDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
	LastSeen  time.Time `bson:"last_seen"`
}

// DocSessions stores sessions in the sessions collection keyed by the SHA-256
// of the token. Mongo expires them through the TTL index on expires_at; Get
// also checks the expiry because the TTL sweep is lazy.
type DocSessions struct {
	store docstore.Store
	clock func() time.Time
}

func NewDocSessions(store docstore.Store) *DocSessions {
	return &DocSessions{store: store, clock: time.Now}
}

// SessionKey is the stored id of the session behind token. It is stable for
// the session's lifetime and never reveals the token itself.
func SessionKey(token string) string {
	return tokenKey(domainauth.Token(token))
}

func tokenKey(token domainauth.Token) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(string(token))))
	return hex.EncodeToString(sum[:])
}

func (d *DocSessions) Save(ctx context.Context, s *domainauth.Session) error {
	if s == nil || strings.TrimSpace(string(s.Token)) == "" {
		return domainauth.ErrTokenRequired
	}
	doc := sessionDoc{
		ID:        tokenKey(s.Token),
		UserID:    string(s.UserID),
		CreatedAt: s.CreatedAt.UTC(),
		ExpiresAt: s.ExpiresAt.UTC(),
		LastSeen:  s.LastSeen.UTC(),
	}
	return d.store.Set(ctx, schema.Sessions, doc.ID, doc)
}

func (d *DocSessions) Get(ctx context.Context, token domainauth.Token) (*domainauth.Session, error) {
	key := tokenKey(token)
	var doc sessionDoc
	if err := d.store.Get(ctx, schema.Sessions, key, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, domainauth.ErrSessionNotFound
		}
		return nil, err
	}
	s := &domainauth.Session{
		Token:     domainauth.Token(strings.TrimSpace(string(token))),
		UserID:    domainuser.ID(doc.UserID),
		CreatedAt: doc.CreatedAt.UTC(),
		ExpiresAt: doc.ExpiresAt.UTC(),
		LastSeen:  doc.LastSeen.UTC(),
	}
	if s.Expired(d.clock()) {
		_ = d.store.Delete(ctx, schema.Sessions, key)
		return nil, domainauth.ErrSessionNotFound
	}
	return s, nil
}

func (d *DocSessions) Delete(ctx context.Context, token domainauth.Token) error {
	return d.store.Delete(ctx, schema.Sessions, tokenKey(token))
}

func (d *DocSessions) DeleteByUser(ctx context.Context, userID domainuser.ID) error {
	_, err := d.store.DeleteWhere(ctx, schema.Sessions, docstore.Eq("user_id", string(userID)))
	return err
}

var _ domainauth.SessionStore = (*DocSessions)(nil)
