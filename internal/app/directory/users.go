// Package directory keeps user profiles and team rosters in the document
// store. Users doubles as the auth service's user repository and as the
// profile resolver the messaging services use for participant names.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"huddle/internal/app/docstore"
	"huddle/internal/app/messaging/schema"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/user"
)

const (
	DefaultListLimit = 200
	MaxListLimit     = 1000
)

type userDoc struct {
	ID               string    `bson:"_id"`
	Email            string    `bson:"email"`
	DisplayName      string    `bson:"display_name"`
	DisplayNameLower string    `bson:"display_name_lower"`
	ProfilePicture   string    `bson:"profile_picture,omitempty"`
	PasswordHash     string    `bson:"password_hash"`
	Roles            []string  `bson:"roles"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func fromUser(u *user.User) userDoc {
	roles := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, string(r))
	}
	return userDoc{
		ID:               string(u.ID),
		Email:            u.Email,
		DisplayName:      u.DisplayName,
		DisplayNameLower: user.SearchKey(u.DisplayName),
		ProfilePicture:   u.ProfilePicture,
		PasswordHash:     u.PasswordHash,
		Roles:            roles,
		CreatedAt:        u.CreatedAt.UTC(),
		UpdatedAt:        u.UpdatedAt.UTC(),
	}
}

func (d userDoc) user() *user.User {
	roles := make([]user.Role, 0, len(d.Roles))
	for _, r := range d.Roles {
		roles = append(roles, user.Role(r))
	}
	return &user.User{
		ID:             user.ID(d.ID),
		Email:          d.Email,
		DisplayName:    d.DisplayName,
		ProfilePicture: d.ProfilePicture,
		PasswordHash:   d.PasswordHash,
		Roles:          roles,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

func (d userDoc) profile() domain.Profile {
	return domain.Profile{ID: d.ID, DisplayName: d.DisplayName, ProfilePicture: d.ProfilePicture}
}

// Users is the docstore-backed user directory.
type Users struct {
	store docstore.Store
}

func NewUsers(store docstore.Store) *Users {
	return &Users{store: store}
}

func (u *Users) ByID(ctx context.Context, id user.ID) (*user.User, error) {
	key := strings.TrimSpace(string(id))
	if key == "" {
		return nil, user.ErrIDRequired
	}
	var doc userDoc
	if err := u.store.Get(ctx, schema.Users, key, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, user.ErrNotFound
		}
		return nil, err
	}
	return doc.user(), nil
}

func (u *Users) ByEmail(ctx context.Context, email string) (*user.User, error) {
	key := user.NormalizeEmail(email)
	if key == "" {
		return nil, user.ErrEmailRequired
	}
	snaps, err := u.store.Find(ctx, docstore.Query{
		Collection: schema.Users,
		Filters:    []docstore.Filter{docstore.Eq("email", key)},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, user.ErrNotFound
	}
	var doc userDoc
	if err := snaps[0].Decode(&doc); err != nil {
		return nil, err
	}
	return doc.user(), nil
}

// Save upserts the user. Another account holding the same email is rejected
// with user.ErrEmailAlreadyUsed; the Mongo unique index backs this up.
func (u *Users) Save(ctx context.Context, usr *user.User) error {
	if usr == nil || strings.TrimSpace(string(usr.ID)) == "" {
		return user.ErrIDRequired
	}
	if user.NormalizeEmail(usr.Email) == "" {
		return user.ErrEmailRequired
	}
	existing, err := u.ByEmail(ctx, usr.Email)
	switch {
	case err == nil && existing.ID != usr.ID:
		return user.ErrEmailAlreadyUsed
	case err != nil && !errors.Is(err, user.ErrNotFound):
		return err
	}
	doc := fromUser(usr)
	doc.Email = user.NormalizeEmail(usr.Email)
	return u.store.Set(ctx, schema.Users, doc.ID, doc)
}

// Profile resolves a user id to its display profile.
func (u *Users) Profile(ctx context.Context, id string) (domain.Profile, error) {
	var doc userDoc
	if err := u.store.Get(ctx, schema.Users, strings.TrimSpace(id), &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return domain.Profile{}, user.ErrNotFound
		}
		return domain.Profile{}, err
	}
	return doc.profile(), nil
}

// List returns up to limit profiles ordered by display name.
func (u *Users) List(ctx context.Context, limit int) ([]domain.Profile, error) {
	return u.find(ctx, nil, limit)
}

// SearchPrefix is a range scan over display_name_lower, so it matches names
// starting with prefix regardless of case.
func (u *Users) SearchPrefix(ctx context.Context, prefix string, limit int) ([]domain.Profile, error) {
	key := user.SearchKey(prefix)
	if key == "" {
		return u.List(ctx, limit)
	}
	return u.find(ctx, []docstore.Filter{
		docstore.Gte("display_name_lower", key),
		docstore.Lt("display_name_lower", key+"\uffff"),
	}, limit)
}

func (u *Users) find(ctx context.Context, filters []docstore.Filter, limit int) ([]domain.Profile, error) {
	snaps, err := u.store.Find(ctx, docstore.Query{
		Collection: schema.Users,
		Filters:    filters,
		Order:      []docstore.Order{{Field: "display_name_lower"}},
		Limit:      clampLimit(limit),
	})
	if err != nil {
		return nil, err
	}
	docs, err := docstore.DecodeAll[userDoc](snaps)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Profile, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.profile())
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

var _ user.Repository = (*Users)(nil)
