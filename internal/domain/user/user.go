package user

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrIDRequired          = errors.New("user: id is required")
	ErrEmailRequired       = errors.New("user: email is required")
	ErrPasswordHashMissing = errors.New("user: password hash is required")
	ErrNameRequired        = errors.New("user: display name is required")
	ErrInvalidRole         = errors.New("user: invalid role")
	ErrEmailAlreadyUsed    = errors.New("user: email already used")
	ErrNotFound            = errors.New("user: not found")
)

type ID string

type Role string

const (
	RoleCoach  Role = "coach"
	RolePlayer Role = "player"
	RoleParent Role = "parent"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID             ID
	Email          string
	DisplayName    string
	ProfilePicture string
	PasswordHash   string
	Roles          []Role
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Repository persists directory users.
type Repository interface {
	ByID(ctx context.Context, id ID) (*User, error)
	ByEmail(ctx context.Context, email string) (*User, error)
	Save(ctx context.Context, user *User) error
}

type CreateParams struct {
	ID             ID
	Email          string
	DisplayName    string
	ProfilePicture string
	PasswordHash   string
	Roles          []Role
	CreatedAt      time.Time
}

func NewUser(params CreateParams) (*User, error) {
	id := strings.TrimSpace(string(params.ID))
	if id == "" {
		return nil, ErrIDRequired
	}
	email := NormalizeEmail(params.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	if strings.TrimSpace(params.PasswordHash) == "" {
		return nil, ErrPasswordHashMissing
	}
	name := strings.TrimSpace(params.DisplayName)
	if name == "" {
		return nil, ErrNameRequired
	}
	roles, err := normalizeRoles(params.Roles)
	if err != nil {
		return nil, err
	}

	now := params.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	return &User{
		ID:             ID(id),
		Email:          email,
		DisplayName:    name,
		ProfilePicture: strings.TrimSpace(params.ProfilePicture),
		PasswordHash:   params.PasswordHash,
		Roles:          roles,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (u *User) Rename(name string, now time.Time) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ErrNameRequired
	}
	u.DisplayName = trimmed
	u.touch(now)
	return nil
}

func (u *User) HasRole(role Role) bool {
	for _, current := range u.Roles {
		if current == role {
			return true
		}
	}
	return false
}

func (u *User) touch(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	u.UpdatedAt = now.UTC()
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SearchKey is the lower-cased form of a display name used for prefix queries.
func SearchKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeRoles(roles []Role) ([]Role, error) {
	seen := make(map[Role]struct{}, len(roles))
	out := make([]Role, 0, len(roles))
	for _, role := range roles {
		r := Role(strings.ToLower(strings.TrimSpace(string(role))))
		switch r {
		case RoleCoach, RolePlayer, RoleParent, RoleAdmin:
		default:
			return nil, ErrInvalidRole
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
