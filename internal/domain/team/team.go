package team

import (
	"context"
	"errors"
	"slices"
	"strings"

	"huddle/internal/domain/messaging"
)

var (
	ErrIDRequired = errors.New("team: id is required")
	ErrNotFound   = errors.New("team: not found")
)

// Team is the roster used to resolve team chat audiences.
type Team struct {
	ID        string
	Name      string
	CoachIDs  []string
	PlayerIDs []string
	ParentIDs []string
}

type Repository interface {
	ByID(ctx context.Context, id string) (Team, error)
	Save(ctx context.Context, team Team) error
}

// Roster returns the members of the given audience. GroupAll is the union of
// every list, coaches first.
func (t Team) Roster(group messaging.GroupType) []string {
	switch group {
	case messaging.GroupCoaches:
		return messaging.NormalizeIDs(t.CoachIDs)
	case messaging.GroupPlayers:
		return messaging.NormalizeIDs(t.PlayerIDs)
	case messaging.GroupParents:
		return messaging.NormalizeIDs(t.ParentIDs)
	case messaging.GroupAll:
		all := slices.Concat(t.CoachIDs, t.PlayerIDs, t.ParentIDs)
		return messaging.NormalizeIDs(all)
	default:
		return nil
	}
}

// IsMember reports whether userID appears on any roster list.
func (t Team) IsMember(userID string) bool {
	return slices.Contains(t.Roster(messaging.GroupAll), userID)
}

// InGroup reports whether userID is on the roster of group.
func (t Team) InGroup(group messaging.GroupType, userID string) bool {
	return userID != "" && slices.Contains(t.Roster(group), userID)
}

func (t Team) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrIDRequired
	}
	return nil
}
