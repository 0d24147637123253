package messaging

import (
	"time"

	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/team"
)

// MockFixtures is the initial state of a MockService.
type MockFixtures struct {
	Users         []domain.Profile
	Teams         []team.Team
	Conversations []domain.Conversation
	Messages      []domain.Message
}

// Fixture user ids.
const (
	MockCoachID  = "user-coach"
	MockPlayerID = "user-player"
	MockParentID = "user-parent"
	MockTeamID   = "team-1"
)

// DefaultFixtures seeds three users on one team, a direct conversation between
// the coach and the parent and a group conversation with all three.
func DefaultFixtures(now time.Time) MockFixtures {
	now = now.UTC().Truncate(time.Millisecond)
	coach := domain.Profile{ID: MockCoachID, DisplayName: "Coach Taylor"}
	player := domain.Profile{ID: MockPlayerID, DisplayName: "Sam Rivera"}
	parent := domain.Profile{ID: MockParentID, DisplayName: "Alex Rivera"}

	start := now.Add(-2 * time.Hour)
	member := func(p domain.Profile, role domain.Role) domain.Participant {
		return domain.Participant{ID: p.ID, DisplayName: p.DisplayName, Role: role, JoinedAt: start}
	}
	direct := domain.Conversation{
		ID:           "conv-direct-1",
		Type:         domain.TypeDirect,
		Participants: []domain.Participant{member(coach, domain.RoleOwner), member(parent, domain.RoleMember)},
		Metadata:     map[string]string{},
		CreatedBy:    coach.ID,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	group := domain.Conversation{
		ID:   "conv-group-1",
		Type: domain.TypeGroup,
		Participants: []domain.Participant{
			member(coach, domain.RoleOwner),
			member(player, domain.RoleMember),
			member(parent, domain.RoleMember),
		},
		Metadata:  map[string]string{domain.MetaName: "Season planning"},
		CreatedBy: coach.ID,
		CreatedAt: start,
		UpdatedAt: start,
	}

	msg := func(id string, conv domain.Conversation, from domain.Profile, content string, at time.Time) domain.Message {
		m := domain.NewMessage(conv.ID, from, domain.MessageInput{Content: content}, at)
		m.ID = id
		return m
	}
	msgs := []domain.Message{
		msg("msg-direct-1", direct, coach, "Hi Alex, can Sam make Saturday's game?", start.Add(10*time.Minute)),
		msg("msg-direct-2", direct, parent, "Yes, we'll be there by 9.", start.Add(25*time.Minute)),
		msg("msg-group-1", group, coach, "Welcome to the season planning chat!", start.Add(30*time.Minute)),
		msg("msg-group-2", group, player, "Thanks coach!", start.Add(45*time.Minute)),
	}
	// The coach has read everything; the others have only read their own.
	for i := range msgs {
		msgs[i].MarkReadBy(coach.ID)
	}

	return MockFixtures{
		Users: []domain.Profile{coach, player, parent},
		Teams: []team.Team{{
			ID:        MockTeamID,
			Name:      "Tigers U12",
			CoachIDs:  []string{coach.ID},
			PlayerIDs: []string{player.ID},
			ParentIDs: []string{parent.ID},
		}},
		Conversations: []domain.Conversation{direct, group},
		Messages:      msgs,
	}
}
