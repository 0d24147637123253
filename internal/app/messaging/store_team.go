package messaging

import (
	"context"
	"errors"
	"strings"

	"huddle/internal/app/docstore"
	"huddle/internal/app/identity"
	"huddle/internal/app/messaging/schema"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/shared/events"
	"huddle/internal/domain/team"
)

// loadTeam fetches the roster and checks the caller is on it.
func loadTeam(ctx context.Context, teams Teams, op, teamID, userID string) (team.Team, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return team.Team{}, domain.Fail(op, domain.ErrValidation, "team id is required")
	}
	if teams == nil {
		return team.Team{}, domain.Transient(op, errors.New("team directory is not configured"))
	}
	t, err := teams.ByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, team.ErrNotFound) {
			return team.Team{}, domain.Fail(op, domain.ErrNotFound, "team not found")
		}
		return team.Team{}, domain.Transient(op, err)
	}
	if !t.IsMember(userID) {
		return team.Team{}, domain.Fail(op, domain.ErrNotParticipant, "")
	}
	return t, nil
}

// TeamChats lists the team's audience chats the caller belongs to.
func (s *StoreService) TeamChats(ctx context.Context, teamID string) ([]domain.Conversation, error) {
	const op = "messaging.TeamChats"
	p, err := s.principal(ctx, op)
	if err != nil {
		return nil, err
	}
	t, err := loadTeam(ctx, s.teams, op, teamID, p.ID)
	if err != nil {
		return nil, s.check(err)
	}
	snaps, err := s.store.Find(ctx, docstore.Query{
		Collection: schema.Conversations,
		Filters: []docstore.Filter{
			docstore.Eq("team_id", t.ID),
			docstore.ArrayContains("participant_ids", p.ID),
		},
		Order: []docstore.Order{{Field: "updated_at", Dir: docstore.Desc}, {Field: "_id", Dir: docstore.Desc}},
	})
	if err != nil {
		return nil, s.check(domain.Transient(op, err))
	}
	docs, err := docstore.DecodeAll[schema.ConversationDoc](snaps)
	if err != nil {
		return nil, domain.Transient(op, err)
	}
	counts, err := s.unreadCounts(ctx, p.ID)
	if err != nil {
		s.logger.Warn("unread counters unavailable", "user_id", p.ID, "error", err)
	}
	out := make([]domain.Conversation, 0, len(docs))
	for _, d := range docs {
		conv := d.Conversation()
		conv.UnreadCount = counts[conv.ID]
		out = append(out, conv)
	}
	return out, nil
}

// SendTeamMessage finds or creates the (team, group) chat and posts to it.
// The chat id is derived from the pair, so a lost creation race just loads
// the winner's document.
func (s *StoreService) SendTeamMessage(ctx context.Context, teamID string, group domain.GroupType, content string) (domain.Message, error) {
	const op = "messaging.SendTeamMessage"
	p, err := s.principal(ctx, op)
	if err != nil {
		return domain.Message{}, err
	}
	if !group.Valid() {
		return domain.Message{}, domain.Failf(op, domain.ErrValidation, "unknown team group %q", group)
	}
	in, err := domain.ValidateMessageInput(domain.MessageInput{Content: content})
	if err != nil {
		return domain.Message{}, err
	}
	t, err := loadTeam(ctx, s.teams, op, teamID, p.ID)
	if err != nil {
		return domain.Message{}, s.check(err)
	}
	conv, err := s.teamConversation(ctx, op, t, group, p)
	if err != nil {
		return domain.Message{}, err
	}
	return s.sendAs(ctx, conv, p.Profile(), in)
}

// teamConversation returns the audience chat for p. Only the group's roster
// may create or join it; members added by hand keep their access.
func (s *StoreService) teamConversation(ctx context.Context, op string, t team.Team, group domain.GroupType, p identity.Principal) (domain.Conversation, error) {
	id := domain.TeamConversationID(t.ID, group)
	conv, err := schema.LoadConversation(ctx, s.store, op, id)
	switch {
	case err == nil:
		if !conv.HasParticipant(p.ID) && !t.InGroup(group, p.ID) {
			return domain.Conversation{}, s.check(domain.Fail(op, domain.ErrNotParticipant, ""))
		}
	case domain.IsNotFound(err):
		if !t.InGroup(group, p.ID) {
			return domain.Conversation{}, s.check(domain.Fail(op, domain.ErrNotParticipant, ""))
		}
		conv, err = s.createTeamConversation(ctx, op, t, group, p)
		if err != nil {
			return domain.Conversation{}, err
		}
	default:
		return domain.Conversation{}, s.check(err)
	}

	if !conv.HasParticipant(p.ID) {
		now, err := s.now(ctx, op)
		if err != nil {
			return domain.Conversation{}, err
		}
		domain.Join(&conv, p.ID, map[string]domain.Profile{p.ID: p.Profile()}, now)
		if err := s.addParticipants(ctx, conv, []string{p.ID}); err != nil {
			return domain.Conversation{}, s.check(domain.Transient(op, err))
		}
		var rec events.Recorder
		rec.Record(domain.NewParticipantsAdded(conv.ID, p.ID, []string{p.ID}, now))
		s.publish(ctx, &rec)
	}
	return conv, nil
}

func (s *StoreService) createTeamConversation(ctx context.Context, op string, t team.Team, group domain.GroupType, p identity.Principal) (domain.Conversation, error) {
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	roster := t.Roster(group)
	conv, err := domain.PrepareTeamConversation(p.Profile(), t.ID, t.Name, group, roster, s.resolveProfiles(ctx, roster), now)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv, err = schema.InsertConversation(ctx, s.store, conv)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return schema.LoadConversation(ctx, s.store, op, domain.TeamConversationID(t.ID, group))
	}
	if err != nil {
		return domain.Conversation{}, s.check(domain.Transient(op, err))
	}
	var rec events.Recorder
	rec.Record(domain.NewConversationCreated(conv))
	s.publish(ctx, &rec)
	s.logger.Info("team chat created", "conversation_id", conv.ID, "team_id", t.ID, "group", group, "participants", len(conv.Participants))
	return conv, nil
}
