package messaging

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/team"
)

func (m *MockService) SubscribeToConversations(ctx context.Context, fn func([]domain.Conversation)) (Unsubscribe, error) {
	const op = "messaging.SubscribeToConversations"
	p, err := m.principal(ctx, op)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, domain.Fail(op, domain.ErrValidation, "callback is required")
	}
	stop := m.convObs.add(func(o *observer) {
		m.mu.Lock()
		out := make([]domain.Conversation, 0, len(m.conversations))
		for _, c := range m.conversations {
			if c.HasParticipant(p.ID) {
				out = append(out, m.viewLocked(c, p.ID))
			}
		}
		m.mu.Unlock()
		domain.SortByActivity(out)
		if !o.stopped() {
			deliver(m.logger, subConversations, fn, out)
		}
	})
	return m.subs.track(subConversations, subConversations, m.metrics, stop), nil
}

func (m *MockService) SubscribeToMessages(ctx context.Context, conversationID string, fn func([]domain.Message)) (Unsubscribe, error) {
	const op = "messaging.SubscribeToMessages"
	p, err := m.principal(ctx, op)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	_, err = m.conversationLocked(op, conversationID, p.ID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, domain.Fail(op, domain.ErrValidation, "callback is required")
	}
	stop := m.msgObs.add(func(o *observer) {
		m.mu.Lock()
		src := m.messages[conversationID]
		out := make([]domain.Message, 0, len(src))
		for _, msg := range src {
			out = append(out, msg.Clone())
		}
		m.mu.Unlock()
		if !o.stopped() {
			deliver(m.logger, subMessages, fn, out)
		}
	})
	return m.subs.track(subMessages, subMessages+"_"+conversationID, m.metrics, stop), nil
}

func (m *MockService) SubscribeToTypingIndicators(ctx context.Context, conversationID string, fn func([]domain.TypingIndicator)) (Unsubscribe, error) {
	const op = "messaging.SubscribeToTypingIndicators"
	p, err := m.principal(ctx, op)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	_, err = m.conversationLocked(op, conversationID, p.ID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, domain.Fail(op, domain.ErrValidation, "callback is required")
	}
	stop := m.typingObs.add(func(o *observer) {
		m.mu.Lock()
		out := make([]domain.TypingIndicator, 0)
		for _, ind := range m.typing {
			if ind.ConversationID == conversationID && ind.UserID != p.ID && ind.IsTyping {
				out = append(out, ind)
			}
		}
		m.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
		if !o.stopped() {
			deliver(m.logger, subTyping, fn, out)
		}
	})
	return m.subs.track(subTyping, subTyping+"_"+conversationID, m.metrics, stop), nil
}

func (m *MockService) SetUserPresence(ctx context.Context, status domain.PresenceStatus) error {
	const op = "messaging.SetUserPresence"
	p, err := m.principal(ctx, op)
	if err != nil {
		return err
	}
	if !status.Valid() {
		return domain.Failf(op, domain.ErrValidation, "unknown presence status %q", status)
	}
	m.mu.Lock()
	m.presence[p.ID] = domain.Presence{UserID: p.ID, Status: status, LastSeen: m.tick()}
	m.mu.Unlock()
	return nil
}

// Presence reports the last status set by userID.
func (m *MockService) Presence(userID string) (domain.Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.presence[userID]
	return pr, ok
}

func (m *MockService) SetTypingStatus(ctx context.Context, conversationID string, isTyping bool) error {
	const op = "messaging.SetTypingStatus"
	p, err := m.principal(ctx, op)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, conversationID, p.ID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	key := domain.TypingID(conv.ID, p.ID)
	if !isTyping {
		_, had := m.typing[key]
		delete(m.typing, key)
		m.mu.Unlock()
		m.timers.Cancel(key)
		if had {
			m.typingObs.notify()
		}
		return nil
	}
	name := p.DisplayName
	if part, ok := conv.Participant(p.ID); ok {
		name = part.DisplayName
	}
	m.typing[key] = domain.TypingIndicator{
		ConversationID: conv.ID,
		UserID:         p.ID,
		UserName:       name,
		IsTyping:       true,
		UpdatedAt:      m.tick(),
	}
	m.mu.Unlock()

	m.timers.Schedule(key, time.Now().Add(m.typingTTL), func() {
		m.mu.Lock()
		_, had := m.typing[key]
		delete(m.typing, key)
		m.mu.Unlock()
		if had {
			m.typingObs.notify()
		}
	})
	m.typingObs.notify()
	return nil
}

func (m *MockService) teamLocked(op, teamID, userID string) (team.Team, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return team.Team{}, domain.Fail(op, domain.ErrValidation, "team id is required")
	}
	t, ok := m.teams[teamID]
	if !ok {
		return team.Team{}, domain.Fail(op, domain.ErrNotFound, "team not found")
	}
	if !t.IsMember(userID) {
		return team.Team{}, domain.Fail(op, domain.ErrNotParticipant, "")
	}
	return t, nil
}

func (m *MockService) TeamChats(ctx context.Context, teamID string) ([]domain.Conversation, error) {
	const op = "messaging.TeamChats"
	p, err := m.principal(ctx, op)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	t, err := m.teamLocked(op, teamID, p.ID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var out []domain.Conversation
	for _, c := range m.conversations {
		if c.TeamID == t.ID && c.HasParticipant(p.ID) {
			out = append(out, m.viewLocked(c, p.ID))
		}
	}
	m.mu.Unlock()
	domain.SortByActivity(out)
	return out, nil
}

func (m *MockService) SendTeamMessage(ctx context.Context, teamID string, group domain.GroupType, content string) (domain.Message, error) {
	const op = "messaging.SendTeamMessage"
	p, err := m.principal(ctx, op)
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

	m.mu.Lock()
	t, err := m.teamLocked(op, teamID, p.ID)
	if err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	sender := m.senderLocked(p)
	id := domain.TeamConversationID(t.ID, group)
	conv, exists := m.conversations[id]
	if !t.InGroup(group, p.ID) && !(exists && conv.HasParticipant(p.ID)) {
		m.mu.Unlock()
		return domain.Message{}, domain.Fail(op, domain.ErrNotParticipant, "")
	}
	if !exists {
		roster := t.Roster(group)
		conv, err = domain.PrepareTeamConversation(sender, t.ID, t.Name, group, roster, m.profilesLocked(roster), m.tick())
		if err != nil {
			m.mu.Unlock()
			return domain.Message{}, err
		}
	} else {
		domain.Join(&conv, p.ID, m.profilesLocked([]string{p.ID}), m.tick())
	}
	m.conversations[conv.ID] = conv
	msg := m.appendLocked(conv.ID, sender, in)
	m.mu.Unlock()

	m.convObs.notify()
	m.msgObs.notify()
	m.metrics.MessageSent(string(ModeMock))
	if !exists {
		m.logger.Info("team chat created", "conversation_id", conv.ID, "team_id", t.ID, "group", group)
	}
	return msg, nil
}
