package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/app/docstore"
	"huddle/internal/app/messaging/schema"
	domain "huddle/internal/domain/messaging"
)

const (
	subConversations = "conversations"
	subMessages      = "messages"
	subTyping        = "typing"
)

// conversationFeed joins the conversation and unread-counter listeners. It
// emits only once both have reported.
type conversationFeed struct {
	mu         sync.Mutex
	convs      []domain.Conversation
	counts     map[string]int
	haveConvs  bool
	haveCounts bool
	closed     atomic.Bool
}

func (f *conversationFeed) merged() ([]domain.Conversation, bool) {
	if !f.haveConvs || !f.haveCounts {
		return nil, false
	}
	out := make([]domain.Conversation, len(f.convs))
	for i, c := range f.convs {
		c = c.Clone()
		c.UnreadCount = f.counts[c.ID]
		out[i] = c
	}
	return out, true
}

func (f *conversationFeed) setConversations(convs []domain.Conversation) ([]domain.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = convs
	f.haveConvs = true
	return f.merged()
}

func (f *conversationFeed) setCounts(counts map[string]int) ([]domain.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = counts
	f.haveCounts = true
	return f.merged()
}

func (s *StoreService) SubscribeToConversations(ctx context.Context, fn func([]domain.Conversation)) (Unsubscribe, error) {
	const op = "messaging.SubscribeToConversations"
	p, err := s.principal(ctx, op)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, domain.Fail(op, domain.ErrValidation, "callback is required")
	}
	feed := &conversationFeed{}
	emit := func(convs []domain.Conversation, ok bool) {
		if ok && !feed.closed.Load() {
			deliver(s.logger, subConversations, fn, convs)
		}
	}

	stopConvs, err := s.store.Subscribe(ctx, schema.ConversationsQuery(p.ID), func(snaps []docstore.Snapshot, err error) {
		if err != nil {
			s.logger.Warn("conversation listener error", "user_id", p.ID, "error", err)
			return
		}
		docs, err := docstore.DecodeAll[schema.ConversationDoc](snaps)
		if err != nil {
			s.logger.Warn("conversation decode failed", "user_id", p.ID, "error", err)
			return
		}
		convs := make([]domain.Conversation, 0, len(docs))
		for _, d := range docs {
			convs = append(convs, d.Conversation())
		}
		emit(feed.setConversations(convs))
	})
	if err != nil {
		return nil, s.check(domain.Transient(op, err))
	}
	stopCounts, err := s.store.Subscribe(ctx, schema.UnreadQuery(p.ID), func(snaps []docstore.Snapshot, err error) {
		if err != nil {
			s.logger.Warn("unread listener error", "user_id", p.ID, "error", err)
			return
		}
		docs, err := docstore.DecodeAll[schema.UnreadDoc](snaps)
		if err != nil {
			s.logger.Warn("unread decode failed", "user_id", p.ID, "error", err)
			return
		}
		counts := make(map[string]int, len(docs))
		for _, d := range docs {
			counts[d.ConversationID] = int(max(d.Count, 0))
		}
		emit(feed.setCounts(counts))
	})
	if err != nil {
		stopConvs()
		return nil, s.check(domain.Transient(op, err))
	}
	return s.subs.track(subConversations, subConversations, s.metrics, func() {
		feed.closed.Store(true)
		stopConvs()
		stopCounts()
	}), nil
}

func (s *StoreService) SubscribeToMessages(ctx context.Context, conversationID string, fn func([]domain.Message)) (Unsubscribe, error) {
	const op = "messaging.SubscribeToMessages"
	if _, _, err := s.authorize(ctx, op, conversationID); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, domain.Fail(op, domain.ErrValidation, "callback is required")
	}
	var closed atomic.Bool
	stop, err := s.store.Subscribe(ctx, schema.MessagesQuery(conversationID), func(snaps []docstore.Snapshot, err error) {
		if err != nil {
			s.logger.Warn("message listener error", "conversation_id", conversationID, "error", err)
			return
		}
		docs, err := docstore.DecodeAll[schema.MessageDoc](snaps)
		if err != nil {
			s.logger.Warn("message decode failed", "conversation_id", conversationID, "error", err)
			return
		}
		msgs := make([]domain.Message, 0, len(docs))
		for _, d := range docs {
			msgs = append(msgs, d.Message())
		}
		if !closed.Load() {
			deliver(s.logger, subMessages, fn, msgs)
		}
	})
	if err != nil {
		return nil, s.check(domain.Transient(op, err))
	}
	return s.subs.track(subMessages, subMessages+"_"+conversationID, s.metrics, func() {
		closed.Store(true)
		stop()
	}), nil
}

// SubscribeToTypingIndicators reports who else is typing; the caller's own
// indicator is left out.
func (s *StoreService) SubscribeToTypingIndicators(ctx context.Context, conversationID string, fn func([]domain.TypingIndicator)) (Unsubscribe, error) {
	const op = "messaging.SubscribeToTypingIndicators"
	_, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, domain.Fail(op, domain.ErrValidation, "callback is required")
	}
	var closed atomic.Bool
	stop, err := s.store.Subscribe(ctx, schema.TypingQuery(conversationID), func(snaps []docstore.Snapshot, err error) {
		if err != nil {
			s.logger.Debug("typing listener error", "conversation_id", conversationID, "error", err)
			return
		}
		docs, err := docstore.DecodeAll[schema.TypingDoc](snaps)
		if err != nil {
			return
		}
		out := make([]domain.TypingIndicator, 0, len(docs))
		for _, d := range docs {
			if d.UserID != p.ID {
				out = append(out, d.Indicator())
			}
		}
		if !closed.Load() {
			deliver(s.logger, subTyping, fn, out)
		}
	})
	if err != nil {
		return nil, s.check(domain.Transient(op, err))
	}
	return s.subs.track(subTyping, subTyping+"_"+conversationID, s.metrics, func() {
		closed.Store(true)
		stop()
	}), nil
}

func (s *StoreService) SetUserPresence(ctx context.Context, status domain.PresenceStatus) error {
	const op = "messaging.SetUserPresence"
	p, err := s.principal(ctx, op)
	if err != nil {
		return err
	}
	if !status.Valid() {
		return domain.Failf(op, domain.ErrValidation, "unknown presence status %q", status)
	}
	if err := s.writePresence(ctx, p.ID, status); err != nil {
		return s.check(domain.Transient(op, err))
	}
	return nil
}

func (s *StoreService) writePresence(ctx context.Context, userID string, status domain.PresenceStatus) error {
	now, err := schema.Now(ctx, s.store)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, schema.Presence, userID, schema.PresenceDoc{ID: userID, Status: string(status), LastSeen: now})
}

// SetTypingStatus writes the caller's indicator and re-arms its expiry timer.
// Clearing, or the timer firing, removes the indicator document.
func (s *StoreService) SetTypingStatus(ctx context.Context, conversationID string, isTyping bool) error {
	const op = "messaging.SetTypingStatus"
	conv, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return err
	}
	key := domain.TypingID(conv.ID, p.ID)
	if !isTyping {
		s.timers.Cancel(key)
		s.forgetTyping(key)
		if err := s.store.Delete(ctx, schema.TypingIndicators, key); err != nil {
			return s.check(domain.Transient(op, err))
		}
		return nil
	}

	now, err := s.now(ctx, op)
	if err != nil {
		return err
	}
	name := p.DisplayName
	if part, ok := conv.Participant(p.ID); ok {
		name = part.DisplayName
	}
	err = s.store.Set(ctx, schema.TypingIndicators, key, schema.TypingDoc{
		ID:             key,
		ConversationID: conv.ID,
		UserID:         p.ID,
		UserName:       name,
		IsTyping:       true,
		UpdatedAt:      now,
	})
	if err != nil {
		return s.check(domain.Transient(op, err))
	}
	s.mu.Lock()
	s.typing[key] = conv.ID
	s.mu.Unlock()
	s.timers.Schedule(key, time.Now().Add(s.typingTTL), func() { s.expireTyping(key) })
	return nil
}

func (s *StoreService) expireTyping(key string) {
	if !s.forgetTyping(key) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, schema.TypingIndicators, key); err != nil {
		s.logger.Debug("typing expiry failed", "typing_id", key, "error", err)
	}
}

func (s *StoreService) forgetTyping(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.typing[key]
	delete(s.typing, key)
	return ok
}
