package messaging

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"huddle/internal/app/blob"
	"huddle/internal/app/identity"
	"huddle/internal/app/ids"
	"huddle/internal/app/schedule"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/team"
)

// MockService keeps every conversation in process memory. Listeners are
// grouped per event class: any message change re-renders every message
// listener, each of which still only sees its own conversation.
type MockService struct {
	identity  identity.Provider
	blobs     blob.Store
	timers    schedule.Scheduler
	metrics   Metrics
	logger    *slog.Logger
	typingTTL time.Duration
	maxUpload int64
	now       func() time.Time

	convObs   observerSet
	msgObs    observerSet
	typingObs observerSet
	subs      registry

	mu            sync.Mutex
	status        ConnectionStatus
	last          time.Time
	users         map[string]domain.Profile
	teams         map[string]team.Team
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	unread        map[string]int
	typing        map[string]domain.TypingIndicator
	presence      map[string]domain.Presence
}

// NewMockService builds a mock seeded with DefaultFixtures.
func NewMockService(deps Deps) *MockService {
	return NewMockServiceWith(deps, DefaultFixtures(time.Now()))
}

func NewMockServiceWith(deps Deps, fx MockFixtures) *MockService {
	deps = deps.withDefaults()
	m := &MockService{
		identity:      deps.Identity,
		blobs:         deps.Blobs,
		timers:        deps.Timers,
		metrics:       deps.Metrics,
		logger:        deps.Logger.With("messaging", string(ModeMock)),
		typingTTL:     deps.TypingTTL,
		maxUpload:     deps.MaxAttachmentBytes,
		now:           time.Now,
		status:        StatusDisconnected,
		users:         make(map[string]domain.Profile),
		teams:         make(map[string]team.Team),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		unread:        make(map[string]int),
		typing:        make(map[string]domain.TypingIndicator),
		presence:      make(map[string]domain.Presence),
	}
	for _, u := range fx.Users {
		m.users[u.ID] = u
	}
	for _, t := range fx.Teams {
		m.teams[t.ID] = t
	}
	for _, c := range fx.Conversations {
		m.conversations[c.ID] = c.Clone()
	}
	for _, msg := range fx.Messages {
		conv, ok := m.conversations[msg.ConversationID]
		if !ok {
			continue
		}
		m.messages[conv.ID] = append(m.messages[conv.ID], msg.Clone())
		domain.ApplyLastMessage(&conv, msg)
		for _, uid := range conv.ParticipantIDs() {
			if !msg.IsReadBy(uid) {
				m.unread[domain.UnreadCounterID(conv.ID, uid)]++
			}
		}
		m.conversations[conv.ID] = conv
		if msg.Timestamp.After(m.last) {
			m.last = msg.Timestamp
		}
	}
	for id := range m.messages {
		sortMessages(m.messages[id])
	}
	return m
}

func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

// tick returns a strictly increasing millisecond timestamp. Caller holds m.mu.
func (m *MockService) tick() time.Time {
	t := m.now().UTC().Truncate(time.Millisecond)
	if !t.After(m.last) {
		t = m.last.Add(time.Millisecond)
	}
	m.last = t
	return t
}

func (m *MockService) principal(ctx context.Context, op string) (identity.Principal, error) {
	p, ok := m.identity.Current(ctx)
	if !ok || p.ID == "" {
		return identity.Principal{}, domain.Fail(op, domain.ErrNotAuthenticated, "")
	}
	return p, nil
}

// conversationLocked returns a copy of the conversation after the membership
// check. Caller holds m.mu.
func (m *MockService) conversationLocked(op, id, userID string) (domain.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Conversation{}, domain.Fail(op, domain.ErrValidation, "conversation id is required")
	}
	conv, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.Fail(op, domain.ErrNotFound, "conversation not found")
	}
	if _, err := domain.RequireParticipant(op, conv, userID); err != nil {
		return domain.Conversation{}, err
	}
	return conv.Clone(), nil
}

// viewLocked stamps the viewer's unread counter onto a copy of conv.
func (m *MockService) viewLocked(conv domain.Conversation, viewerID string) domain.Conversation {
	out := conv.Clone()
	out.UnreadCount = m.unread[domain.UnreadCounterID(conv.ID, viewerID)]
	return out
}

func (m *MockService) profilesLocked(ids []string) map[string]domain.Profile {
	out := make(map[string]domain.Profile, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out
}

func (m *MockService) Initialize(ctx context.Context) error {
	p, ok := m.identity.Current(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.status = StatusDisconnected
		return nil
	}
	m.status = StatusConnected
	m.presence[p.ID] = domain.Presence{UserID: p.ID, Status: domain.PresenceOnline, LastSeen: m.tick()}
	if _, known := m.users[p.ID]; !known {
		m.users[p.ID] = p.Profile()
	}
	m.logger.Info("messaging initialized", "user_id", p.ID)
	return nil
}

func (m *MockService) Disconnect() error {
	for _, stop := range m.subs.drain() {
		stop()
	}
	p, signedIn := m.identity.Current(context.Background())
	m.mu.Lock()
	m.status = StatusDisconnected
	var cleared bool
	for key, ind := range m.typing {
		if signedIn && ind.UserID == p.ID {
			m.timers.Cancel(key)
			delete(m.typing, key)
			cleared = true
		}
	}
	m.mu.Unlock()
	if cleared {
		m.typingObs.notify()
	}
	return nil
}

func (m *MockService) ConnectionStatus() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ActiveSubscriptions lists registry keys of live listeners.
func (m *MockService) ActiveSubscriptions() []string {
	return m.subs.keys()
}

func (m *MockService) Conversations(ctx context.Context, opts ListOptions) ([]domain.Conversation, string, error) {
	const op = "messaging.Conversations"
	p, err := m.principal(ctx, op)
	if err != nil {
		return nil, "", err
	}
	cursorTime, cursorID, err := parseCursor(op, opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	key := func(c domain.Conversation) time.Time {
		if opts.SortBy == SortCreated {
			return c.CreatedAt
		}
		return c.UpdatedAt
	}

	m.mu.Lock()
	all := make([]domain.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		if c.HasParticipant(p.ID) {
			all = append(all, m.viewLocked(c, p.ID))
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		ki, kj := key(all[i]), key(all[j])
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return all[i].ID > all[j].ID
	})
	out := all[:0]
	for _, c := range all {
		if cursorID == "" || afterCursor(key(c), c.ID, cursorTime, cursorID) {
			out = append(out, c)
		}
	}
	limit := normalizeLimit(opts.Limit)
	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = buildCursor(key(last), last.ID)
	}
	return out, next, nil
}

func (m *MockService) ConversationByID(ctx context.Context, id string) (domain.Conversation, error) {
	const op = "messaging.ConversationByID"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.conversationLocked(op, id, p.ID)
	if err != nil {
		return domain.Conversation{}, err
	}
	return m.viewLocked(conv, p.ID), nil
}

func (m *MockService) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	const op = "messaging.CreateConversation"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	var first domain.MessageInput
	if in.InitialMessage != "" {
		if first, err = domain.ValidateMessageInput(domain.MessageInput{Content: in.InitialMessage}); err != nil {
			return domain.Conversation{}, err
		}
	}

	m.mu.Lock()
	now := m.tick()
	conv, err := domain.PrepareConversation(m.senderLocked(p), in, m.profilesLocked(in.ParticipantIDs), now)
	if err != nil {
		m.mu.Unlock()
		return domain.Conversation{}, err
	}
	conv.ID = ids.NewULID(now)
	m.conversations[conv.ID] = conv
	if in.InitialMessage != "" {
		m.appendLocked(conv.ID, m.senderLocked(p), first)
		conv = m.conversations[conv.ID]
	}
	out := m.viewLocked(conv, p.ID)
	m.mu.Unlock()

	m.convObs.notify()
	if in.InitialMessage != "" {
		m.msgObs.notify()
		m.metrics.MessageSent(string(ModeMock))
	}
	m.logger.Info("conversation created", "conversation_id", out.ID, "type", out.Type)
	return out, nil
}

// senderLocked prefers the directory profile over the session's copy.
func (m *MockService) senderLocked(p identity.Principal) domain.Profile {
	if u, ok := m.users[p.ID]; ok && u.DisplayName != "" {
		return u
	}
	return p.Profile()
}

func (m *MockService) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) (domain.Conversation, error) {
	const op = "messaging.UpdateConversation"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, id, p.ID)
	if err != nil {
		m.mu.Unlock()
		return domain.Conversation{}, err
	}
	now := m.tick()
	before := conv.ParticipantIDs()
	if upd.ParticipantIDs != nil {
		if err := domain.SetParticipants(&conv, p.ID, upd.ParticipantIDs, m.profilesLocked(upd.ParticipantIDs), now); err != nil {
			m.mu.Unlock()
			return domain.Conversation{}, err
		}
	}
	conv.Metadata = domain.MergeMetadata(conv.Metadata, upd.Metadata)
	conv.UpdatedAt = now
	m.conversations[conv.ID] = conv
	_, removed := diffIDs(before, conv.ParticipantIDs())
	for _, uid := range removed {
		delete(m.unread, domain.UnreadCounterID(conv.ID, uid))
	}
	out := m.viewLocked(conv, p.ID)
	m.mu.Unlock()

	m.convObs.notify()
	return out, nil
}

func (m *MockService) DeleteConversation(ctx context.Context, id string) error {
	const op = "messaging.DeleteConversation"
	p, err := m.principal(ctx, op)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, id, p.ID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.conversations, conv.ID)
	delete(m.messages, conv.ID)
	for _, uid := range conv.ParticipantIDs() {
		key := domain.UnreadCounterID(conv.ID, uid)
		delete(m.unread, key)
		if _, ok := m.typing[key]; ok {
			m.timers.Cancel(key)
			delete(m.typing, key)
		}
	}
	m.mu.Unlock()

	m.convObs.notify()
	m.msgObs.notify()
	m.typingObs.notify()
	return nil
}

func (m *MockService) AddParticipants(ctx context.Context, id string, userIDs []string) (domain.Conversation, error) {
	const op = "messaging.AddParticipants"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, id, p.ID)
	if err != nil {
		m.mu.Unlock()
		return domain.Conversation{}, err
	}
	added, err := domain.AddParticipants(&conv, p.ID, userIDs, m.profilesLocked(userIDs), m.tick())
	if err != nil {
		m.mu.Unlock()
		return domain.Conversation{}, err
	}
	m.conversations[conv.ID] = conv
	out := m.viewLocked(conv, p.ID)
	m.mu.Unlock()

	if len(added) > 0 {
		m.convObs.notify()
	}
	return out, nil
}

func (m *MockService) RemoveParticipant(ctx context.Context, id, userID string) (domain.Conversation, error) {
	const op = "messaging.RemoveParticipant"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, id, p.ID)
	if err != nil {
		m.mu.Unlock()
		return domain.Conversation{}, err
	}
	if err := domain.RemoveParticipant(&conv, p.ID, userID, m.tick()); err != nil {
		m.mu.Unlock()
		return domain.Conversation{}, err
	}
	m.conversations[conv.ID] = conv
	delete(m.unread, domain.UnreadCounterID(conv.ID, userID))
	out := m.viewLocked(conv, p.ID)
	m.mu.Unlock()

	m.convObs.notify()
	return out, nil
}

// appendLocked stores a new message and updates the summary and counters.
// Caller holds m.mu.
func (m *MockService) appendLocked(conversationID string, sender domain.Profile, in domain.MessageInput) domain.Message {
	now := m.tick()
	msg := domain.NewMessage(conversationID, sender, in, now)
	msg.ID = ids.NewULID(now)
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	conv := m.conversations[conversationID]
	domain.ApplyLastMessage(&conv, msg)
	for _, uid := range conv.ParticipantIDs() {
		if uid != sender.ID {
			m.unread[domain.UnreadCounterID(conv.ID, uid)]++
		}
	}
	m.conversations[conversationID] = conv
	return msg.Clone()
}

// findLocked returns the index of a message. Caller holds m.mu.
func (m *MockService) findLocked(op, conversationID, messageID string) (int, error) {
	i := slices.IndexFunc(m.messages[conversationID], func(msg domain.Message) bool { return msg.ID == messageID })
	if i < 0 {
		return -1, domain.Fail(op, domain.ErrNotFound, "message not found")
	}
	return i, nil
}
