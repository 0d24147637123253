package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"huddle/internal/app/blob"
	"huddle/internal/app/docstore"
	"huddle/internal/app/identity"
	"huddle/internal/app/messaging/schema"
	"huddle/internal/app/outbox"
	"huddle/internal/app/schedule"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/shared/events"
)

// StoreService implements Service on top of a docstore.Store. Membership is
// re-checked against the stored conversation on every call; the store's own
// access rules are not trusted.
type StoreService struct {
	store     docstore.Store
	blobs     blob.Store
	identity  identity.Provider
	profiles  Profiles
	teams     Teams
	outbox    outbox.Outbox
	encoder   outbox.EventEncoder
	timers    schedule.Scheduler
	metrics   Metrics
	logger    *slog.Logger
	typingTTL time.Duration
	maxUpload int64

	subs registry

	mu     sync.Mutex
	status ConnectionStatus
	typing map[string]string // typing key -> conversation id
}

func NewStoreService(deps Deps) *StoreService {
	deps = deps.withDefaults()
	return &StoreService{
		store:     deps.Store,
		blobs:     deps.Blobs,
		identity:  deps.Identity,
		profiles:  deps.Profiles,
		teams:     deps.Teams,
		outbox:    deps.Outbox,
		encoder:   deps.Encoder,
		timers:    deps.Timers,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("messaging", string(ModeStore)),
		typingTTL: deps.TypingTTL,
		maxUpload: deps.MaxAttachmentBytes,
		status:    StatusDisconnected,
		typing:    make(map[string]string),
	}
}

func (s *StoreService) Initialize(ctx context.Context) error {
	p, ok := s.identity.Current(ctx)
	if !ok {
		s.setStatus(StatusDisconnected)
		s.logger.Info("messaging initialize skipped, no principal")
		return nil
	}
	s.setStatus(StatusConnecting)
	if err := s.store.Ping(ctx); err != nil {
		s.setStatus(StatusDisconnected)
		return domain.Transient("messaging.Initialize", err)
	}
	s.setStatus(StatusConnected)
	if err := s.writePresence(ctx, p.ID, domain.PresenceOnline); err != nil {
		s.logger.Warn("presence update failed", "user_id", p.ID, "error", err)
	}
	s.logger.Info("messaging initialized", "user_id", p.ID)
	return nil
}

func (s *StoreService) Disconnect() error {
	for _, stop := range s.subs.drain() {
		stop()
	}
	s.mu.Lock()
	typing := s.typing
	s.typing = make(map[string]string)
	wasConnected := s.status != StatusDisconnected
	s.status = StatusDisconnected
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for key := range typing {
		s.timers.Cancel(key)
		if err := s.store.Delete(ctx, schema.TypingIndicators, key); err != nil {
			s.logger.Debug("typing cleanup failed", "typing_id", key, "error", err)
		}
	}
	if wasConnected {
		if p, ok := s.identity.Current(ctx); ok {
			if err := s.writePresence(ctx, p.ID, domain.PresenceOffline); err != nil {
				s.logger.Debug("presence update failed", "user_id", p.ID, "error", err)
			}
		}
		s.logger.Info("messaging disconnected")
	}
	return nil
}

func (s *StoreService) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ActiveSubscriptions lists registry keys of live listeners.
func (s *StoreService) ActiveSubscriptions() []string {
	return s.subs.keys()
}

func (s *StoreService) setStatus(st ConnectionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// check records infrastructure failures as a lost connection and passes err on.
func (s *StoreService) check(err error) error {
	if err != nil && domain.IsTransient(err) {
		s.setStatus(StatusDisconnected)
	}
	return err
}

func (s *StoreService) principal(ctx context.Context, op string) (identity.Principal, error) {
	p, ok := s.identity.Current(ctx)
	if !ok || p.ID == "" {
		return identity.Principal{}, domain.Fail(op, domain.ErrNotAuthenticated, "")
	}
	return p, nil
}

// authorize loads the conversation fresh and checks the caller belongs to it.
func (s *StoreService) authorize(ctx context.Context, op, conversationID string) (domain.Conversation, identity.Principal, error) {
	p, err := s.principal(ctx, op)
	if err != nil {
		return domain.Conversation{}, identity.Principal{}, err
	}
	if strings.TrimSpace(conversationID) == "" {
		return domain.Conversation{}, p, domain.Fail(op, domain.ErrValidation, "conversation id is required")
	}
	conv, err := schema.LoadConversation(ctx, s.store, op, conversationID)
	if err != nil {
		return domain.Conversation{}, p, s.check(err)
	}
	if _, err := domain.RequireParticipant(op, conv, p.ID); err != nil {
		return domain.Conversation{}, p, err
	}
	return conv, p, nil
}

func (s *StoreService) now(ctx context.Context, op string) (time.Time, error) {
	t, err := schema.Now(ctx, s.store)
	if err != nil {
		return time.Time{}, s.check(domain.Transient(op, err))
	}
	return t, nil
}

// resolveProfiles looks up every id it can. Lookup failures are logged and
// left out so the caller degrades to placeholder names.
func (s *StoreService) resolveProfiles(ctx context.Context, ids []string) map[string]domain.Profile {
	return resolveProfiles(ctx, s.profiles, s.logger, ids)
}

func resolveProfiles(ctx context.Context, profiles Profiles, logger *slog.Logger, ids []string) map[string]domain.Profile {
	out := make(map[string]domain.Profile, len(ids))
	if profiles == nil {
		return out
	}
	for _, id := range domain.NormalizeIDs(ids) {
		prof, err := profiles.Profile(ctx, id)
		if err != nil {
			logger.Debug("participant lookup failed", "user_id", id, "error", err)
			continue
		}
		out[id] = prof
	}
	return out
}

// publish relays events through the outbox. Failures never fail the caller.
func (s *StoreService) publish(ctx context.Context, rec *events.Recorder) {
	evs := rec.Drain()
	if s.outbox == nil || len(evs) == 0 {
		return
	}
	if err := outbox.RecordDomainEvents(ctx, s.outbox, s.encoder, evs); err != nil {
		s.logger.Warn("outbox record failed", "events", len(evs), "error", err)
	}
}

func (s *StoreService) unreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	snaps, err := s.store.Find(ctx, schema.UnreadQuery(userID))
	if err != nil {
		return nil, err
	}
	docs, err := docstore.DecodeAll[schema.UnreadDoc](snaps)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(docs))
	for _, d := range docs {
		out[d.ConversationID] = int(max(d.Count, 0))
	}
	return out, nil
}

func (s *StoreService) unreadFor(ctx context.Context, conversationID, userID string) int {
	var doc schema.UnreadDoc
	if err := s.store.Get(ctx, schema.UnreadCounters, domain.UnreadCounterID(conversationID, userID), &doc); err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			s.logger.Debug("unread counter read failed", "conversation_id", conversationID, "error", err)
		}
		return 0
	}
	return int(max(doc.Count, 0))
}

func (s *StoreService) Conversations(ctx context.Context, opts ListOptions) ([]domain.Conversation, string, error) {
	const op = "messaging.Conversations"
	p, err := s.principal(ctx, op)
	if err != nil {
		return nil, "", err
	}
	limit := normalizeLimit(opts.Limit)
	cursorTime, cursorID, err := parseCursor(op, opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	sortField := "updated_at"
	if opts.SortBy == SortCreated {
		sortField = "created_at"
	}
	q := schema.ConversationsQuery(p.ID)
	q.Order = []docstore.Order{{Field: sortField, Dir: docstore.Desc}, {Field: "_id", Dir: docstore.Desc}}
	q.Limit = limit + 1
	if cursorID != "" {
		q.Filters = append(q.Filters, docstore.Lte(sortField, cursorTime))
		q.Limit += cursorSlack
	}
	snaps, err := s.store.Find(ctx, q)
	if err != nil {
		return nil, "", s.check(domain.Transient(op, err))
	}
	docs, err := docstore.DecodeAll[schema.ConversationDoc](snaps)
	if err != nil {
		return nil, "", domain.Transient(op, err)
	}
	counts, err := s.unreadCounts(ctx, p.ID)
	if err != nil {
		s.logger.Warn("unread counters unavailable", "user_id", p.ID, "error", err)
	}

	items := make([]domain.Conversation, 0, len(docs))
	for _, d := range docs {
		conv := d.Conversation()
		key := conv.UpdatedAt
		if opts.SortBy == SortCreated {
			key = conv.CreatedAt
		}
		if cursorID != "" && !afterCursor(key, conv.ID, cursorTime, cursorID) {
			continue
		}
		conv.UnreadCount = counts[conv.ID]
		items = append(items, conv)
	}
	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		key := last.UpdatedAt
		if opts.SortBy == SortCreated {
			key = last.CreatedAt
		}
		next = buildCursor(key, last.ID)
	}
	return items, next, nil
}

// cursorSlack over-fetches past a cursor so rows sharing its timestamp can be
// skipped without shortening the page.
const cursorSlack = 16

func (s *StoreService) ConversationByID(ctx context.Context, id string) (domain.Conversation, error) {
	conv, p, err := s.authorize(ctx, "messaging.ConversationByID", id)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv.UnreadCount = s.unreadFor(ctx, conv.ID, p.ID)
	return conv, nil
}

func (s *StoreService) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	const op = "messaging.CreateConversation"
	p, err := s.principal(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	var first domain.MessageInput
	if in.InitialMessage != "" {
		if first, err = domain.ValidateMessageInput(domain.MessageInput{Content: in.InitialMessage}); err != nil {
			return domain.Conversation{}, err
		}
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	profiles := s.resolveProfiles(ctx, in.ParticipantIDs)
	conv, err := domain.PrepareConversation(p.Profile(), in, profiles, now)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv, err = schema.InsertConversation(ctx, s.store, conv)
	if err != nil {
		return domain.Conversation{}, s.check(domain.Transient(op, err))
	}
	var rec events.Recorder
	rec.Record(domain.NewConversationCreated(conv))
	s.publish(ctx, &rec)
	s.logger.Info("conversation created", "conversation_id", conv.ID, "type", conv.Type, "participants", len(conv.Participants))

	if in.InitialMessage != "" {
		msg, err := s.sendAs(ctx, conv, p.Profile(), first)
		if err != nil {
			return conv, err
		}
		domain.ApplyLastMessage(&conv, msg)
	}
	return conv, nil
}

func (s *StoreService) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) (domain.Conversation, error) {
	const op = "messaging.UpdateConversation"
	conv, p, err := s.authorize(ctx, op, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	patch := docstore.Patch{Set: map[string]any{}}
	var rec events.Recorder
	var removed []string
	if upd.ParticipantIDs != nil {
		before := conv.ParticipantIDs()
		profiles := s.resolveProfiles(ctx, upd.ParticipantIDs)
		if err := domain.SetParticipants(&conv, p.ID, upd.ParticipantIDs, profiles, now); err != nil {
			return domain.Conversation{}, err
		}
		var added []string
		added, removed = diffIDs(before, conv.ParticipantIDs())
		if len(added) > 0 {
			rec.Record(domain.NewParticipantsAdded(conv.ID, p.ID, added, now))
		}
		for _, uid := range removed {
			rec.Record(domain.NewParticipantRemoved(conv.ID, p.ID, uid, now))
		}
		doc := schema.FromConversation(conv)
		patch.Set["participants"] = doc.Participants
		patch.Set["participant_ids"] = doc.ParticipantIDs
	}
	for k, v := range upd.Metadata {
		k = strings.TrimSpace(k)
		if k == "" || strings.ContainsAny(k, ".$") {
			return domain.Conversation{}, domain.Failf(op, domain.ErrValidation, "invalid metadata key %q", k)
		}
		if v == "" {
			patch.Unset = append(patch.Unset, "metadata."+k)
		} else {
			patch.Set["metadata."+k] = v
		}
	}
	conv.Metadata = domain.MergeMetadata(conv.Metadata, upd.Metadata)
	conv.UpdatedAt = now
	patch.Set["updated_at"] = now
	if err := s.store.Update(ctx, schema.Conversations, conv.ID, patch); err != nil {
		return domain.Conversation{}, s.check(domain.Transient(op, err))
	}
	s.dropCounters(ctx, conv.ID, removed)
	s.publish(ctx, &rec)
	conv.UnreadCount = s.unreadFor(ctx, conv.ID, p.ID)
	return conv, nil
}

func (s *StoreService) AddParticipants(ctx context.Context, id string, userIDs []string) (domain.Conversation, error) {
	const op = "messaging.AddParticipants"
	conv, p, err := s.authorize(ctx, op, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	added, err := domain.AddParticipants(&conv, p.ID, userIDs, s.resolveProfiles(ctx, userIDs), now)
	if err != nil {
		return domain.Conversation{}, err
	}
	if len(added) == 0 {
		return conv, nil
	}
	if err := s.addParticipants(ctx, conv, added); err != nil {
		return domain.Conversation{}, s.check(domain.Transient(op, err))
	}
	var rec events.Recorder
	rec.Record(domain.NewParticipantsAdded(conv.ID, p.ID, added, now))
	s.publish(ctx, &rec)
	s.logger.Info("participants added", "conversation_id", conv.ID, "added", added)
	return conv, nil
}

func (s *StoreService) RemoveParticipant(ctx context.Context, id, userID string) (domain.Conversation, error) {
	const op = "messaging.RemoveParticipant"
	conv, p, err := s.authorize(ctx, op, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Conversation{}, err
	}
	target, _ := conv.Participant(userID)
	if err := domain.RemoveParticipant(&conv, p.ID, userID, now); err != nil {
		return domain.Conversation{}, err
	}
	write := s.pullParticipant
	if target.Role == domain.RoleOwner {
		// Promotion rewrites another participant's role.
		write = s.writeParticipants
	}
	if err := write(ctx, conv, userID); err != nil {
		return domain.Conversation{}, s.check(domain.Transient(op, err))
	}
	s.dropCounters(ctx, conv.ID, []string{userID})
	var rec events.Recorder
	rec.Record(domain.NewParticipantRemoved(conv.ID, p.ID, userID, now))
	s.publish(ctx, &rec)
	s.logger.Info("participant removed", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

// addParticipants appends the newly joined ids. Like pullParticipant it
// leaves the rest of the roster untouched.
func (s *StoreService) addParticipants(ctx context.Context, conv domain.Conversation, ids []string) error {
	patch := docstore.Patch{
		Set:      map[string]any{"updated_at": conv.UpdatedAt},
		AddToSet: map[string][]any{},
	}
	for _, uid := range ids {
		part, ok := conv.Participant(uid)
		if !ok {
			continue
		}
		patch.AddToSet["participants"] = append(patch.AddToSet["participants"], schema.FromParticipant(part))
		patch.AddToSet["participant_ids"] = append(patch.AddToSet["participant_ids"], uid)
	}
	return s.store.Update(ctx, schema.Conversations, conv.ID, patch)
}

// pullParticipant removes one participant without rewriting the others, so
// concurrent membership changes do not overwrite each other.
func (s *StoreService) pullParticipant(ctx context.Context, conv domain.Conversation, userID string) error {
	return s.store.Update(ctx, schema.Conversations, conv.ID, docstore.Patch{
		Set:       map[string]any{"updated_at": conv.UpdatedAt},
		Pull:      map[string][]any{"participant_ids": {userID}},
		PullMatch: map[string]map[string]any{"participants": {"id": userID}},
	})
}

func (s *StoreService) writeParticipants(ctx context.Context, conv domain.Conversation, _ string) error {
	doc := schema.FromConversation(conv)
	return s.store.Update(ctx, schema.Conversations, conv.ID, docstore.Patch{Set: map[string]any{
		"participants":    doc.Participants,
		"participant_ids": doc.ParticipantIDs,
		"updated_at":      conv.UpdatedAt,
	}})
}

func (s *StoreService) dropCounters(ctx context.Context, conversationID string, userIDs []string) {
	for _, uid := range userIDs {
		if err := s.store.Delete(ctx, schema.UnreadCounters, domain.UnreadCounterID(conversationID, uid)); err != nil {
			s.logger.Debug("unread counter cleanup failed", "conversation_id", conversationID, "user_id", uid, "error", err)
		}
	}
}

// DeleteConversation removes the dependent documents in batches before the
// conversation itself, so a failed attempt can simply be retried.
func (s *StoreService) DeleteConversation(ctx context.Context, id string) error {
	const op = "messaging.DeleteConversation"
	conv, p, err := s.authorize(ctx, op, id)
	if err != nil {
		return err
	}
	removed, err := s.store.DeleteWhere(ctx, schema.Messages, docstore.Eq("conversation_id", conv.ID))
	if err != nil {
		return s.check(domain.Transient(op, err))
	}
	for _, coll := range []string{schema.TypingIndicators, schema.UnreadCounters} {
		if _, err := s.store.DeleteWhere(ctx, coll, docstore.Eq("conversation_id", conv.ID)); err != nil {
			return s.check(domain.Transient(op, err))
		}
	}
	if err := s.store.Delete(ctx, schema.Conversations, conv.ID); err != nil {
		return s.check(domain.Transient(op, err))
	}
	var rec events.Recorder
	rec.Record(domain.NewConversationDeleted(conv.ID, p.ID, time.Now().UTC()))
	s.publish(ctx, &rec)
	s.logger.Info("conversation deleted", "conversation_id", conv.ID, "messages", removed)
	return nil
}

func diffIDs(before, after []string) (added, removed []string) {
	was := make(map[string]struct{}, len(before))
	for _, id := range before {
		was[id] = struct{}{}
	}
	now := make(map[string]struct{}, len(after))
	for _, id := range after {
		now[id] = struct{}{}
		if _, ok := was[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if _, ok := now[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
