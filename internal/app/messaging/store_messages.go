package messaging

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"huddle/internal/app/docstore"
	"huddle/internal/app/messaging/schema"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/shared/events"
)

func (s *StoreService) Messages(ctx context.Context, conversationID string, opts MessageOptions) ([]domain.Message, string, error) {
	const op = "messaging.Messages"
	if _, _, err := s.authorize(ctx, op, conversationID); err != nil {
		return nil, "", err
	}
	limit := normalizeLimit(opts.Limit)
	beforeTime, beforeID, err := parseCursor(op, opts.Before)
	if err != nil {
		return nil, "", err
	}
	q := schema.MessagesQuery(conversationID)
	q.Order = []docstore.Order{{Field: "timestamp", Dir: docstore.Desc}, {Field: "_id", Dir: docstore.Desc}}
	q.Limit = limit + 1
	if beforeID != "" {
		q.Filters = append(q.Filters, docstore.Lte("timestamp", beforeTime))
		q.Limit += cursorSlack
	}
	snaps, err := s.store.Find(ctx, q)
	if err != nil {
		return nil, "", s.check(domain.Transient(op, err))
	}
	docs, err := docstore.DecodeAll[schema.MessageDoc](snaps)
	if err != nil {
		return nil, "", domain.Transient(op, err)
	}
	msgs := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		if beforeID != "" && !afterCursor(d.Timestamp, d.ID, beforeTime, beforeID) {
			continue
		}
		msgs = append(msgs, d.Message())
	}
	next := ""
	if len(msgs) > limit {
		msgs = msgs[:limit]
		oldest := msgs[len(msgs)-1]
		next = buildCursor(oldest.Timestamp, oldest.ID)
	}
	slices.Reverse(msgs)
	return msgs, next, nil
}

func (s *StoreService) SendMessage(ctx context.Context, conversationID string, in domain.MessageInput) (domain.Message, error) {
	const op = "messaging.SendMessage"
	conv, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	in, err = domain.ValidateMessageInput(in)
	if err != nil {
		return domain.Message{}, err
	}
	if in.ReplyToID != "" {
		if _, err := schema.LoadMessage(ctx, s.store, op, conv.ID, in.ReplyToID); err != nil {
			if domain.IsNotFound(err) {
				return domain.Message{}, domain.Fail(op, domain.ErrValidation, "the message you replied to no longer exists")
			}
			return domain.Message{}, s.check(err)
		}
	}
	return s.sendAs(ctx, conv, p.Profile(), in)
}

// sendAs persists the message and then updates the summary and unread
// counters. Only the first write decides the outcome.
func (s *StoreService) sendAs(ctx context.Context, conv domain.Conversation, sender domain.Profile, in domain.MessageInput) (domain.Message, error) {
	const op = "messaging.SendMessage"
	if cur, ok := conv.Participant(sender.ID); ok && sender.DisplayName == "" {
		sender.DisplayName = cur.DisplayName
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := schema.InsertMessage(ctx, s.store, domain.NewMessage(conv.ID, sender, in, now))
	if err != nil {
		return domain.Message{}, s.check(domain.Transient(op, err))
	}

	fan := schema.Denormalize(ctx, s.store, conv, msg)
	if fan.SummaryErr != nil {
		s.metrics.DenormalizationFailed()
		s.logger.Warn("conversation summary update failed", "conversation_id", conv.ID, "message_id", msg.ID, "error", fan.SummaryErr)
	}
	if n := len(fan.CounterErrs); n > 0 {
		s.metrics.UnreadFanoutFailed(n)
		s.logger.Warn("unread counter fan-out incomplete", "conversation_id", conv.ID, "message_id", msg.ID, "failed", n, "error", fan.Err())
	}

	var rec events.Recorder
	rec.Record(domain.NewMessageSent(conv, msg))
	s.publish(ctx, &rec)
	s.metrics.MessageSent(string(ModeStore))
	s.logger.Debug("message sent", "conversation_id", conv.ID, "message_id", msg.ID)
	return msg, nil
}

func (s *StoreService) UpdateMessage(ctx context.Context, conversationID, messageID, content string) (domain.Message, error) {
	const op = "messaging.UpdateMessage"
	conv, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := schema.LoadMessage(ctx, s.store, op, conv.ID, messageID)
	if err != nil {
		return domain.Message{}, s.check(err)
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Message{}, err
	}
	if err := msg.Edit(p.ID, content, now); err != nil {
		return domain.Message{}, err
	}
	if !msg.IsEdited {
		return msg, nil
	}
	err = s.store.Update(ctx, schema.Messages, msg.ID, docstore.Patch{Set: map[string]any{
		"content":    msg.Content,
		"is_edited":  true,
		"updated_at": msg.UpdatedAt,
	}})
	if err != nil {
		return domain.Message{}, s.check(domain.Transient(op, err))
	}
	if conv.LastMessage != nil && conv.LastMessage.MessageID == msg.ID {
		s.writeSummary(ctx, conv.ID, msg, schema.SummaryKey(msg.Timestamp, msg.ID))
	}
	return msg, nil
}

func (s *StoreService) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	const op = "messaging.DeleteMessage"
	conv, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return err
	}
	msg, err := schema.LoadMessage(ctx, s.store, op, conv.ID, messageID)
	if err != nil {
		return s.check(err)
	}
	if err := domain.RequireSender(op, msg, p.ID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, schema.Messages, msg.ID); err != nil {
		return s.check(domain.Transient(op, err))
	}
	for _, uid := range conv.ParticipantIDs() {
		if msg.IsReadBy(uid) {
			continue
		}
		if err := s.decrementUnread(ctx, conv.ID, uid); err != nil {
			s.logger.Debug("unread counter decrement failed", "conversation_id", conv.ID, "user_id", uid, "error", err)
		}
	}
	if conv.LastMessage != nil && conv.LastMessage.MessageID == msg.ID {
		s.recomputeSummary(ctx, conv, schema.SummaryKey(msg.Timestamp, msg.ID))
	}
	var rec events.Recorder
	rec.Record(domain.NewMessageDeleted(conv.ID, msg.ID, time.Now().UTC()))
	s.publish(ctx, &rec)
	return nil
}

func (s *StoreService) decrementUnread(ctx context.Context, conversationID, userID string) error {
	var doc schema.UnreadDoc
	id := domain.UnreadCounterID(conversationID, userID)
	if err := s.store.Get(ctx, schema.UnreadCounters, id, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		return err
	}
	if doc.Count <= 0 {
		return nil
	}
	return s.store.Update(ctx, schema.UnreadCounters, id, docstore.Patch{Inc: map[string]int64{"count": -1}})
}

// writeSummary points the summary at msg if it still names current; a
// summary that moved on since is left alone.
func (s *StoreService) writeSummary(ctx context.Context, conversationID string, msg domain.Message, current string) {
	err := s.store.Update(ctx, schema.Conversations, conversationID, docstore.Patch{
		Set: map[string]any{
			"last_message":     schema.FromLastMessage(domain.NewLastMessage(msg)),
			"last_message_key": schema.SummaryKey(msg.Timestamp, msg.ID),
		},
		When: []docstore.Filter{docstore.Eq("last_message_key", current)},
	})
	if err != nil && !errors.Is(err, docstore.ErrConditionFailed) {
		s.metrics.DenormalizationFailed()
		s.logger.Warn("conversation summary update failed", "conversation_id", conversationID, "error", err)
	}
}

// recomputeSummary points the summary at the newest remaining message, or
// clears it when the log is empty.
func (s *StoreService) recomputeSummary(ctx context.Context, conv domain.Conversation, current string) {
	q := schema.MessagesQuery(conv.ID)
	q.Order = []docstore.Order{{Field: "timestamp", Dir: docstore.Desc}, {Field: "_id", Dir: docstore.Desc}}
	q.Limit = 1
	snaps, err := s.store.Find(ctx, q)
	if err != nil {
		s.metrics.DenormalizationFailed()
		s.logger.Warn("conversation summary recompute failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if len(snaps) == 0 {
		err = s.store.Update(ctx, schema.Conversations, conv.ID, docstore.Patch{
			Set:   map[string]any{"last_message_key": ""},
			Unset: []string{"last_message"},
			When:  []docstore.Filter{docstore.Eq("last_message_key", current)},
		})
	} else {
		var doc schema.MessageDoc
		if err = snaps[0].Decode(&doc); err == nil {
			s.writeSummary(ctx, conv.ID, doc.Message(), current)
			return
		}
	}
	if err != nil && !errors.Is(err, docstore.ErrConditionFailed) {
		s.metrics.DenormalizationFailed()
		s.logger.Warn("conversation summary recompute failed", "conversation_id", conv.ID, "error", err)
	}
}

// MarkAsRead adds the caller to read_by of every targeted unread message and
// then sets the caller's counter to what is still unread.
func (s *StoreService) MarkAsRead(ctx context.Context, conversationID string, messageIDs ...string) error {
	const op = "messaging.MarkAsRead"
	conv, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return err
	}
	snaps, err := s.store.Find(ctx, schema.MessagesQuery(conv.ID))
	if err != nil {
		return s.check(domain.Transient(op, err))
	}
	docs, err := docstore.DecodeAll[schema.MessageDoc](snaps)
	if err != nil {
		return domain.Transient(op, err)
	}
	var wanted map[string]struct{}
	if len(messageIDs) > 0 {
		wanted = make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			wanted[strings.TrimSpace(id)] = struct{}{}
		}
	}
	remaining := 0
	marked := 0
	for _, d := range docs {
		if slices.Contains(d.ReadBy, p.ID) {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[d.ID]; !ok {
				remaining++
				continue
			}
		}
		err := s.store.Update(ctx, schema.Messages, d.ID, docstore.Patch{AddToSet: map[string][]any{"read_by": {p.ID}}})
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return s.check(domain.Transient(op, err))
		}
		marked++
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return err
	}
	if err := schema.SetUnread(ctx, s.store, conv.ID, p.ID, remaining, now); err != nil {
		return s.check(domain.Transient(op, err))
	}
	if marked > 0 {
		s.logger.Debug("messages marked read", "conversation_id", conv.ID, "user_id", p.ID, "marked", marked)
	}
	return nil
}

func (s *StoreService) AddReaction(ctx context.Context, conversationID, messageID, emoji string) (domain.Message, error) {
	const op = "messaging.AddReaction"
	conv, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := schema.LoadMessage(ctx, s.store, op, conv.ID, messageID)
	if err != nil {
		return domain.Message{}, s.check(err)
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Message{}, err
	}
	name := p.DisplayName
	if part, ok := conv.Participant(p.ID); ok {
		name = part.DisplayName
	}
	changed, err := msg.AddReaction(p.ID, name, emoji, now)
	if err != nil || !changed {
		return msg, err
	}
	added := msg.Reactions[len(msg.Reactions)-1]
	return msg, s.writeReactions(ctx, op, msg.ID, docstore.Patch{
		AddToSet: map[string][]any{"reactions": {schema.ReactionDoc(added)}},
	})
}

func (s *StoreService) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (domain.Message, error) {
	const op = "messaging.RemoveReaction"
	conv, p, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := schema.LoadMessage(ctx, s.store, op, conv.ID, messageID)
	if err != nil {
		return domain.Message{}, s.check(err)
	}
	if !msg.RemoveReaction(p.ID, emoji) {
		return msg, nil
	}
	return msg, s.writeReactions(ctx, op, msg.ID, docstore.Patch{
		PullMatch: map[string]map[string]any{"reactions": {"emoji": strings.TrimSpace(emoji), "user_id": p.ID}},
	})
}

// writeReactions applies a single-element change so concurrent reactions on
// one message never overwrite each other.
func (s *StoreService) writeReactions(ctx context.Context, op, messageID string, patch docstore.Patch) error {
	if err := s.store.Update(ctx, schema.Messages, messageID, patch); err != nil {
		return s.check(domain.Transient(op, err))
	}
	return nil
}

func (s *StoreService) UploadAttachment(ctx context.Context, conversationID string, up AttachmentUpload) (domain.Attachment, error) {
	const op = "messaging.UploadAttachment"
	conv, _, err := s.authorize(ctx, op, conversationID)
	if err != nil {
		return domain.Attachment{}, err
	}
	up, err = validateUpload(op, up, s.maxUpload)
	if err != nil {
		return domain.Attachment{}, err
	}
	if s.blobs == nil {
		return domain.Attachment{}, domain.Transient(op, errors.New("attachment storage is not configured"))
	}
	id := uuid.NewString()
	url, err := s.blobs.Put(ctx, attachmentPath(conv.ID, id, up.Name), up.Body, up.Size, up.ContentType)
	if err != nil {
		return domain.Attachment{}, domain.Transient(op, err)
	}
	now, err := s.now(ctx, op)
	if err != nil {
		return domain.Attachment{}, err
	}
	return domain.Attachment{
		ID:         id,
		Name:       up.Name,
		Type:       up.ContentType,
		Size:       up.Size,
		URL:        url,
		UploadedAt: now,
	}, nil
}

func (s *StoreService) UnreadCount(ctx context.Context) (int, error) {
	const op = "messaging.UnreadCount"
	p, err := s.principal(ctx, op)
	if err != nil {
		return 0, err
	}
	counts, err := s.unreadCounts(ctx, p.ID)
	if err != nil {
		return 0, s.check(domain.Transient(op, err))
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}
