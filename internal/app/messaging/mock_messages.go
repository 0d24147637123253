package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	domain "huddle/internal/domain/messaging"
)

func (m *MockService) Messages(ctx context.Context, conversationID string, opts MessageOptions) ([]domain.Message, string, error) {
	const op = "messaging.Messages"
	p, err := m.principal(ctx, op)
	if err != nil {
		return nil, "", err
	}
	beforeTime, beforeID, err := parseCursor(op, opts.Before)
	if err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	if _, err := m.conversationLocked(op, conversationID, p.ID); err != nil {
		m.mu.Unlock()
		return nil, "", err
	}
	all := m.messages[conversationID]
	picked := make([]domain.Message, 0, len(all))
	for _, msg := range all {
		if beforeID == "" || afterCursor(msg.Timestamp, msg.ID, beforeTime, beforeID) {
			picked = append(picked, msg.Clone())
		}
	}
	m.mu.Unlock()

	limit := normalizeLimit(opts.Limit)
	next := ""
	if len(picked) > limit {
		picked = picked[len(picked)-limit:]
		oldest := picked[0]
		next = buildCursor(oldest.Timestamp, oldest.ID)
	}
	return picked, next, nil
}

func (m *MockService) SendMessage(ctx context.Context, conversationID string, in domain.MessageInput) (domain.Message, error) {
	const op = "messaging.SendMessage"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Message{}, err
	}
	m.mu.Lock()
	if _, err := m.conversationLocked(op, conversationID, p.ID); err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	if in, err = domain.ValidateMessageInput(in); err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	if in.ReplyToID != "" {
		if _, err := m.findLocked(op, conversationID, in.ReplyToID); err != nil {
			m.mu.Unlock()
			return domain.Message{}, domain.Fail(op, domain.ErrValidation, "the message you replied to no longer exists")
		}
	}
	msg := m.appendLocked(conversationID, m.senderLocked(p), in)
	m.mu.Unlock()

	m.msgObs.notify()
	m.convObs.notify()
	m.metrics.MessageSent(string(ModeMock))
	return msg, nil
}

func (m *MockService) UpdateMessage(ctx context.Context, conversationID, messageID, content string) (domain.Message, error) {
	const op = "messaging.UpdateMessage"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Message{}, err
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, conversationID, p.ID)
	if err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	i, err := m.findLocked(op, conversationID, messageID)
	if err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	msg := m.messages[conversationID][i].Clone()
	before := msg.Content
	if err := msg.Edit(p.ID, content, m.tick()); err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	changed := msg.Content != before
	if changed {
		m.messages[conversationID][i] = msg
		if conv.LastMessage != nil && conv.LastMessage.MessageID == msg.ID {
			lm := domain.NewLastMessage(msg)
			conv.LastMessage = &lm
			m.conversations[conv.ID] = conv
		}
	}
	m.mu.Unlock()

	if changed {
		m.msgObs.notify()
		m.convObs.notify()
	}
	return msg.Clone(), nil
}

func (m *MockService) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	const op = "messaging.DeleteMessage"
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
	i, err := m.findLocked(op, conversationID, messageID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	msg := m.messages[conversationID][i]
	if err := domain.RequireSender(op, msg, p.ID); err != nil {
		m.mu.Unlock()
		return err
	}
	m.messages[conversationID] = append(m.messages[conversationID][:i:i], m.messages[conversationID][i+1:]...)
	for _, uid := range conv.ParticipantIDs() {
		key := domain.UnreadCounterID(conv.ID, uid)
		if !msg.IsReadBy(uid) && m.unread[key] > 0 {
			m.unread[key]--
		}
	}
	if conv.LastMessage != nil && conv.LastMessage.MessageID == msg.ID {
		conv.LastMessage = nil
		if rest := m.messages[conversationID]; len(rest) > 0 {
			lm := domain.NewLastMessage(rest[len(rest)-1])
			conv.LastMessage = &lm
		}
		m.conversations[conv.ID] = conv
	}
	m.mu.Unlock()

	m.msgObs.notify()
	m.convObs.notify()
	return nil
}

func (m *MockService) MarkAsRead(ctx context.Context, conversationID string, messageIDs ...string) error {
	const op = "messaging.MarkAsRead"
	p, err := m.principal(ctx, op)
	if err != nil {
		return err
	}
	var wanted map[string]struct{}
	if len(messageIDs) > 0 {
		wanted = make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			wanted[strings.TrimSpace(id)] = struct{}{}
		}
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, conversationID, p.ID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	marked, remaining := 0, 0
	msgs := m.messages[conv.ID]
	for i := range msgs {
		if msgs[i].IsReadBy(p.ID) {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[msgs[i].ID]; !ok {
				remaining++
				continue
			}
		}
		msgs[i].ReadBy = append(append([]string(nil), msgs[i].ReadBy...), p.ID)
		marked++
	}
	key := domain.UnreadCounterID(conv.ID, p.ID)
	countChanged := m.unread[key] != remaining
	m.unread[key] = remaining
	m.mu.Unlock()

	if marked > 0 {
		m.msgObs.notify()
	}
	if countChanged {
		m.convObs.notify()
	}
	return nil
}

func (m *MockService) AddReaction(ctx context.Context, conversationID, messageID, emoji string) (domain.Message, error) {
	return m.react(ctx, "messaging.AddReaction", conversationID, messageID, emoji, true)
}

func (m *MockService) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (domain.Message, error) {
	return m.react(ctx, "messaging.RemoveReaction", conversationID, messageID, emoji, false)
}

// react applies a reaction change under the lock and notifies on change.
func (m *MockService) react(ctx context.Context, op, conversationID, messageID, emoji string, add bool) (domain.Message, error) {
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Message{}, err
	}
	m.mu.Lock()
	conv, err := m.conversationLocked(op, conversationID, p.ID)
	if err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	i, err := m.findLocked(op, conversationID, messageID)
	if err != nil {
		m.mu.Unlock()
		return domain.Message{}, err
	}
	msg := m.messages[conversationID][i].Clone()
	var changed bool
	if add {
		name := p.DisplayName
		if part, ok := conv.Participant(p.ID); ok {
			name = part.DisplayName
		}
		changed, err = msg.AddReaction(p.ID, name, emoji, m.tick())
		if err != nil {
			m.mu.Unlock()
			return domain.Message{}, err
		}
	} else {
		changed = msg.RemoveReaction(p.ID, emoji)
	}
	if changed {
		m.messages[conversationID][i] = msg
	}
	m.mu.Unlock()

	if changed {
		m.msgObs.notify()
	}
	return msg.Clone(), nil
}

// UploadAttachment stores through the blob store when one is configured and
// otherwise hands back a mock:// URL without keeping the bytes.
func (m *MockService) UploadAttachment(ctx context.Context, conversationID string, up AttachmentUpload) (domain.Attachment, error) {
	const op = "messaging.UploadAttachment"
	p, err := m.principal(ctx, op)
	if err != nil {
		return domain.Attachment{}, err
	}
	m.mu.Lock()
	_, err = m.conversationLocked(op, conversationID, p.ID)
	now := m.tick()
	m.mu.Unlock()
	if err != nil {
		return domain.Attachment{}, err
	}
	up, err = validateUpload(op, up, m.maxUpload)
	if err != nil {
		return domain.Attachment{}, err
	}
	id := uuid.NewString()
	path := attachmentPath(conversationID, id, up.Name)
	url := "mock://" + path
	if m.blobs != nil {
		if url, err = m.blobs.Put(ctx, path, up.Body, up.Size, up.ContentType); err != nil {
			return domain.Attachment{}, domain.Transient(op, err)
		}
	}
	if url == "" {
		return domain.Attachment{}, domain.Transient(op, errors.New("blob store returned no url"))
	}
	return domain.Attachment{ID: id, Name: up.Name, Type: up.ContentType, Size: up.Size, URL: url, UploadedAt: now}, nil
}

func (m *MockService) UnreadCount(ctx context.Context) (int, error) {
	p, err := m.principal(ctx, "messaging.UnreadCount")
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for id, conv := range m.conversations {
		if conv.HasParticipant(p.ID) {
			total += m.unread[domain.UnreadCounterID(id, p.ID)]
		}
	}
	return total, nil
}
