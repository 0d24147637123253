package messaging

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentRunes bounds the text of a single message.
const MaxContentRunes = 4000

// MessageInput is what a sender supplies for a new message.
type MessageInput struct {
	Content     string
	Attachments []Attachment
	ReplyToID   string
}

// ValidateMessageInput rejects empty or oversized messages. Content may only be
// blank when at least one attachment is present.
func ValidateMessageInput(in MessageInput) (MessageInput, error) {
	const op = "messaging.ValidateMessageInput"
	if strings.TrimSpace(in.Content) == "" {
		if len(in.Attachments) == 0 {
			return MessageInput{}, Fail(op, ErrValidation, "message content is required")
		}
		in.Content = ""
	}
	if utf8.RuneCountInString(in.Content) > MaxContentRunes {
		return MessageInput{}, Failf(op, ErrValidation, "message is longer than %d characters", MaxContentRunes)
	}
	for _, a := range in.Attachments {
		if a.URL == "" {
			return MessageInput{}, Fail(op, ErrValidation, "attachment url is required")
		}
	}
	in.ReplyToID = strings.TrimSpace(in.ReplyToID)
	return in, nil
}

// NewMessage builds the persisted form of a message. The sender has always
// read their own message.
func NewMessage(conversationID string, sender Profile, in MessageInput, at time.Time) Message {
	at = at.UTC()
	return Message{
		ConversationID:       conversationID,
		SenderID:             sender.ID,
		SenderName:           displayName(sender),
		SenderProfilePicture: sender.ProfilePicture,
		Content:              in.Content,
		Timestamp:            at,
		Status:               StatusSent,
		ReadBy:               []string{sender.ID},
		Attachments:          append([]Attachment(nil), in.Attachments...),
		ReplyToID:            in.ReplyToID,
		UpdatedAt:            at,
	}
}

// RequireSender fails unless userID authored msg.
func RequireSender(op string, msg Message, userID string) error {
	if msg.SenderID != userID {
		return Fail(op, ErrForbidden, "only the sender can change this message")
	}
	return nil
}

// Edit replaces the content of msg on behalf of editorID.
func (m *Message) Edit(editorID, content string, now time.Time) error {
	const op = "messaging.EditMessage"
	if err := RequireSender(op, *m, editorID); err != nil {
		return err
	}
	in, err := ValidateMessageInput(MessageInput{Content: content, Attachments: m.Attachments})
	if err != nil {
		return err
	}
	if in.Content == m.Content {
		return nil
	}
	m.Content = in.Content
	m.IsEdited = true
	m.UpdatedAt = now.UTC()
	return nil
}

// AddReaction records emoji for userID. A repeated (user, emoji) pair is a no-op
// and reports false.
func (m *Message) AddReaction(userID, userName, emoji string, now time.Time) (bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, Fail("messaging.AddReaction", ErrValidation, "emoji is required")
	}
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return false, nil
		}
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserID: userID, UserName: userName, Timestamp: now.UTC()})
	return true, nil
}

// RemoveReaction drops the (user, emoji) reaction. Removing a reaction that does
// not exist is a no-op.
func (m *Message) RemoveReaction(userID, emoji string) bool {
	emoji = strings.TrimSpace(emoji)
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

// MarkReadBy adds userID to the read set once.
func (m *Message) MarkReadBy(userID string) bool {
	if userID == "" || m.IsReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// UnreadFor returns ids of messages userID has not read yet.
func UnreadFor(msgs []Message, userID string) []string {
	var ids []string
	for _, m := range msgs {
		if !m.IsReadBy(userID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
