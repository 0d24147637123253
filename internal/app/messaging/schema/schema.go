// Package schema defines the stored shape of messaging documents and the
// low-level writes shared by every path that persists them.
package schema

import (
	"time"

	"huddle/internal/app/docstore"
	"huddle/internal/domain/messaging"
)

const (
	Conversations    = "conversations"
	Messages         = "messages"
	TypingIndicators = "typing_indicators"
	UnreadCounters   = "unread_counters"
	Presence         = "presence"
	Users            = "users"
	Teams            = "teams"
	Sessions         = "sessions"
)

// Indexes lists what a persistent backend should build for these collections.
func Indexes() []docstore.Index {
	return []docstore.Index{
		{Collection: Conversations, Fields: []docstore.Order{{Field: "participant_ids"}, {Field: "updated_at", Dir: docstore.Desc}}},
		{Collection: Conversations, Fields: []docstore.Order{{Field: "team_id"}, {Field: "group_type"}}},
		{Collection: Messages, Fields: []docstore.Order{{Field: "conversation_id"}, {Field: "timestamp"}, {Field: "_id"}}},
		{Collection: TypingIndicators, Fields: []docstore.Order{{Field: "conversation_id"}}},
		{Collection: UnreadCounters, Fields: []docstore.Order{{Field: "user_id"}}},
		{Collection: Users, Fields: []docstore.Order{{Field: "email"}}, Unique: true},
		{Collection: Users, Fields: []docstore.Order{{Field: "display_name_lower"}}},
		{Collection: Sessions, Fields: []docstore.Order{{Field: "expires_at"}}, TTL: time.Second},
		{Collection: Sessions, Fields: []docstore.Order{{Field: "user_id"}}},
	}
}

type ParticipantDoc struct {
	ID             string    `bson:"id"`
	DisplayName    string    `bson:"display_name"`
	ProfilePicture string    `bson:"profile_picture,omitempty"`
	Role           string    `bson:"role"`
	JoinedAt       time.Time `bson:"joined_at"`
}

type LastMessageDoc struct {
	MessageID  string    `bson:"message_id"`
	Content    string    `bson:"content"`
	SenderID   string    `bson:"sender_id"`
	SenderName string    `bson:"sender_name"`
	Timestamp  time.Time `bson:"timestamp"`
}

type ConversationDoc struct {
	ID             string           `bson:"_id"`
	Type           string           `bson:"type"`
	Participants   []ParticipantDoc `bson:"participants"`
	ParticipantIDs []string         `bson:"participant_ids"`
	LastMessage    *LastMessageDoc  `bson:"last_message,omitempty"`
	// LastMessageKey orders summaries; see SummaryKey.
	LastMessageKey string            `bson:"last_message_key"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
	TeamID         string            `bson:"team_id,omitempty"`
	TeamName       string            `bson:"team_name,omitempty"`
	GroupType      string            `bson:"group_type,omitempty"`
	CreatedBy      string            `bson:"created_by"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

type AttachmentDoc struct {
	ID         string    `bson:"id"`
	Name       string    `bson:"name"`
	Type       string    `bson:"type"`
	Size       int64     `bson:"size"`
	URL        string    `bson:"url"`
	UploadedAt time.Time `bson:"uploaded_at"`
}

type ReactionDoc struct {
	Emoji     string    `bson:"emoji"`
	UserID    string    `bson:"user_id"`
	UserName  string    `bson:"user_name"`
	Timestamp time.Time `bson:"timestamp"`
}

type MessageDoc struct {
	ID                   string          `bson:"_id"`
	ConversationID       string          `bson:"conversation_id"`
	SenderID             string          `bson:"sender_id"`
	SenderName           string          `bson:"sender_name"`
	SenderProfilePicture string          `bson:"sender_profile_picture,omitempty"`
	Content              string          `bson:"content"`
	Timestamp            time.Time       `bson:"timestamp"`
	Status               string          `bson:"status"`
	ReadBy               []string        `bson:"read_by"`
	Attachments          []AttachmentDoc `bson:"attachments,omitempty"`
	Reactions            []ReactionDoc   `bson:"reactions,omitempty"`
	ReplyToID            string          `bson:"reply_to_id,omitempty"`
	IsEdited             bool            `bson:"is_edited"`
	UpdatedAt            time.Time       `bson:"updated_at"`
}

type TypingDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	UserID         string    `bson:"user_id"`
	UserName       string    `bson:"user_name"`
	IsTyping       bool      `bson:"is_typing"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

type UnreadDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	UserID         string    `bson:"user_id"`
	Count          int64     `bson:"count"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

type PresenceDoc struct {
	ID       string    `bson:"_id"`
	Status   string    `bson:"status"`
	LastSeen time.Time `bson:"last_seen"`
}

func FromConversation(c messaging.Conversation) ConversationDoc {
	doc := ConversationDoc{
		ID:             c.ID,
		Type:           string(c.Type),
		Participants:   make([]ParticipantDoc, 0, len(c.Participants)),
		ParticipantIDs: c.ParticipantIDs(),
		Metadata:       c.Metadata,
		TeamID:         c.TeamID,
		TeamName:       c.TeamName,
		GroupType:      string(c.GroupType),
		CreatedBy:      c.CreatedBy,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	for _, p := range c.Participants {
		doc.Participants = append(doc.Participants, FromParticipant(p))
	}
	if c.LastMessage != nil {
		lm := FromLastMessage(*c.LastMessage)
		doc.LastMessage = &lm
		doc.LastMessageKey = SummaryKey(lm.Timestamp, lm.MessageID)
	}
	return doc
}

// SummaryKey sorts like the messages it names: by timestamp, then by id for
// messages sharing a timestamp. The empty key sorts before every message.
// Timestamps are cut to the millisecond the store keeps.
func SummaryKey(ts time.Time, messageID string) string {
	return ts.UTC().Truncate(time.Millisecond).Format(summaryKeyLayout) + "/" + messageID
}

const summaryKeyLayout = "20060102T150405.000Z"

func FromParticipant(p messaging.Participant) ParticipantDoc {
	return ParticipantDoc{
		ID:             p.ID,
		DisplayName:    p.DisplayName,
		ProfilePicture: p.ProfilePicture,
		Role:           string(p.Role),
		JoinedAt:       p.JoinedAt,
	}
}

func FromLastMessage(lm messaging.LastMessage) LastMessageDoc {
	return LastMessageDoc{
		MessageID:  lm.MessageID,
		Content:    lm.Content,
		SenderID:   lm.SenderID,
		SenderName: lm.SenderName,
		Timestamp:  lm.Timestamp,
	}
}

func (d ConversationDoc) Conversation() messaging.Conversation {
	c := messaging.Conversation{
		ID:           d.ID,
		Type:         messaging.ConversationType(d.Type),
		Participants: make([]messaging.Participant, 0, len(d.Participants)),
		Metadata:     d.Metadata,
		TeamID:       d.TeamID,
		TeamName:     d.TeamName,
		GroupType:    messaging.GroupType(d.GroupType),
		CreatedBy:    d.CreatedBy,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	for _, p := range d.Participants {
		c.Participants = append(c.Participants, messaging.Participant{
			ID:             p.ID,
			DisplayName:    p.DisplayName,
			ProfilePicture: p.ProfilePicture,
			Role:           messaging.Role(p.Role),
			JoinedAt:       p.JoinedAt,
		})
	}
	if d.LastMessage != nil {
		c.LastMessage = &messaging.LastMessage{
			MessageID:  d.LastMessage.MessageID,
			Content:    d.LastMessage.Content,
			SenderID:   d.LastMessage.SenderID,
			SenderName: d.LastMessage.SenderName,
			Timestamp:  d.LastMessage.Timestamp,
		}
	}
	return c
}

func FromMessage(m messaging.Message) MessageDoc {
	doc := MessageDoc{
		ID:                   m.ID,
		ConversationID:       m.ConversationID,
		SenderID:             m.SenderID,
		SenderName:           m.SenderName,
		SenderProfilePicture: m.SenderProfilePicture,
		Content:              m.Content,
		Timestamp:            m.Timestamp,
		Status:               string(m.Status),
		ReadBy:               append([]string{}, m.ReadBy...),
		ReplyToID:            m.ReplyToID,
		IsEdited:             m.IsEdited,
		UpdatedAt:            m.UpdatedAt,
	}
	for _, a := range m.Attachments {
		doc.Attachments = append(doc.Attachments, AttachmentDoc(a))
	}
	doc.Reactions = FromReactions(m.Reactions)
	return doc
}

func FromReactions(rs []messaging.Reaction) []ReactionDoc {
	out := make([]ReactionDoc, 0, len(rs))
	for _, r := range rs {
		out = append(out, ReactionDoc(r))
	}
	return out
}

func (d MessageDoc) Message() messaging.Message {
	m := messaging.Message{
		ID:                   d.ID,
		ConversationID:       d.ConversationID,
		SenderID:             d.SenderID,
		SenderName:           d.SenderName,
		SenderProfilePicture: d.SenderProfilePicture,
		Content:              d.Content,
		Timestamp:            d.Timestamp,
		Status:               messaging.MessageStatus(d.Status),
		ReadBy:               append([]string(nil), d.ReadBy...),
		ReplyToID:            d.ReplyToID,
		IsEdited:             d.IsEdited,
		UpdatedAt:            d.UpdatedAt,
	}
	for _, a := range d.Attachments {
		m.Attachments = append(m.Attachments, messaging.Attachment(a))
	}
	for _, r := range d.Reactions {
		m.Reactions = append(m.Reactions, messaging.Reaction(r))
	}
	return m
}

func (d TypingDoc) Indicator() messaging.TypingIndicator {
	return messaging.TypingIndicator{
		ConversationID: d.ConversationID,
		UserID:         d.UserID,
		UserName:       d.UserName,
		IsTyping:       d.IsTyping,
		UpdatedAt:      d.UpdatedAt,
	}
}

// MessagesQuery lists a conversation's log oldest first.
func MessagesQuery(conversationID string) docstore.Query {
	return docstore.Query{
		Collection: Messages,
		Filters:    []docstore.Filter{docstore.Eq("conversation_id", conversationID)},
		Order:      []docstore.Order{{Field: "timestamp"}, {Field: "_id"}},
	}
}

// ConversationsQuery lists the user's conversations, most recently active first.
func ConversationsQuery(userID string) docstore.Query {
	return docstore.Query{
		Collection: Conversations,
		Filters:    []docstore.Filter{docstore.ArrayContains("participant_ids", userID)},
		Order:      []docstore.Order{{Field: "updated_at", Dir: docstore.Desc}, {Field: "_id", Dir: docstore.Desc}},
	}
}

func UnreadQuery(userID string) docstore.Query {
	return docstore.Query{
		Collection: UnreadCounters,
		Filters:    []docstore.Filter{docstore.Eq("user_id", userID)},
	}
}

func TypingQuery(conversationID string) docstore.Query {
	return docstore.Query{
		Collection: TypingIndicators,
		Filters:    []docstore.Filter{docstore.Eq("conversation_id", conversationID), docstore.Eq("is_typing", true)},
		Order:      []docstore.Order{{Field: "updated_at"}},
	}
}
