package messaging

import (
	"slices"
	"time"
)

type ConversationType string

const (
	TypeDirect ConversationType = "direct"
	TypeGroup  ConversationType = "group"
	TypeTeam   ConversationType = "team"
)

func (t ConversationType) Valid() bool {
	switch t {
	case TypeDirect, TypeGroup, TypeTeam:
		return true
	}
	return false
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanManage reports whether the role may add or remove other participants.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// GroupType partitions a team into audiences, each with its own conversation.
type GroupType string

const (
	GroupAll     GroupType = "all"
	GroupCoaches GroupType = "coaches"
	GroupPlayers GroupType = "players"
	GroupParents GroupType = "parents"
)

func (g GroupType) Valid() bool {
	switch g {
	case GroupAll, GroupCoaches, GroupPlayers, GroupParents:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}

// Metadata keys understood by group conversations.
const (
	MetaName        = "name"
	MetaDescription = "description"
	MetaAvatar      = "avatar"
)

// PlaceholderName stands in for participants whose profile could not be resolved.
const PlaceholderName = "Unknown user"

// Profile is the public identity of a user as seen by messaging.
type Profile struct {
	ID             string
	DisplayName    string
	ProfilePicture string
}

type Participant struct {
	ID             string
	DisplayName    string
	ProfilePicture string
	Role           Role
	JoinedAt       time.Time
}

// LastMessage mirrors the newest message of a conversation for list rendering.
type LastMessage struct {
	MessageID  string
	Content    string
	SenderID   string
	SenderName string
	Timestamp  time.Time
}

type Conversation struct {
	ID           string
	Type         ConversationType
	Participants []Participant
	LastMessage  *LastMessage
	// UnreadCount is the viewer's own counter; it is never shared between participants.
	UnreadCount int
	Metadata    map[string]string
	TeamID      string
	TeamName    string
	GroupType   GroupType
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ParticipantIDs returns participant ids in membership order.
func (c Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (c Conversation) HasParticipant(id string) bool {
	_, ok := c.Participant(id)
	return ok
}

func (c Conversation) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Name returns a display title for the conversation from the viewer's perspective.
func (c Conversation) Name(viewerID string) string {
	if name := c.Metadata[MetaName]; name != "" {
		return name
	}
	if c.Type == TypeTeam && c.TeamName != "" {
		return c.TeamName + " (" + string(c.GroupType) + ")"
	}
	for _, p := range c.Participants {
		if p.ID != viewerID {
			return p.DisplayName
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type Attachment struct {
	ID         string
	Name       string
	Type       string
	Size       int64
	URL        string
	UploadedAt time.Time
}

type Reaction struct {
	Emoji     string
	UserID    string
	UserName  string
	Timestamp time.Time
}

type Message struct {
	ID                   string
	ConversationID       string
	SenderID             string
	SenderName           string
	SenderProfilePicture string
	Content              string
	Timestamp            time.Time
	Status               MessageStatus
	ReadBy               []string
	Attachments          []Attachment
	Reactions            []Reaction
	ReplyToID            string
	IsEdited             bool
	UpdatedAt            time.Time
}

func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

func (m Message) Clone() Message {
	out := m
	out.ReadBy = slices.Clone(m.ReadBy)
	out.Attachments = slices.Clone(m.Attachments)
	out.Reactions = slices.Clone(m.Reactions)
	return out
}

// Before orders messages by (timestamp, id).
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

type TypingIndicator struct {
	ConversationID string
	UserID         string
	UserName       string
	IsTyping       bool
	UpdatedAt      time.Time
}

type Presence struct {
	UserID   string
	Status   PresenceStatus
	LastSeen time.Time
}

// UnreadCounter is the per-(conversation, participant) unread tally.
type UnreadCounter struct {
	ConversationID string
	UserID         string
	Count          int
	UpdatedAt      time.Time
}

// UnreadCounterID keys a counter document.
func UnreadCounterID(conversationID, userID string) string {
	return conversationID + "_" + userID
}

// TypingID keys a typing indicator document.
func TypingID(conversationID, userID string) string {
	return conversationID + "_" + userID
}
