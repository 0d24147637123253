// Package messaging exposes the Service every caller uses to read and write
// conversations. Two implementations exist: StoreService persists through a
// docstore.Store and MockService keeps everything in process memory. Callers
// pick one through New and never branch on which is active.
package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"huddle/internal/app/blob"
	"huddle/internal/app/docstore"
	"huddle/internal/app/identity"
	"huddle/internal/app/outbox"
	"huddle/internal/app/schedule"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/team"
)

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

type SortBy string

const (
	SortUpdated SortBy = "updated"
	SortCreated SortBy = "created"
)

type ListOptions struct {
	Limit  int
	Cursor string
	SortBy SortBy
}

type MessageOptions struct {
	Limit int
	// Before pages backwards from an opaque cursor returned by Messages.
	Before string
}

// ConversationUpdate changes metadata (merged key by key) and, when
// ParticipantIDs is non-nil, reconciles the participant list.
type ConversationUpdate struct {
	Metadata       map[string]string
	ParticipantIDs []string
}

type AttachmentUpload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Unsubscribe stops a subscription. It is idempotent and safe after Disconnect.
type Unsubscribe func()

type Service interface {
	// Initialize prepares the service. Without a signed-in principal it
	// returns nil and leaves the status disconnected.
	Initialize(ctx context.Context) error
	// Disconnect tears down every subscription. Idempotent.
	Disconnect() error
	ConnectionStatus() ConnectionStatus

	Conversations(ctx context.Context, opts ListOptions) ([]domain.Conversation, string, error)
	ConversationByID(ctx context.Context, id string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) (domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AddParticipants(ctx context.Context, id string, userIDs []string) (domain.Conversation, error)
	RemoveParticipant(ctx context.Context, id, userID string) (domain.Conversation, error)

	Messages(ctx context.Context, conversationID string, opts MessageOptions) ([]domain.Message, string, error)
	SendMessage(ctx context.Context, conversationID string, in domain.MessageInput) (domain.Message, error)
	UpdateMessage(ctx context.Context, conversationID, messageID, content string) (domain.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	// MarkAsRead marks the given messages, or every unread message when none
	// are given, as read by the caller. Unknown and already-read ids are ignored.
	MarkAsRead(ctx context.Context, conversationID string, messageIDs ...string) error
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) (domain.Message, error)
	RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (domain.Message, error)
	UploadAttachment(ctx context.Context, conversationID string, up AttachmentUpload) (domain.Attachment, error)
	// UnreadCount totals the caller's unread counters across conversations.
	UnreadCount(ctx context.Context) (int, error)

	TeamChats(ctx context.Context, teamID string) ([]domain.Conversation, error)
	SendTeamMessage(ctx context.Context, teamID string, group domain.GroupType, content string) (domain.Message, error)

	SubscribeToConversations(ctx context.Context, fn func([]domain.Conversation)) (Unsubscribe, error)
	SubscribeToMessages(ctx context.Context, conversationID string, fn func([]domain.Message)) (Unsubscribe, error)
	SubscribeToTypingIndicators(ctx context.Context, conversationID string, fn func([]domain.TypingIndicator)) (Unsubscribe, error)
	SetUserPresence(ctx context.Context, status domain.PresenceStatus) error
	SetTypingStatus(ctx context.Context, conversationID string, isTyping bool) error
}

// Profiles resolves user ids to display profiles.
type Profiles interface {
	Profile(ctx context.Context, id string) (domain.Profile, error)
}

// Teams resolves team rosters.
type Teams interface {
	ByID(ctx context.Context, id string) (team.Team, error)
}

// Metrics receives counters from the services; obs.Metrics implements it.
type Metrics interface {
	MessageSent(mode string)
	DenormalizationFailed()
	UnreadFanoutFailed(n int)
	SubscriptionOpened(kind string)
	SubscriptionClosed(kind string)
}

type Mode string

const (
	ModeStore Mode = "store"
	ModeMock  Mode = "mock"
)

// ParseMode accepts "store" and "mock" case-insensitively.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeStore:
		return ModeStore, nil
	case ModeMock:
		return ModeMock, nil
	}
	return "", fmt.Errorf("messaging: unknown mode %q", raw)
}

const (
	DefaultTypingTTL     = 5 * time.Second
	DefaultMaxAttachment = 10 << 20
)

type Deps struct {
	Identity identity.Provider
	// Store backs ModeStore; MockService ignores it.
	Store    docstore.Store
	Blobs    blob.Store
	Profiles Profiles
	Teams    Teams
	Outbox   outbox.Outbox
	Encoder  outbox.EventEncoder
	Timers   schedule.Scheduler
	Metrics  Metrics
	Logger   *slog.Logger

	TypingTTL          time.Duration
	MaxAttachmentBytes int64
}

// New builds the implementation selected by mode.
func New(mode Mode, deps Deps) (Service, error) {
	if deps.Identity == nil {
		return nil, fmt.Errorf("messaging: identity provider is required")
	}
	deps = deps.withDefaults()
	switch mode {
	case ModeStore:
		if deps.Store == nil {
			return nil, fmt.Errorf("messaging: store mode needs a document store")
		}
		return NewStoreService(deps), nil
	case ModeMock:
		return NewMockService(deps), nil
	default:
		return nil, fmt.Errorf("messaging: unknown mode %q", mode)
	}
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.Timers == nil {
		d.Timers = schedule.NewTimers()
	}
	if d.Encoder == nil {
		d.Encoder = outbox.JSONEventEncoder{}
	}
	if d.TypingTTL <= 0 {
		d.TypingTTL = DefaultTypingTTL
	}
	if d.MaxAttachmentBytes <= 0 {
		d.MaxAttachmentBytes = DefaultMaxAttachment
	}
	return d
}

type noopMetrics struct{}

func (noopMetrics) MessageSent(string)        {}
func (noopMetrics) DenormalizationFailed()    {}
func (noopMetrics) UnreadFanoutFailed(int)    {}
func (noopMetrics) SubscriptionOpened(string) {}
func (noopMetrics) SubscriptionClosed(string) {}

var (
	_ Service = (*StoreService)(nil)
	_ Service = (*MockService)(nil)
)
