// Package directwrite creates conversations and messages straight against the
// document store. It exists so a conversation can still be started when the
// messaging service failed to come up; it shares every validation rule with
// the services through the domain package and writes the same documents, so
// existing subscriptions see its results.
package directwrite

import (
	"context"
	"errors"
	"log/slog"

	"huddle/internal/app/docstore"
	"huddle/internal/app/messaging/schema"
	"huddle/internal/app/outbox"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/domain/shared/events"
)

// Profiles resolves display names for new participants.
type Profiles interface {
	Profile(ctx context.Context, id string) (domain.Profile, error)
}

type Writer struct {
	Store    docstore.Store
	Profiles Profiles
	Logger   *slog.Logger
	// Outbox, when set, receives the same events the services record.
	Outbox  outbox.Outbox
	Encoder outbox.EventEncoder
}

func New(store docstore.Store, profiles Profiles, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{Store: store, Profiles: profiles, Logger: logger.With("component", "directwrite")}
}

// CreateConversation persists a new conversation on behalf of creator. An
// initial message is written too when in carries one; if that second write
// fails the conversation is returned together with the error.
func (w *Writer) CreateConversation(ctx context.Context, creator domain.Profile, in domain.NewConversation) (domain.Conversation, error) {
	const op = "directwrite.CreateConversation"
	if w.Store == nil {
		return domain.Conversation{}, domain.Transient(op, errors.New("no document store configured"))
	}
	var first domain.MessageInput
	if in.InitialMessage != "" {
		var err error
		if first, err = domain.ValidateMessageInput(domain.MessageInput{Content: in.InitialMessage}); err != nil {
			return domain.Conversation{}, err
		}
	}
	now, err := schema.Now(ctx, w.Store)
	if err != nil {
		return domain.Conversation{}, domain.Transient(op, err)
	}
	conv, err := domain.PrepareConversation(creator, in, w.profiles(ctx, in.ParticipantIDs), now)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv, err = schema.InsertConversation(ctx, w.Store, conv); err != nil {
		return domain.Conversation{}, domain.Transient(op, err)
	}
	w.Logger.Info("conversation created", "conversation_id", conv.ID, "type", conv.Type)
	w.publish(ctx, domain.NewConversationCreated(conv))

	if in.InitialMessage == "" {
		return conv, nil
	}
	msg, err := w.write(ctx, op, conv, creator, first)
	if err != nil {
		return conv, err
	}
	domain.ApplyLastMessage(&conv, msg)
	return conv, nil
}

// SendMessage appends a message after checking sender belongs to the
// conversation.
func (w *Writer) SendMessage(ctx context.Context, sender domain.Profile, conversationID string, in domain.MessageInput) (domain.Message, error) {
	const op = "directwrite.SendMessage"
	if sender.ID == "" {
		return domain.Message{}, domain.Fail(op, domain.ErrNotAuthenticated, "")
	}
	if w.Store == nil {
		return domain.Message{}, domain.Transient(op, errors.New("no document store configured"))
	}
	in, err := domain.ValidateMessageInput(in)
	if err != nil {
		return domain.Message{}, err
	}
	conv, err := schema.LoadConversation(ctx, w.Store, op, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if _, err := domain.RequireParticipant(op, conv, sender.ID); err != nil {
		return domain.Message{}, err
	}
	return w.write(ctx, op, conv, sender, in)
}

func (w *Writer) write(ctx context.Context, op string, conv domain.Conversation, sender domain.Profile, in domain.MessageInput) (domain.Message, error) {
	now, err := schema.Now(ctx, w.Store)
	if err != nil {
		return domain.Message{}, domain.Transient(op, err)
	}
	if part, ok := conv.Participant(sender.ID); ok && part.DisplayName != domain.PlaceholderName {
		sender.DisplayName = part.DisplayName
	}
	msg, err := schema.InsertMessage(ctx, w.Store, domain.NewMessage(conv.ID, sender, in, now))
	if err != nil {
		return domain.Message{}, domain.Transient(op, err)
	}
	if fan := schema.Denormalize(ctx, w.Store, conv, msg); !fan.OK() {
		w.Logger.Warn("message denormalization incomplete",
			"conversation_id", conv.ID, "message_id", msg.ID, "error", fan.Err())
	}
	w.publish(ctx, domain.NewMessageSent(conv, msg))
	return msg, nil
}

// publish queues ev for relay. The write already happened, so a failure is
// only logged.
func (w *Writer) publish(ctx context.Context, ev events.DomainEvent) {
	if w.Outbox == nil {
		return
	}
	if err := outbox.RecordDomainEvents(ctx, w.Outbox, w.Encoder, []events.DomainEvent{ev}); err != nil {
		w.Logger.Warn("outbox record failed", "event", ev.EventName(), "error", err)
	}
}

func (w *Writer) profiles(ctx context.Context, ids []string) map[string]domain.Profile {
	out := make(map[string]domain.Profile, len(ids))
	if w.Profiles == nil {
		return out
	}
	for _, id := range domain.NormalizeIDs(ids) {
		p, err := w.Profiles.Profile(ctx, id)
		if err != nil {
			w.Logger.Debug("participant lookup failed", "user_id", id, "error", err)
			continue
		}
		out[id] = p
	}
	return out
}
