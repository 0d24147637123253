package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"huddle/internal/app/docstore"
	"huddle/internal/app/ids"
	"huddle/internal/domain/messaging"
)

// InsertConversation assigns an id when missing and creates the document.
func InsertConversation(ctx context.Context, store docstore.Store, conv messaging.Conversation) (messaging.Conversation, error) {
	if err := messaging.ValidateParticipants(conv.Participants); err != nil {
		return messaging.Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = ids.NewULID(conv.CreatedAt)
	}
	if err := store.Create(ctx, Conversations, conv.ID, FromConversation(conv)); err != nil {
		return messaging.Conversation{}, err
	}
	return conv, nil
}

// InsertMessage assigns an id when missing and appends msg to the log.
func InsertMessage(ctx context.Context, store docstore.Store, msg messaging.Message) (messaging.Message, error) {
	if msg.ConversationID == "" {
		return messaging.Message{}, errors.New("schema: message without conversation")
	}
	if msg.ID == "" {
		msg.ID = ids.NewULID(msg.Timestamp)
	}
	if err := store.Create(ctx, Messages, msg.ID, FromMessage(msg)); err != nil {
		return messaging.Message{}, err
	}
	return msg, nil
}

// LoadConversation reads a conversation, mapping a missing document to
// messaging.ErrNotFound.
func LoadConversation(ctx context.Context, store docstore.Store, op, id string) (messaging.Conversation, error) {
	var doc ConversationDoc
	if err := store.Get(ctx, Conversations, id, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return messaging.Conversation{}, messaging.Fail(op, messaging.ErrNotFound, "conversation not found")
		}
		return messaging.Conversation{}, messaging.Transient(op, err)
	}
	return doc.Conversation(), nil
}

// LoadMessage reads a message and checks it belongs to conversationID.
func LoadMessage(ctx context.Context, store docstore.Store, op, conversationID, id string) (messaging.Message, error) {
	var doc MessageDoc
	if err := store.Get(ctx, Messages, id, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return messaging.Message{}, messaging.Fail(op, messaging.ErrNotFound, "message not found")
		}
		return messaging.Message{}, messaging.Transient(op, err)
	}
	if doc.ConversationID != conversationID {
		return messaging.Message{}, messaging.Fail(op, messaging.ErrNotFound, "message not found")
	}
	return doc.Message(), nil
}

// Fanout reports the outcome of the denormalizing half of a send.
type Fanout struct {
	SummaryErr error
	// CounterErrs holds one entry per participant whose unread counter could
	// not be incremented.
	CounterErrs map[string]error
}

func (f Fanout) OK() bool {
	return f.SummaryErr == nil && len(f.CounterErrs) == 0
}

func (f Fanout) Err() error {
	errs := []error{f.SummaryErr}
	for id, err := range f.CounterErrs {
		errs = append(errs, fmt.Errorf("unread counter %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// Denormalize mirrors msg into the conversation summary and bumps the unread
// counter of every participant except the sender. Each write is independent:
// one failure never prevents the others. The summary only moves forward, so a
// send that finishes after a newer one leaves the newer summary in place.
func Denormalize(ctx context.Context, store docstore.Store, conv messaging.Conversation, msg messaging.Message) Fanout {
	var out Fanout
	key := SummaryKey(msg.Timestamp, msg.ID)
	err := store.Update(ctx, Conversations, conv.ID, docstore.Patch{
		Set: map[string]any{
			"last_message":     FromLastMessage(messaging.NewLastMessage(msg)),
			"last_message_key": key,
			"updated_at":       msg.Timestamp,
		},
		When: []docstore.Filter{docstore.Lt("last_message_key", key)},
	})
	if !errors.Is(err, docstore.ErrConditionFailed) {
		out.SummaryErr = err
	}
	for _, p := range conv.Participants {
		if p.ID == msg.SenderID {
			continue
		}
		if err := IncrementUnread(ctx, store, conv.ID, p.ID, msg.Timestamp); err != nil {
			if out.CounterErrs == nil {
				out.CounterErrs = make(map[string]error)
			}
			out.CounterErrs[p.ID] = err
		}
	}
	return out
}

func IncrementUnread(ctx context.Context, store docstore.Store, conversationID, userID string, at time.Time) error {
	return store.Update(ctx, UnreadCounters, messaging.UnreadCounterID(conversationID, userID), docstore.Patch{
		Set: map[string]any{
			"conversation_id": conversationID,
			"user_id":         userID,
			"updated_at":      at,
		},
		Inc:    map[string]int64{"count": 1},
		Upsert: true,
	})
}

// SetUnread overwrites the counter of userID with count.
func SetUnread(ctx context.Context, store docstore.Store, conversationID, userID string, count int, at time.Time) error {
	return store.Set(ctx, UnreadCounters, messaging.UnreadCounterID(conversationID, userID), UnreadDoc{
		ID:             messaging.UnreadCounterID(conversationID, userID),
		ConversationID: conversationID,
		UserID:         userID,
		Count:          int64(count),
		UpdatedAt:      at,
	})
}

// Now reads the store's clock. Creation timestamps never come from the caller.
func Now(ctx context.Context, store docstore.Store) (time.Time, error) {
	t, err := store.ServerTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
