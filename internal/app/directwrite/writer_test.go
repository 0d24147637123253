package directwrite_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/app/directwrite"
	"huddle/internal/app/identity"
	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
	"huddle/internal/infra/storage/memory"
)

type profiles map[string]domain.Profile

func (p profiles) Profile(_ context.Context, id string) (domain.Profile, error) {
	if prof, ok := p[id]; ok {
		return prof, nil
	}
	return domain.Profile{}, errors.New("unknown user")
}

var (
	kim    = domain.Profile{ID: "u1", DisplayName: "Coach Kim"}
	people = profiles{"u1": kim, "u2": {ID: "u2", DisplayName: "Jordan Lee"}}
)

func TestCreateConversationIncludesCreator(t *testing.T) {
	store := memory.NewDocStore(nil)
	w := directwrite.New(store, people, nil)

	conv, err := w.CreateConversation(context.Background(), kim, domain.NewConversation{
		Type:           domain.TypeDirect,
		ParticipantIDs: []string{"u2"},
		InitialMessage: "Can you drive Saturday?",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, conv.ParticipantIDs())
	owner, _ := conv.Participant("u1")
	assert.Equal(t, domain.RoleOwner, owner.Role)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "Can you drive Saturday?", conv.LastMessage.Content)
}

func TestCreateConversationRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   domain.NewConversation
	}{
		{"no participants", domain.NewConversation{ParticipantIDs: []string{" ", ""}}},
		{"blank initial message", domain.NewConversation{ParticipantIDs: []string{"u2"}, InitialMessage: "   "}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := memory.NewDocStore(nil)
			w := directwrite.New(store, people, nil)
			_, err := w.CreateConversation(context.Background(), kim, tc.in)
			assert.True(t, domain.IsValidation(err), "got %v", err)
			assert.Zero(t, store.Count("conversations"))
		})
	}
}

func TestWritesAreVisibleToTheService(t *testing.T) {
	store := memory.NewDocStore(nil)
	w := directwrite.New(store, people, nil)
	ctx := context.Background()

	conv, err := w.CreateConversation(ctx, kim, domain.NewConversation{ParticipantIDs: []string{"u2"}})
	require.NoError(t, err)
	_, err = w.SendMessage(ctx, kim, conv.ID, domain.MessageInput{Content: "first"})
	require.NoError(t, err)

	svc := messaging.NewStoreService(messaging.Deps{
		Identity: identity.Static{Principal: identity.Principal{ID: "u2", DisplayName: "Jordan Lee"}},
		Store:    store,
		Profiles: people,
	})
	require.NoError(t, svc.Initialize(ctx))
	t.Cleanup(func() { _ = svc.Disconnect() })

	got, err := svc.ConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.LastMessage.Content)
	assert.Equal(t, 1, got.UnreadCount)

	msgs, _, err := svc.Messages(ctx, conv.ID, messaging.MessageOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Coach Kim", msgs[0].SenderName)
}

func TestSendMessageChecksMembership(t *testing.T) {
	store := memory.NewDocStore(nil)
	w := directwrite.New(store, people, nil)
	ctx := context.Background()

	conv, err := w.CreateConversation(ctx, kim, domain.NewConversation{ParticipantIDs: []string{"u2"}})
	require.NoError(t, err)

	_, err = w.SendMessage(ctx, domain.Profile{ID: "u9"}, conv.ID, domain.MessageInput{Content: "hi"})
	assert.True(t, domain.IsNotParticipant(err))
	_, err = w.SendMessage(ctx, kim, "missing", domain.MessageInput{Content: "hi"})
	assert.True(t, domain.IsNotFound(err))
	_, err = w.SendMessage(ctx, domain.Profile{}, conv.ID, domain.MessageInput{Content: "hi"})
	assert.True(t, domain.IsNotAuthenticated(err))
}

func TestStoreOutageIsTransient(t *testing.T) {
	store := memory.NewDocStore(nil)
	require.NoError(t, store.Close())
	w := directwrite.New(store, people, nil)

	_, err := w.CreateConversation(context.Background(), kim, domain.NewConversation{ParticipantIDs: []string{"u2"}})
	assert.True(t, domain.IsTransient(err))
}

func TestWriterRecordsOutboxEvents(t *testing.T) {
	store := memory.NewDocStore(nil)
	box := memory.NewOutbox()
	w := directwrite.New(store, people, nil)
	w.Outbox = box
	ctx := context.Background()

	conv, err := w.CreateConversation(ctx, kim, domain.NewConversation{
		ParticipantIDs: []string{"u2"},
		InitialMessage: "Snacks rota is up",
	})
	require.NoError(t, err)
	msg, err := w.SendMessage(ctx, kim, conv.ID, domain.MessageInput{Content: "Thanks all"})
	require.NoError(t, err)

	var names []string
	for _, rec := range box.Pending() {
		names = append(names, rec.Name)
		assert.Equal(t, conv.ID, rec.Aggregate)
	}
	assert.Equal(t, []string{domain.EventConversationCreated, domain.EventMessageSent, domain.EventMessageSent}, names)
	assert.Contains(t, string(box.Pending()[2].Payload), msg.ID)
}
