package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessageInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      MessageInput
		want    string
		wantErr bool
	}{
		{name: "plain text", in: MessageInput{Content: "See you at 6"}, want: "See you at 6"},
		{name: "blank without attachments", in: MessageInput{Content: "   "}, wantErr: true},
		{name: "blank with attachment", in: MessageInput{Content: " ", Attachments: []Attachment{{URL: "https://x/a.png"}}}, want: ""},
		{name: "attachment without url", in: MessageInput{Content: "pic", Attachments: []Attachment{{Name: "a.png"}}}, wantErr: true},
		{name: "at the limit", in: MessageInput{Content: strings.Repeat("a", MaxContentRunes)}, want: strings.Repeat("a", MaxContentRunes)},
		{name: "over the limit", in: MessageInput{Content: strings.Repeat("a", MaxContentRunes+1)}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateMessageInput(tc.in)
			if tc.wantErr {
				assert.True(t, IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Content)
		})
	}
}

func TestNewMessageIsReadBySender(t *testing.T) {
	msg := NewMessage("conv", Profile{ID: "c1"}, MessageInput{Content: "hi"}, t0)
	assert.True(t, msg.IsReadBy("c1"))
	assert.Equal(t, PlaceholderName, msg.SenderName)
	assert.Equal(t, StatusSent, msg.Status)

	assert.False(t, msg.MarkReadBy("c1"))
	assert.True(t, msg.MarkReadBy("p1"))
	assert.Equal(t, []string{"c1", "p1"}, msg.ReadBy)
}

func TestEdit(t *testing.T) {
	msg := NewMessage("conv", coach, MessageInput{Content: "Practice at 5"}, t0)

	require.NoError(t, msg.Edit("c1", "Practice at 5", t0.Add(time.Minute)))
	assert.False(t, msg.IsEdited, "unchanged content is not an edit")

	require.NoError(t, msg.Edit("c1", "Practice at 6", t0.Add(time.Minute)))
	assert.True(t, msg.IsEdited)
	assert.Equal(t, t0.Add(time.Minute), msg.UpdatedAt)

	assert.True(t, IsForbidden(msg.Edit("p1", "hijack", t0)))
	assert.True(t, IsValidation(msg.Edit("c1", "  ", t0)))
}

func TestReactions(t *testing.T) {
	msg := NewMessage("conv", coach, MessageInput{Content: "Win!"}, t0)

	changed, err := msg.AddReaction("p1", "Jordan", "🎉", t0)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = msg.AddReaction("p1", "Jordan", " 🎉 ", t0)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = msg.AddReaction("p2", "Riley", "🎉", t0)
	require.NoError(t, err)
	assert.Len(t, msg.Reactions, 2)

	_, err = msg.AddReaction("p1", "Jordan", "", t0)
	assert.True(t, IsValidation(err))

	assert.True(t, msg.RemoveReaction("p1", "🎉"))
	assert.False(t, msg.RemoveReaction("p1", "🎉"))
	require.Len(t, msg.Reactions, 1)
	assert.Equal(t, "p2", msg.Reactions[0].UserID)
}

func TestUnreadFor(t *testing.T) {
	a := NewMessage("conv", coach, MessageInput{Content: "a"}, t0)
	a.ID = "a"
	b := NewMessage("conv", Profile{ID: "p1"}, MessageInput{Content: "b"}, t0)
	b.ID = "b"
	assert.Equal(t, []string{"b"}, UnreadFor([]Message{a, b}, "c1"))
	assert.Empty(t, UnreadFor([]Message{a}, "c1"))
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("messaging.SendMessage", cause)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "messaging.SendMessage: store unavailable: connection reset", err.Error())

	denied := Fail("messaging.SendMessage", ErrNotParticipant, "")
	assert.NoError(t, Transient("op", nil))
	assert.Equal(t, denied, Transient("outer", denied), "kinded errors pass through")

	wrapped := fmt.Errorf("hooks: %w", denied)
	assert.Equal(t, ErrNotParticipant, KindOf(wrapped))
	assert.True(t, IsAccessDenied(wrapped))
	assert.Nil(t, KindOf(cause))
}

func TestUserMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"signed out", Fail("op", ErrNotAuthenticated, ""), MsgSignIn},
		{"not a member", Fail("op", ErrNotParticipant, ""), MsgNoAccess},
		{"forbidden", Fail("op", ErrForbidden, "only the sender can change this message"), MsgNoAccess},
		{"gone", Fail("op", ErrNotFound, "conversation not found"), MsgGone},
		{"validation", Fail("op", ErrValidation, "message content is required"), "Message content is required."},
		{"validation without text", Fail("op", ErrValidation, ""), "That request is not valid."},
		{"offline", Transient("op", errors.New("dial tcp: refused")), MsgOffline},
		{"deadline", context.DeadlineExceeded, MsgOffline},
		{"unknown", errors.New("boom"), MsgTryAgain},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := UserMessage(tc.err)
			assert.Equal(t, tc.want, got)
			assert.NotContains(t, got, "dial tcp")
		})
	}
}
