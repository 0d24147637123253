package messaging

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0      = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	coach   = Profile{ID: "c1", DisplayName: "Coach Kim"}
	players = map[string]Profile{
		"p1": {ID: "p1", DisplayName: "Jordan"},
		"p2": {ID: "p2", DisplayName: "Riley", ProfilePicture: "https://img/riley.png"},
	}
)

func TestPrepareConversation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       NewConversation
		wantType ConversationType
		wantIDs  []string
		wantErr  error
	}{
		{
			name:     "single other participant defaults to direct",
			in:       NewConversation{ParticipantIDs: []string{"p1"}},
			wantType: TypeDirect,
			wantIDs:  []string{"c1", "p1"},
		},
		{
			name:     "several participants default to group",
			in:       NewConversation{ParticipantIDs: []string{"p1", " p2 ", "p1", ""}},
			wantType: TypeGroup,
			wantIDs:  []string{"c1", "p1", "p2"},
		},
		{
			name:     "creator listed explicitly is not duplicated",
			in:       NewConversation{Type: TypeGroup, ParticipantIDs: []string{"c1", "p1"}},
			wantType: TypeGroup,
			wantIDs:  []string{"c1", "p1"},
		},
		{
			name:    "no participants",
			in:      NewConversation{ParticipantIDs: []string{"  "}},
			wantErr: ErrValidation,
		},
		{
			name:    "unknown type",
			in:      NewConversation{Type: "broadcast", ParticipantIDs: []string{"p1"}},
			wantErr: ErrValidation,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conv, err := PrepareConversation(coach, tc.in, players, t0)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, conv.Type)
			assert.Equal(t, tc.wantIDs, conv.ParticipantIDs())
			assert.Equal(t, RoleOwner, conv.Participants[0].Role)
			assert.Equal(t, "c1", conv.CreatedBy)
			assert.NoError(t, ValidateParticipants(conv.Participants))
		})
	}
}

func TestPrepareConversationWithoutCreator(t *testing.T) {
	_, err := PrepareConversation(Profile{}, NewConversation{ParticipantIDs: []string{"p1"}}, nil, t0)
	assert.True(t, IsNotAuthenticated(err))
}

func TestUnknownParticipantGetsPlaceholder(t *testing.T) {
	conv, err := PrepareConversation(coach, NewConversation{ParticipantIDs: []string{"ghost", "p2"}}, players, t0)
	require.NoError(t, err)

	ghost, ok := conv.Participant("ghost")
	require.True(t, ok)
	assert.Equal(t, PlaceholderName, ghost.DisplayName)

	riley, _ := conv.Participant("p2")
	assert.Equal(t, "https://img/riley.png", riley.ProfilePicture)
}

func TestAddParticipants(t *testing.T) {
	conv, err := PrepareConversation(coach, NewConversation{Type: TypeGroup, ParticipantIDs: []string{"p1"}}, players, t0)
	require.NoError(t, err)

	added, err := AddParticipants(&conv, "c1", []string{"p1", "p2"}, players, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, added)
	assert.Equal(t, t0.Add(time.Minute), conv.UpdatedAt)

	_, err = AddParticipants(&conv, "p1", []string{"x"}, nil, t0)
	assert.True(t, IsForbidden(err))

	_, err = AddParticipants(&conv, "stranger", []string{"x"}, nil, t0)
	assert.True(t, IsNotParticipant(err))
}

func TestRemoveParticipant(t *testing.T) {
	newGroup := func(t *testing.T) Conversation {
		conv, err := PrepareConversation(coach, NewConversation{Type: TypeGroup, ParticipantIDs: []string{"p1", "p2"}}, players, t0)
		require.NoError(t, err)
		return conv
	}

	t.Run("member removes self", func(t *testing.T) {
		conv := newGroup(t)
		require.NoError(t, RemoveParticipant(&conv, "p1", "p1", t0))
		assert.Equal(t, []string{"c1", "p2"}, conv.ParticipantIDs())
	})
	t.Run("member cannot remove others", func(t *testing.T) {
		conv := newGroup(t)
		assert.True(t, IsForbidden(RemoveParticipant(&conv, "p1", "p2", t0)))
	})
	t.Run("owner leaving promotes someone", func(t *testing.T) {
		conv := newGroup(t)
		require.NoError(t, RemoveParticipant(&conv, "c1", "c1", t0))
		owners := 0
		for _, p := range conv.Participants {
			if p.Role == RoleOwner {
				owners++
			}
		}
		assert.Equal(t, 1, owners)
	})
	t.Run("last participant stays", func(t *testing.T) {
		conv := newGroup(t)
		require.NoError(t, RemoveParticipant(&conv, "c1", "p1", t0))
		require.NoError(t, RemoveParticipant(&conv, "c1", "p2", t0))
		assert.True(t, IsValidation(RemoveParticipant(&conv, "c1", "c1", t0)))
	})
	t.Run("unknown target", func(t *testing.T) {
		conv := newGroup(t)
		assert.True(t, IsNotFound(RemoveParticipant(&conv, "c1", "nobody", t0)))
	})
}

func TestSetParticipants(t *testing.T) {
	conv, err := PrepareConversation(coach, NewConversation{Type: TypeGroup, ParticipantIDs: []string{"p1"}}, players, t0)
	require.NoError(t, err)

	require.NoError(t, SetParticipants(&conv, "c1", []string{"c1", "p2"}, players, t0))
	assert.ElementsMatch(t, []string{"c1", "p2"}, conv.ParticipantIDs())
}

func TestMergeMetadata(t *testing.T) {
	got := MergeMetadata(map[string]string{MetaName: "Old", "color": "red"}, map[string]string{
		MetaName: "New",
		"color":  "",
		" ":      "ignored",
	})
	assert.Equal(t, map[string]string{MetaName: "New"}, got)
}

func TestApplyLastMessageKeepsNewest(t *testing.T) {
	conv := Conversation{ID: "conv", UpdatedAt: t0}
	newer := Message{ID: "m2", Content: "second", Timestamp: t0.Add(2 * time.Second)}
	older := Message{ID: "m1", Content: "first", Timestamp: t0.Add(time.Second)}

	assert.True(t, ApplyLastMessage(&conv, newer))
	assert.False(t, ApplyLastMessage(&conv, older))
	assert.Equal(t, "m2", conv.LastMessage.MessageID)
	assert.Equal(t, newer.Timestamp, conv.UpdatedAt)
}

func TestNewLastMessageTruncatesSnippet(t *testing.T) {
	lm := NewLastMessage(Message{ID: "m", Content: strings.Repeat("é", SnippetRunes+20)})
	assert.Equal(t, SnippetRunes, len([]rune(lm.Content)))
}

func TestSortByActivity(t *testing.T) {
	convs := []Conversation{
		{ID: "a", UpdatedAt: t0},
		{ID: "b", UpdatedAt: t0.Add(time.Hour)},
		{ID: "c", UpdatedAt: t0},
	}
	SortByActivity(convs)
	assert.Equal(t, "b", convs[0].ID)
	assert.Equal(t, "c", convs[1].ID)
	assert.Equal(t, "a", convs[2].ID)
}

func TestTeamConversation(t *testing.T) {
	conv, err := PrepareTeamConversation(coach, "t9", "Falcons", GroupPlayers, []string{"p1", "p2"}, players, t0)
	require.NoError(t, err)
	assert.Equal(t, "team_t9_players", conv.ID)
	assert.Equal(t, TypeTeam, conv.Type)
	assert.Equal(t, "Falcons players", conv.Metadata[MetaName])
	assert.Equal(t, []string{"c1", "p1", "p2"}, conv.ParticipantIDs())

	assert.False(t, Join(&conv, "p1", players, t0))
	assert.True(t, Join(&conv, "p3", nil, t0.Add(time.Minute)))
	p3, _ := conv.Participant("p3")
	assert.Equal(t, RoleMember, p3.Role)
}

func TestConversationName(t *testing.T) {
	direct := Conversation{Participants: []Participant{{ID: "c1", DisplayName: "Coach Kim"}, {ID: "p1", DisplayName: "Jordan"}}}
	assert.Equal(t, "Jordan", direct.Name("c1"))
	assert.Equal(t, "Coach Kim", direct.Name("p1"))

	named := Conversation{Metadata: map[string]string{MetaName: "Carpool"}}
	assert.Equal(t, "Carpool", named.Name("c1"))
}

func TestCloneIsDeep(t *testing.T) {
	conv, err := PrepareConversation(coach, NewConversation{ParticipantIDs: []string{"p1"}, Name: "Rides"}, players, t0)
	require.NoError(t, err)
	cp := conv.Clone()
	cp.Participants[0].DisplayName = "changed"
	cp.Metadata[MetaName] = "changed"
	assert.Equal(t, "Coach Kim", conv.Participants[0].DisplayName)
	assert.Equal(t, "Rides", conv.Metadata[MetaName])
}
