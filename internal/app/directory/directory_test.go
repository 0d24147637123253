package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/app/directory"
	"huddle/internal/domain/team"
	"huddle/internal/domain/user"
	"huddle/internal/infra/storage/memory"
)

func seedUser(t *testing.T, users *directory.Users, id, email, name string) *user.User {
	t.Helper()
	u, err := user.NewUser(user.CreateParams{
		ID:           user.ID(id),
		Email:        email,
		DisplayName:  name,
		PasswordHash: "hash",
		Roles:        []user.Role{user.RoleCoach},
		CreatedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, users.Save(context.Background(), u))
	return u
}

func TestUsersSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	users := directory.NewUsers(memory.NewDocStore(nil))
	saved := seedUser(t, users, "u1", "Coach@Example.com", "Coach Kim")

	byID, err := users.ByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byID.ID)
	assert.Equal(t, "coach@example.com", byID.Email)
	assert.Equal(t, saved.Roles, byID.Roles)
	assert.True(t, saved.CreatedAt.Equal(byID.CreatedAt))

	byEmail, err := users.ByEmail(ctx, "  coach@example.COM ")
	require.NoError(t, err)
	assert.Equal(t, user.ID("u1"), byEmail.ID)

	prof, err := users.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Coach Kim", prof.DisplayName)

	_, err = users.ByID(ctx, "missing")
	assert.ErrorIs(t, err, user.ErrNotFound)
	_, err = users.Profile(ctx, "missing")
	assert.ErrorIs(t, err, user.ErrNotFound)
	_, err = users.ByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, user.ErrNotFound)
}

func TestUsersRejectsTakenEmail(t *testing.T) {
	ctx := context.Background()
	users := directory.NewUsers(memory.NewDocStore(nil))
	first := seedUser(t, users, "u1", "coach@example.com", "Coach Kim")

	other, err := user.NewUser(user.CreateParams{ID: "u2", Email: "coach@example.com", DisplayName: "Someone", PasswordHash: "h"})
	require.NoError(t, err)
	assert.ErrorIs(t, users.Save(ctx, other), user.ErrEmailAlreadyUsed)

	require.NoError(t, first.Rename("Coach Kimberly", time.Now()))
	require.NoError(t, users.Save(ctx, first), "the owner can save again")

	assert.ErrorIs(t, users.Save(ctx, nil), user.ErrIDRequired)
}

func TestUsersListAndSearch(t *testing.T) {
	ctx := context.Background()
	users := directory.NewUsers(memory.NewDocStore(nil))
	seedUser(t, users, "u1", "a@example.com", "riley Stone")
	seedUser(t, users, "u2", "b@example.com", "Alex Park")
	seedUser(t, users, "u3", "c@example.com", "Rio Grande")
	seedUser(t, users, "u4", "d@example.com", "Sam Riley")

	all, err := users.List(ctx, 0)
	require.NoError(t, err)
	names := make([]string, 0, len(all))
	for _, p := range all {
		names = append(names, p.DisplayName)
	}
	assert.Equal(t, []string{"Alex Park", "riley Stone", "Rio Grande", "Sam Riley"}, names)

	tests := []struct {
		prefix string
		limit  int
		want   []string
	}{
		{"RI", 10, []string{"u1", "u3"}},
		{"ril", 10, []string{"u1"}},
		{"ri", 1, []string{"u1"}},
		{"zed", 10, nil},
		{"", 2, []string{"u2", "u1"}},
	}
	for _, tc := range tests {
		t.Run(tc.prefix, func(t *testing.T) {
			got, err := users.SearchPrefix(ctx, tc.prefix, tc.limit)
			require.NoError(t, err)
			var ids []string
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestTeams(t *testing.T) {
	ctx := context.Background()
	teams := directory.NewTeams(memory.NewDocStore(nil))

	require.NoError(t, teams.Save(ctx, team.Team{ID: "t1", Name: " Tigers ", CoachIDs: []string{"c1"}, PlayerIDs: []string{"p1"}}))
	got, err := teams.ByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Tigers", got.Name)
	assert.Equal(t, []string{"c1"}, got.CoachIDs)
	assert.Empty(t, got.ParentIDs)
	assert.True(t, got.IsMember("p1"))

	_, err = teams.ByID(ctx, "t2")
	assert.ErrorIs(t, err, team.ErrNotFound)
	_, err = teams.ByID(ctx, " ")
	assert.ErrorIs(t, err, team.ErrIDRequired)
	assert.ErrorIs(t, teams.Save(ctx, team.Team{}), team.ErrIDRequired)
}
