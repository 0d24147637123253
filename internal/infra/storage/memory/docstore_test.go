package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/app/docstore"
)

type doc struct {
	ID      string            `bson:"_id,omitempty"`
	Kind    string            `bson:"kind"`
	Members []string          `bson:"members"`
	Score   int64             `bson:"score"`
	At      time.Time         `bson:"at"`
	Meta    map[string]string `bson:"meta,omitempty"`
}

func seed(t *testing.T, s *DocStore, docs ...doc) {
	t.Helper()
	for _, d := range docs {
		require.NoError(t, s.Set(context.Background(), "things", d.ID, d))
	}
}

func TestCreateGetDelete(t *testing.T) {
	s := NewDocStore(nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "things", "a", doc{Kind: "x"}))
	assert.ErrorIs(t, s.Create(ctx, "things", "a", doc{Kind: "y"}), docstore.ErrAlreadyExists)

	var got doc
	require.NoError(t, s.Get(ctx, "things", "a", &got))
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, "x", got.Kind)

	require.NoError(t, s.Delete(ctx, "things", "a"))
	require.NoError(t, s.Delete(ctx, "things", "a"))
	assert.ErrorIs(t, s.Get(ctx, "things", "a", &got), docstore.ErrNotFound)
}

func TestFindFiltersAndOrders(t *testing.T) {
	s := NewDocStore(nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, s,
		doc{ID: "1", Kind: "direct", Members: []string{"u1", "u2"}, At: base},
		doc{ID: "2", Kind: "group", Members: []string{"u1", "u3"}, At: base.Add(time.Hour)},
		doc{ID: "3", Kind: "group", Members: []string{"u2"}, At: base.Add(2 * time.Hour)},
	)

	tests := []struct {
		name string
		q    docstore.Query
		want []string
	}{
		{
			name: "array contains newest first",
			q: docstore.Query{
				Filters: []docstore.Filter{docstore.ArrayContains("members", "u1")},
				Order:   []docstore.Order{{Field: "at", Dir: docstore.Desc}},
			},
			want: []string{"2", "1"},
		},
		{
			name: "in and limit",
			q: docstore.Query{
				Filters: []docstore.Filter{docstore.In("_id", []string{"1", "3"})},
				Order:   []docstore.Order{{Field: "at", Dir: docstore.Asc}},
				Limit:   1,
			},
			want: []string{"1"},
		},
		{
			name: "time range",
			q: docstore.Query{
				Filters: []docstore.Filter{docstore.Gt("at", base), docstore.Lte("at", base.Add(2*time.Hour))},
				Order:   []docstore.Order{{Field: "at", Dir: docstore.Asc}},
			},
			want: []string{"2", "3"},
		},
		{
			name: "equality",
			q:    docstore.Query{Filters: []docstore.Filter{docstore.Eq("kind", "direct")}},
			want: []string{"1"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.q.Collection = "things"
			snaps, err := s.Find(context.Background(), tc.q)
			require.NoError(t, err)
			var ids []string
			for _, sn := range snaps {
				ids = append(ids, sn.ID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestUpdatePatch(t *testing.T) {
	s := NewDocStore(nil)
	ctx := context.Background()
	seed(t, s, doc{ID: "a", Kind: "group", Members: []string{"u1"}, Meta: map[string]string{"name": "Old", "color": "red"}})

	require.NoError(t, s.Update(ctx, "things", "a", docstore.Patch{
		Set:      map[string]any{"meta.name": "New"},
		Unset:    []string{"meta.color"},
		AddToSet: map[string][]any{"members": {"u1", "u2"}},
		Inc:      map[string]int64{"score": 3},
	}))
	require.NoError(t, s.Update(ctx, "things", "a", docstore.Patch{
		Pull: map[string][]any{"members": {"u1"}},
		Inc:  map[string]int64{"score": -1},
	}))

	var got doc
	require.NoError(t, s.Get(ctx, "things", "a", &got))
	assert.Equal(t, map[string]string{"name": "New"}, got.Meta)
	assert.Equal(t, []string{"u2"}, got.Members)
	assert.Equal(t, int64(2), got.Score)

	assert.ErrorIs(t, s.Update(ctx, "things", "missing", docstore.Patch{Inc: map[string]int64{"score": 1}}), docstore.ErrNotFound)
	require.NoError(t, s.Update(ctx, "things", "counter", docstore.Patch{Inc: map[string]int64{"score": 1}, Upsert: true}))
	require.NoError(t, s.Get(ctx, "things", "counter", &got))
	assert.Equal(t, int64(1), got.Score)
}

func TestUpdateEmbeddedDocumentArrays(t *testing.T) {
	type vote struct {
		Emoji  string    `bson:"emoji"`
		UserID string    `bson:"user_id"`
		At     time.Time `bson:"at"`
	}
	type post struct {
		ID    string `bson:"_id,omitempty"`
		Votes []vote `bson:"votes"`
	}
	s := NewDocStore(nil)
	ctx := context.Background()
	at := time.Date(2025, 4, 2, 18, 0, 0, 0, time.UTC)
	first := vote{Emoji: "👍", UserID: "u1", At: at}
	require.NoError(t, s.Set(ctx, "posts", "p1", post{Votes: []vote{first}}))

	second := vote{Emoji: "👍", UserID: "u2", At: at}
	require.NoError(t, s.Update(ctx, "posts", "p1", docstore.Patch{AddToSet: map[string][]any{"votes": {first, second}}}))
	var got post
	require.NoError(t, s.Get(ctx, "posts", "p1", &got))
	assert.Equal(t, []vote{first, second}, got.Votes, "a stored document is not added twice")

	require.NoError(t, s.Update(ctx, "posts", "p1", docstore.Patch{
		PullMatch: map[string]map[string]any{"votes": {"emoji": "👍", "user_id": "u1"}},
	}))
	require.NoError(t, s.Get(ctx, "posts", "p1", &got))
	assert.Equal(t, []vote{second}, got.Votes)

	require.NoError(t, s.Update(ctx, "posts", "p1", docstore.Patch{
		PullMatch: map[string]map[string]any{"votes": {"emoji": "🔥", "user_id": "u2"}},
	}))
	require.NoError(t, s.Get(ctx, "posts", "p1", &got))
	assert.Equal(t, []vote{second}, got.Votes, "every field must match")
}

func TestUpdateWhenCondition(t *testing.T) {
	s := NewDocStore(nil)
	ctx := context.Background()
	seed(t, s, doc{ID: "a", Kind: "group", Score: 5})

	err := s.Update(ctx, "things", "a", docstore.Patch{
		Set:  map[string]any{"score": 3},
		When: []docstore.Filter{docstore.Lt("score", 3)},
	})
	assert.ErrorIs(t, err, docstore.ErrConditionFailed)

	require.NoError(t, s.Update(ctx, "things", "a", docstore.Patch{
		Set:  map[string]any{"score": 9},
		When: []docstore.Filter{docstore.Lt("score", 9), docstore.Eq("kind", "group")},
	}))
	var got doc
	require.NoError(t, s.Get(ctx, "things", "a", &got))
	assert.Equal(t, int64(9), got.Score)

	err = s.Update(ctx, "things", "missing", docstore.Patch{
		Set:  map[string]any{"score": 1},
		When: []docstore.Filter{docstore.Lt("score", 1)},
	})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDeleteWhere(t *testing.T) {
	s := NewDocStore(nil)
	seed(t, s, doc{ID: "1", Kind: "a"}, doc{ID: "2", Kind: "b"}, doc{ID: "3", Kind: "a"})

	n, err := s.DeleteWhere(context.Background(), "things", docstore.Eq("kind", "a"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Count("things"))
}

func TestSubscribeDeliversCurrentAndChanges(t *testing.T) {
	s := NewDocStore(nil)
	ctx := context.Background()
	seed(t, s, doc{ID: "1", Kind: "a"})

	got := make(chan int, 16)
	stop, err := s.Subscribe(ctx, docstore.Query{Collection: "things", Filters: []docstore.Filter{docstore.Eq("kind", "a")}},
		func(snaps []docstore.Snapshot, err error) {
			if err == nil {
				got <- len(snaps)
			}
		})
	require.NoError(t, err)
	assert.Equal(t, 1, <-got)

	seed(t, s, doc{ID: "2", Kind: "a"})
	assert.Eventually(t, func() bool {
		select {
		case n := <-got:
			return n == 2
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	stop()
	stop()
	seed(t, s, doc{ID: "3", Kind: "a"})
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, got)
}

func TestServerTimeIsStrictlyIncreasing(t *testing.T) {
	s := NewDocStore(nil)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Clock = func() time.Time { return fixed }

	a, err := s.ServerTime(context.Background())
	require.NoError(t, err)
	b, err := s.ServerTime(context.Background())
	require.NoError(t, err)
	assert.True(t, b.After(a))
}

func TestFailWritesAndClose(t *testing.T) {
	s := NewDocStore(nil)
	ctx := context.Background()
	outage := errors.New("unavailable")
	s.FailWrites = func(collection, id string) error {
		if strings.HasPrefix(id, "blocked") {
			return outage
		}
		return nil
	}

	assert.ErrorIs(t, s.Set(ctx, "things", "blocked-1", doc{}), outage)
	require.NoError(t, s.Set(ctx, "things", "ok", doc{}))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(ctx), docstore.ErrClosed)
	_, err := s.Find(ctx, docstore.Query{Collection: "things"})
	assert.ErrorIs(t, err, docstore.ErrClosed)
	_, err = s.Subscribe(ctx, docstore.Query{Collection: "things"}, func([]docstore.Snapshot, error) {})
	assert.ErrorIs(t, err, docstore.ErrClosed)
}

func TestBlobStore(t *testing.T) {
	b := NewBlobStore()
	url, err := b.Put(context.Background(), "/conversations/c1/a/file.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "memory://attachments/conversations/c1/a/file.txt", url)

	obj, ok := b.Object("conversations/c1/a/file.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(obj.Data))
	assert.Equal(t, "text/plain", obj.ContentType)
}
