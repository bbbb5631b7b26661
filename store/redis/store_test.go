package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arjunvale/conductor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb)
}

func TestChatStoreCreateGetUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := conductor.Chat{ID: "c1", CreatedAt: 100, Mode: conductor.ModeReadWrite}
	require.NoError(t, s.CreateChat(ctx, chat))

	got, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, chat, got)

	chat.Preview = "hello"
	require.NoError(t, s.UpdateChat(ctx, chat))
	got, err = s.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Preview)

	require.NoError(t, s.DeleteChat(ctx, "c1"))
	_, err = s.GetChat(ctx, "c1")
	require.Error(t, err)
}

func TestListChatsOrderedMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateChat(ctx, conductor.Chat{ID: "old", CreatedAt: 1}))
	require.NoError(t, s.CreateChat(ctx, conductor.Chat{ID: "new", CreatedAt: 2}))

	chats, err := s.ListChats(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, "new", chats[0].ID)
	require.Equal(t, "old", chats[1].ID)
}

func TestMessageStoreAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, conductor.Message{ChatID: "c1", ID: "m1", Sequence: 0}))
	require.NoError(t, s.AppendMessage(ctx, conductor.Message{ChatID: "c1", ID: "m2", Sequence: 1}))

	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)

	require.NoError(t, s.DeleteMessages(ctx, "c1"))
	msgs, err = s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCommitStoreAppendGetRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1 := conductor.ConfigCommit{Hash: "h1", ChatID: "c1", Message: "first"}
	c2 := conductor.ConfigCommit{Hash: "h2", ChatID: "c1", Message: "second"}
	require.NoError(t, s.AppendCommit(ctx, c1))
	require.NoError(t, s.AppendCommit(ctx, c2))

	hashes, err := s.ListCommits(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"h1", "h2"}, hashes)

	got, err := s.GetCommit(ctx, "h2")
	require.NoError(t, err)
	require.Equal(t, c2, got)

	rang, err := s.CommitRange(ctx, "c1", "h1", "h2")
	require.NoError(t, err)
	require.Len(t, rang, 2)

	_, err = s.CommitRange(ctx, "c1", "h2", "h1")
	require.Error(t, err)
}

func TestSnapshotStorePutGetLatestWithTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := conductor.EntitySnapshot{EntityType: "schema", EntityID: "e1", CommitHash: "h1", State: []byte(`{"x":1}`)}
	require.NoError(t, s.PutSnapshot(ctx, snap))

	got, err := s.GetSnapshot(ctx, "schema", "e1", "h1")
	require.NoError(t, err)
	require.Equal(t, snap, got)

	latest, ok, err := s.LatestSnapshot(ctx, "schema", "e1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap, latest)

	_, ok, err = s.LatestSnapshot(ctx, "schema", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
