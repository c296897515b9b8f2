package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codestream/internal/room"
)

// testStore runs the behaviour every Store implementation must share.
func testStore(t *testing.T, s Store) {
	t.Run("create and get", func(t *testing.T) {
		testCreateAndGet(t, s)
	})
	t.Run("compare and set", func(t *testing.T) {
		testUpdateCode(t, s)
	})
	t.Run("snapshot keeps version", func(t *testing.T) {
		testSnapshotCode(t, s)
	})
	t.Run("active users", func(t *testing.T) {
		testActiveUsers(t, s)
	})
	t.Run("list and count", func(t *testing.T) {
		testListRooms(t, s)
	})
	t.Run("checkpoints", func(t *testing.T) {
		testCheckpoints(t, s)
	})
	t.Run("delete room", func(t *testing.T) {
		testDeleteRoom(t, s)
	})
}

func newTestRoomID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	id := newTestRoomID("create")

	err := s.CreateRoom(ctx, &room.Room{ID: id, Name: "Create", Code: "print(1)\n"})
	require.NoError(t, err)

	got, err := s.GetRoom(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Create", got.Name)
	assert.Equal(t, room.LanguagePython, got.Language)
	assert.Equal(t, "print(1)\n", got.Code)
	assert.Equal(t, room.DefaultVersion, got.Version)
	assert.NotNil(t, got.ActiveUsers)
	assert.False(t, got.CreatedAt.IsZero())

	err = s.CreateRoom(ctx, &room.Room{ID: id})
	assert.ErrorIs(t, err, ErrRoomExists)

	err = s.CreateRoom(ctx, &room.Room{})
	assert.ErrorIs(t, err, ErrRoomIDRequired)

	missing, err := s.GetRoom(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testUpdateCode(t *testing.T, s Store) {
	ctx := context.Background()
	id := newTestRoomID("cas")
	require.NoError(t, s.CreateRoom(ctx, &room.Room{ID: id}))

	ok, err := s.UpdateCode(ctx, id, "v2", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// stale expectation leaves the record untouched
	ok, err = s.UpdateCode(ctx, id, "stale", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateCode(ctx, id, "v3", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v3", got.Code)
	assert.Equal(t, 3, got.Version)

	ok, err = s.UpdateCode(ctx, "does-not-exist", "x", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSnapshotCode(t *testing.T, s Store) {
	ctx := context.Background()
	id := newTestRoomID("snapshot")
	require.NoError(t, s.CreateRoom(ctx, &room.Room{ID: id, Code: "old"}))

	ok, err := s.SnapshotCode(ctx, id, "new", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SnapshotCode(ctx, id, "ignored", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Code)
	assert.Equal(t, 1, got.Version)
}

func testActiveUsers(t *testing.T, s Store) {
	ctx := context.Background()
	id := newTestRoomID("users")
	require.NoError(t, s.CreateRoom(ctx, &room.Room{ID: id}))

	users := []room.Session{room.NewSession("u1", "alice"), room.NewSession("u2", "bob")}
	require.NoError(t, s.SaveActiveUsers(ctx, id, users))

	got, err := s.GetRoom(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.ActiveUsers, 2)
	assert.Equal(t, "alice", got.ActiveUsers[0].Username)
	assert.Equal(t, "u2", got.ActiveUsers[1].UserID)

	require.NoError(t, s.SaveActiveUsers(ctx, id, nil))
	got, err = s.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveUsers)
}

func testListRooms(t *testing.T, s Store) {
	ctx := context.Background()

	before, err := s.CountRooms(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateRoom(ctx, &room.Room{ID: newTestRoomID(fmt.Sprintf("list%d", i))}))
	}

	count, err := s.CountRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+5, count)

	rooms, err := s.ListRooms(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	rooms, err = s.ListRooms(ctx, 1000, 0)
	require.NoError(t, err)
	assert.Len(t, rooms, count)
}

func testCheckpoints(t *testing.T, s Store) {
	ctx := context.Background()
	id := newTestRoomID("checkpoint")
	require.NoError(t, s.CreateRoom(ctx, &room.Room{ID: id}))

	latest, err := s.LatestCheckpoint(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, latest)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		cp := &Checkpoint{
			ID:          uuid.NewString(),
			RoomID:      id,
			Name:        fmt.Sprintf("cp%d", i),
			Content:     fmt.Sprintf("content %d", i),
			ContentHash: fmt.Sprintf("hash%d", i),
			Version:     i + 1,
			CreatedBy:   "alice",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateCheckpoint(ctx, cp))
	}

	count, err := s.CountCheckpoints(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	list, err := s.ListCheckpoints(ctx, id, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "cp2", list[0].Name)
	assert.Equal(t, "cp0", list[2].Name)

	latest, err = s.LatestCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "cp2", latest.Name)
	assert.Equal(t, "content 2", latest.Content)
	assert.Equal(t, 3, latest.Version)

	got, err := s.GetCheckpoint(ctx, list[1].ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cp1", got.Name)

	deleted, err := s.DeleteCheckpoint(ctx, got.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteCheckpoint(ctx, got.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err = s.GetCheckpoint(ctx, got.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testDeleteRoom(t *testing.T, s Store) {
	ctx := context.Background()
	id := newTestRoomID("delete")
	require.NoError(t, s.CreateRoom(ctx, &room.Room{ID: id}))
	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{ID: uuid.NewString(), RoomID: id, Name: "x", Content: "x", ContentHash: "x"}))

	deleted, err := s.DeleteRoom(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := s.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	count, err := s.CountCheckpoints(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, count)

	deleted, err = s.DeleteRoom(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "cassandra"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
