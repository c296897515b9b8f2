package presence

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codestream/internal/room"
)

func TestNilDirectory(t *testing.T) {
	var d *Directory
	ctx := context.Background()

	d.PresenceChanged("r1", []room.Session{room.NewSession("u1", "alice")})
	d.RoomClosed("r1")
	require.NoError(t, d.SaveActiveUsers(ctx, "r1", nil))

	users, err := d.Users(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, users)

	n, err := d.Count(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, d.Close())
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

// Runs against a live server only when REDIS_TEST_URL is set.
func TestDirectory(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	ctx := context.Background()
	d, err := Connect(ctx, url)
	require.NoError(t, err)
	defer d.Close()

	roomID := "test-" + uuid.NewString()[:8]
	d.PresenceChanged(roomID, []room.Session{room.NewSession("u1", "alice"), room.NewSession("u2", "bob")})

	users, err := d.Users(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)

	ttl, err := d.client.TTL(ctx, key(roomID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), 0.0)

	d.RoomClosed(roomID)
	n, err := d.Count(ctx, roomID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
