// Package presence mirrors room participant lists into Redis so other
// processes can report who is connected.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/manpreetbhatti/codestream/internal/room"
)

const (
	keyPrefix      = "codestream:presence:"
	defaultTTL     = time.Minute
	defaultTimeout = 2 * time.Second
)

// Directory stores one JSON presence list per room with a TTL. A nil
// *Directory is valid and does nothing.
type Directory struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (*Directory, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Printf("📡 Presence directory connected to %s", opts.Addr)
	return NewDirectory(client), nil
}

func NewDirectory(client *redis.Client) *Directory {
	return &Directory{client: client, ttl: defaultTTL, timeout: defaultTimeout}
}

func key(roomID string) string {
	return keyPrefix + roomID
}

// SaveActiveUsers writes the users of roomID, or deletes the key when the
// room is empty.
func (d *Directory) SaveActiveUsers(ctx context.Context, roomID string, users []room.Session) error {
	if d == nil {
		return nil
	}
	if len(users) == 0 {
		return d.client.Del(ctx, key(roomID)).Err()
	}
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, key(roomID), data, d.ttl).Err()
}

// PresenceChanged mirrors a registry presence update.
func (d *Directory) PresenceChanged(roomID string, users []room.Session) {
	if d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.SaveActiveUsers(ctx, roomID, users); err != nil {
		log.Printf("WARN: presence update for room %s failed: %v", roomID, err)
	}
}

// RoomClosed removes the presence entry of an emptied room.
func (d *Directory) RoomClosed(roomID string) {
	d.PresenceChanged(roomID, nil)
}

// Users returns the mirrored presence list of roomID. Unknown rooms have none.
func (d *Directory) Users(ctx context.Context, roomID string) ([]room.Session, error) {
	if d == nil {
		return []room.Session{}, nil
	}
	data, err := d.client.Get(ctx, key(roomID)).Bytes()
	if err == redis.Nil {
		return []room.Session{}, nil
	}
	if err != nil {
		return nil, err
	}
	var users []room.Session
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decode presence of %s: %w", roomID, err)
	}
	return users, nil
}

// Count returns how many users are mirrored for roomID.
func (d *Directory) Count(ctx context.Context, roomID string) (int, error) {
	users, err := d.Users(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

func (d *Directory) Close() error {
	if d == nil {
		return nil
	}
	return d.client.Close()
}
