// Package store defines durable room storage and its implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manpreetbhatti/codestream/internal/room"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomExists     = errors.New("room already exists")
	ErrUnknownDriver  = errors.New("unknown store driver")
	ErrRoomIDRequired = errors.New("room id is required")
)

// Store persists rooms and their checkpoints. Lookups return (nil, nil)
// when the record does not exist.
type Store interface {
	// Room operations
	CreateRoom(ctx context.Context, r *room.Room) error
	GetRoom(ctx context.Context, roomID string) (*room.Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]room.Room, error)
	CountRooms(ctx context.Context) (int, error)
	DeleteRoom(ctx context.Context, roomID string) (bool, error)

	// UpdateCode stores code and bumps the version by one, but only if the
	// stored version still equals expectedVersion.
	UpdateCode(ctx context.Context, roomID, code string, expectedVersion int) (bool, error)

	// SnapshotCode stores code without touching the version, but only if the
	// stored version equals version.
	SnapshotCode(ctx context.Context, roomID, code string, version int) (bool, error)

	// SaveActiveUsers records the last known presence list of a room.
	SaveActiveUsers(ctx context.Context, roomID string, users []room.Session) error

	// Checkpoint operations
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	LatestCheckpoint(ctx context.Context, roomID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, roomID string, limit, offset int) ([]Checkpoint, error)
	CountCheckpoints(ctx context.Context, roomID string) (int, error)
	DeleteCheckpoint(ctx context.Context, id string) (bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Checkpoint is a named copy of a room's document.
type Checkpoint struct {
	ID          string    `json:"id" bson:"checkpoint_id"`
	RoomID      string    `json:"room_id" bson:"room_id"`
	Name        string    `json:"name" bson:"name"`
	Description string    `json:"description" bson:"description"`
	Content     string    `json:"content,omitempty" bson:"content"`
	ContentHash string    `json:"content_hash" bson:"content_hash"`
	Version     int       `json:"version" bson:"version"`
	CreatedBy   string    `json:"created_by" bson:"created_by"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// Options selects and configures a Store implementation.
type Options struct {
	Driver      string
	DBPath      string
	MongoURL    string
	MongoDBName string
}

// Open returns the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLiteStore(opts.DBPath)
	case "mongo":
		return NewMongoStore(ctx, opts.MongoURL, opts.MongoDBName)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}

func newRoomDefaults(r *room.Room) error {
	if r.ID == "" {
		return ErrRoomIDRequired
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	if r.Version <= 0 {
		r.Version = room.DefaultVersion
	}
	if r.Language == "" {
		r.Language = room.DefaultLanguage
	}
	if r.ActiveUsers == nil {
		r.ActiveUsers = []room.Session{}
	}
	return nil
}
