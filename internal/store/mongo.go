package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/manpreetbhatti/codestream/internal/room"
)

const (
	roomsCollection       = "rooms"
	checkpointsCollection = "checkpoints"
)

// MongoStore keeps rooms and checkpoints in a MongoDB database.
type MongoStore struct {
	client      *mongo.Client
	rooms       *mongo.Collection
	checkpoints *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo url is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client:      client,
		rooms:       db.Collection(roomsCollection),
		checkpoints: db.Collection(checkpointsCollection),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	log.Printf("MongoDB connected, database %s", dbName)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.rooms.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create room indexes: %w", err)
	}
	_, err = s.checkpoints.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "checkpoint_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create checkpoint indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Room operations

func (s *MongoStore) CreateRoom(ctx context.Context, r *room.Room) error {
	if err := newRoomDefaults(r); err != nil {
		return err
	}
	if _, err := s.rooms.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrRoomExists
		}
		return fmt.Errorf("insert room %s: %w", r.ID, err)
	}
	return nil
}

func (s *MongoStore) GetRoom(ctx context.Context, roomID string) (*room.Room, error) {
	var r room.Room
	err := s.rooms.FindOne(ctx, bson.M{"room_id": roomID}).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.ActiveUsers == nil {
		r.ActiveUsers = []room.Session{}
	}
	return &r, nil
}

func (s *MongoStore) ListRooms(ctx context.Context, limit, offset int) ([]room.Room, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "room_id", Value: 1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := s.rooms.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	rooms := []room.Room{}
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, err
	}
	for i := range rooms {
		if rooms[i].ActiveUsers == nil {
			rooms[i].ActiveUsers = []room.Session{}
		}
	}
	return rooms, nil
}

func (s *MongoStore) CountRooms(ctx context.Context) (int, error) {
	n, err := s.rooms.CountDocuments(ctx, bson.M{})
	return int(n), err
}

func (s *MongoStore) DeleteRoom(ctx context.Context, roomID string) (bool, error) {
	result, err := s.rooms.DeleteOne(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return false, err
	}
	if _, err := s.checkpoints.DeleteMany(ctx, bson.M{"room_id": roomID}); err != nil {
		return false, err
	}
	return result.DeletedCount > 0, nil
}

func (s *MongoStore) UpdateCode(ctx context.Context, roomID, code string, expectedVersion int) (bool, error) {
	result, err := s.rooms.UpdateOne(ctx,
		bson.M{"room_id": roomID, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"code":       code,
			"version":    expectedVersion + 1,
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("update code of %s: %w", roomID, err)
	}
	return result.MatchedCount == 1, nil
}

func (s *MongoStore) SnapshotCode(ctx context.Context, roomID, code string, version int) (bool, error) {
	result, err := s.rooms.UpdateOne(ctx,
		bson.M{"room_id": roomID, "version": version},
		bson.M{"$set": bson.M{"code": code, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("snapshot code of %s: %w", roomID, err)
	}
	return result.MatchedCount == 1, nil
}

func (s *MongoStore) SaveActiveUsers(ctx context.Context, roomID string, users []room.Session) error {
	if users == nil {
		users = []room.Session{}
	}
	_, err := s.rooms.UpdateOne(ctx,
		bson.M{"room_id": roomID},
		bson.M{"$set": bson.M{"active_users": users}},
	)
	return err
}

// Checkpoint operations

func (s *MongoStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if _, err := s.checkpoints.InsertOne(ctx, cp); err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *MongoStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return s.findCheckpoint(ctx, bson.M{"checkpoint_id": id}, nil)
}

func (s *MongoStore) LatestCheckpoint(ctx context.Context, roomID string) (*Checkpoint, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return s.findCheckpoint(ctx, bson.M{"room_id": roomID}, opts)
}

func (s *MongoStore) findCheckpoint(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*Checkpoint, error) {
	var cp Checkpoint
	var err error
	if opts != nil {
		err = s.checkpoints.FindOne(ctx, filter, opts).Decode(&cp)
	} else {
		err = s.checkpoints.FindOne(ctx, filter).Decode(&cp)
	}
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *MongoStore) ListCheckpoints(ctx context.Context, roomID string, limit, offset int) ([]Checkpoint, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := s.checkpoints.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	checkpoints := []Checkpoint{}
	if err := cursor.All(ctx, &checkpoints); err != nil {
		return nil, err
	}
	return checkpoints, nil
}

func (s *MongoStore) CountCheckpoints(ctx context.Context, roomID string) (int, error) {
	n, err := s.checkpoints.CountDocuments(ctx, bson.M{"room_id": roomID})
	return int(n), err
}

func (s *MongoStore) DeleteCheckpoint(ctx context.Context, id string) (bool, error) {
	result, err := s.checkpoints.DeleteOne(ctx, bson.M{"checkpoint_id": id})
	if err != nil {
		return false, err
	}
	return result.DeletedCount > 0, nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MongoStore)(nil)
)
