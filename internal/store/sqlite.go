package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/codestream/internal/room"
)

// SQLiteStore is the default Store, backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; compare-and-set updates never see SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("Database initialized at %s", dbPath)
	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'python',
		code TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		active_users TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_room_id ON checkpoints(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Room operations

const roomColumns = "id, name, language, code, version, active_users, created_at, updated_at"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row scanner) (*room.Room, error) {
	var r room.Room
	var users string
	if err := row.Scan(&r.ID, &r.Name, &r.Language, &r.Code, &r.Version, &users, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ActiveUsers = []room.Session{}
	if users != "" {
		if err := json.Unmarshal([]byte(users), &r.ActiveUsers); err != nil {
			return nil, fmt.Errorf("decode active users of %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, r *room.Room) error {
	if err := newRoomDefaults(r); err != nil {
		return err
	}
	users, err := json.Marshal(r.ActiveUsers)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Name, string(r.Language), r.Code, r.Version, string(users), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert room %s: %w", r.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoomExists
	}
	return nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*room.Room, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = ?", roomID)

	r, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListRooms(ctx context.Context, limit, offset int) ([]room.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []room.Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *r)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) CountRooms(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&count)
	return count, err
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE room_id = ?", roomID); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s *SQLiteStore) UpdateCode(ctx context.Context, roomID, code string, expectedVersion int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET code = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?",
		code, expectedVersion+1, time.Now().UTC(), roomID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update code of %s: %w", roomID, err)
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) SnapshotCode(ctx context.Context, roomID, code string, version int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET code = ?, updated_at = ? WHERE id = ? AND version = ?",
		code, time.Now().UTC(), roomID, version,
	)
	if err != nil {
		return false, fmt.Errorf("snapshot code of %s: %w", roomID, err)
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) SaveActiveUsers(ctx context.Context, roomID string, users []room.Session) error {
	if users == nil {
		users = []room.Session{}
	}
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE rooms SET active_users = ? WHERE id = ?", string(data), roomID)
	return err
}

// Checkpoint operations

const checkpointColumns = "id, room_id, name, description, content, content_hash, version, created_by, created_at"

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	err := row.Scan(&cp.ID, &cp.RoomID, &cp.Name, &cp.Description, &cp.Content, &cp.ContentHash, &cp.Version, &cp.CreatedBy, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RoomID, cp.Name, cp.Description, cp.Content, cp.ContentHash, cp.Version, cp.CreatedBy, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", id)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent checkpoint for a room
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, roomID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints
		WHERE room_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, roomID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns the checkpoints of a room, newest first
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, roomID string, limit, offset int) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints
		WHERE room_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checkpoints := []Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, *cp)
	}
	return checkpoints, rows.Err()
}

func (s *SQLiteStore) CountCheckpoints(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}
