package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/manpreetbhatti/codestream/internal/room"
)

func setupTestDB(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "codestream-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := NewSQLiteStore(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func TestSQLiteStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	testStore(t, db)
}

func TestSQLiteCreatesDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "dir", "rooms.db")

	db, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("Expected database file at %s: %v", dbPath, err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSQLiteConcurrentCompareAndSet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := db.CreateRoom(ctx, &room.Room{ID: "race"}); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	// every writer expects version 1; exactly one may win
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.UpdateCode(ctx, "race", "winner", 1)
			if err != nil {
				t.Errorf("UpdateCode failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winning update, got %d", wins)
	}

	r, err := db.GetRoom(ctx, "race")
	if err != nil {
		t.Fatalf("Failed to get room: %v", err)
	}
	if r.Version != 2 {
		t.Errorf("Expected version 2, got %d", r.Version)
	}
}
