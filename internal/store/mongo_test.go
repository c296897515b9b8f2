package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// Runs against a live server only when MONGO_TEST_URL is set.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URL")
	if uri == "" {
		t.Skip("MONGO_TEST_URL not set")
	}

	ctx := context.Background()
	dbName := "codestream_test_" + uuid.NewString()[:8]
	s, err := NewMongoStore(ctx, uri, dbName)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		s.client.Database(dbName).Drop(context.Background())
		s.Close()
	}()

	testStore(t, s)
}

func TestMongoStoreRequiresURL(t *testing.T) {
	if _, err := NewMongoStore(context.Background(), "", "codestream"); err == nil {
		t.Error("Expected an error for an empty url")
	}
}
