package docsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codestream/internal/patch"
	"github.com/manpreetbhatti/codestream/internal/room"
)

type memStore struct {
	mu        sync.Mutex
	rooms     map[string]room.Room
	gets      int
	updateErr error
	getErr    error
	// runs once, before the next GetRoom reads
	onGet func()
}

func newMemStore(rooms ...room.Room) *memStore {
	s := &memStore{rooms: map[string]room.Room{}}
	for _, r := range rooms {
		s.rooms[r.ID] = r
	}
	return s
}

func (s *memStore) GetRoom(_ context.Context, roomID string) (*room.Room, error) {
	s.mu.Lock()
	hook := s.onGet
	s.onGet = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memStore) UpdateCode(_ context.Context, roomID, code string, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return false, s.updateErr
	}
	r, ok := s.rooms[roomID]
	if !ok || r.Version != expectedVersion {
		return false, nil
	}
	r.Code = code
	r.Version = expectedVersion + 1
	s.rooms[roomID] = r
	return true, nil
}

func (s *memStore) SnapshotCode(_ context.Context, roomID, code string, version int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || r.Version != version {
		return false, nil
	}
	r.Code = code
	s.rooms[roomID] = r
	return true, nil
}

func (s *memStore) get(roomID string) room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

func (s *memStore) set(r room.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
}

func newTestService(t *testing.T, store Store, opts ...Option) *Service {
	t.Helper()
	svc := New(store, patch.New(), opts...)
	svc.Start()
	t.Cleanup(svc.Close)
	return svc
}

func TestDocumentLoadsOnce(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Name: "Demo", Language: room.LanguageCPP, Code: "int x;", Version: 4})
	svc := newTestService(t, store)
	ctx := context.Background()

	doc, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, Document{Code: "int x;", Version: 4, Language: room.LanguageCPP, Name: "Demo"}, doc)

	_, err = svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets)
}

func TestDocumentDefaultsForMissingRoom(t *testing.T) {
	svc := newTestService(t, newMemStore())

	doc, err := svc.Document(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Equal(t, "", doc.Code)
	assert.Equal(t, room.DefaultVersion, doc.Version)
	assert.Equal(t, room.DefaultLanguage, doc.Language)
}

func TestDocumentStoreError(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("database is locked")
	svc := newTestService(t, store)

	_, err := svc.Document(context.Background(), "r1")
	assert.ErrorIs(t, err, store.getErr)

	_, err = svc.ApplyUserPatch(context.Background(), "r1", "x", 1, "u1")
	assert.ErrorIs(t, err, store.getErr)
}

func TestVersionMonotonicity(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "", Version: 1})
	svc := newTestService(t, store)
	codec := patch.New()
	ctx := context.Background()

	text := ""
	for i := 0; i < 5; i++ {
		next := text + fmt.Sprintf("line %d\n", i)
		res, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff(text, next), i+1, "u1")
		require.NoError(t, err)
		require.True(t, res.Accepted)
		assert.Equal(t, i+2, res.Version)
		assert.Equal(t, next, res.Code)
		text = next
	}

	res, err := svc.ApplyUserPatch(ctx, "r1", "not a patch", 6, "u1")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, 6, res.Version)
	assert.Equal(t, text, res.Code)

	doc, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 6, doc.Version)
}

func TestStaleBaseIsRebased(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "a", Version: 1})
	svc := newTestService(t, store)
	codec := patch.New()
	ctx := context.Background()

	res, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff("a", "ab"), 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: true, Version: 2, Code: "ab"}, res)

	// bob still thinks the text is "a"
	res, err = svc.ApplyUserPatch(ctx, "r1", codec.Diff("a", "ac"), 1, "bob")
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: true, Version: 3, Code: "abc"}, res)
}

func TestPersistsInVersionOrder(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "", Version: 1})
	svc := New(store, patch.New())
	svc.Start()
	codec := patch.New()
	ctx := context.Background()

	text := ""
	for i := 0; i < 20; i++ {
		next := text + "x"
		res, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff(text, next), i+1, "u1")
		require.NoError(t, err)
		require.True(t, res.Accepted)
		text = next
	}
	svc.Close()

	stored := store.get("r1")
	assert.Equal(t, text, stored.Code)
	assert.Equal(t, 21, stored.Version)
}

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "a", Version: 1})
	store.updateErr = errors.New("disk full")
	svc := newTestService(t, store)
	ctx := context.Background()

	res, err := svc.ApplyUserPatch(ctx, "r1", patch.New().Diff("a", "ab"), 1, "u1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	doc, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ab", doc.Code)
	assert.Equal(t, 2, doc.Version)
}

func TestFullSyncReloadsFromStore(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Name: "Demo", Code: "old", Version: 1})
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Document(ctx, "r1")
	require.NoError(t, err)

	store.set(room.Room{ID: "r1", Name: "Renamed", Language: room.LanguagePython, Code: "new", Version: 3})

	doc, err := svc.FullSync(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, Document{Code: "new", Version: 3, Language: room.LanguagePython, Name: "Renamed"}, doc)

	cached, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, doc, cached)
}

func TestFullSyncKeepsNewerCache(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "a", Version: 1})
	// never started, so nothing reaches the store
	svc := New(store, patch.New())
	defer svc.Close()
	ctx := context.Background()

	_, err := svc.ApplyUserPatch(ctx, "r1", patch.New().Diff("a", "ab"), 1, "u1")
	require.NoError(t, err)

	doc, err := svc.FullSync(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ab", doc.Code)
	assert.Equal(t, 2, doc.Version)
}

func TestSaveSnapshot(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "a", Version: 1})
	store.updateErr = errors.New("write failed")
	svc := newTestService(t, store)
	ctx := context.Background()

	ok, err := svc.SaveSnapshot(ctx, "not-cached")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.ApplyUserPatch(ctx, "r1", patch.New().Diff("a", "abc"), 1, "u1")
	require.NoError(t, err)

	ok, err = svc.SaveSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	// text is saved, stored version untouched
	stored := store.get("r1")
	assert.Equal(t, "abc", stored.Code)
	assert.Equal(t, 1, stored.Version)
}

func TestSaveSnapshotSkipsWhenStoreCaughtUp(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "a", Version: 1})
	svc := newTestService(t, store)
	ctx := context.Background()
	codec := patch.New()

	_, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff("a", "ab"), 1, "u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.get("r1").Version == 2 }, time.Second, 5*time.Millisecond)

	// an edit lands and is persisted after the snapshot copied the cache
	store.mu.Lock()
	store.onGet = func() {
		res, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff("ab", "abc"), 2, "u2")
		require.NoError(t, err)
		require.True(t, res.Accepted)
		require.Eventually(t, func() bool { return store.get("r1").Version == 3 }, time.Second, 5*time.Millisecond)
	}
	store.mu.Unlock()

	ok, err := svc.SaveSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	stored := store.get("r1")
	assert.Equal(t, "abc", stored.Code)
	assert.Equal(t, 3, stored.Version)

	doc, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, Document{Code: "abc", Version: 3}, Document{Code: doc.Code, Version: doc.Version})
}

func TestSaveSnapshotMissingRoom(t *testing.T) {
	svc := newTestService(t, newMemStore())
	ctx := context.Background()

	_, err := svc.Document(ctx, "ghost")
	require.NoError(t, err)

	ok, err := svc.SaveSnapshot(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "one", Version: 1})
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.CachedRooms())

	store.set(room.Room{ID: "r1", Code: "two", Version: 1})
	svc.Invalidate("r1")
	assert.Zero(t, svc.CachedRooms())

	doc, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "two", doc.Code)
	assert.Equal(t, 2, store.gets)
}

func TestConcurrentPatchesGetDistinctVersions(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "", Version: 1})
	svc := newTestService(t, store)
	codec := patch.New()
	ctx := context.Background()

	var mu sync.Mutex
	var versions []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff("", fmt.Sprintf("edit %d\n", i)), 1, fmt.Sprintf("u%d", i))
			if err != nil || !res.Accepted {
				return
			}
			mu.Lock()
			versions = append(versions, res.Version)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	sort.Ints(versions)
	for i, v := range versions {
		assert.Equal(t, i+2, v)
	}

	doc, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, len(versions)+1, doc.Version)
}

func TestFullQueueDropsWrites(t *testing.T) {
	store := newMemStore(room.Room{ID: "r1", Code: "", Version: 1})
	svc := New(store, patch.New(), WithQueueSize(1))
	codec := patch.New()
	ctx := context.Background()

	for i, next := range []string{"a", "ab", "abc"} {
		prev := ""
		if i > 0 {
			prev = next[:i]
		}
		res, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff(prev, next), i+1, "u1")
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	// only the first write was queued
	svc.Start()
	svc.Close()
	stored := store.get("r1")
	assert.Equal(t, "a", stored.Code)
	assert.Equal(t, 2, stored.Version)

	doc, err := svc.Document(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Code)
	assert.Equal(t, 4, doc.Version)
}

func TestSaveAllReconcilesDroppedWrites(t *testing.T) {
	store := newMemStore(
		room.Room{ID: "r1", Code: "", Version: 1},
		room.Room{ID: "r2", Code: "same", Version: 1},
	)
	svc := New(store, patch.New(), WithQueueSize(1))
	codec := patch.New()
	ctx := context.Background()

	_, err := svc.Document(ctx, "r2")
	require.NoError(t, err)
	for i, next := range []string{"a", "ab"} {
		res, err := svc.ApplyUserPatch(ctx, "r1", codec.Diff(next[:i], next), i+1, "u1")
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	svc.Start()
	svc.Close()
	require.Equal(t, "a", store.get("r1").Code)

	assert.Equal(t, 2, svc.SaveAll(ctx))
	assert.Equal(t, "ab", store.get("r1").Code)
	assert.Equal(t, 2, store.get("r1").Version)
}
