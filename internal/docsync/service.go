// Package docsync owns the authoritative text of every room and reconciles
// incoming patches against the room's version.
//
// A patch is always attempted against the current text, even when the
// submitter's base version is stale; the codec's fuzzy matching decides
// whether it still applies. Accepted patches bump the version by exactly one
// and are persisted asynchronously with a compare-and-set on the previous
// version.
package docsync

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/manpreetbhatti/codestream/internal/patch"
	"github.com/manpreetbhatti/codestream/internal/room"
)

// Store is the slice of the room store the service needs.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*room.Room, error)
	UpdateCode(ctx context.Context, roomID, code string, expectedVersion int) (bool, error)
	SnapshotCode(ctx context.Context, roomID, code string, version int) (bool, error)
}

// Document is the authoritative state of a room.
type Document struct {
	Code     string        `json:"code"`
	Version  int           `json:"version"`
	Language room.Language `json:"language"`
	Name     string        `json:"name"`
}

// Result is the outcome of ApplyUserPatch.
type Result struct {
	Accepted bool
	Version  int
	Code     string
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	doc    Document
}

type Service struct {
	store     Store
	codec     patch.Codec
	persister *persister

	mu    sync.Mutex
	cache map[string]*entry
}

type Option func(*Service)

// WithQueueSize bounds the number of pending persistence writes.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		s.persister.jobs = make(chan persistJob, n)
	}
}

func New(store Store, codec patch.Codec, opts ...Option) *Service {
	s := &Service{
		store:     store,
		codec:     codec,
		persister: newPersister(store, defaultQueueSize),
		cache:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the persistence worker.
func (s *Service) Start() {
	s.persister.start()
}

// Close stops accepting writes and waits for queued ones to finish.
func (s *Service) Close() {
	s.persister.close()
}

func (s *Service) entry(roomID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[roomID]
	if !ok {
		e = &entry{}
		s.cache[roomID] = e
	}
	return e
}

func (s *Service) cached(roomID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[roomID]
	return e, ok
}

// load fills e from the store. Callers hold e.mu.
func (s *Service) load(ctx context.Context, roomID string, e *entry) error {
	r, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("load room %s: %w", roomID, err)
	}
	doc := Document{Version: room.DefaultVersion, Language: room.DefaultLanguage}
	if r != nil {
		doc = Document{Code: r.Code, Version: r.Version, Language: r.Language, Name: r.Name}
	}

	// the cache may be ahead of a store that has not caught up yet
	if e.loaded && e.doc.Version > doc.Version {
		log.Printf("WARN: store for room %s is at version %d behind cache %d, keeping cache", roomID, doc.Version, e.doc.Version)
		e.doc.Name = doc.Name
		e.doc.Language = doc.Language
		return nil
	}

	e.doc = doc
	e.loaded = true
	return nil
}

// Document returns the cached document of roomID, loading it on first use.
// Rooms without a stored document start empty at version 1.
func (s *Service) Document(ctx context.Context, roomID string) (Document, error) {
	e := s.entry(roomID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		if err := s.load(ctx, roomID, e); err != nil {
			return Document{}, err
		}
	}
	return e.doc, nil
}

// ApplyUserPatch applies diff to the current text of roomID. A base version
// that differs from the current one is only logged. On failure the document
// is unchanged and the current state is returned.
func (s *Service) ApplyUserPatch(ctx context.Context, roomID, diff string, baseVersion int, userID string) (Result, error) {
	e := s.entry(roomID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		if err := s.load(ctx, roomID, e); err != nil {
			return Result{}, err
		}
	}

	current := e.doc
	if baseVersion != current.Version {
		log.Printf("⚠️  Version conflict in room %s: user %s at %d, server at %d. Attempting rebase",
			roomID, userID, baseVersion, current.Version)
	}

	text, ok := s.codec.Apply(current.Code, diff)
	if !ok {
		log.Printf("WARN: patch from %s rejected in room %s at version %d", userID, roomID, current.Version)
		return Result{Accepted: false, Version: current.Version, Code: current.Code}, nil
	}

	e.doc.Code = text
	e.doc.Version = current.Version + 1

	s.persister.enqueue(persistJob{roomID: roomID, code: text, expectedVersion: current.Version})

	return Result{Accepted: true, Version: e.doc.Version, Code: text}, nil
}

// FullSync reloads roomID from the store into the cache and returns it. A
// cache that is ahead of the store is kept.
func (s *Service) FullSync(ctx context.Context, roomID string) (Document, error) {
	e := s.entry(roomID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, roomID, e); err != nil {
		return Document{}, err
	}
	return e.doc, nil
}

// SaveSnapshot writes the cached text of roomID at the version currently in
// the store, without bumping it. Rooms that are not cached succeed as no-ops,
// and so do rooms whose stored version already caught up with the copy taken.
func (s *Service) SaveSnapshot(ctx context.Context, roomID string) (bool, error) {
	e, ok := s.cached(roomID)
	if !ok {
		return true, nil
	}

	e.mu.Lock()
	loaded := e.loaded
	code := e.doc.Code
	version := e.doc.Version
	e.mu.Unlock()
	if !loaded {
		return true, nil
	}

	r, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("snapshot room %s: %w", roomID, err)
	}
	if r == nil {
		return false, nil
	}
	// the persister already wrote this state or a newer one
	if r.Code == code || r.Version >= version {
		return true, nil
	}

	saved, err := s.store.SnapshotCode(ctx, roomID, code, r.Version)
	if err != nil {
		return false, fmt.Errorf("snapshot room %s: %w", roomID, err)
	}
	return saved, nil
}

// SaveAll snapshots every cached room and returns how many were written.
func (s *Service) SaveAll(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	saved := 0
	for _, id := range ids {
		ok, err := s.SaveSnapshot(ctx, id)
		if err != nil {
			log.Printf("WARN: final snapshot of room %s failed: %v", id, err)
			continue
		}
		if ok {
			saved++
		}
	}
	return saved
}

// Invalidate drops the cached document of roomID.
func (s *Service) Invalidate(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, roomID)
}

// CachedRooms returns the number of rooms held in memory.
func (s *Service) CachedRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}
