// Package autosave periodically snapshots the documents of occupied rooms.
package autosave

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/manpreetbhatti/codestream/internal/room"
)

// Rooms reports which rooms currently have participants.
type Rooms interface {
	ActiveRooms() []string
	Users(roomID string) []room.Session
}

// Snapshotter persists the in-memory document of a room.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, roomID string) (bool, error)
}

// PresenceStore records the last known participants of a room.
type PresenceStore interface {
	SaveActiveUsers(ctx context.Context, roomID string, users []room.Session) error
}

type Config struct {
	Interval    time.Duration
	RoomTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		RoomTimeout: 5 * time.Second,
	}
}

type Service struct {
	rooms    Rooms
	docs     Snapshotter
	presence []PresenceStore
	config   Config

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// rooms saved in the previous cycle
	mu   sync.Mutex
	seen map[string]bool
}

func New(rooms Rooms, docs Snapshotter, config Config, presence ...PresenceStore) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		rooms:    rooms,
		docs:     docs,
		presence: presence,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		seen:     make(map[string]bool),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("💾 Auto-save started (interval: %v)", s.config.Interval)
}

// Stop cancels the loop and any in-flight save, then waits for it to exit
// or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.once.Do(func() {
		close(s.stop)
		s.cancel()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("💾 Auto-save stopped")
		return nil
	case <-ctx.Done():
		log.Println("WARN: auto-save did not stop within the grace period")
		return ctx.Err()
	}
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SaveAll(s.ctx)
		}
	}
}

// SaveAll snapshots every occupied room and returns how many were written.
func (s *Service) SaveAll(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.rooms.ActiveRooms()
	current := make(map[string]bool, len(active))

	saved := 0
	for _, roomID := range active {
		if ctx.Err() != nil {
			return saved
		}
		current[roomID] = true
		if s.saveRoom(ctx, roomID, s.rooms.Users(roomID)) {
			saved++
		}
	}

	// rooms emptied since the last cycle keep their text but lose presence
	for roomID := range s.seen {
		if !current[roomID] {
			s.savePresence(ctx, roomID, nil)
		}
	}
	s.seen = current

	if saved > 0 {
		log.Printf("💾 Auto-saved %d rooms", saved)
	}
	return saved
}

func (s *Service) saveRoom(ctx context.Context, roomID string, users []room.Session) bool {
	ctx, cancel := context.WithTimeout(ctx, s.config.RoomTimeout)
	defer cancel()

	ok, err := s.docs.SaveSnapshot(ctx, roomID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("Auto-save: failed for room %s: %v", roomID, err)
		}
		return false
	}
	s.savePresence(ctx, roomID, users)
	return ok
}

func (s *Service) savePresence(ctx context.Context, roomID string, users []room.Session) {
	for _, p := range s.presence {
		if err := p.SaveActiveUsers(ctx, roomID, users); err != nil {
			log.Printf("Auto-save: failed to record users of room %s: %v", roomID, err)
		}
	}
}
