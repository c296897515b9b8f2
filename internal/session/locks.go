package session

import "sync"

// roomLocks hands out one mutex per room and forgets it once unused.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// lock acquires the mutex of roomID and returns its release function.
func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
