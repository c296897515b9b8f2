// Package registry tracks live connections per room, their presence, and
// fans room events out to them.
package registry

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/manpreetbhatti/codestream/internal/protocol"
	"github.com/manpreetbhatti/codestream/internal/room"
)

// ErrConnectionClosed is returned by Conn.Send once the connection is gone.
var ErrConnectionClosed = errors.New("connection closed")

// Conn is one live client connection. Send must not block: a connection
// that cannot take the frame right away returns an error and is dropped.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close()
}

// Observer is notified after presence in a room changes. Calls happen
// outside the registry lock.
type Observer interface {
	PresenceChanged(roomID string, users []room.Session)
	RoomClosed(roomID string)
}

type member struct {
	conn    Conn
	roomID  string
	session room.Session
}

// runtime state of one occupied room
type roomState struct {
	members map[Conn]*member
	version int
}

func (rs *roomState) users() []room.Session {
	users := make([]room.Session, 0, len(rs.members))
	for _, m := range rs.members {
		users = append(users, m.session)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].ConnectedAt.Before(users[j].ConnectedAt)
	})
	return users
}

func (rs *roomState) snapshot() []*member {
	targets := make([]*member, 0, len(rs.members))
	for _, m := range rs.members {
		targets = append(targets, m)
	}
	return targets
}

func (rs *roomState) findUser(userID string) *member {
	for _, m := range rs.members {
		if m.session.UserID == userID {
			return m
		}
	}
	return nil
}

// Registry is the single owner of room presence. All state lives behind mu;
// sends happen on snapshots taken under the lock.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*roomState
	conns    map[Conn]*member
	users    map[string]Conn
	observer Observer
}

type Option func(*Registry)

// WithObserver registers o for presence notifications.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*roomState),
		conns: make(map[Conn]*member),
		users: make(map[string]Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect admits c into roomID as userID. version seeds the version mirror
// when the room opens. A live connection of the same user in that room is
// evicted first and observers see it leave.
func (r *Registry) Connect(c Conn, roomID, userID, username string, version int) room.Session {
	session := room.NewSession(userID, username)

	r.mu.Lock()
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomState{members: make(map[Conn]*member), version: version}
		r.rooms[roomID] = rs
		log.Printf("🏠 Room %s opened", roomID)
	}

	var evicted *member
	var evictTargets []*member
	var evictUsers []room.Session
	if prev := rs.findUser(userID); prev != nil && prev.conn != c {
		evicted = prev
		r.removeLocked(prev)
		evictTargets = rs.snapshot()
		evictUsers = rs.users()
	}

	m := &member{conn: c, roomID: roomID, session: session}
	rs.members[c] = m
	r.conns[c] = m
	r.users[userID] = c

	targets := rs.snapshot()
	users := rs.users()
	version = rs.version
	total := len(rs.members)
	r.mu.Unlock()

	if evicted != nil {
		log.Printf("🔁 User %s reconnected to room %s, evicting connection %s", userID, roomID, evicted.conn.ID())
		evicted.conn.Close()
		r.fanout(evictTargets, protocol.UserLeft(userID), nil)
		r.fanout(evictTargets, protocol.UsersUpdate(evictUsers), nil)
	}

	log.Printf("👤 %s (%s) joined room %s (total: %d)", username, userID, roomID, total)

	r.fanout(targets, protocol.UserJoined(session), excludeConn(c))
	r.Send(c, protocol.RoomState(roomID, users, version))
	r.fanout(targets, protocol.UsersUpdate(users), nil)
	r.notify(roomID, users, false)

	return session
}

// Disconnect removes c. Unknown connections are ignored.
func (r *Registry) Disconnect(c Conn) {
	r.mu.Lock()
	m, ok := r.conns[c]
	if !ok {
		r.mu.Unlock()
		return
	}
	rs := r.removeLocked(m)

	closed := len(rs.members) == 0
	var targets []*member
	var users []room.Session
	if closed {
		delete(r.rooms, m.roomID)
	} else {
		targets = rs.snapshot()
		users = rs.users()
	}
	remaining := len(rs.members)
	r.mu.Unlock()

	if closed {
		log.Printf("🚪 Room %s closed (empty)", m.roomID)
		r.notify(m.roomID, nil, true)
		return
	}

	log.Printf("👋 %s left room %s (remaining: %d)", m.session.UserID, m.roomID, remaining)
	r.fanout(targets, protocol.UserLeft(m.session.UserID), nil)
	r.fanout(targets, protocol.UsersUpdate(users), nil)
	r.notify(m.roomID, users, false)
}

// removeLocked drops m from every index. The room itself is left in place.
func (r *Registry) removeLocked(m *member) *roomState {
	rs := r.rooms[m.roomID]
	delete(rs.members, m.conn)
	delete(r.conns, m.conn)
	if r.users[m.session.UserID] == m.conn {
		delete(r.users, m.session.UserID)
	}
	return rs
}

// Broadcast sends ev to every connection in roomID except the one belonging
// to excludeUserID, when non-empty.
func (r *Registry) Broadcast(roomID string, ev protocol.Event, excludeUserID string) {
	r.mu.Lock()
	rs, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := rs.snapshot()
	r.mu.Unlock()

	var skip func(*member) bool
	if excludeUserID != "" {
		skip = func(m *member) bool { return m.session.UserID == excludeUserID }
	}
	r.fanout(targets, ev, skip)
}

// BroadcastFrom sends ev to every other connection in the room of c. It
// reports false when c is no longer registered; nothing is sent then.
func (r *Registry) BroadcastFrom(c Conn, ev protocol.Event) bool {
	r.mu.Lock()
	m, ok := r.conns[c]
	if !ok {
		r.mu.Unlock()
		return false
	}
	targets := r.rooms[m.roomID].snapshot()
	r.mu.Unlock()

	r.fanout(targets, ev, excludeConn(c))
	return true
}

// Member reports whether c is a registered connection. Evicted and
// disconnected connections are not.
func (r *Registry) Member(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[c]
	return ok
}

// SendToUser delivers ev to the user's live connection. It reports false when
// the user is not connected; nothing is queued.
func (r *Registry) SendToUser(userID string, ev protocol.Event) bool {
	r.mu.Lock()
	c, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Send(c, ev)
}

// Send delivers ev to a single connection. A failed send disconnects it.
func (r *Registry) Send(c Conn, ev protocol.Event) bool {
	data, err := ev.Encode()
	if err != nil {
		log.Printf("Failed to encode %s event: %v", ev.Type, err)
		return false
	}
	if err := c.Send(data); err != nil {
		r.drop(c, err)
		return false
	}
	return true
}

func excludeConn(c Conn) func(*member) bool {
	return func(m *member) bool { return m.conn == c }
}

func (r *Registry) fanout(targets []*member, ev protocol.Event, skip func(*member) bool) {
	if len(targets) == 0 {
		return
	}
	data, err := ev.Encode()
	if err != nil {
		log.Printf("Failed to encode %s event: %v", ev.Type, err)
		return
	}

	// removals wait until the whole snapshot has been served
	failed := make(map[Conn]error)
	for _, m := range targets {
		if skip != nil && skip(m) {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			failed[m.conn] = err
		}
	}

	for c, err := range failed {
		r.drop(c, err)
	}
}

func (r *Registry) drop(c Conn, err error) {
	r.mu.Lock()
	_, live := r.conns[c]
	r.mu.Unlock()
	if !live {
		return
	}
	log.Printf("WARN: dropping connection %s: %v", c.ID(), err)
	c.Close()
	r.Disconnect(c)
}

func (r *Registry) notify(roomID string, users []room.Session, closed bool) {
	if r.observer == nil {
		return
	}
	if closed {
		r.observer.RoomClosed(roomID)
		return
	}
	r.observer.PresenceChanged(roomID, users)
}

// UpdateVersion sets the live version mirror of an occupied room.
func (r *Registry) UpdateVersion(roomID string, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.rooms[roomID]; ok {
		rs.version = version
	}
}

// Version returns the version mirror and whether the room is occupied.
func (r *Registry) Version(roomID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	return rs.version, true
}

// Users returns the presence list of roomID, oldest connection first.
func (r *Registry) Users(roomID string) []room.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return []room.Session{}
	}
	return rs.users()
}

// UpdateCursor records the cursor of c and returns the updated session.
func (r *Registry) UpdateCursor(c Conn, pos room.Position, sel *room.Selection) (room.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[c]
	if !ok {
		return room.Session{}, false
	}
	m.session.CursorPosition = pos
	m.session.Selection = sel
	return m.session, true
}

// ActiveRooms lists the ids of occupied rooms.
func (r *Registry) ActiveRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns the number of occupied rooms and live connections.
func (r *Registry) Stats() (rooms, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms), len(r.conns)
}
