// Package session turns inbound editor messages into registry and document
// operations and routes the results back to the room.
package session

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/manpreetbhatti/codestream/internal/docsync"
	"github.com/manpreetbhatti/codestream/internal/execution"
	"github.com/manpreetbhatti/codestream/internal/patch"
	"github.com/manpreetbhatti/codestream/internal/protocol"
	"github.com/manpreetbhatti/codestream/internal/registry"
	"github.com/manpreetbhatti/codestream/internal/room"
)

// Presence is the registry surface the handler drives.
type Presence interface {
	Connect(c registry.Conn, roomID, userID, username string, version int) room.Session
	Disconnect(c registry.Conn)
	Member(c registry.Conn) bool
	Broadcast(roomID string, ev protocol.Event, excludeUserID string)
	BroadcastFrom(c registry.Conn, ev protocol.Event) bool
	Send(c registry.Conn, ev protocol.Event) bool
	UpdateVersion(roomID string, version int)
	UpdateCursor(c registry.Conn, pos room.Position, sel *room.Selection) (room.Session, bool)
}

// Documents is the document service surface the handler drives.
type Documents interface {
	Document(ctx context.Context, roomID string) (docsync.Document, error)
	ApplyUserPatch(ctx context.Context, roomID, diff string, baseVersion int, userID string) (docsync.Result, error)
	FullSync(ctx context.Context, roomID string) (docsync.Document, error)
}

// Executor runs code for "run" messages.
type Executor interface {
	Execute(ctx context.Context, code string, language room.Language, input string) execution.Result
}

// Participant is one joined connection.
type Participant struct {
	Conn     registry.Conn
	RoomID   string
	UserID   string
	Username string

	running atomic.Bool
}

type Handler struct {
	presence Presence
	docs     Documents
	codec    patch.Codec
	exec     Executor
	debug    bool

	rooms *roomLocks
	wg    sync.WaitGroup
}

type Option func(*Handler)

// WithDebug logs every inbound message.
func WithDebug(debug bool) Option {
	return func(h *Handler) {
		h.debug = debug
	}
}

func NewHandler(presence Presence, docs Documents, codec patch.Codec, exec Executor, opts ...Option) *Handler {
	h := &Handler{
		presence: presence,
		docs:     docs,
		codec:    codec,
		exec:     exec,
		rooms:    newRoomLocks(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join registers conn in roomID and sends it the full document.
func (h *Handler) Join(ctx context.Context, conn registry.Conn, roomID, userID, username string) (*Participant, error) {
	unlock := h.rooms.lock(roomID)
	defer unlock()

	doc, err := h.docs.FullSync(ctx, roomID)
	if err != nil {
		return nil, err
	}

	h.presence.Connect(conn, roomID, userID, username, doc.Version)
	h.presence.UpdateVersion(roomID, doc.Version)
	h.presence.Send(conn, protocol.Sync(syncPayload(doc)))

	return &Participant{Conn: conn, RoomID: roomID, UserID: userID, Username: username}, nil
}

// Leave removes the participant from its room.
func (h *Handler) Leave(p *Participant) {
	h.presence.Disconnect(p.Conn)
}

// HandleMessage processes one inbound frame. Malformed frames are logged and
// dropped; the connection stays open. Frames from a connection that is no
// longer registered, such as one evicted by a reconnect, are dropped too.
func (h *Handler) HandleMessage(ctx context.Context, p *Participant, data []byte) {
	if !h.presence.Member(p.Conn) {
		if h.debug {
			log.Printf("Dropping frame from stale connection %s of %s in room %s", p.Conn.ID(), p.UserID, p.RoomID)
		}
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("WARN: ignoring message from %s in room %s: %v", p.UserID, p.RoomID, err)
		return
	}

	if h.debug {
		log.Printf("Received %s from %s in room %s", msg.Type(), p.UserID, p.RoomID)
	}

	switch m := msg.(type) {
	case protocol.DiffRequest:
		h.handleDiff(ctx, p, m)
	case protocol.CursorRequest:
		h.handleCursor(p, m)
	case protocol.SyncRequest:
		h.handleSync(ctx, p)
	case protocol.RunRequest:
		h.handleRun(ctx, p, m)
	}
}

func (h *Handler) handleDiff(ctx context.Context, p *Participant, m protocol.DiffRequest) {
	if m.Diff == "" {
		return
	}

	unlock := h.rooms.lock(p.RoomID)
	defer unlock()

	// an eviction may have landed while waiting for the lock
	if !h.presence.Member(p.Conn) {
		log.Printf("WARN: dropping diff from evicted connection %s of %s in room %s", p.Conn.ID(), p.UserID, p.RoomID)
		return
	}

	res, err := h.docs.ApplyUserPatch(ctx, p.RoomID, m.Diff, m.BaseVersion, p.UserID)
	if err != nil {
		log.Printf("Failed to apply patch in room %s: %v", p.RoomID, err)
		h.presence.Send(p.Conn, protocol.Error("Failed to apply changes"))
		return
	}

	if !res.Accepted {
		h.presence.Send(p.Conn, protocol.Error("Changes could not be applied, resyncing"))
		doc, err := h.docs.Document(ctx, p.RoomID)
		if err != nil {
			log.Printf("Failed to load room %s for resync: %v", p.RoomID, err)
			return
		}
		h.presence.Send(p.Conn, protocol.Sync(syncPayload(doc)))
		return
	}

	h.presence.UpdateVersion(p.RoomID, res.Version)
	h.presence.BroadcastFrom(p.Conn, protocol.Diff(m.Diff, p.UserID, res.Version))
	h.presence.Send(p.Conn, protocol.Ack(res.Version))
}

func (h *Handler) handleCursor(p *Participant, m protocol.CursorRequest) {
	s, ok := h.presence.UpdateCursor(p.Conn, *m.Position, m.Selection)
	if !ok {
		return
	}
	h.presence.BroadcastFrom(p.Conn, protocol.Cursor(s))
}

func (h *Handler) handleSync(ctx context.Context, p *Participant) {
	doc, err := h.docs.FullSync(ctx, p.RoomID)
	if err != nil {
		log.Printf("Failed to sync room %s: %v", p.RoomID, err)
		h.presence.Send(p.Conn, protocol.Error("Failed to load document"))
		return
	}
	h.presence.Send(p.Conn, protocol.Sync(syncPayload(doc)))
}

// runs execute off the read loop, one at a time per participant
func (h *Handler) handleRun(ctx context.Context, p *Participant, m protocol.RunRequest) {
	if err := execution.CheckLanguage(m.Language); err != nil {
		h.presence.Send(p.Conn, protocol.ExecutionResult("", "Unsupported language: "+string(m.Language), 0))
		return
	}
	if !p.running.CompareAndSwap(false, true) {
		h.presence.Send(p.Conn, protocol.ExecutionResult("", "Execution already in progress", 0))
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer p.running.Store(false)

		log.Printf("Executing %s code for %s in room %s", m.Language, p.UserID, p.RoomID)
		res := h.exec.Execute(ctx, m.Code, m.Language, m.Input)
		h.presence.Send(p.Conn, protocol.ExecutionResult(res.Output, res.Error, res.Seconds()))
	}()
}

// ReplaceDocument swaps the text of roomID for code through the normal patch
// path, so every participant receives it as a diff.
func (h *Handler) ReplaceDocument(ctx context.Context, roomID, code, userID string) (docsync.Result, error) {
	unlock := h.rooms.lock(roomID)
	defer unlock()

	doc, err := h.docs.Document(ctx, roomID)
	if err != nil {
		return docsync.Result{}, err
	}
	if doc.Code == code {
		return docsync.Result{Accepted: true, Version: doc.Version, Code: doc.Code}, nil
	}

	diff := h.codec.Diff(doc.Code, code)
	res, err := h.docs.ApplyUserPatch(ctx, roomID, diff, doc.Version, userID)
	if err != nil || !res.Accepted {
		return res, err
	}

	h.presence.UpdateVersion(roomID, res.Version)
	h.presence.Broadcast(roomID, protocol.Diff(diff, userID, res.Version), "")
	return res, nil
}

// Wait blocks until in-flight executions have replied.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func syncPayload(doc docsync.Document) protocol.SyncPayload {
	return protocol.SyncPayload{
		Code:     doc.Code,
		Version:  doc.Version,
		Language: doc.Language,
		Name:     doc.Name,
	}
}
