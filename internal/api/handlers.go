// Package api provides the HTTP handlers for rooms, checkpoints and code
// execution.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/manpreetbhatti/codestream/internal/docsync"
	"github.com/manpreetbhatti/codestream/internal/patch"
	"github.com/manpreetbhatti/codestream/internal/ratelimit"
	"github.com/manpreetbhatti/codestream/internal/room"
	"github.com/manpreetbhatti/codestream/internal/session"
	"github.com/manpreetbhatti/codestream/internal/store"
)

const (
	serviceName    = "CodeStream Engine"
	serviceVersion = "1.0.0"
)

// Presence reports who is connected right now.
type Presence interface {
	Users(roomID string) []room.Session
	ActiveRooms() []string
	Stats() (rooms, connections int)
}

// Documents exposes the live, possibly unpersisted, text of rooms.
type Documents interface {
	Document(ctx context.Context, roomID string) (docsync.Document, error)
	Invalidate(roomID string)
	CachedRooms() int
}

// Restorer replaces the live text of a room and tells its participants.
type Restorer interface {
	ReplaceDocument(ctx context.Context, roomID, code, userID string) (docsync.Result, error)
}

type LineDiffer interface {
	LineDiff(oldText, newText string) []patch.LineChange
}

// PresenceCounter reports presence shared between server instances.
type PresenceCounter interface {
	Count(ctx context.Context, roomID string) (int, error)
}

// Handler handles HTTP requests.
type Handler struct {
	store     store.Store
	presence  Presence
	docs      Documents
	restorer  Restorer
	codec     LineDiffer
	exec      session.Executor
	limiter   *ratelimit.ClientLimiters
	directory PresenceCounter
}

type Option func(*Handler)

// WithRunLimiter rate limits POST /run per client IP.
func WithRunLimiter(l *ratelimit.ClientLimiters) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}

// WithPresenceDirectory makes room listings report shared presence counts.
func WithPresenceDirectory(d PresenceCounter) Option {
	return func(h *Handler) {
		h.directory = d
	}
}

func NewHandler(st store.Store, presence Presence, docs Documents, restorer Restorer, codec LineDiffer, exec session.Executor, opts ...Option) *Handler {
	h := &Handler{
		store:    st,
		presence: presence,
		docs:     docs,
		restorer: restorer,
		codec:    codec,
		exec:     exec,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Root)
	e.GET("/health", h.Health)
	e.GET("/api/stats", h.Stats)

	// Rooms
	e.POST("/rooms", h.CreateRoom)
	e.GET("/rooms", h.ListRooms)
	e.GET("/rooms/:room_id", h.GetRoom)
	e.DELETE("/rooms/:room_id", h.DeleteRoom)

	// Checkpoints
	e.POST("/rooms/:room_id/checkpoints", h.CreateCheckpoint)
	e.GET("/rooms/:room_id/checkpoints", h.ListCheckpoints)
	e.GET("/checkpoints/diff", h.DiffCheckpoints)
	e.GET("/checkpoints/:id", h.GetCheckpoint)
	e.DELETE("/checkpoints/:id", h.DeleteCheckpoint)
	e.POST("/checkpoints/:id/restore", h.RestoreCheckpoint)

	// Execution
	e.POST("/run", h.Run)
}

func errorResponse(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// Root identifies the service.
// GET /
func (h *Handler) Root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// Health reports store reachability and live room count.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	database := "connected"
	if err := h.store.Ping(ctx); err != nil {
		log.Printf("WARN: health check ping failed: %v", err)
		database = "disconnected"
	}

	rooms, _ := h.presence.Stats()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"database":     database,
		"active_rooms": rooms,
	})
}

// Stats reports live and stored totals.
// GET /api/stats
func (h *Handler) Stats(c echo.Context) error {
	rooms, connections := h.presence.Stats()
	stats := map[string]interface{}{
		"active_rooms":       rooms,
		"active_connections": connections,
		"cached_documents":   h.docs.CachedRooms(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if total, err := h.store.CountRooms(c.Request().Context()); err == nil {
		stats["total_rooms"] = total
	} else {
		log.Printf("WARN: failed to count rooms: %v", err)
	}

	return c.JSON(http.StatusOK, stats)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
