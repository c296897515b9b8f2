package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/manpreetbhatti/codestream/internal/room"
	"github.com/manpreetbhatti/codestream/internal/store"
)

const maxRoomNameLength = 100

// CreateRoomRequest is the body of POST /rooms.
type CreateRoomRequest struct {
	Name        string        `json:"name"`
	Language    room.Language `json:"language"`
	InitialCode string        `json:"initial_code"`
}

// RoomInfo is one entry of the room listing.
type RoomInfo struct {
	RoomID      string        `json:"room_id"`
	Name        string        `json:"name"`
	Language    room.Language `json:"language"`
	ActiveUsers int           `json:"active_users"`
	CreatedAt   time.Time     `json:"created_at"`
}

func newRoomID() string {
	return uuid.NewString()[:8]
}

// CreateRoom creates an empty document.
// POST /rooms
func (h *Handler) CreateRoom(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateRoomRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}

	if n := utf8.RuneCountInString(req.Name); n == 0 || n > maxRoomNameLength {
		return errorResponse(c, http.StatusBadRequest, "name must be 1 to 100 characters")
	}
	if req.Language == "" {
		req.Language = room.DefaultLanguage
	}
	if !req.Language.Supported() {
		return errorResponse(c, http.StatusBadRequest, "Unsupported language: "+string(req.Language))
	}

	r := &room.Room{
		ID:       newRoomID(),
		Name:     req.Name,
		Language: req.Language,
		Code:     req.InitialCode,
	}
	if err := h.store.CreateRoom(ctx, r); err != nil {
		if errors.Is(err, store.ErrRoomExists) {
			return errorResponse(c, http.StatusConflict, "Room already exists, try again")
		}
		log.Printf("ERROR: failed to create room: %v", err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to create room")
	}

	log.Printf("Created room: %s (%s)", r.ID, r.Name)
	return c.JSON(http.StatusCreated, r)
}

// ListRooms lists stored rooms, newest first.
// GET /rooms?limit=&offset=
func (h *Handler) ListRooms(c echo.Context) error {
	ctx := c.Request().Context()

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := h.store.ListRooms(ctx, limit, offset)
	if err != nil {
		log.Printf("ERROR: failed to list rooms: %v", err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to list rooms")
	}

	response := make([]RoomInfo, len(rooms))
	for i, r := range rooms {
		response[i] = RoomInfo{
			RoomID:      r.ID,
			Name:        r.Name,
			Language:    r.Language,
			ActiveUsers: h.activeUsers(c, r.ID),
			CreatedAt:   r.CreatedAt,
		}
	}

	return c.JSON(http.StatusOK, response)
}

// activeUsers prefers the shared presence directory over local connections.
func (h *Handler) activeUsers(c echo.Context, roomID string) int {
	local := len(h.presence.Users(roomID))
	if h.directory == nil {
		return local
	}
	n, err := h.directory.Count(c.Request().Context(), roomID)
	if err != nil {
		log.Printf("WARN: presence directory unavailable: %v", err)
		return local
	}
	if local > n {
		return local
	}
	return n
}

// GetRoom returns a stored room with its live participants.
// GET /rooms/:room_id
func (h *Handler) GetRoom(c echo.Context) error {
	roomID := c.Param("room_id")

	r, err := h.store.GetRoom(c.Request().Context(), roomID)
	if err != nil {
		log.Printf("ERROR: failed to get room %s: %v", roomID, err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to get room")
	}
	if r == nil {
		return errorResponse(c, http.StatusNotFound, "Room "+roomID+" not found")
	}

	r.ActiveUsers = h.presence.Users(roomID)
	return c.JSON(http.StatusOK, r)
}

// DeleteRoom removes a room nobody is connected to.
// DELETE /rooms/:room_id
func (h *Handler) DeleteRoom(c echo.Context) error {
	roomID := c.Param("room_id")

	if len(h.presence.Users(roomID)) > 0 {
		return errorResponse(c, http.StatusBadRequest, "Cannot delete room with active users")
	}

	deleted, err := h.store.DeleteRoom(c.Request().Context(), roomID)
	if err != nil {
		log.Printf("ERROR: failed to delete room %s: %v", roomID, err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to delete room")
	}
	if !deleted {
		return errorResponse(c, http.StatusNotFound, "Room "+roomID+" not found")
	}

	h.docs.Invalidate(roomID)
	log.Printf("Deleted room: %s", roomID)
	return c.NoContent(http.StatusNoContent)
}
