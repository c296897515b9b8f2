package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/manpreetbhatti/codestream/internal/patch"
	"github.com/manpreetbhatti/codestream/internal/store"
)

// CreateCheckpointRequest is the body of POST /rooms/:room_id/checkpoints.
type CreateCheckpointRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
}

// CheckpointDiffResponse compares two checkpoints line by line.
type CheckpointDiffResponse struct {
	From store.Checkpoint   `json:"from"`
	To   store.Checkpoint   `json:"to"`
	Diff []patch.LineChange `json:"diff"`
}

func summary(cp store.Checkpoint) store.Checkpoint {
	cp.Content = ""
	return cp
}

// CreateCheckpoint copies the live text of a room. Saving text identical to
// the latest checkpoint returns that checkpoint instead.
// POST /rooms/:room_id/checkpoints
func (h *Handler) CreateCheckpoint(c echo.Context) error {
	ctx := c.Request().Context()
	roomID := c.Param("room_id")

	var req CreateCheckpointRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}

	r, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		log.Printf("ERROR: failed to get room %s: %v", roomID, err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to get room")
	}
	if r == nil {
		return errorResponse(c, http.StatusNotFound, "Room "+roomID+" not found")
	}

	doc, err := h.docs.Document(ctx, roomID)
	if err != nil {
		log.Printf("ERROR: failed to load document %s: %v", roomID, err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to load document")
	}

	hash := hashContent(doc.Code)
	latest, err := h.store.LatestCheckpoint(ctx, roomID)
	if err != nil {
		log.Printf("WARN: failed to load latest checkpoint of %s: %v", roomID, err)
	}
	if latest != nil && latest.ContentHash == hash {
		return c.JSON(http.StatusOK, summary(*latest))
	}

	if req.Name == "" {
		req.Name = fmt.Sprintf("Checkpoint %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	cp := store.Checkpoint{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Name:        req.Name,
		Description: req.Description,
		Content:     doc.Code,
		ContentHash: hash,
		Version:     doc.Version,
		CreatedBy:   req.CreatedBy,
	}
	if err := h.store.CreateCheckpoint(ctx, &cp); err != nil {
		log.Printf("ERROR: failed to create checkpoint: %v", err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to create checkpoint")
	}

	return c.JSON(http.StatusCreated, summary(cp))
}

// ListCheckpoints lists the checkpoints of a room without their text.
// GET /rooms/:room_id/checkpoints?limit=&offset=
func (h *Handler) ListCheckpoints(c echo.Context) error {
	ctx := c.Request().Context()
	roomID := c.Param("room_id")

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	checkpoints, err := h.store.ListCheckpoints(ctx, roomID, limit, offset)
	if err != nil {
		log.Printf("ERROR: failed to list checkpoints: %v", err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to list checkpoints")
	}
	for i := range checkpoints {
		checkpoints[i] = summary(checkpoints[i])
	}

	total, _ := h.store.CountCheckpoints(ctx, roomID)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

func (h *Handler) loadCheckpoint(c echo.Context, id string) (*store.Checkpoint, error) {
	cp, err := h.store.GetCheckpoint(c.Request().Context(), id)
	if err != nil {
		log.Printf("ERROR: failed to get checkpoint %s: %v", id, err)
		return nil, errorResponse(c, http.StatusInternalServerError, "Failed to get checkpoint")
	}
	if cp == nil {
		return nil, errorResponse(c, http.StatusNotFound, "Checkpoint not found")
	}
	return cp, nil
}

// GetCheckpoint returns a checkpoint with its text.
// GET /checkpoints/:id
func (h *Handler) GetCheckpoint(c echo.Context) error {
	cp, err := h.loadCheckpoint(c, c.Param("id"))
	if cp == nil {
		return err
	}
	return c.JSON(http.StatusOK, cp)
}

// DeleteCheckpoint removes a checkpoint.
// DELETE /checkpoints/:id
func (h *Handler) DeleteCheckpoint(c echo.Context) error {
	id := c.Param("id")

	deleted, err := h.store.DeleteCheckpoint(c.Request().Context(), id)
	if err != nil {
		log.Printf("ERROR: failed to delete checkpoint %s: %v", id, err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to delete checkpoint")
	}
	if !deleted {
		return errorResponse(c, http.StatusNotFound, "Checkpoint not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// DiffCheckpoints compares two checkpoints line by line.
// GET /checkpoints/diff?from=&to=
func (h *Handler) DiffCheckpoints(c echo.Context) error {
	fromID, toID := c.QueryParam("from"), c.QueryParam("to")
	if fromID == "" || toID == "" {
		return errorResponse(c, http.StatusBadRequest, "from and to are required")
	}

	from, err := h.loadCheckpoint(c, fromID)
	if from == nil {
		return err
	}
	to, err := h.loadCheckpoint(c, toID)
	if to == nil {
		return err
	}

	diff := h.codec.LineDiff(from.Content, to.Content)
	if diff == nil {
		diff = []patch.LineChange{}
	}

	return c.JSON(http.StatusOK, CheckpointDiffResponse{
		From: summary(*from),
		To:   summary(*to),
		Diff: diff,
	})
}

// RestoreCheckpoint replaces the live text of the checkpoint's room. Connected
// participants receive the change as an ordinary diff.
// POST /checkpoints/:id/restore?user_id=
func (h *Handler) RestoreCheckpoint(c echo.Context) error {
	ctx := c.Request().Context()

	cp, err := h.loadCheckpoint(c, c.Param("id"))
	if cp == nil {
		return err
	}

	r, err := h.store.GetRoom(ctx, cp.RoomID)
	if err != nil {
		log.Printf("ERROR: failed to get room %s: %v", cp.RoomID, err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to get room")
	}
	if r == nil {
		return errorResponse(c, http.StatusNotFound, "Room "+cp.RoomID+" not found")
	}

	userID := c.QueryParam("user_id")
	if userID == "" {
		userID = "system"
	}

	res, err := h.restorer.ReplaceDocument(ctx, cp.RoomID, cp.Content, userID)
	if err != nil {
		log.Printf("ERROR: failed to restore checkpoint %s: %v", cp.ID, err)
		return errorResponse(c, http.StatusInternalServerError, "Failed to restore checkpoint")
	}
	if !res.Accepted {
		return errorResponse(c, http.StatusConflict, "Document changed during restore, try again")
	}

	log.Printf("Restored room %s to checkpoint %s (version %d)", cp.RoomID, cp.ID, res.Version)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":       "Checkpoint restored",
		"restored_from": cp.ID,
		"room_id":       cp.RoomID,
		"version":       res.Version,
		"content":       res.Code,
	})
}
