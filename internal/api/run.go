package api

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/manpreetbhatti/codestream/internal/execution"
	"github.com/manpreetbhatti/codestream/internal/protocol"
	"github.com/manpreetbhatti/codestream/internal/room"
)

// RunRequest is the body of POST /run.
type RunRequest struct {
	Code     string        `json:"code"`
	Language room.Language `json:"language"`
	Input    string        `json:"input"`
}

// Run executes code outside of any room.
// POST /run
func (h *Handler) Run(c echo.Context) error {
	if h.limiter != nil && !h.limiter.Allow(c.RealIP()) {
		return errorResponse(c, http.StatusTooManyRequests, "Too many execution requests")
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}
	if req.Language == "" {
		req.Language = room.DefaultLanguage
	}
	if err := execution.CheckLanguage(req.Language); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Unsupported language: "+string(req.Language))
	}

	log.Printf("Executing %s code", req.Language)
	res := h.exec.Execute(c.Request().Context(), req.Code, req.Language, req.Input)

	payload := protocol.ExecutionResultPayload{
		Output:        res.Output,
		ExecutionTime: res.Seconds(),
	}
	if res.Error != "" {
		payload.Error = &res.Error
	}
	return c.JSON(http.StatusOK, payload)
}
