package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/middleware"
	"secureconnect-calls/internal/service/history"
	"secureconnect-calls/pkg/pagination"
	"secureconnect-calls/pkg/response"
)

// Lifecycle moves calls between statuses on behalf of a participant
type Lifecycle interface {
	MarkMissed(ctx context.Context, callID string) error
}

// Handler serves call records and history
type Handler struct {
	history   *history.Service
	lifecycle Lifecycle
}

// NewHandler creates a new call handler
func NewHandler(historyService *history.Service, lifecycle Lifecycle) *Handler {
	return &Handler{history: historyService, lifecycle: lifecycle}
}

// CallResponse is a call record with the viewer's timeline entry
type CallResponse struct {
	Call    *domain.CallRecord `json:"call"`
	Summary history.Entry      `json:"summary"`
}

// History returns the caller's call timeline
// GET /v1/calls/history?page=&limit=
func (h *Handler) History(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	page, err := h.history.History(c.Request.Context(), userID, params)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// GetCall returns one call the user took part in
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	rec, err := h.history.GetCall(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, CallResponse{Call: rec, Summary: history.Summarize(rec, userID)})
}

// MarkMissed ends an unanswered call as missed and archives it
// POST /v1/calls/:id/missed
func (h *Handler) MarkMissed(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	ctx := c.Request.Context()
	callID := c.Param("id")

	if _, err := h.history.GetCall(ctx, callID, userID); err != nil {
		response.FromError(c, err)
		return
	}
	if err := h.lifecycle.MarkMissed(ctx, callID); err != nil {
		response.FromError(c, err)
		return
	}

	rec, err := h.history.Record(ctx, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, CallResponse{Call: rec, Summary: history.Summarize(rec, userID)})
}
