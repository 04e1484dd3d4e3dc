package presence

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/presence"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/response"
)

// Reader reads a single user's presence
type Reader interface {
	GetPresence(ctx context.Context, userID string) (*domain.PresenceRecord, error)
}

// Handler serves presence lookups
type Handler struct {
	presence  Reader
	directory presence.Directory
}

// NewHandler creates a new presence handler
func NewHandler(reader Reader, directory presence.Directory) *Handler {
	return &Handler{presence: reader, directory: directory}
}

// PresenceResponse is a single user's presence
type PresenceResponse struct {
	UserID string `json:"user_id"`
	domain.PresenceRecord
}

// GetPresence returns a user's presence
// GET /v1/presence/:user_id
func (h *Handler) GetPresence(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		response.ValidationError(c, "user_id is required")
		return
	}

	rec, err := h.presence.GetPresence(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, apperrors.ServiceUnavailableError("Presence store unavailable"))
		return
	}

	response.Success(c, http.StatusOK, PresenceResponse{UserID: userID, PresenceRecord: *rec})
}

// Online lists the users currently online
// GET /v1/presence/online
func (h *Handler) Online(c *gin.Context) {
	ctx := c.Request.Context()
	users, err := h.directory.OnlineUsers(ctx)
	if err != nil {
		response.FromError(c, apperrors.ServiceUnavailableError("Presence store unavailable"))
		return
	}
	if users == nil {
		users = []string{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}
