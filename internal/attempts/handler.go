package attempts

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-signlab/backend/internal/models"
	"github.com/aura-signlab/backend/pkg/response"
)

// Handler serves persisted practice history.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates an attempts handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// SessionAttempts is the body of GET /sessions/:id/attempts.
type SessionAttempts struct {
	Session  *models.PracticeSession  `json:"session"`
	Attempts []models.PracticeAttempt `json:"attempts"`
}

// ListBySession handles GET /sessions/:id/attempts.
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.BadRequest(c, "session id required")
		return
	}
	ctx := c.Request.Context()
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("get practice session failed", zap.String("session_id", sessionID), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	list, err := h.store.ListBySession(ctx, sessionID)
	if err != nil {
		h.logger.Error("list practice attempts failed", zap.String("session_id", sessionID), zap.Error(err))
		response.Internal(c, "failed to list attempts")
		return
	}
	response.OK(c, SessionAttempts{Session: session, Attempts: list})
}
