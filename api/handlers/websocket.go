package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/session"
	"github.com/moodterm/moodterm/internal/ws"
)

// WebSocketHandler handles WebSocket connections for terminal sessions.
type WebSocketHandler struct {
	sessionManager *session.Manager
	wsService      *ws.Service
	log            *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(sessionManager *session.Manager, wsService *ws.Service, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		sessionManager: sessionManager,
		wsService:      wsService,
		log:            log,
	}
}

// Attach handles WS /api/sessions/:id/attach - attaches to a session via WebSocket.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		sendSessionError(c, sessionID, err)
		return
	}
	if sess.State != model.SessionStateActive {
		sendError(c, http.StatusConflict, "SESSION_NOT_RUNNING", "Session is not running")
		return
	}

	if err := h.wsService.Serve(c.Writer, c.Request, sessionID); err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Debug("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/attach", h.Attach)
}
