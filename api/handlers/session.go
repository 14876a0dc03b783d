// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/session"
)

// Detacher disconnects the live clients of a session.
type Detacher interface {
	DetachSession(sessionID string)
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
	detacher       Detacher
	log            *zap.Logger
}

// NewSessionHandler creates a new SessionHandler. detacher may be nil.
func NewSessionHandler(sessionManager *session.Manager, detacher Detacher, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{
		sessionManager: sessionManager,
		detacher:       detacher,
		log:            log,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Shell   string            `json:"shell"`
	Name    string            `json:"name"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
	Rows    uint16            `json:"rows" binding:"omitempty,min=1"`
	Cols    uint16            `json:"cols" binding:"omitempty,min=1"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Shell     string            `json:"shell"`
	Workdir   string            `json:"workdir,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	State     string            `json:"state"`
	EndReason string            `json:"endReason,omitempty"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	PID       *int              `json:"pid,omitempty"`
	LastError string            `json:"lastError,omitempty"`
	Recorded  bool              `json:"recorded"`
	Duration  string            `json:"duration"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:        s.ID,
		Name:      s.Name,
		Shell:     s.Shell,
		Workdir:   s.Workdir,
		Cwd:       s.Cwd,
		Env:       s.Env,
		State:     string(s.State),
		EndReason: string(s.EndReason),
		ExitCode:  s.ExitCode,
		PID:       s.PID,
		LastError: s.LastError,
		Recorded:  s.CastPath != "",
		Duration:  formatDuration(s.Duration()),
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendSessionError maps a session manager error onto an HTTP response.
func sendSessionError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
	case errors.Is(err, model.ErrInvalidEnv):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, model.ErrConcurrencyLimit):
		sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrSessionClosed):
		sendError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, model.ErrSpawn):
		sendError(c, http.StatusUnprocessableEntity, "SPAWN_FAILED", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// Create handles POST /api/sessions - starts a new shell.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), &model.CreateSessionRequest{
		Shell:   req.Shell,
		Name:    req.Name,
		Workdir: req.Workdir,
		Env:     req.Env,
		Rows:    req.Rows,
		Cols:    req.Cols,
	})
	if err != nil {
		sendSessionError(c, "", err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// List handles GET /api/sessions - lists all sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.sessionManager.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSessionResponse(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		sendSessionError(c, sessionID, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Stop handles POST /api/sessions/:id/stop - ends the shell but keeps the session.
func (h *SessionHandler) Stop(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.sessionManager.Stop(c.Request.Context(), sessionID)
	if err != nil && !errors.Is(err, model.ErrStopIncomplete) {
		sendSessionError(c, sessionID, err)
		return
	}
	if err != nil {
		h.log.Warn("session stopped with warnings", zap.String("session_id", sessionID), zap.Error(err))
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Delete handles DELETE /api/sessions/:id - deletes a session.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.sessionManager.Delete(c.Request.Context(), sessionID); err != nil {
		sendSessionError(c, sessionID, err)
		return
	}
	if h.detacher != nil {
		h.detacher.DetachSession(sessionID)
	}
	c.Status(http.StatusNoContent)
}

// Restart handles POST /api/sessions/:id/restart - restarts a stopped session.
func (h *SessionHandler) Restart(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.sessionManager.Restart(c.Request.Context(), sessionID)
	if err != nil {
		sendSessionError(c, sessionID, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// History handles GET /api/sessions/:id/history - returns the buffered output.
func (h *SessionHandler) History(c *gin.Context) {
	sessionID := c.Param("id")
	history, err := h.sessionManager.History(sessionID)
	if err != nil {
		sendSessionError(c, sessionID, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", history)
}

// GetLogs handles GET /api/sessions/:id/logs - downloads the asciicast recording.
func (h *SessionHandler) GetLogs(c *gin.Context) {
	sessionID := c.Param("id")
	path, err := h.sessionManager.CastPath(c.Request.Context(), sessionID)
	if err != nil {
		sendSessionError(c, sessionID, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Recording not found for session "+sessionID)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".cast")
	c.File(path)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/stop", h.Stop)
		sessions.POST("/:id/restart", h.Restart)
		sessions.GET("/:id/history", h.History)
		sessions.GET("/:id/logs", h.GetLogs)
	}
}
