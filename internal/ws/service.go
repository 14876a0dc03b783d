package ws

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/metrics"
	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/session"
)

// Service connects the WebSocket layer to the session manager: it attaches
// clients to sessions and tells them when a session ends.
type Service struct {
	hubManager *HubManager
	handler    *Handler
	log        *zap.Logger
}

// NewService creates a WebSocket service for the sessions run by manager.
func NewService(manager *session.Manager, allowOrigins []string, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	hubManager := NewHubManager()
	s := &Service{
		hubManager: hubManager,
		handler:    NewHandler(hubManager, manager, allowOrigins, log, m),
		log:        log,
	}
	manager.OnEnd(s.sessionEnded)
	return s
}

// sessionEnded broadcasts the final status. Clients stay connected so they
// can still read the last output; a restarted session streams to them again
// only after they reattach.
func (s *Service) sessionEnded(sess model.Session) {
	s.handler.BroadcastStatus(sess)
	s.log.Debug("session end broadcast",
		zap.String("session_id", sess.ID),
		zap.Int("clients", s.ClientCount(sess.ID)))
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Serve attaches the request's WebSocket to a session.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	return s.handler.HandleConnection(w, r, sessionID)
}

// DetachSession disconnects every client of a session. It is called when
// the session is deleted.
func (s *Service) DetachSession(sessionID string) {
	s.hubManager.Remove(sessionID)
}

// ClientCount returns the number of connected clients for a session.
func (s *Service) ClientCount(sessionID string) int {
	hub := s.hubManager.Get(sessionID)
	if hub == nil {
		return 0
	}
	return hub.ClientCount()
}

// Close disconnects every client.
func (s *Service) Close() {
	s.hubManager.Close()
}
