package ws

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/metrics"
	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Backend is the part of the session manager the WebSocket layer drives.
type Backend interface {
	Attach(id string, sub session.Subscriber) (func(), error)
	Write(id string, data []byte) error
	Resize(id string, rows, cols uint16) error
}

// Handler handles WebSocket connections for terminal sessions.
type Handler struct {
	hubManager *HubManager
	backend    Backend
	upgrader   websocket.Upgrader
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewHandler creates a new WebSocket handler. allowOrigins lists the
// accepted Origin headers; "*" or an empty list accepts any.
func NewHandler(hubManager *HubManager, backend Backend, allowOrigins []string, log *zap.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		hubManager: hubManager,
		backend:    backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowOrigins),
		},
		log:     log,
		metrics: m,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// HandleConnection upgrades the request and attaches the connection to a
// running session. The client first receives the session history, then live
// output. The shell keeps running after the last client disconnects.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	hub := h.hubManager.GetOrCreate(sessionID)
	client := NewClient(hub, conn, sessionID)
	client.metrics = h.metrics

	hub.Register(client)
	detach, err := h.backend.Attach(sessionID, client)
	if err != nil {
		client.SendMessage(&Message{Type: MessageTypeError, Error: err.Error()})
		hub.Unregister(client)
		h.writePump(client)
		return nil
	}

	h.metrics.WSConnected()
	h.log.Debug("client attached", zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr))

	go h.writePump(client)
	go h.readPump(client, hub, detach)
	return nil
}

// handleMessage processes an incoming message from a client.
func (h *Handler) handleMessage(client *Client, msg *Message) {
	h.metrics.WSMessage("in", string(msg.Type))

	var err error
	switch msg.Type {
	case MessageTypeStdin:
		if msg.Data == "" {
			return
		}
		err = h.backend.Write(client.SessionID(), []byte(msg.Data))
	case MessageTypeResize:
		if msg.Rows == 0 || msg.Cols == 0 {
			return
		}
		err = h.backend.Resize(client.SessionID(), msg.Rows, msg.Cols)
	case MessageTypePing:
		client.SendMessage(&Message{Type: MessageTypePong})
	default:
		err = errors.New("unknown message type " + string(msg.Type))
	}

	if err != nil {
		if !errors.Is(err, model.ErrSessionClosed) {
			h.log.Warn("failed to handle client message",
				zap.String("session_id", client.SessionID()),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
		client.SendMessage(&Message{Type: MessageTypeError, Error: err.Error()})
	}
}

// readPump pumps messages from the WebSocket connection to the session.
func (h *Handler) readPump(client *Client, hub *Hub, detach func()) {
	defer func() {
		detach()
		hub.Unregister(client)
		client.Conn().Close()
		h.metrics.WSDisconnected()
		h.log.Debug("client detached", zap.String("session_id", client.SessionID()))
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", zap.String("session_id", client.SessionID()), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(&Message{Type: MessageTypeError, Error: "malformed message"})
			continue
		}

		h.handleMessage(client, &msg)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// One message per frame so the browser can parse each on its own.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// BroadcastStatus tells every client of a session that it has ended.
func (h *Handler) BroadcastStatus(s model.Session) {
	hub := h.hubManager.Get(s.ID)
	if hub == nil {
		return
	}

	msg := &Message{
		Type:      MessageTypeStatus,
		State:     string(s.State),
		EndReason: string(s.EndReason),
		Code:      s.ExitCode,
		Error:     s.LastError,
	}
	if err := hub.BroadcastMessage(msg); err != nil {
		h.log.Warn("failed to broadcast status", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// BroadcastError sends an error message to every client of a session.
func (h *Handler) BroadcastError(sessionID string, errMsg string) {
	hub := h.hubManager.Get(sessionID)
	if hub == nil {
		return
	}
	hub.BroadcastMessage(&Message{Type: MessageTypeError, Error: errMsg})
}
