package ws

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/moodterm/moodterm/internal/driver"
	"github.com/moodterm/moodterm/internal/metrics"
	"github.com/moodterm/moodterm/internal/relay"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeStdin  MessageType = "stdin"
	MessageTypeResize MessageType = "resize"
	MessageTypePing   MessageType = "ping"

	// Server -> Client message types
	MessageTypeStdout  MessageType = "stdout"
	MessageTypeEvent   MessageType = "event"
	MessageTypeStatus  MessageType = "status"
	MessageTypeHistory MessageType = "history"
	MessageTypePong    MessageType = "pong"
	MessageTypeError   MessageType = "error"
)

// Message represents a WebSocket message.
type Message struct {
	Type      MessageType        `json:"type"`
	Data      string             `json:"data,omitempty"`
	Rows      uint16             `json:"rows,omitempty"`
	Cols      uint16             `json:"cols,omitempty"`
	Event     *driver.SmartEvent `json:"event,omitempty"`
	State     string             `json:"state,omitempty"`
	EndReason string             `json:"endReason,omitempty"`
	Code      *int               `json:"code,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// sendBuffer is the number of frames queued for a client before it is
// considered too slow and dropped.
const sendBuffer = 256

// Client is one WebSocket connection attached to a session. It receives the
// session's output as a session.Subscriber.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	mu        sync.Mutex
	closed    bool
	metrics   *metrics.Metrics
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBuffer),
	}
}

// Send queues a frame for the client. A client whose queue is full is
// closed; its write pump then drops the connection.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// SendMessage encodes msg and queues it.
func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.metrics.WSMessage("out", string(msg.Type))
	c.Send(data)
	return nil
}

// Replay sends the session history as a single frame.
func (c *Client) Replay(history []byte) {
	if len(history) == 0 {
		return
	}
	c.SendMessage(&Message{Type: MessageTypeHistory, Data: string(history)})
}

// Output forwards a chunk of shell output.
func (c *Client) Output(chunk relay.Chunk) {
	c.SendMessage(&Message{Type: MessageTypeStdout, Data: string(chunk)})
}

// Event forwards an event recognised in the output.
func (c *Client) Event(ev driver.SmartEvent) {
	c.SendMessage(&Message{Type: MessageTypeEvent, Event: &ev})
}

// Close closes the client's send queue, which ends its write pump.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SessionID returns the session ID associated with this client.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub tracks the clients attached to one session.
type Hub struct {
	sessionID string
	clients   map[*Client]struct{}
	mu        sync.RWMutex
}

// NewHub creates a new Hub for the given session.
func NewHub(sessionID string) *Hub {
	return &Hub{
		sessionID: sessionID,
		clients:   make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

// Unregister removes a client from the hub and closes it. It reports how
// many clients remain.
func (h *Hub) Unregister(client *Client) int {
	h.mu.Lock()
	delete(h.clients, client)
	remaining := len(h.clients)
	h.mu.Unlock()

	client.Close()
	return remaining
}

// Broadcast sends a frame to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// BroadcastMessage sends a Message to all connected clients.
func (h *Hub) BroadcastMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// HubManager manages one hub per session.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// GetOrCreate returns an existing hub or creates a new one for the session.
func (m *HubManager) GetOrCreate(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		return hub
	}

	hub := NewHub(sessionID)
	m.hubs[sessionID] = hub
	return hub
}

// Get returns the hub for the session, or nil if not found.
func (m *HubManager) Get(sessionID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[sessionID]
}

// Remove closes and forgets the hub for the session.
func (m *HubManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		hub.Close()
		delete(m.hubs, sessionID)
	}
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hub := range m.hubs {
		hub.Close()
	}
	m.hubs = make(map[string]*Hub)
}
