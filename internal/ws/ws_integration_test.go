package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodterm/moodterm/internal/driver"
	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/relay"
	"github.com/moodterm/moodterm/internal/session"
)

// fakeBackend is an in-memory session with a fixed id.
type fakeBackend struct {
	id string

	mu      sync.Mutex
	history []byte
	subs    map[session.Subscriber]struct{}
	writes  []string
	sizes   [][2]uint16
}

func newFakeBackend(id string) *fakeBackend {
	return &fakeBackend{id: id, subs: make(map[session.Subscriber]struct{})}
}

func (b *fakeBackend) Attach(id string, sub session.Subscriber) (func(), error) {
	if id != b.id {
		return nil, model.ErrSessionNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.Replay(append([]byte(nil), b.history...))
	b.subs[sub] = struct{}{}
	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}, nil
}

func (b *fakeBackend) Write(id string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, string(data))
	return nil
}

func (b *fakeBackend) Resize(id string, rows, cols uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizes = append(b.sizes, [2]uint16{rows, cols})
	return nil
}

// output plays the part of the shell producing output.
func (b *fakeBackend) output(data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, data...)
	for sub := range b.subs {
		sub.Output(relay.Chunk(data))
	}
}

func (b *fakeBackend) event(ev driver.SmartEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.Event(ev)
	}
}

func (b *fakeBackend) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBackend) written() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.writes, "")
}

func newTestServer(t *testing.T, backend Backend) (*Handler, *HubManager, string) {
	t.Helper()
	hubs := NewHubManager()
	h := NewHandler(hubs, backend, nil, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/sessions/")
		if err := h.HandleConnection(w, r, id); err != nil {
			t.Logf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(func() {
		hubs.Close()
		srv.Close()
	})
	return h, hubs, "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHandler_HistoryThenLiveOutput(t *testing.T) {
	backend := newFakeBackend("s1")
	backend.output("\x1b[1mbold\x1b[0m before\r\n")
	_, _, url := newTestServer(t, backend)

	conn := dial(t, url+"s1")

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeHistory, msg.Type)
	assert.Equal(t, "\x1b[1mbold\x1b[0m before\r\n", msg.Data)

	require.Eventually(t, func() bool { return backend.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	backend.output("after")

	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeStdout, msg.Type)
	assert.Equal(t, "after", msg.Data)
}

func TestHandler_NoHistoryFrameWhenEmpty(t *testing.T) {
	backend := newFakeBackend("s1")
	_, _, url := newTestServer(t, backend)

	conn := dial(t, url+"s1")
	require.Eventually(t, func() bool { return backend.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	backend.output("first")

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeStdout, msg.Type)
	assert.Equal(t, "first", msg.Data)
}

func TestHandler_StdinResizePing(t *testing.T) {
	backend := newFakeBackend("s1")
	_, _, url := newTestServer(t, backend)
	conn := dial(t, url+"s1")

	writeMessage(t, conn, Message{Type: MessageTypeStdin, Data: "ls -la\n"})
	writeMessage(t, conn, Message{Type: MessageTypeStdin})
	writeMessage(t, conn, Message{Type: MessageTypeResize, Rows: 40, Cols: 120})
	writeMessage(t, conn, Message{Type: MessageTypeResize, Rows: 40})
	writeMessage(t, conn, Message{Type: MessageTypePing})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypePong, msg.Type)

	assert.Equal(t, "ls -la\n", backend.written())
	backend.mu.Lock()
	assert.Equal(t, [][2]uint16{{40, 120}}, backend.sizes)
	backend.mu.Unlock()
}

func TestHandler_MalformedAndUnknownMessages(t *testing.T) {
	backend := newFakeBackend("s1")
	_, _, url := newTestServer(t, backend)
	conn := dial(t, url+"s1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)

	writeMessage(t, conn, Message{Type: "launch"})
	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Contains(t, msg.Error, "launch")
}

func TestHandler_UnknownSession(t *testing.T) {
	backend := newFakeBackend("s1")
	_, hubs, url := newTestServer(t, backend)

	conn := dial(t, url+"nope")
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Contains(t, msg.Error, model.ErrSessionNotFound.Error())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, hubs.GetOrCreate("nope").ClientCount())
}

func TestHandler_EventsAndStatus(t *testing.T) {
	backend := newFakeBackend("s1")
	h, _, url := newTestServer(t, backend)
	conn := dial(t, url+"s1")
	require.Eventually(t, func() bool { return backend.subscribers() == 1 }, time.Second, 5*time.Millisecond)

	backend.event(driver.SmartEvent{Type: driver.EventCwd, Value: "/tmp"})
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, driver.EventCwd, msg.Event.Type)
	assert.Equal(t, "/tmp", msg.Event.Value)

	code := 0
	h.BroadcastStatus(model.Session{ID: "s1", State: model.SessionStateStopped, EndReason: model.EndReasonEOF, ExitCode: &code})
	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, "stopped", msg.State)
	assert.Equal(t, "eof", msg.EndReason)
	require.NotNil(t, msg.Code)
	assert.Equal(t, 0, *msg.Code)
}

func TestHandler_DisconnectDetaches(t *testing.T) {
	backend := newFakeBackend("s1")
	_, hubs, url := newTestServer(t, backend)

	conn := dial(t, url+"s1")
	require.Eventually(t, func() bool { return backend.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hubs.Get("s1").ClientCount())

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return backend.subscribers() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return hubs.Get("s1").ClientCount() == 0 }, 5*time.Second, 5*time.Millisecond)

	// The session is unaffected; a new client gets everything so far.
	backend.output("still here")
	conn2 := dial(t, url+"s1")
	msg := readMessage(t, conn2)
	assert.Equal(t, MessageTypeHistory, msg.Type)
	assert.Equal(t, "still here", msg.Data)
}

func TestHandler_MultipleClientsReceiveOutput(t *testing.T) {
	backend := newFakeBackend("s1")
	_, _, url := newTestServer(t, backend)

	conns := []*websocket.Conn{dial(t, url+"s1"), dial(t, url+"s1"), dial(t, url+"s1")}
	require.Eventually(t, func() bool { return backend.subscribers() == 3 }, time.Second, 5*time.Millisecond)

	backend.output("broadcast")
	for _, c := range conns {
		msg := readMessage(t, c)
		assert.Equal(t, "broadcast", msg.Data)
	}
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	anyOrigin := checkOrigin([]string{"*"})
	assert.True(t, anyOrigin(req("https://evil.example")))

	restricted := checkOrigin([]string{"https://app.example"})
	assert.True(t, restricted(req("https://app.example")))
	assert.True(t, restricted(req("")))
	assert.False(t, restricted(req("https://evil.example")))
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	hub := NewHub("s1")
	defer hub.Close()

	c1 := NewClient(hub, nil, "s1")
	c2 := NewClient(hub, nil, "s1")
	hub.Register(c1)
	hub.Register(c2)
	assert.Equal(t, 2, hub.ClientCount())

	hub.Broadcast([]byte("hello"))
	assert.Equal(t, "hello", string(<-c1.SendChan()))
	assert.Equal(t, "hello", string(<-c2.SendChan()))

	assert.Equal(t, 1, hub.Unregister(c1))
	assert.True(t, c1.IsClosed())
	assert.False(t, c2.IsClosed())
}

func TestClient_OverflowCloses(t *testing.T) {
	c := NewClient(nil, nil, "s1")
	for i := 0; i < sendBuffer; i++ {
		c.Send([]byte("x"))
	}
	assert.False(t, c.IsClosed())

	c.Send([]byte("one too many"))
	assert.True(t, c.IsClosed())

	n := 0
	for range c.SendChan() {
		n++
	}
	assert.Equal(t, sendBuffer, n)
}
