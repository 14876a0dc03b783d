package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodterm/moodterm/internal/relay"
)

func TestRecorder_HeaderAndEvents(t *testing.T) {
	var buf bytes.Buffer
	rec, err := New(&buf, Header{Width: 80, Height: 24, Env: map[string]string{"TERM": "xterm-256color"}})
	require.NoError(t, err)

	require.NoError(t, rec.Input([]byte("ls\n")))
	require.NoError(t, rec.Deliver(relay.Chunk("file.txt\r\n")))
	require.NoError(t, rec.Resize(30, 100))
	require.NoError(t, rec.Close())

	h, events, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Version)
	assert.Equal(t, 80, h.Width)
	assert.Equal(t, 24, h.Height)
	assert.NotZero(t, h.Timestamp)
	assert.Equal(t, "xterm-256color", h.Env["TERM"])

	require.Len(t, events, 3)
	assert.Equal(t, Event{Time: events[0].Time, Type: EventInput, Data: "ls\n"}, events[0])
	assert.Equal(t, EventOutput, events[1].Type)
	assert.Equal(t, "file.txt\r\n", events[1].Data)
	assert.Equal(t, "100x30", events[2].Data)
	assert.LessOrEqual(t, events[0].Time, events[1].Time)
}

func TestRecorder_SplitRuneIsJoined(t *testing.T) {
	var buf bytes.Buffer
	rec, err := New(&buf, Header{Width: 80, Height: 24})
	require.NoError(t, err)

	euro := []byte("€") // three bytes
	require.NoError(t, rec.Output(append([]byte("a"), euro[:1]...)))
	require.NoError(t, rec.Output(euro[1:2]))
	require.NoError(t, rec.Output(append(euro[2:], 'b')))
	require.NoError(t, rec.Close())

	_, events, err := Read(&buf)
	require.NoError(t, err)
	var out strings.Builder
	for _, e := range events {
		out.WriteString(e.Data)
	}
	assert.Equal(t, "a€b", out.String())
}

func TestRecorder_CloseFlushesPending(t *testing.T) {
	var buf bytes.Buffer
	rec, err := New(&buf, Header{})
	require.NoError(t, err)

	require.NoError(t, rec.Output([]byte{0xe2, 0x82}))
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	_, events, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventOutput, events[0].Type)

	assert.ErrorIs(t, rec.Input([]byte("x")), ErrClosed)
}

func TestCreate_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cast")
	rec, err := Create(path, Header{Width: 120, Height: 40, Title: "demo"})
	require.NoError(t, err)
	require.NoError(t, rec.Output([]byte("hi")))
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	h, events, err := Read(f)
	require.NoError(t, err)
	assert.Equal(t, "demo", h.Title)
	require.Len(t, events, 1)
	assert.Equal(t, "hi", events[0].Data)
}

func TestCreate_BadPath(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "missing", "x.cast"), Header{})
	assert.Error(t, err)
}

func TestRead_Invalid(t *testing.T) {
	_, _, err := Read(strings.NewReader(""))
	assert.Error(t, err)

	_, _, err = Read(strings.NewReader(`{"version": 1}` + "\n"))
	assert.Error(t, err)

	_, _, err = Read(strings.NewReader(`{"version": 2}` + "\n" + `[1, "o"]` + "\n"))
	assert.Error(t, err)
}

func TestIncompleteSuffix(t *testing.T) {
	assert.Equal(t, 0, incompleteSuffix(nil))
	assert.Equal(t, 0, incompleteSuffix([]byte("abc")))
	assert.Equal(t, 0, incompleteSuffix([]byte("a€")))
	assert.Equal(t, 2, incompleteSuffix([]byte{'a', 0xe2, 0x82}))
	assert.Equal(t, 1, incompleteSuffix([]byte{'a', 0xf0}))
}
