// Package recorder writes sessions as asciinema v2 casts.
//
// A cast is a JSON header line followed by one JSON array per event:
// [seconds since start, "o"|"i"|"r", data].
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/moodterm/moodterm/internal/relay"
)

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of a cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one recorded line after the header.
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes the event as a three-element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// UnmarshalJSON decodes a three-element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Time); err != nil {
		return fmt.Errorf("invalid event time: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("recorder is closed")

// Recorder appends events to a cast. It is safe for concurrent use; output
// arrives from the relay while input arrives from the caller of Send.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File // only set if we own the file
	start  time.Time
	closed bool

	// pending holds a trailing partial UTF-8 sequence of the last output
	// chunk, completed by the next one.
	pending []byte
}

// Create creates the cast file at path and writes the header.
func Create(path string, h Header) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create cast file: %w", err)
	}
	r, err := New(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// New writes the header to w and returns a Recorder appending to it.
func New(w io.Writer, h Header) (*Recorder, error) {
	now := time.Now()
	h.Version = 2
	if h.Timestamp == 0 {
		h.Timestamp = now.Unix()
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cast header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write cast header: %w", err)
	}
	return &Recorder{w: w, start: now}, nil
}

// Deliver records a relay chunk as an output event.
func (r *Recorder) Deliver(c relay.Chunk) error {
	return r.Output(c)
}

// Output records shell output.
func (r *Recorder) Output(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) > 0 {
		p = append(r.pending, p...)
		r.pending = nil
	}
	cut := incompleteSuffix(p)
	if cut > 0 {
		r.pending = append([]byte(nil), p[len(p)-cut:]...)
		p = p[:len(p)-cut]
	}
	if len(p) == 0 {
		return nil
	}
	return r.write(EventOutput, string(p))
}

// Input records bytes sent to the shell.
func (r *Recorder) Input(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(EventInput, string(p))
}

// Resize records a window size change.
func (r *Recorder) Resize(rows, cols uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) write(typ, data string) error {
	if r.closed {
		return ErrClosed
	}
	line, err := json.Marshal(Event{Time: time.Since(r.start).Seconds(), Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal cast event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write cast event: %w", err)
	}
	return nil
}

// Close flushes any held-back output and closes the file if the Recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	var errs []error
	if len(r.pending) > 0 {
		errs = append(errs, r.write(EventOutput, string(r.pending)))
		r.pending = nil
	}
	r.closed = true
	if r.file != nil {
		errs = append(errs, r.file.Close())
	}
	return errors.Join(errs...)
}

// StartTime returns the start time of the recording.
func (r *Recorder) StartTime() time.Time {
	return r.start
}

// incompleteSuffix returns the length of a truncated UTF-8 sequence at the
// end of p, or 0.
func incompleteSuffix(p []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(p); i++ {
		b := p[len(p)-i]
		if utf8.RuneStart(b) {
			if !utf8.FullRune(p[len(p)-i:]) {
				return i
			}
			return 0
		}
	}
	return 0
}

// Read parses a cast.
func Read(r io.Reader) (Header, []Event, error) {
	var h Header
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return h, nil, err
		}
		return h, nil, errors.New("empty cast")
	}
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return h, nil, fmt.Errorf("invalid cast header: %w", err)
	}
	if h.Version != 2 {
		return h, nil, fmt.Errorf("unsupported cast version %d", h.Version)
	}

	var events []Event
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return h, events, err
		}
		events = append(events, e)
	}
	return h, events, sc.Err()
}
