package relay

import (
	"io"
	"strings"
)

// Chunk is one read's worth of PTY output. Bytes are delivered exactly as
// read; nothing is re-encoded.
type Chunk []byte

// Bytes returns the raw bytes.
func (c Chunk) Bytes() []byte {
	return c
}

// Text returns the chunk as a string with invalid UTF-8 replaced by U+FFFD.
// A multi-byte rune split across two chunks shows up as replacement
// characters in both; consumers that care should work with Bytes.
func (c Chunk) Text() string {
	return strings.ToValidUTF8(string(c), "�")
}

// Sink consumes relay output. Deliver is called from a single goroutine, in
// read order; the chunk must not be modified.
type Sink interface {
	Deliver(c Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(c Chunk) error

// Deliver calls f(c).
func (f SinkFunc) Deliver(c Chunk) error {
	return f(c)
}

// WriterSink writes chunks to an io.Writer such as os.Stdout.
type WriterSink struct {
	W io.Writer
}

// Deliver writes c to the underlying writer.
func (s WriterSink) Deliver(c Chunk) error {
	_, err := s.W.Write(c)
	return err
}

// ChanSink sends chunks on a channel, for UI event loops. Deliver blocks
// while the channel is full; the relay's queue absorbs the lag.
type ChanSink chan<- Chunk

// Deliver sends c on the channel.
func (s ChanSink) Deliver(c Chunk) error {
	s <- c
	return nil
}

// multiSink delivers to every sink, continuing past failures.
type multiSink []Sink

// MultiSink returns a Sink that delivers each chunk to all sinks in order.
// Nil sinks are skipped.
func MultiSink(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Deliver(c Chunk) error {
	var first error
	for _, s := range m {
		if err := s.Deliver(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard drops every chunk.
var Discard Sink = SinkFunc(func(Chunk) error { return nil })
