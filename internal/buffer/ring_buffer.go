// Package buffer keeps the most recent output of a session so that clients
// attaching late can be replayed what they missed.
package buffer

import (
	"sync"

	"github.com/moodterm/moodterm/internal/relay"
)

// RingBuffer is a fixed-size circular byte buffer. Once full, each write
// overwrites the oldest bytes. It is safe for concurrent use.
type RingBuffer struct {
	mu    sync.RWMutex
	data  []byte
	start int // index of the oldest byte
	size  int
	total uint64
}

// NewRingBuffer creates a RingBuffer holding up to capacity bytes.
// A capacity below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes when the buffer is full. It
// never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total += uint64(n)
	capacity := len(rb.data)
	if n >= capacity {
		copy(rb.data, p[n-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	first := copy(rb.data[end:], p)
	copy(rb.data, p[first:])

	rb.size += n
	if over := rb.size - capacity; over > 0 {
		rb.start = (rb.start + over) % capacity
		rb.size = capacity
	}
	return n, nil
}

// Deliver records a relay chunk, making the buffer usable as a relay.Sink.
func (rb *RingBuffer) Deliver(c relay.Chunk) error {
	_, err := rb.Write(c)
	return err
}

// ReadAll returns a copy of the buffered bytes, oldest first, or nil if empty.
func (rb *RingBuffer) ReadAll() []byte {
	data, _ := rb.Snapshot()
	return data
}

// Snapshot returns the buffered bytes together with the number of bytes ever
// written. Bytes before total-len(data) have been discarded.
func (rb *RingBuffer) Snapshot() ([]byte, uint64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil, rb.total
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.data[rb.start:min(rb.start+rb.size, len(rb.data))])
	copy(out[n:], rb.data[:rb.size-n])
	return out, rb.total
}

// Clear discards the buffered bytes. Total is unaffected.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.size = 0
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}

// Total returns the number of bytes ever written.
func (rb *RingBuffer) Total() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}
