// Package relay drains a PTY master and republishes its output.
//
// A Relay runs two goroutines. The reader issues blocking reads of a fixed
// buffer size and appends a copy of every read to an unbounded queue; it
// never waits on the consumer. The dispatcher pops chunks in order and hands
// them to the Sink. A slow consumer therefore costs memory, not latency on
// the PTY: for a single interactive shell the queue stays small, and its
// high-water mark is reported by Stats.
//
// There is no way to interrupt a blocking read from inside the relay. The
// owner cancels it by releasing the descriptor the relay reads from; the
// resulting error is treated as a clean end.
package relay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/model"
)

// DefaultBufferSize is the size of each blocking read.
const DefaultBufferSize = 1024

// Options configures a Relay.
type Options struct {
	// BufferSize is the maximum number of bytes per read. Defaults to DefaultBufferSize.
	BufferSize int

	// Logger receives loop diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// OnRead, if set, is called from the reader goroutine with the size of
	// every non-empty read.
	OnRead func(n int)
}

// Stats is a snapshot of relay counters.
type Stats struct {
	Chunks    uint64
	Bytes     uint64
	Queued    int
	QueuePeak int
}

// Relay forwards bytes from a reader to a Sink until end-of-file or error.
type Relay struct {
	src     io.Reader
	sink    Sink
	bufSize int
	log     *zap.Logger
	onRead  func(int)

	q         *queue
	startOnce sync.Once
	readDone  chan struct{}
	done      chan struct{}
	err       error

	chunks atomic.Uint64
	bytes  atomic.Uint64
}

// New creates a relay from src to sink. It does not start reading.
func New(src io.Reader, sink Sink, opts Options) *Relay {
	if sink == nil {
		sink = Discard
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{
		src:      src,
		sink:     sink,
		bufSize:  opts.BufferSize,
		log:      opts.Logger,
		onRead:   opts.OnRead,
		q:        newQueue(),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reader and dispatcher goroutines. Subsequent calls do nothing.
func (r *Relay) Start() {
	r.startOnce.Do(func() {
		go r.readLoop()
		go r.dispatchLoop()
	})
}

// readLoop reads output from the source and queues it.
func (r *Relay) readLoop() {
	defer func() {
		r.q.close()
		close(r.readDone)
	}()

	buf := make([]byte, r.bufSize)
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			chunk := make(Chunk, n)
			copy(chunk, buf[:n])
			r.chunks.Add(1)
			r.bytes.Add(uint64(n))
			if r.onRead != nil {
				r.onRead(n)
			}
			r.q.push(chunk)
		}

		if err == nil && n == 0 {
			r.log.Debug("zero-length read, treating as end of file")
			return
		}
		if err != nil {
			if isCleanEnd(err) {
				r.log.Debug("relay reached end of output", zap.Error(err))
				return
			}
			r.err = fmt.Errorf("%w: %w", model.ErrRelayRead, err)
			r.log.Warn("relay read failed", zap.Error(err))
			return
		}
	}
}

// dispatchLoop delivers queued chunks in order until the queue is drained.
func (r *Relay) dispatchLoop() {
	defer func() {
		<-r.readDone
		close(r.done)
	}()

	for {
		chunk, ok := r.q.pop()
		if !ok {
			return
		}
		if err := r.sink.Deliver(chunk); err != nil {
			r.log.Warn("sink rejected output chunk", zap.Int("bytes", len(chunk)), zap.Error(err))
		}
	}
}

// isCleanEnd reports whether a read error means the stream is over rather
// than broken: end-of-file, the hangup EIO a Linux master returns once the
// slave side is gone, or the owner releasing the descriptor.
func isCleanEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, model.ErrClosedHandle) ||
		errors.Is(err, os.ErrClosed)
}

// Done returns a channel closed after the reader has stopped and every
// queued chunk has been delivered.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns the read error that ended the relay, or nil for a clean end.
// It is only meaningful after Done is closed.
func (r *Relay) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the relay is done or timeout elapses. It returns the
// relay's read error, or model.ErrRelayJoinTimeout.
func (r *Relay) Wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return r.err
	case <-t.C:
		return fmt.Errorf("%w after %s", model.ErrRelayJoinTimeout, timeout)
	}
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Chunks:    r.chunks.Load(),
		Bytes:     r.bytes.Load(),
		Queued:    r.q.len(),
		QueuePeak: r.q.highWater(),
	}
}
