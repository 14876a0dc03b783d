package termmode

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/model"
)

// device identifies a terminal independently of the descriptor used to
// reach it.
type device struct {
	dev  uint64
	rdev uint64
}

// registry tracks which terminals are claimed. A terminal is pending while
// its attributes are being captured and switched, and live once a guard
// holds raw mode on it. At most one guard claims a terminal at a time,
// through any descriptor.
var registry = struct {
	sync.Mutex
	pending map[device]struct{}
	live    map[device]*Guard
	// sweeps counts RestoreAll calls. An Acquire that overlapped one backs
	// out rather than leave raw mode that nothing will restore.
	sweeps uint64
}{
	pending: make(map[device]struct{}),
	live:    make(map[device]*Guard),
}

// Guard owns raw mode on one terminal.
type Guard struct {
	fd    int
	dev   device
	attrs Attributes
	log   *zap.Logger

	mu       sync.Mutex
	released bool
	err      error
}

// Option configures Acquire.
type Option func(*Guard)

// WithLogger sets the logger used for restoration warnings.
func WithLogger(log *zap.Logger) Option {
	return func(g *Guard) {
		if log != nil {
			g.log = log
		}
	}
}

// Acquire captures the attributes of fd and switches it to raw mode. If the
// switch fails the captured attributes are put back before returning. A
// terminal already claimed through any descriptor yields
// model.ErrTerminalBusy.
func Acquire(fd int, opts ...Option) (*Guard, error) {
	g := &Guard{fd: fd, log: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}

	dev, err := deviceOf(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor %d: %w", model.ErrAttributeRead, fd, err)
	}
	g.dev = dev

	registry.Lock()
	_, pending := registry.pending[dev]
	_, live := registry.live[dev]
	if pending || live {
		registry.Unlock()
		return nil, fmt.Errorf("%w: descriptor %d", model.ErrTerminalBusy, fd)
	}
	registry.pending[dev] = struct{}{}
	sweeps := registry.sweeps
	registry.Unlock()

	attrs, err := Capture(fd)
	if err != nil {
		unreserve(dev)
		return nil, err
	}
	g.attrs = attrs

	if err := InstallRaw(fd); err != nil {
		if rerr := Restore(fd, attrs); rerr != nil {
			err = errors.Join(err, rerr)
		}
		unreserve(dev)
		return nil, err
	}

	registry.Lock()
	delete(registry.pending, dev)
	if registry.sweeps != sweeps {
		registry.Unlock()
		err := fmt.Errorf("%w: terminal restored while switching to raw mode", model.ErrAttributeWrite)
		if rerr := Restore(fd, attrs); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}
	registry.live[dev] = g
	registry.Unlock()

	g.log.Debug("terminal switched to raw mode", zap.Int("fd", fd))
	return g, nil
}

func unreserve(dev device) {
	registry.Lock()
	delete(registry.pending, dev)
	registry.Unlock()
}

// FD returns the guarded descriptor.
func (g *Guard) FD() int {
	return g.fd
}

// Attributes returns the snapshot taken on Acquire.
func (g *Guard) Attributes() Attributes {
	return g.attrs
}

// Released reports whether the original attributes have been put back.
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// Release restores the captured attributes. Only the first call touches the
// terminal; later calls return nil.
func (g *Guard) Release() error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	err := Restore(g.fd, g.attrs)
	g.err = err
	g.mu.Unlock()

	unregister(g)

	if err != nil {
		g.log.Warn("failed to restore terminal attributes", zap.Int("fd", g.fd), zap.Error(err))
		return err
	}
	g.log.Debug("terminal attributes restored", zap.Int("fd", g.fd))
	return nil
}

func unregister(g *Guard) {
	registry.Lock()
	if registry.live[g.dev] == g {
		delete(registry.live, g.dev)
	}
	registry.Unlock()
}

// Held reports whether the terminal behind fd is claimed, whichever
// descriptor it was acquired through.
func Held(fd int) bool {
	dev, err := deviceOf(fd)
	if err != nil {
		return false
	}
	registry.Lock()
	defer registry.Unlock()
	_, pending := registry.pending[dev]
	_, live := registry.live[dev]
	return pending || live
}

// RestoreAll releases every live guard. It is meant for process teardown
// paths (signals, panics) where the owning sessions cannot run their own
// shutdown. An Acquire still in progress backs out by itself.
func RestoreAll() error {
	registry.Lock()
	registry.sweeps++
	guards := make([]*Guard, 0, len(registry.live))
	for _, g := range registry.live {
		guards = append(guards, g)
	}
	registry.Unlock()

	var errs []error
	for _, g := range guards {
		if err := g.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
