// Package pty provides cross-platform PTY (pseudo-terminal) management.
//
// A Process owns the master side of one pseudoterminal pair and the shell
// attached to its slave side. Callers get Handles: views over the master that
// can read, write and resize but never close. Release is the only way the
// master gets closed, and it is safe to call while a Handle read is blocked.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/model"
)

const (
	// DefaultTerm is exported to the shell as TERM unless overridden.
	DefaultTerm = "xterm-256color"

	// DefaultRows and DefaultCols are the initial window size.
	DefaultRows = 24
	DefaultCols = 80
)

// PTY is the platform-specific master side of a pseudoterminal.
type PTY interface {
	// Read reads data from the PTY output.
	io.Reader

	// Write writes data to the PTY input.
	io.Writer

	// Close closes the master and releases resources.
	io.Closer

	// Resize changes the PTY window size to the specified dimensions.
	Resize(rows, cols uint16) error

	// SetReadDeadline wakes a blocked Read. Together with Close it must
	// end any pending Read promptly.
	SetReadDeadline(t time.Time) error
}

// child is the platform-specific view of the spawned shell.
type child struct {
	pid  int
	wait func() (int, error)
	kill func() error
}

// StartOptions contains options for spawning a shell on a PTY.
type StartOptions struct {
	// Shell overrides the shell path. See ResolveShell.
	Shell string

	// Args are the arguments to pass to the shell.
	Args []string

	// Env is the environment for the shell. If nil, the current process
	// environment is used.
	Env []string

	// Term, when set, is exported as TERM and overrides the environment's.
	// When empty the environment's TERM is kept, or DefaultTerm if it has none.
	Term string

	// Dir is the initial working directory. A leading ~ is expanded.
	// If empty, the current directory is used.
	Dir string

	// Rows and Cols are the initial window size.
	Rows uint16
	Cols uint16

	// Logger receives lifecycle messages. Defaults to a no-op logger.
	Logger *zap.Logger
}

// ResolveShell picks the shell to run: the override if set, else the
// environment's shell variable, else a fixed fallback.
func ResolveShell(override string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(shellEnvVar)); s != "" {
		return s
	}
	return fallbackShell
}

// Process is a shell running on a pseudoterminal.
type Process struct {
	shell string
	pty   PTY
	child child
	log   *zap.Logger

	mu       sync.RWMutex
	released bool

	exited   chan struct{}
	exitCode int
	exitErr  error
}

// Spawn allocates a pseudoterminal and starts the shell on its slave side.
// Allocation and exec failures are reported as model.ErrSpawn.
func Spawn(opts StartOptions) (*Process, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	shell := ResolveShell(opts.Shell)

	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}

	dir, err := expandDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}

	master, c, err := start(shell, opts.Args, buildEnv(opts), dir, opts.Rows, opts.Cols)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrSpawn, shell, err)
	}

	p := &Process{
		shell:  shell,
		pty:    master,
		child:  c,
		log:    log,
		exited: make(chan struct{}),
	}
	go p.waitLoop()

	log.Info("shell spawned", zap.String("shell", shell), zap.Int("pid", c.pid))
	return p, nil
}

// waitLoop reaps the shell as soon as it exits.
func (p *Process) waitLoop() {
	code, err := p.child.wait()

	p.mu.Lock()
	p.exitCode = code
	p.exitErr = err
	p.mu.Unlock()
	close(p.exited)

	p.log.Info("shell exited", zap.Int("pid", p.child.pid), zap.Int("exit_code", code), zap.Error(err))
}

// Shell returns the resolved shell path.
func (p *Process) Shell() string {
	return p.shell
}

// PID returns the process ID of the shell.
func (p *Process) PID() int {
	return p.child.pid
}

// Handle returns a view over the master side.
func (p *Process) Handle() Handle {
	return Handle{p: p}
}

// Exited returns a channel that is closed once the shell has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the shell's exit code, or -1 if it has not exited or was
// killed by a signal.
func (p *Process) ExitCode() (int, error) {
	select {
	case <-p.exited:
	default:
		return -1, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode, p.exitErr
}

// Kill terminates the shell.
func (p *Process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return p.child.kill()
}

// Released reports whether the master has been released.
func (p *Process) Released() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.released
}

// Release closes the master side. Any blocked Handle read returns
// model.ErrClosedHandle. Calling Release more than once is a no-op.
func (p *Process) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.mu.Unlock()

	if err := p.pty.SetReadDeadline(time.Now()); err != nil {
		p.log.Warn("failed to wake pty reader", zap.Int("pid", p.child.pid), zap.Error(err))
	}
	if err := p.pty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to close pty master: %w", err)
	}
	return nil
}

// Reap waits up to timeout for the shell to exit, killing it if it is still
// running once the timeout expires.
func (p *Process) Reap(timeout time.Duration) error {
	select {
	case <-p.exited:
		return nil
	case <-time.After(timeout):
	}

	p.log.Warn("shell did not exit after hangup, killing", zap.Int("pid", p.child.pid))
	if err := p.child.kill(); err != nil {
		p.log.Debug("kill failed", zap.Error(err))
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: pid %d", model.ErrReapTimeout, p.child.pid)
	}
}

func (p *Process) master() (PTY, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.released {
		return nil, model.ErrClosedHandle
	}
	return p.pty, nil
}

// Handle is a non-owning view over a Process's master side. Copies refer to
// the same descriptor; none of them can close it.
type Handle struct {
	p *Process
}

// Read reads shell output.
func (h Handle) Read(b []byte) (int, error) {
	m, err := h.p.master()
	if err != nil {
		return 0, err
	}
	n, err := m.Read(b)
	if err != nil && h.p.Released() {
		return n, fmt.Errorf("%w: %w", model.ErrClosedHandle, err)
	}
	return n, err
}

// Write writes input to the shell.
func (h Handle) Write(b []byte) (int, error) {
	m, err := h.p.master()
	if err != nil {
		return 0, err
	}
	n, err := m.Write(b)
	if err != nil && h.p.Released() {
		return n, fmt.Errorf("%w: %w", model.ErrClosedHandle, err)
	}
	return n, err
}

// Resize changes the window size.
func (h Handle) Resize(rows, cols uint16) error {
	m, err := h.p.master()
	if err != nil {
		return err
	}
	return m.Resize(rows, cols)
}

// buildEnv returns the shell's environment. An explicit Term replaces any
// TERM the environment carries; otherwise an inherited TERM is kept and
// DefaultTerm is only added when none is set.
func buildEnv(opts StartOptions) []string {
	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, 0, len(env)+1)
	inherited := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			if opts.Term != "" {
				continue
			}
			inherited = true
		}
		out = append(out, kv)
	}
	switch {
	case opts.Term != "":
		out = append(out, "TERM="+opts.Term)
	case !inherited:
		out = append(out, "TERM="+DefaultTerm)
	}
	return out
}

// expandDir expands a leading ~ and checks that the directory exists.
func expandDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if dir[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		if len(dir) == 1 {
			dir = home
		} else if dir[1] == '/' || dir[1] == os.PathSeparator {
			dir = home + dir[1:]
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", dir)
	}
	return dir, nil
}
