// Package terminal ties raw mode, a shell on a pseudoterminal and an output
// relay into one session with a start/stop lifecycle.
//
// A Session moves Idle -> Active -> Stopped and never goes back. Start either
// reaches Active or leaves everything as it found it. Shutdown, whether asked
// for with Stop or triggered by the shell going away, runs the same fixed
// sequence: release the master, join the relay, restore the terminal, reap
// the shell.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/metrics"
	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/pty"
	"github.com/moodterm/moodterm/internal/relay"
	"github.com/moodterm/moodterm/internal/termmode"
)

// DefaultStopTimeout bounds the relay join and the shell reap during shutdown.
const DefaultStopTimeout = 2 * time.Second

// RawMode selects how Start treats the controlling terminal.
type RawMode int

const (
	// RawModeRequired fails Start if the terminal cannot be switched to raw mode.
	RawModeRequired RawMode = iota
	// RawModeAuto uses raw mode when Terminal is a terminal and skips it otherwise.
	RawModeAuto
	// RawModeOff never touches the terminal.
	RawModeOff
)

// Op names a session operation for LastError.
type Op string

const (
	OpStart Op = "start"
	OpSend  Op = "send"
	OpStop  Op = "stop"
	OpRelay Op = "relay"
)

// Outcome describes how a session ended.
type Outcome struct {
	Reason   model.EndReason
	ExitCode int
	// Err is what ended the session: the relay read error or the failed write.
	Err error
	// StopErr collects the shutdown steps that did not complete.
	StopErr error
}

// Options configures a Session.
type Options struct {
	// Shell, Args, Dir, Env and Term are passed to pty.Spawn.
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Term  string

	Rows uint16
	Cols uint16

	// Terminal is the controlling terminal put into raw mode for the
	// session's lifetime. Nil means the session has no controlling terminal.
	Terminal *os.File
	RawMode  RawMode

	// Sink receives shell output. Defaults to relay.Discard.
	Sink relay.Sink

	// OnEnd is called once, from a background goroutine or from the caller
	// of Stop, after the session has reached Stopped.
	OnEnd func(Outcome)

	ReadBufferSize int
	StopTimeout    time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Session is one shell on one pseudoterminal.
type Session struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	state    model.SessionState
	stopping bool
	guard    *termmode.Guard
	proc     *pty.Process
	relay    *relay.Relay
	outcome  Outcome
	lastErr  map[Op]error

	// stopped is closed once shutdown has finished.
	stopped chan struct{}
}

// New returns an Idle session.
func New(opts Options) *Session {
	if opts.Sink == nil {
		opts.Sink = relay.Discard
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		opts:    opts,
		log:     opts.Logger,
		state:   model.SessionStateIdle,
		lastErr: make(map[Op]error),
		stopped: make(chan struct{}),
	}
}

// Start enters raw mode, spawns the shell and starts relaying its output.
// On failure every completed step is undone and the session stays Idle.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.SessionStateIdle {
		return fmt.Errorf("%w: cannot start a session that is %s", model.ErrInvalidState, s.state)
	}

	guard, err := s.acquireTerminal()
	if err != nil {
		return s.failStart("attribute", err)
	}

	proc, err := pty.Spawn(pty.StartOptions{
		Shell:  s.opts.Shell,
		Args:   s.opts.Args,
		Env:    s.opts.Env,
		Term:   s.opts.Term,
		Dir:    s.opts.Dir,
		Rows:   s.opts.Rows,
		Cols:   s.opts.Cols,
		Logger: s.log,
	})
	if err != nil {
		if guard != nil {
			if rerr := guard.Release(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return s.failStart("spawn", err)
	}

	r := relay.New(proc.Handle(), s.opts.Sink, relay.Options{
		BufferSize: s.opts.ReadBufferSize,
		Logger:     s.log,
		OnRead:     s.opts.Metrics.AddOutput,
	})

	s.guard = guard
	s.proc = proc
	s.relay = r
	s.state = model.SessionStateActive
	delete(s.lastErr, OpStart)

	r.Start()
	go s.watch(r)

	s.opts.Metrics.SessionStarted()
	s.log.Info("session started", zap.String("shell", proc.Shell()), zap.Int("pid", proc.PID()))
	return nil
}

// acquireTerminal puts the controlling terminal into raw mode according to
// the RawMode policy. A nil guard means raw mode was not used.
func (s *Session) acquireTerminal() (*termmode.Guard, error) {
	if s.opts.Terminal == nil || s.opts.RawMode == RawModeOff {
		return nil, nil
	}
	fd := int(s.opts.Terminal.Fd())
	if s.opts.RawMode == RawModeAuto && !termmode.IsTerminal(fd) {
		s.log.Debug("controlling descriptor is not a terminal, skipping raw mode", zap.Int("fd", fd))
		return nil, nil
	}
	return termmode.Acquire(fd, termmode.WithLogger(s.log))
}

func (s *Session) failStart(cause string, err error) error {
	s.lastErr[OpStart] = err
	s.opts.Metrics.StartFailed(cause)
	s.log.Warn("session failed to start", zap.String("cause", cause), zap.Error(err))
	return err
}

// watch turns the end of the relay into a shutdown.
func (s *Session) watch(r *relay.Relay) {
	<-r.Done()
	reason := model.EndReasonEOF
	err := r.Err()
	if err != nil {
		reason = model.EndReasonRelayError
		s.mu.Lock()
		s.lastErr[OpRelay] = err
		s.mu.Unlock()
	}
	s.shutdown(reason, err)
}

// Send writes p to the shell. Delivery is asynchronous: output produced in
// response arrives through the Sink. A failed write ends the session.
func (s *Session) Send(p []byte) error {
	s.mu.Lock()
	state, stopping, proc := s.state, s.stopping, s.proc
	s.mu.Unlock()

	switch {
	case state == model.SessionStateIdle:
		return fmt.Errorf("%w: session has not been started", model.ErrInvalidState)
	case state == model.SessionStateStopped || stopping:
		return model.ErrSessionClosed
	}
	if len(p) == 0 {
		return nil
	}

	n, err := proc.Handle().Write(p)
	s.opts.Metrics.AddInput(n)
	if err != nil {
		err = fmt.Errorf("%w: %w", model.ErrSessionClosed, err)
		s.mu.Lock()
		s.lastErr[OpSend] = err
		s.mu.Unlock()
		s.log.Warn("write to shell failed, ending session", zap.Error(err))
		go s.shutdown(model.EndReasonWriteFailed, err)
		return err
	}
	return nil
}

// Resize changes the shell's window size.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	state, stopping, proc := s.state, s.stopping, s.proc
	s.mu.Unlock()

	if state != model.SessionStateActive || stopping {
		return fmt.Errorf("%w: cannot resize a session that is %s", model.ErrInvalidState, state)
	}
	return proc.Handle().Resize(rows, cols)
}

// Stop ends an Active session and blocks until shutdown has finished. Steps
// that fail or time out are reported once, as an error wrapping
// model.ErrStopIncomplete; the session is Stopped either way. Stopping a
// Stopped session returns nil.
func (s *Session) Stop() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == model.SessionStateIdle {
		return fmt.Errorf("%w: session has not been started", model.ErrInvalidState)
	}
	return s.shutdown(model.EndReasonStopped, nil)
}

// Close stops an Active session and retires an Idle one. It is safe to call
// any number of times.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == model.SessionStateIdle {
		s.state = model.SessionStateStopped
		s.stopping = true
		close(s.stopped)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.shutdown(model.EndReasonStopped, nil)
}

// shutdown runs the stop sequence once. Callers that lose the race wait for
// the winner and get nil.
func (s *Session) shutdown(reason model.EndReason, cause error) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.stopped
		return nil
	}
	s.stopping = true
	guard, proc, r := s.guard, s.proc, s.relay
	s.mu.Unlock()

	began := time.Now()
	timeout := s.opts.StopTimeout
	var errs []error

	if err := proc.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := r.Wait(timeout); errors.Is(err, model.ErrRelayJoinTimeout) {
		errs = append(errs, err)
	}
	if guard != nil {
		if err := guard.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := proc.Reap(timeout); err != nil {
		errs = append(errs, err)
	}

	var stopErr error
	if len(errs) > 0 {
		stopErr = fmt.Errorf("%w: %w", model.ErrStopIncomplete, errors.Join(errs...))
		s.log.Warn("session stopped with warnings", zap.String("reason", string(reason)), zap.Error(stopErr))
	}

	code, _ := proc.ExitCode()
	outcome := Outcome{Reason: reason, ExitCode: code, Err: cause, StopErr: stopErr}

	s.mu.Lock()
	s.state = model.SessionStateStopped
	s.outcome = outcome
	if stopErr != nil {
		s.lastErr[OpStop] = stopErr
	}
	s.mu.Unlock()
	close(s.stopped)

	s.opts.Metrics.SessionEnded(string(reason), time.Since(began), r.Stats().QueuePeak)
	s.log.Info("session stopped",
		zap.String("reason", string(reason)),
		zap.Int("exit_code", code),
		zap.Duration("took", time.Since(began)))

	if s.opts.OnEnd != nil {
		s.opts.OnEnd(outcome)
	}
	return stopErr
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel that is closed once the session is Stopped.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Outcome returns how the session ended. It is the zero Outcome until Done is closed.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// LastError returns the most recent error recorded for op, or nil.
func (s *Session) LastError(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr[op]
}

// PID returns the shell's process ID, or 0 if the session never started.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Shell returns the resolved shell path, or "" if the session never started.
func (s *Session) Shell() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return ""
	}
	return s.proc.Shell()
}

// RelayStats returns the output relay counters.
func (s *Session) RelayStats() relay.Stats {
	s.mu.Lock()
	r := s.relay
	s.mu.Unlock()
	if r == nil {
		return relay.Stats{}
	}
	return r.Stats()
}
