// Package session runs many terminal sessions side by side, one per tab,
// and keeps their records, recordings and output history.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moodterm/moodterm/internal/buffer"
	"github.com/moodterm/moodterm/internal/driver"
	"github.com/moodterm/moodterm/internal/metrics"
	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/pty"
	"github.com/moodterm/moodterm/internal/recorder"
	"github.com/moodterm/moodterm/internal/relay"
	"github.com/moodterm/moodterm/internal/repository"
	"github.com/moodterm/moodterm/internal/terminal"
)

// Subscriber receives a session's output. Calls are made with the session's
// output lock held and must not block.
type Subscriber interface {
	// Replay is called once on Attach with the buffered history.
	Replay(history []byte)
	Output(c relay.Chunk)
	Event(ev driver.SmartEvent)
}

// Config holds configuration for the session manager.
type Config struct {
	CastDir        string
	MaxSessions    int
	HistorySize    int
	ReadBufferSize int
	StopTimeout    time.Duration
	Shell          string
	Term           string
	Rows           uint16
	Cols           uint16
}

// Manager manages terminal sessions.
type Manager struct {
	repo    *repository.SessionRepository
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionContext
	// starting holds ids whose shell is being spawned. They count against
	// the session limit and cannot be started a second time.
	starting map[string]struct{}
	closed   bool

	listenersMu sync.RWMutex
	onEnd       []func(model.Session)
}

// sessionContext holds the runtime state of one session.
type sessionContext struct {
	term     *terminal.Session
	recorder *recorder.Recorder

	// outMu orders history writes against subscriber changes so that every
	// subscriber sees each byte exactly once: either in its replay or live.
	outMu   sync.Mutex
	history *buffer.RingBuffer
	subs    map[Subscriber]struct{}

	// ended is closed after the end of the shell has been recorded.
	ended chan struct{}

	// recMu also orders the repository writes for this session.
	recMu  sync.Mutex
	record model.Session
}

// NewManager creates a new session manager.
func NewManager(repo *repository.SessionRepository, cfg Config, log *zap.Logger, m *metrics.Metrics) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64 * 1024
	}
	if cfg.Rows == 0 {
		cfg.Rows = pty.DefaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = pty.DefaultCols
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		repo:     repo,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*sessionContext),
		starting: make(map[string]struct{}),
	}
}

// RecoverOrphans marks sessions left Active by a previous process as stopped.
// Their shells died with that process.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	n, err := m.repo.StopOrphans(ctx, "server restarted")
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned sessions: %w", err)
	}
	if n > 0 {
		m.log.Info("marked orphaned sessions as stopped", zap.Int("count", n))
	}
	return n, nil
}

// OnEnd registers fn to be called with the final record whenever a session ends.
func (m *Manager) OnEnd(fn func(model.Session)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onEnd = append(m.onEnd, fn)
}

// Create starts a shell and persists its record.
func (m *Manager) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := m.reserve(id); err != nil {
		return nil, err
	}
	defer m.unreserve(id)

	now := time.Now()
	record := model.Session{
		ID:        id,
		Name:      req.Name,
		Shell:     pty.ResolveShell(firstNonEmpty(req.Shell, m.cfg.Shell)),
		Workdir:   req.Workdir,
		Env:       req.Env,
		State:     model.SessionStateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if record.Name == "" {
		record.Name = "Session " + id[:8]
	}
	if m.cfg.CastDir != "" {
		record.CastPath = filepath.Join(m.cfg.CastDir, id+".cast")
	}

	if err := m.repo.Create(ctx, &record); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	sc, err := m.start(ctx, record, req.Rows, req.Cols, nil)
	if err != nil {
		if derr := m.repo.Delete(context.WithoutCancel(ctx), id); derr != nil {
			m.log.Warn("failed to roll back session record", zap.String("session_id", id), zap.Error(derr))
		}
		return nil, err
	}

	snapshot := sc.snapshot()
	return &snapshot, nil
}

// reserve claims a start slot for id. It fails if the session limit is
// reached or id already has a shell running or starting.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: manager is closed", model.ErrInvalidState)
	}
	if _, busy := m.starting[id]; busy {
		return fmt.Errorf("%w: session is already starting", model.ErrInvalidState)
	}
	if sc, ok := m.sessions[id]; ok && sc.term.State() != model.SessionStateStopped {
		return fmt.Errorf("%w: session is already running", model.ErrInvalidState)
	}
	if n := m.activeLocked() + len(m.starting); n >= m.cfg.MaxSessions {
		return fmt.Errorf("%w: %d of %d sessions running", model.ErrConcurrencyLimit, n, m.cfg.MaxSessions)
	}
	m.starting[id] = struct{}{}
	return nil
}

// unreserve drops the start slot for id if start did not already.
func (m *Manager) unreserve(id string) {
	m.mu.Lock()
	delete(m.starting, id)
	m.mu.Unlock()
}

// start spawns the shell for record and registers it. The caller must hold
// a reservation for record.ID. seed is placed in the
// history ahead of the new shell's output.
func (m *Manager) start(ctx context.Context, record model.Session, rows, cols uint16, seed []byte) (*sessionContext, error) {
	if rows == 0 {
		rows = m.cfg.Rows
	}
	if cols == 0 {
		cols = m.cfg.Cols
	}
	log := m.log.With(zap.String("session_id", record.ID))

	sc := &sessionContext{
		history: buffer.NewRingBuffer(m.cfg.HistorySize),
		subs:    make(map[Subscriber]struct{}),
		ended:   make(chan struct{}),
		record:  record,
	}
	sc.record.State = model.SessionStateIdle
	sc.record.EndReason = model.EndReasonNone
	sc.history.Write(seed)

	// A TERM in the session's own env wins over the configured one; the
	// server's environment never decides it.
	termName := firstNonEmpty(record.Env["TERM"], m.cfg.Term, pty.DefaultTerm)

	if record.CastPath != "" {
		rec, err := recorder.Create(record.CastPath, recorder.Header{
			Width:  int(cols),
			Height: int(rows),
			Title:  record.Name,
			Env:    map[string]string{"SHELL": record.Shell, "TERM": termName},
		})
		if err != nil {
			log.Warn("recording disabled", zap.Error(err))
			sc.record.CastPath = ""
		} else {
			sc.recorder = rec
		}
	}

	sinks := []relay.Sink{relay.SinkFunc(sc.deliver), driver.Sink(driver.NewOSCDriver(), sc.emit)}
	if sc.recorder != nil {
		sinks = append(sinks, sc.recorder)
	}

	env := os.Environ()
	env = append(env, record.EnvList()...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sc.discardRecording(log)
		return nil, fmt.Errorf("%w: manager is closed", model.ErrInvalidState)
	}
	sc.term = terminal.New(terminal.Options{
		Shell:          record.Shell,
		Dir:            record.Workdir,
		Env:            env,
		Term:           termName,
		Rows:           rows,
		Cols:           cols,
		RawMode:        terminal.RawModeOff,
		Sink:           relay.MultiSink(sinks...),
		OnEnd:          func(o terminal.Outcome) { m.handleEnd(sc, o) },
		ReadBufferSize: m.cfg.ReadBufferSize,
		StopTimeout:    m.cfg.StopTimeout,
		Logger:         log,
		Metrics:        m.metrics,
	})
	if err := sc.term.Start(); err != nil {
		m.mu.Unlock()
		sc.discardRecording(log)
		return nil, err
	}
	m.sessions[record.ID] = sc
	delete(m.starting, record.ID)
	m.mu.Unlock()

	sc.activate(ctx, m.repo, sc.term.PID(), log)
	return sc, nil
}

// activate marks the record Active unless the shell already ended.
func (sc *sessionContext) activate(ctx context.Context, repo *repository.SessionRepository, pid int, log *zap.Logger) {
	sc.recMu.Lock()
	defer sc.recMu.Unlock()
	if sc.record.State == model.SessionStateStopped {
		return
	}
	sc.record.PID = &pid
	sc.record.State = model.SessionStateActive
	sc.record.EndReason = model.EndReasonNone
	sc.record.ExitCode = nil
	sc.record.LastError = ""
	sc.record.UpdatedAt = time.Now()
	if err := repo.MarkActive(ctx, sc.record.ID, pid); err != nil {
		log.Warn("failed to persist session state", zap.Error(err))
	}
}

// handleEnd persists how a session ended and notifies listeners.
func (m *Manager) handleEnd(sc *sessionContext, o terminal.Outcome) {
	code := o.ExitCode
	var lastErr string
	if err := errors.Join(o.Err, o.StopErr); err != nil {
		lastErr = err.Error()
	}

	defer close(sc.ended)

	sc.recMu.Lock()
	sc.record.State = model.SessionStateStopped
	sc.record.EndReason = o.Reason
	sc.record.ExitCode = &code
	sc.record.LastError = lastErr
	sc.record.UpdatedAt = time.Now()
	final := sc.record
	if err := m.repo.MarkStopped(context.Background(), final.ID, o.Reason, &code, lastErr); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		m.log.Warn("failed to persist session end", zap.String("session_id", final.ID), zap.Error(err))
	}
	sc.recMu.Unlock()

	sc.closeRecorder(m.log)

	m.listenersMu.RLock()
	listeners := append([]func(model.Session){}, m.onEnd...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(final)
	}
}

func (sc *sessionContext) deliver(c relay.Chunk) error {
	sc.outMu.Lock()
	defer sc.outMu.Unlock()
	sc.history.Write(c)
	for sub := range sc.subs {
		sub.Output(c)
	}
	return nil
}

func (sc *sessionContext) emit(ev driver.SmartEvent) {
	sc.outMu.Lock()
	for sub := range sc.subs {
		sub.Event(ev)
	}
	sc.outMu.Unlock()

	if ev.Type == driver.EventCwd {
		sc.recMu.Lock()
		sc.record.Cwd = ev.Value
		sc.recMu.Unlock()
	}
}

func (sc *sessionContext) snapshot() model.Session {
	sc.recMu.Lock()
	defer sc.recMu.Unlock()
	return sc.record
}

func (sc *sessionContext) closeRecorder(log *zap.Logger) {
	if sc.recorder == nil {
		return
	}
	if err := sc.recorder.Close(); err != nil {
		log.Warn("failed to close recording", zap.Error(err))
	}
}

func (sc *sessionContext) discardRecording(log *zap.Logger) {
	sc.closeRecorder(log)
	if sc.record.CastPath != "" {
		os.Remove(sc.record.CastPath)
	}
}

func (m *Manager) context(id string) (*sessionContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return sc, nil
}

// Get returns a session record, preferring the live copy.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	if sc, err := m.context(id); err == nil {
		s := sc.snapshot()
		return &s, nil
	}
	return m.repo.GetByID(ctx, id)
}

// List returns every known session, newest first.
func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	sessions, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i, s := range sessions {
		if sc, err := m.context(s.ID); err == nil {
			live := sc.snapshot()
			sessions[i] = &live
		}
	}
	return sessions, nil
}

// Write sends input to a session's shell.
func (m *Manager) Write(id string, data []byte) error {
	sc, err := m.context(id)
	if err != nil {
		return err
	}
	if err := sc.term.Send(data); err != nil {
		return err
	}
	if sc.recorder != nil {
		if err := sc.recorder.Input(data); err != nil && !errors.Is(err, recorder.ErrClosed) {
			m.log.Debug("failed to record input", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// Resize resizes a session's window.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	sc, err := m.context(id)
	if err != nil {
		return err
	}
	if err := sc.term.Resize(rows, cols); err != nil {
		return err
	}
	if sc.recorder != nil {
		sc.recorder.Resize(rows, cols)
	}
	return nil
}

// History returns the buffered output of a live session.
func (m *Manager) History(id string) ([]byte, error) {
	sc, err := m.context(id)
	if err != nil {
		return nil, err
	}
	return sc.history.ReadAll(), nil
}

// Attach replays a live session's history to sub and then streams its
// output. The returned function detaches sub.
func (m *Manager) Attach(id string, sub Subscriber) (func(), error) {
	sc, err := m.context(id)
	if err != nil {
		return nil, err
	}

	sc.outMu.Lock()
	sub.Replay(sc.history.ReadAll())
	sc.subs[sub] = struct{}{}
	sc.outMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sc.outMu.Lock()
			delete(sc.subs, sub)
			sc.outMu.Unlock()
		})
	}, nil
}

// Stop ends a session's shell. The record is kept. An error wrapping
// model.ErrStopIncomplete means the session stopped but some teardown step
// did not finish cleanly.
func (m *Manager) Stop(ctx context.Context, id string) (*model.Session, error) {
	sc, err := m.context(id)
	if err != nil {
		return nil, err
	}
	stopErr := sc.term.Stop()
	select {
	case <-sc.ended:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s := sc.snapshot()
	return &s, stopErr
}

// Restart starts a new shell for a stopped session, keeping its id and history.
func (m *Manager) Restart(ctx context.Context, id string) (*model.Session, error) {
	record, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.State == model.SessionStateActive {
		return nil, fmt.Errorf("%w: session is already running", model.ErrInvalidState)
	}
	if err := m.reserve(id); err != nil {
		return nil, err
	}
	defer m.unreserve(id)

	var history []byte
	if old, err := m.context(id); err == nil {
		// The old shell's end must be recorded before the new one starts,
		// or it would overwrite the new record.
		select {
		case <-old.ended:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		history = old.history.ReadAll()
	}

	sc, err := m.start(ctx, *record, 0, 0, history)
	if err != nil {
		return nil, err
	}

	s := sc.snapshot()
	return &s, nil
}

// Delete stops a session if needed and removes its record and recording.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	sc, live := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	var castPath string
	if live {
		if err := sc.term.Close(); err != nil {
			m.log.Warn("session stopped with warnings during delete", zap.String("session_id", id), zap.Error(err))
		}
		<-sc.ended
		castPath = sc.snapshot().CastPath
	} else if rec, err := m.repo.GetByID(ctx, id); err == nil {
		castPath = rec.CastPath
	}

	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	if castPath != "" {
		if err := os.Remove(castPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove recording", zap.String("path", castPath), zap.Error(err))
		}
	}
	return nil
}

// CastPath returns the recording path of a session, if it has one.
func (m *Manager) CastPath(ctx context.Context, id string) (string, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if s.CastPath == "" {
		return "", fmt.Errorf("%w: session %s has no recording", model.ErrSessionNotFound, id)
	}
	return s.CastPath, nil
}

// ActiveCount returns the number of sessions with a running shell.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, sc := range m.sessions {
		if sc.term.State() == model.SessionStateActive {
			n++
		}
	}
	return n
}

// MaxSessions returns the concurrent session limit.
func (m *Manager) MaxSessions() int {
	return m.cfg.MaxSessions
}

// Close stops every session. Records stay in the repository.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	contexts := make([]*sessionContext, 0, len(m.sessions))
	for _, sc := range m.sessions {
		contexts = append(contexts, sc)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(contexts))
	for i, sc := range contexts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sc.term.Close()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
