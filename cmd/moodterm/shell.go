package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/muesli/cancelreader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/moodterm/moodterm/internal/config"
	"github.com/moodterm/moodterm/internal/logging"
	"github.com/moodterm/moodterm/internal/model"
	"github.com/moodterm/moodterm/internal/pty"
	"github.com/moodterm/moodterm/internal/recorder"
	"github.com/moodterm/moodterm/internal/relay"
	"github.com/moodterm/moodterm/internal/terminal"
	"github.com/moodterm/moodterm/internal/termmode"
)

type shellOptions struct {
	shell       string
	dir         string
	record      string
	logFile     string
	logLevel    string
	stopTimeout time.Duration
}

// exitCodeError carries the shell's exit status out of the command.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("shell exited with status %d", int(e))
}

func newShellCommand() *cobra.Command {
	var opts shellOptions
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Run an interactive shell in this terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.shell, "shell", "", "shell to run (default $SHELL)")
	f.StringVarP(&opts.dir, "dir", "C", "", "working directory for the shell")
	f.StringVar(&opts.record, "record", "", "record the session to an asciicast file")
	f.StringVar(&opts.logFile, "log-file", "", "write diagnostics to this file")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.DurationVar(&opts.stopTimeout, "stop-timeout", 0, "how long to wait for the shell when stopping")
	return cmd
}

func runShell(ctx context.Context, opts shellOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.shell == "" {
		opts.shell = cfg.Session.Shell
	}
	if opts.logFile == "" {
		opts.logFile = cfg.Logging.File
	}
	if opts.logLevel == "" {
		opts.logLevel = cfg.Logging.Level
	}
	if opts.stopTimeout <= 0 {
		opts.stopTimeout = cfg.Session.StopTimeout
	}

	// The terminal belongs to the shell, so logs only ever go to a file.
	log := zap.NewNop()
	if opts.logFile != "" {
		log, err = logging.New(logging.FileConfig(opts.logLevel, opts.logFile))
		if err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		defer log.Sync()
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("standard input is not a terminal")
	}

	rows, cols := windowSize(os.Stdout, cfg.Session.Rows, cfg.Session.Cols)
	termName := shellTerm(cfg.Session.Term)

	var rec *recorder.Recorder
	if opts.record != "" {
		rec, err = recorder.Create(opts.record, recorder.Header{
			Width:  int(cols),
			Height: int(rows),
			Env:    map[string]string{"SHELL": pty.ResolveShell(opts.shell), "TERM": firstNonEmpty(termName, os.Getenv("TERM"), pty.DefaultTerm)},
		})
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rec.Close(); cerr != nil {
				log.Warn("failed to close recording", zap.Error(cerr))
			}
		}()
	}

	ended := make(chan terminal.Outcome, 1)
	sinks := []relay.Sink{relay.WriterSink{W: os.Stdout}}
	if rec != nil {
		sinks = append(sinks, rec)
	}
	sess := terminal.New(terminal.Options{
		Shell:          opts.shell,
		Dir:            opts.dir,
		Term:           termName,
		Rows:           rows,
		Cols:           cols,
		Terminal:       os.Stdin,
		RawMode:        terminal.RawModeRequired,
		Sink:           relay.MultiSink(sinks...),
		OnEnd:          func(o terminal.Outcome) { ended <- o },
		ReadBufferSize: cfg.Session.ReadBufferSize,
		StopTimeout:    opts.stopTimeout,
		Logger:         log,
	})

	// Whatever happens below, the user's terminal comes back cooked.
	defer func() {
		if r := recover(); r != nil {
			termmode.RestoreAll()
			panic(r)
		}
	}()

	// Installed before Start so a signal arriving while the terminal is
	// switched still restores it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	uninstall := termmode.NotifyOnSignals(ctx, log, func(sig os.Signal) {
		log.Info("stopping shell after signal", zap.String("signal", sig.String()))
		cancel()
		if err := sess.Stop(); err != nil && !errors.Is(err, model.ErrInvalidState) {
			log.Warn("stop after signal incomplete", zap.Error(err))
		}
	})
	defer uninstall()

	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.Close()

	stopResize := watchResize(os.Stdout, func(rows, cols uint16) {
		if err := sess.Resize(rows, cols); err != nil {
			log.Debug("resize failed", zap.Error(err))
			return
		}
		if rec != nil {
			rec.Resize(rows, cols)
		}
	})
	defer stopResize()

	input, err := cancelreader.NewReader(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read standard input: %w", err)
	}
	defer input.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pumpInput(input, sess, rec, log)
	}()

	var outcome terminal.Outcome
	select {
	case outcome = <-ended:
	case <-ctx.Done():
		sess.Stop()
		outcome = <-ended
	}

	input.Cancel()
	wg.Wait()

	if outcome.StopErr != nil {
		log.Warn("session stopped with warnings", zap.Error(outcome.StopErr))
	}
	switch {
	case outcome.Reason == model.EndReasonRelayError, outcome.Reason == model.EndReasonWriteFailed:
		return outcome.Err
	case outcome.ExitCode != 0:
		return exitCodeError(outcome.ExitCode)
	}
	return nil
}

// pumpInput forwards keystrokes to the shell until the reader is canceled
// or the session stops accepting input.
func pumpInput(r io.Reader, sess *terminal.Session, rec *recorder.Recorder, log *zap.Logger) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := sess.Send(buf[:n]); serr != nil {
				log.Debug("input stopped", zap.Error(serr))
				return
			}
			if rec != nil {
				rec.Input(buf[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, cancelreader.ErrCanceled) && !errors.Is(err, io.EOF) {
				log.Warn("reading standard input failed", zap.Error(err))
			}
			return
		}
	}
}

// shellTerm returns the TERM to force on the shell. The shell draws on the
// user's own terminal, so its TERM is inherited unless moodterm is explicitly
// configured with one.
func shellTerm(configured string) string {
	for _, key := range []string{config.Prefix + "_TERM_NAME", "TERM_NAME"} {
		if _, ok := os.LookupEnv(key); ok {
			return configured
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// windowSize returns the size of f, or the given defaults if f is not a terminal.
func windowSize(f *os.File, rows, cols uint16) (uint16, uint16) {
	w, h, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return rows, cols
	}
	return uint16(h), uint16(w)
}
