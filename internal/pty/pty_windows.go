//go:build windows

package pty

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/UserExistsError/conpty"
)

const (
	shellEnvVar   = "COMSPEC"
	fallbackShell = "cmd.exe"
)

// windowsPTY implements the PTY interface for Windows using ConPTY.
type windowsPTY struct {
	cpty *conpty.ConPty
}

// Read reads data from the PTY output.
func (p *windowsPTY) Read(b []byte) (int, error) {
	return p.cpty.Read(b)
}

// Write writes data to the PTY input.
func (p *windowsPTY) Write(b []byte) (int, error) {
	return p.cpty.Write(b)
}

// Close closes the pseudo console and its pipes; a pending Read fails.
func (p *windowsPTY) Close() error {
	return p.cpty.Close()
}

// Resize changes the PTY window size.
func (p *windowsPTY) Resize(rows, cols uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// SetReadDeadline is a no-op: ConPTY pipes have no deadlines, and Close
// shuts the pseudo console down, which ends a pending Read.
func (p *windowsPTY) SetReadDeadline(time.Time) error {
	return nil
}

// start runs the shell inside a pseudo console (Windows 10 1809+).
func start(shell string, args, env []string, dir string, rows, cols uint16) (PTY, child, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, syscall.EscapeArg(shell))
	for _, a := range args {
		parts = append(parts, syscall.EscapeArg(a))
	}

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(int(cols), int(rows)),
		conpty.ConPtyEnv(env),
	}
	if dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(dir))
	}

	cpty, err := conpty.Start(strings.Join(parts, " "), opts...)
	if err != nil {
		return nil, child{}, err
	}

	pid := cpty.Pid()
	return &windowsPTY{cpty: cpty}, child{
		pid: pid,
		wait: func() (int, error) {
			code, err := cpty.Wait(context.Background())
			return int(code), err
		},
		kill: func() error {
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			return proc.Kill()
		},
	}, nil
}
