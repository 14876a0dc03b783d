//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	shellEnvVar   = "SHELL"
	fallbackShell = "/bin/sh"
)

// unixPTY implements the PTY interface on top of a /dev/ptmx master.
//
// The master is a non-blocking descriptor registered with the runtime
// poller, so SetReadDeadline and Close both wake a pending Read. Fd must not
// be called on it: that switches the descriptor back to blocking mode.
type unixPTY struct {
	master *os.File
}

// Read reads data from the PTY output.
func (p *unixPTY) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

// Write writes data to the PTY input.
func (p *unixPTY) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Close closes the PTY master file descriptor.
func (p *unixPTY) Close() error {
	return p.master.Close()
}

// Resize changes the PTY window size.
func (p *unixPTY) Resize(rows, cols uint16) error {
	raw, err := p.master.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	if err := raw.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
	}); err != nil {
		return err
	}
	return ioctlErr
}

// SetReadDeadline wakes a pending Read.
func (p *unixPTY) SetReadDeadline(t time.Time) error {
	return p.master.SetReadDeadline(t)
}

// start execs the shell on a new pty. The library starts the child in its
// own session with the slave as controlling terminal, and closes the slave
// in the parent once the child has it.
//
// Exec failures never run code in the forked child: the runtime reports
// them back to the parent over a close-on-exec pipe and the child exits.
func start(shell string, args, env []string, dir string, rows, cols uint16) (PTY, child, error) {
	cmd := exec.Command(shell, args...)
	cmd.Env = env
	cmd.Dir = dir

	master, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, child{}, err
	}

	pollable, err := pollableMaster(master)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, child{}, fmt.Errorf("prepare pty master: %w", err)
	}

	return &unixPTY{master: pollable}, child{
		pid:  cmd.Process.Pid,
		wait: func() (int, error) { return waitCmd(cmd) },
		kill: cmd.Process.Kill,
	}, nil
}

// pollableMaster replaces the blocking master returned by the library with a
// non-blocking duplicate that os.NewFile registers with the runtime poller.
// The original descriptor is closed.
func pollableMaster(master *os.File) (*os.File, error) {
	defer master.Close()

	raw, err := master.SyscallConn()
	if err != nil {
		return nil, err
	}
	dup := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dup, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return nil, err
	}
	return os.NewFile(uintptr(dup), master.Name()), nil
}

// waitCmd waits for the process to exit and returns the exit code.
// Returns -1 if the process was killed by a signal.
func waitCmd(cmd *exec.Cmd) (int, error) {
	err := cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
