//go:build !windows

package termmode

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/moodterm/moodterm/internal/model"
)

// openTerminal returns the slave side of a fresh pseudoterminal pair, which
// behaves like a real controlling terminal for attribute purposes.
func openTerminal(t *testing.T) int {
	t.Helper()
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		tty.Close()
		ptmx.Close()
	})
	return int(tty.Fd())
}

func snapshot(t *testing.T, fd int) term.State {
	t.Helper()
	st, err := term.GetState(fd)
	require.NoError(t, err)
	return *st
}

func TestCapture_NotATerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "plain.txt"))
	require.NoError(t, err)
	defer f.Close()

	_, err = Capture(int(f.Fd()))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAttributeRead)
}

func TestInstallRaw_NotATerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "plain.txt"))
	require.NoError(t, err)
	defer f.Close()

	err = InstallRaw(int(f.Fd()))
	assert.ErrorIs(t, err, model.ErrAttributeWrite)
}

func TestRestore_ZeroAttributesIsNoop(t *testing.T) {
	assert.NoError(t, Restore(-1, Attributes{}))
}

func TestAcquireRelease_RestoresOriginalAttributes(t *testing.T) {
	fd := openTerminal(t)
	before := snapshot(t, fd)

	g, err := Acquire(fd)
	require.NoError(t, err)
	assert.True(t, Held(fd))
	assert.Equal(t, fd, g.FD())
	assert.False(t, g.Attributes().IsZero())

	during := snapshot(t, fd)
	assert.NotEqual(t, before, during, "raw mode should change the terminal attributes")

	require.NoError(t, g.Release())
	assert.True(t, g.Released())
	assert.False(t, Held(fd))
	assert.Equal(t, before, snapshot(t, fd))
}

func TestRelease_Idempotent(t *testing.T) {
	fd := openTerminal(t)
	before := snapshot(t, fd)

	g, err := Acquire(fd)
	require.NoError(t, err)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())
	assert.Equal(t, before, snapshot(t, fd))
}

func TestRestore_SameSnapshotTwice(t *testing.T) {
	fd := openTerminal(t)
	attrs, err := Capture(fd)
	require.NoError(t, err)
	before := snapshot(t, fd)

	require.NoError(t, InstallRaw(fd))
	require.NoError(t, Restore(fd, attrs))
	require.NoError(t, Restore(fd, attrs))
	assert.Equal(t, before, snapshot(t, fd))
}

func TestAcquire_Busy(t *testing.T) {
	fd := openTerminal(t)

	g, err := Acquire(fd)
	require.NoError(t, err)

	_, err = Acquire(fd)
	assert.ErrorIs(t, err, model.ErrTerminalBusy)

	require.NoError(t, g.Release())

	g2, err := Acquire(fd)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestAcquire_SameTerminalThroughAnotherDescriptor(t *testing.T) {
	fd := openTerminal(t)
	dup, err := syscall.Dup(fd)
	require.NoError(t, err)
	defer syscall.Close(dup)
	before := snapshot(t, fd)

	g, err := Acquire(fd)
	require.NoError(t, err)
	assert.True(t, Held(dup))

	_, err = Acquire(dup)
	assert.ErrorIs(t, err, model.ErrTerminalBusy)

	require.NoError(t, g.Release())
	assert.Equal(t, before, snapshot(t, fd))
	assert.False(t, Held(dup))
}

func TestAcquire_RacingRestoreAllNeverLeavesRaw(t *testing.T) {
	fd := openTerminal(t)
	before := snapshot(t, fd)

	for range 200 {
		done := make(chan struct{})
		go func() {
			defer close(done)
			RestoreAll()
		}()
		g, err := Acquire(fd)
		<-done
		if err == nil {
			require.NoError(t, g.Release())
		}
		require.Equal(t, before, snapshot(t, fd))
		require.False(t, Held(fd))
	}
}

func TestDefaultSignalsIncludeInterrupt(t *testing.T) {
	assert.Contains(t, DefaultSignals, os.Signal(syscall.SIGINT))
	assert.Contains(t, DefaultSignals, os.Signal(syscall.SIGTERM))
}

func TestAcquire_NotATerminalLeavesNoReservation(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "plain.txt"))
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	_, err = Acquire(fd)
	assert.ErrorIs(t, err, model.ErrAttributeRead)
	assert.False(t, Held(fd))
}

func TestRestoreAll(t *testing.T) {
	fd1 := openTerminal(t)
	fd2 := openTerminal(t)
	before1 := snapshot(t, fd1)
	before2 := snapshot(t, fd2)

	g1, err := Acquire(fd1)
	require.NoError(t, err)
	g2, err := Acquire(fd2)
	require.NoError(t, err)

	require.NoError(t, RestoreAll())
	assert.True(t, g1.Released())
	assert.True(t, g2.Released())
	assert.Equal(t, before1, snapshot(t, fd1))
	assert.Equal(t, before2, snapshot(t, fd2))

	// Owners releasing afterwards must not fail.
	assert.NoError(t, g1.Release())
	assert.NoError(t, g2.Release())
}

func TestNotifyOnSignals_RestoresBeforeCallback(t *testing.T) {
	fd := openTerminal(t)
	before := snapshot(t, fd)

	g, err := Acquire(fd)
	require.NoError(t, err)

	got := make(chan bool, 1)
	stop := NotifyOnSignals(context.Background(), nil, func(os.Signal) {
		got <- g.Released()
	}, syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case released := <-got:
		assert.True(t, released, "guard should be released before the callback runs")
	case <-time.After(5 * time.Second):
		t.Fatal("signal handler did not run")
	}
	assert.Equal(t, before, snapshot(t, fd))
}
