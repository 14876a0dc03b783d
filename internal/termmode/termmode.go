// Package termmode captures, switches and restores the mode of a terminal
// device. A Guard ties raw mode to a scope: whatever happens to the owner,
// the attributes captured on Acquire are put back exactly once.
package termmode

import (
	"fmt"

	"golang.org/x/term"

	"github.com/moodterm/moodterm/internal/model"
)

// Attributes is an immutable snapshot of a terminal's mode flags.
type Attributes struct {
	fd    int
	state *term.State
}

// FD returns the descriptor the snapshot was taken from.
func (a Attributes) FD() int {
	return a.fd
}

// IsZero reports whether the snapshot is empty.
func (a Attributes) IsZero() bool {
	return a.state == nil
}

// IsTerminal reports whether fd refers to a terminal device.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Capture snapshots the current attributes of the terminal behind fd.
func Capture(fd int) (Attributes, error) {
	if !term.IsTerminal(fd) {
		return Attributes{}, fmt.Errorf("%w: descriptor %d is not a terminal", model.ErrAttributeRead, fd)
	}
	state, err := term.GetState(fd)
	if err != nil {
		return Attributes{}, fmt.Errorf("%w: %w", model.ErrAttributeRead, err)
	}
	return Attributes{fd: fd, state: state}, nil
}

// InstallRaw switches the terminal behind fd to raw mode: no echo, no line
// buffering, no signal characters. The change applies to every descriptor
// sharing that terminal.
func InstallRaw(fd int) error {
	if _, err := term.MakeRaw(fd); err != nil {
		return fmt.Errorf("%w: %w", model.ErrAttributeWrite, err)
	}
	return nil
}

// Restore reinstates a snapshot. Restoring the same snapshot twice leaves the
// terminal in the same state.
func Restore(fd int, attrs Attributes) error {
	if attrs.IsZero() {
		return nil
	}
	if err := term.Restore(fd, attrs.state); err != nil {
		return fmt.Errorf("%w: restore: %w", model.ErrAttributeWrite, err)
	}
	return nil
}
