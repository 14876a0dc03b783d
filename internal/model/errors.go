package model

import "errors"

var (
	// ErrAttributeRead is returned when terminal attributes cannot be queried,
	// usually because the descriptor is not a terminal.
	ErrAttributeRead = errors.New("failed to read terminal attributes")

	// ErrAttributeWrite is returned when terminal attributes cannot be applied.
	ErrAttributeWrite = errors.New("failed to write terminal attributes")

	// ErrSpawn is returned when the pseudoterminal cannot be allocated or the shell cannot be executed.
	ErrSpawn = errors.New("failed to spawn shell")

	// ErrRelayRead is returned when reading the PTY master fails for a reason other than end-of-file.
	ErrRelayRead = errors.New("failed to read from pty")

	// ErrClosedHandle is returned for I/O on a PTY handle after the master was released.
	ErrClosedHandle = errors.New("pty handle is closed")

	// ErrSessionClosed is returned when writing to a session whose shell has exited.
	ErrSessionClosed = errors.New("session is closed")

	// ErrInvalidState is returned when an operation is not allowed in the session's current state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrTerminalBusy is returned when another session already holds raw mode on a terminal.
	ErrTerminalBusy = errors.New("terminal is already in raw mode")

	// ErrRelayJoinTimeout is returned when the output relay does not finish within the stop timeout.
	ErrRelayJoinTimeout = errors.New("timed out waiting for output relay")

	// ErrReapTimeout is returned when the shell does not exit within the stop timeout.
	ErrReapTimeout = errors.New("timed out waiting for shell to exit")

	// ErrStopIncomplete wraps the warnings collected while stopping a session.
	ErrStopIncomplete = errors.New("session stopped with warnings")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidEnv is returned when a create request carries an empty environment variable name.
	ErrInvalidEnv = errors.New("environment variable name must not be empty")

	// ErrConcurrencyLimit is returned when the maximum number of concurrent sessions is reached.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")
)
