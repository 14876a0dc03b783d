package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, Version+"\n", out.String())
}

func TestRootCommand_SharesShellFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"shell", "dir", "record", "log-file", "log-level", "stop-timeout"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestRootCommand_RejectsUnknownFlag(t *testing.T) {
	err := run(context.Background(), []string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestExitCodeError(t *testing.T) {
	err := fmt.Errorf("session: %w", exitCodeError(3))

	var code exitCodeError
	require.True(t, errors.As(err, &code))
	assert.Equal(t, 3, int(code))
	assert.Contains(t, err.Error(), "status 3")
}

func TestShellTerm(t *testing.T) {
	t.Setenv("MOODTERM_TERM_NAME", "")
	t.Setenv("TERM_NAME", "")
	require.NoError(t, os.Unsetenv("MOODTERM_TERM_NAME"))
	require.NoError(t, os.Unsetenv("TERM_NAME"))
	assert.Empty(t, shellTerm("xterm-256color"), "inherit the user's TERM by default")

	t.Setenv("MOODTERM_TERM_NAME", "vt220")
	assert.Equal(t, "vt220", shellTerm("vt220"))
}
