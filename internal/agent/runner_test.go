//go:build !windows

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	res, err := r.Run(context.Background(), Invocation{
		Command: "echo out; echo err >&2",
		Shell:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Zero(t, res.ExitCode)
	assert.True(t, res.Success())
	assert.Zero(t, r.Active())
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	res, err := r.Run(context.Background(), Invocation{
		Command: "exit 7",
		Shell:   true,
	})
	require.NoError(t, err, "non-zero exit is a result, not an error")
	assert.Equal(t, 7, res.ExitCode)
	assert.False(t, res.Success())
}

func TestRunEnvAndDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewRunner()
	res, err := r.Run(context.Background(), Invocation{
		Command: "echo $RALPH_TEST_VAR; pwd",
		Shell:   true,
		Dir:     dir,
		Env:     []string{"RALPH_TEST_VAR=hello"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "hello")
	assert.Contains(t, res.Stdout, filepath.Base(dir))
}

func TestRunStdinIsNullDevice(t *testing.T) {
	t.Parallel()

	// cat on the null device returns immediately; on an inherited terminal
	// it would block.
	r := NewRunner()
	res, err := r.Run(context.Background(), Invocation{
		Command: "cat",
		Shell:   true,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Empty(t, res.Stdout)
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	start := time.Now()
	res, err := r.Run(context.Background(), Invocation{
		Command: "sleep 10",
		Shell:   true,
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotZero(t, res.ExitCode)
	assert.Contains(t, res.Stderr, "[timeout]")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunMirrorsLogFile(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "output.log")
	r := NewRunner()
	_, err := r.Run(context.Background(), Invocation{
		Command: "echo mirrored",
		Shell:   true,
		LogPath: logPath,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mirrored")
}

func TestRunStartFailure(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	_, err := r.Run(context.Background(), Invocation{
		Command: "/no/such/binary-xyz",
	})
	assert.Error(t, err)
}

func TestRalphCommand(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	// No local binaries: fall back to the bare name.
	cmd, args := RalphCommand(root)
	assert.Equal(t, "ralph", cmd)
	assert.Empty(t, args)

	// Dependency-local binary wins over the bare name.
	binDir := filepath.Join(root, "node_modules", ".bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	local := filepath.Join(binDir, "ralph")
	require.NoError(t, os.WriteFile(local, []byte("#!/bin/sh\n"), 0o755))
	cmd, args = RalphCommand(root)
	assert.Equal(t, local, cmd)
	assert.Empty(t, args)

	// Bundled script wins over everything and runs under explicit node.
	bundled := filepath.Join(root, "bin", "ralph.mjs")
	require.NoError(t, os.MkdirAll(filepath.Dir(bundled), 0o755))
	require.NoError(t, os.WriteFile(bundled, []byte("// agent\n"), 0o644))
	cmd, args = RalphCommand(root)
	assert.Equal(t, "node", cmd)
	assert.Equal(t, []string{bundled}, args)
}
