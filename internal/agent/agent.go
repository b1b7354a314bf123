// Package agent executes agent CLIs and shell commands as subprocesses with
// captured output. Subprocesses read stdin from the null device so an agent
// that tries to prompt interactively fails fast instead of hanging a run.
// Every live process is tracked in the runner's registry so a stop request
// can terminate all of them.
package agent

import (
	"time"
)

// Invocation describes a single subprocess to run.
type Invocation struct {
	// Command is the binary to execute, or the full command line when Shell
	// is set.
	Command string

	// Args are the arguments. Ignored when Shell is set.
	Args []string

	// Shell runs Command through the platform shell ("sh -c").
	Shell bool

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra KEY=VALUE entries appended to the inherited environment.
	Env []string

	// Timeout bounds the subprocess. Zero means no timeout. On expiry the
	// process group receives a soft-terminate signal and the output is
	// annotated with a timeout marker.
	Timeout time.Duration

	// LogPath optionally mirrors combined output to a file as it arrives.
	LogPath string
}

// Result is the captured outcome of a subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// TimedOut is set when the process was terminated by its timeout.
	TimedOut bool
}

// Success reports whether the process exited zero without timing out.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}
