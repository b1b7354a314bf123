package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
)

// timeoutMarker is appended to stderr when a subprocess is terminated by its
// timeout, so downstream output parsing can tell a timeout from a crash.
const timeoutMarker = "[timeout] process terminated after %s"

// Runner executes invocations and tracks every live subprocess so StopAll can
// terminate them as a group. The zero value is not usable; use NewRunner.
type Runner struct {
	logger *log.Logger

	mu     sync.Mutex
	nextID int
	procs  map[int]*exec.Cmd
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{
		logger: logging.New("agent"),
		procs:  make(map[int]*exec.Cmd),
	}
}

// Run executes the invocation and returns its captured result. A non-zero
// exit is reported in Result.ExitCode, not as an error; the error return is
// reserved for failures to start or wait on the process.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if inv.Shell {
		cmd = exec.CommandContext(runCtx, shellBin(), shellFlag(), inv.Command)
	} else {
		cmd = exec.CommandContext(runCtx, inv.Command, inv.Args...)
	}
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)

	// Stdin stays nil so the child reads from the null device and cannot
	// block on an interactive prompt.
	setProcGroup(cmd)

	var stdout, stderr bytes.Buffer
	var logFile *os.File
	if inv.LogPath != "" {
		f, err := os.OpenFile(inv.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("agent: opening log %s: %w", inv.LogPath, err)
		}
		logFile = f
		defer logFile.Close()
		cmd.Stdout = io.MultiWriter(&stdout, logFile)
		cmd.Stderr = io.MultiWriter(&stderr, logFile)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	r.logger.Debug("running subprocess",
		"command", inv.Command,
		"shell", inv.Shell,
		"dir", inv.Dir,
		"timeout", inv.Timeout,
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: starting %s: %w", inv.Command, err)
	}

	id := r.register(cmd)
	waitErr := cmd.Wait()
	r.unregister(id)

	duration := time.Since(start)
	timedOut := inv.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if timedOut {
			// The group kill can surface as a non-exit error; the timeout
			// result below carries the real story.
			exitCode = -1
		} else {
			return nil, fmt.Errorf("agent: waiting for %s: %w", inv.Command, waitErr)
		}
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
		TimedOut: timedOut,
	}
	if timedOut {
		marker := fmt.Sprintf(timeoutMarker, inv.Timeout)
		res.Stderr += "\n" + marker + "\n"
		if logFile != nil {
			fmt.Fprintln(logFile, marker)
		}
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		r.logger.Warn("subprocess timed out", "command", inv.Command, "after", inv.Timeout)
	}
	return res, nil
}

// StopAll terminates every tracked subprocess. Used when a run is cancelled
// or the orchestrator stops.
func (r *Runner) StopAll() {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.procs))
	for _, cmd := range r.procs {
		cmds = append(cmds, cmd)
	}
	r.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			r.logger.Debug("terminating subprocess", "pid", cmd.Process.Pid)
			terminateGroup(cmd)
		}
	}
}

// Active returns the number of tracked subprocesses.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *Runner) register(cmd *exec.Cmd) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.procs[r.nextID] = cmd
	return r.nextID
}

func (r *Runner) unregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
}
