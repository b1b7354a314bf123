//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup configures cmd to run in its own process group and sets up
// Cancel/WaitDelay so that context cancellation terminates the entire group
// (including grandchildren spawned by a shell) rather than only the direct
// child. Cancel sends SIGTERM first; WaitDelay bounds how long a process that
// ignores it can hold the pipes open before they are forcibly closed.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID addresses the whole group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 3 * time.Second
}

// terminateGroup force-kills a running command's process group. Used by
// StopAll, where no grace period applies.
func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// shellBin is the platform shell used for Shell invocations.
func shellBin() string { return "sh" }

// shellFlag is the flag that makes the shell execute its argument.
func shellFlag() string { return "-c" }
