//go:build windows

package agent

import (
	"os/exec"
	"time"
)

// setProcGroup is a no-op on Windows beyond the WaitDelay; process groups as
// used on Unix do not exist, so cancellation kills only the direct child.
func setProcGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 3 * time.Second
}

// terminateGroup kills the direct child process.
func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// shellBin is the platform shell used for Shell invocations.
func shellBin() string { return "cmd" }

// shellFlag is the flag that makes the shell execute its argument.
func shellFlag() string { return "/C" }
