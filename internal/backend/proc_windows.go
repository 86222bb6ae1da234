//go:build windows

package backend

import (
	"os/exec"
	"time"
)

func configureShellProcess(cmd *exec.Cmd) {}

func terminateShellProcess(cmd *exec.Cmd, _ time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
