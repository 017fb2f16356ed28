//go:build unix

package agent

import (
	"os/exec"
	"syscall"
)

// killProcessGroup puts the agent in its own process group and makes
// cancellation kill the whole group, so helpers the agent spawned die too.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
