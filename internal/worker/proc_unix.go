//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the worker in its own process group so that tool
// subprocesses it spawns are signalled with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate asks the worker's process group to exit.
func terminate(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGTERM)
}

// kill forcibly stops the worker's process group.
func kill(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
