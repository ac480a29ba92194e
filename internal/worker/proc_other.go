//go:build !unix

package worker

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// terminate has no graceful variant here; the process is killed outright.
func terminate(cmd *exec.Cmd) {
	kill(cmd)
}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
