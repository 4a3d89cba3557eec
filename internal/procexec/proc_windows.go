//go:build windows

package procexec

import "os/exec"

func configureProcessGroup(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) {
	killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
