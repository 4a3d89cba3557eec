//go:build !windows

package procexec

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGTERM)
}

func killGroup(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		// Negative pid addresses every process in the group (ffmpeg plus helpers).
		_ = unix.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}
