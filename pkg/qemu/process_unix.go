//go:build linux || darwin || freebsd

package qemu

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts QEMU in its own process group so that a SIGINT typed
// at the terminal only reaches the debugger.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills QEMU and anything it spawned.
func killProcessGroup(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
