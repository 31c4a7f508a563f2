//go:build !linux && !darwin && !freebsd

package qemu

import (
	"os/exec"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
