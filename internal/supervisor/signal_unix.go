//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in a fresh process group so the
// graceful signal and the fallback kill reach its descendants too.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// gracefulSignal asks the process group to terminate cooperatively.
func gracefulSignal(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// killProcessGroup force-kills the child's process group. Used only during
// start rollback, before the process has joined its resource group.
func killProcessGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
