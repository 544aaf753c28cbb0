//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr detaches the child into its own console process
// group. Whole-tree containment comes from the job object, not from the
// process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// gracefulSignal delivers a best-effort cooperative interrupt. Windows has
// no SIGTERM equivalent for arbitrary processes; the escalation path covers
// processes that cannot observe the interrupt.
func gracefulSignal(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	return nil
}

// killProcessGroup kills the direct child. Used only during start rollback,
// before the process has been assigned to its job object.
func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
