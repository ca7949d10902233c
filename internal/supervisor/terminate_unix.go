//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup places the child in its own process group so termination
// reaches every descendant, not just the immediate child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func newTerminator(cmd *exec.Cmd) processTerminator {
	return &pgroupTerminator{cmd: cmd}
}

// pgroupTerminator signals the whole process group: SIGTERM first, SIGKILL
// after the grace period if the process has not exited.
type pgroupTerminator struct {
	cmd *exec.Cmd
}

func (t *pgroupTerminator) terminate(grace time.Duration, exited <-chan struct{}) {
	if t.cmd.Process == nil {
		return
	}
	pid := t.cmd.Process.Pid

	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Process already gone or group lookup failed; fall back to the
		// direct PID so at least the child is signaled.
		pgid = pid
	}

	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
