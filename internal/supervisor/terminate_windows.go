//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {}

func newTerminator(cmd *exec.Cmd) processTerminator {
	return &taskkillTerminator{cmd: cmd}
}

// taskkillTerminator uses taskkill /T to reach the whole process tree, since
// POSIX process groups are unavailable.
type taskkillTerminator struct {
	cmd *exec.Cmd
}

func (t *taskkillTerminator) terminate(grace time.Duration, exited <-chan struct{}) {
	if t.cmd.Process == nil {
		return
	}
	pid := strconv.Itoa(t.cmd.Process.Pid)

	_ = exec.Command("taskkill", "/PID", pid, "/T").Run()

	select {
	case <-exited:
	case <-time.After(grace):
		_ = exec.Command("taskkill", "/PID", pid, "/T", "/F").Run()
	}
}
