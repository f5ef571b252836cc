//go:build unix

package sandbox

import (
	"fmt"
	"os/exec"
	"syscall"
)

// configureKill places the child in its own process group and kills the whole
// group on cancellation, so anything the submitted program forked dies with
// it instead of outliving the wall clock.
func configureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// memoryBoundedArgv wraps argv so the kernel enforces the address-space
// ceiling on the child and everything it spawns.
func memoryBoundedArgv(argv []string, memoryMiB int64) []string {
	script := fmt.Sprintf("ulimit -v %d && exec \"$@\"", memoryMiB*1024)
	return append([]string{"/bin/sh", "-c", script, "run"}, argv...)
}
