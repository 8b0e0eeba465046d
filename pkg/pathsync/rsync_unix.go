//go:build !windows

package pathsync

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts rsync in its own process group so that cancellation
// reaches its helper processes too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// A negative pid signals the whole group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
}
