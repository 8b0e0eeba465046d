//go:build windows

package pathsync

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// setProcessGroup starts rsync in a new process group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}
