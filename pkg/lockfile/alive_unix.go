//go:build !windows

package lockfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else, so it counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, unix.ESRCH) {
		return false
	}
	return errors.Is(err, unix.EPERM)
}
