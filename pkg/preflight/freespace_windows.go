//go:build windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// FreeSpace returns the number of bytes available to the caller on the volume holding path.
func FreeSpace(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("invalid path %s: %w", path, err)
	}
	var freeToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &totalFree); err != nil {
		return 0, fmt.Errorf("failed to query free space of %s: %w", path, err)
	}
	return freeToCaller, nil
}
