// Package preflight provides the checks that run before an operation touches
// the backup destination. They are stateless and never modify the filesystem.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkerFileName is the file whose presence marks a directory as a backup destination.
const MarkerFileName = "backup.marker"

// ErrMarkerMissing is returned when the destination lacks the backup marker.
var ErrMarkerMissing = errors.New("backup marker not found")

// ErrUnsafeArgument is returned for command line arguments containing quote characters.
var ErrUnsafeArgument = errors.New("argument contains a quote character")

// MarkerPath returns the path of the backup marker for dest.
func MarkerPath(dest string) string {
	return filepath.Join(dest, MarkerFileName)
}

// CheckBackupMarker verifies that dest carries a backup marker. The marker is
// never created automatically; the error tells the user how to create it.
func CheckBackupMarker(dest string) error {
	markerPath := MarkerPath(dest)
	info, err := os.Stat(markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s is not a backup destination; if it is, run: touch %q",
				ErrMarkerMissing, dest, markerPath)
		}
		return fmt.Errorf("cannot stat backup marker %s: %w", markerPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory, expected a file", ErrMarkerMissing, markerPath)
	}
	return nil
}

// ValidateArguments rejects any argument containing a single or double quote.
func ValidateArguments(args ...string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, `'"`) {
			return fmt.Errorf("%w: %s", ErrUnsafeArgument, arg)
		}
	}
	return nil
}

// CheckBackupSourceAccessible validates that the source path exists and is a directory.
func CheckBackupSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckDestinationAccessible validates that the destination exists and is a directory.
// Unlike the source, a missing destination is never created.
func CheckDestinationAccessible(dest string) error {
	info, err := os.Stat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("destination directory %s does not exist", dest)
		}
		return fmt.Errorf("cannot access destination %s: %w", dest, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", dest)
	}
	return nil
}

// CheckExclusionFile validates that the exclusion file, if given, is a readable regular file.
func CheckExclusionFile(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("exclusion file %s does not exist", path)
		}
		return fmt.Errorf("cannot stat exclusion file %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("exclusion file %s is not a regular file", path)
	}
	return nil
}

// CheckPathNesting rejects a destination that is the source or lies inside it.
func CheckPathNesting(src, dest string) error {
	rel, err := filepath.Rel(src, dest)
	if err != nil {
		return nil
	}
	if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return fmt.Errorf("destination %s must not be inside source %s", dest, src)
	}
	return nil
}
