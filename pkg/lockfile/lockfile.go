// Package lockfile manages the in-progress lock of a backup destination.
//
// The lock is a plain file named backup.inprogress at the destination root
// whose content is the decimal PID of the owning process followed by a newline.
// Its presence after a crash is what tells the next run to resume instead of
// starting over. Mutual exclusion is advisory: a lock whose PID is not alive
// is stale and may be taken over.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

// FileName is the name of the lock file created at the destination root.
const FileName = "backup.inprogress"

// ErrLockActive is returned when the lock is held by another live process.
type ErrLockActive struct {
	PID  int
	Path string
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("backup already in progress: lock %s is held by running process %d", e.Path, e.PID)
}

// ErrCorruptLockFile indicates that the lock file is empty or does not contain a PID.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// AliveFunc reports whether a process id belongs to a running process.
type AliveFunc func(pid int) bool

// State describes what was found at the lock path.
type State int

const (
	// StateAbsent means no lock file exists.
	StateAbsent State = iota
	// StateStale means a lock exists but its owner is gone (or it is unreadable, or it is ours).
	StateStale
	// StateActive means a lock exists and its owner is alive.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStale:
		return "stale"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the result of Inspect.
type Status struct {
	State State
	// PID is the owner recorded in the lock. Zero when absent or corrupt.
	PID int
}

// Path returns the lock file path for dest.
func Path(dest string) string {
	return filepath.Join(dest, FileName)
}

// Inspect reads the lock at dest and classifies it. A nil alive uses IsAlive.
// A lock carrying our own PID is reported as stale: it can only be left over
// from an earlier process that happened to have the same id.
func Inspect(dest string, alive AliveFunc) (Status, error) {
	if alive == nil {
		alive = IsAlive
	}
	lockPath := Path(dest)

	pid, err := readLockContentSafely(lockPath)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return Status{State: StateAbsent}, nil
	case errors.Is(err, ErrCorruptLockFile):
		plog.Warn("Found corrupt lock file, treating as stale", "path", lockPath, "error", err)
		return Status{State: StateStale}, nil
	default:
		return Status{}, fmt.Errorf("failed to read lock file %s: %w", lockPath, err)
	}

	if pid != os.Getpid() && alive(pid) {
		return Status{State: StateActive, PID: pid}, nil
	}
	return Status{State: StateStale, PID: pid}, nil
}

// Check returns *ErrLockActive if dest is locked by another live process.
func Check(dest string, alive AliveFunc) (Status, error) {
	status, err := Inspect(dest, alive)
	if err != nil {
		return status, err
	}
	if status.State == StateActive {
		return status, &ErrLockActive{PID: status.PID, Path: Path(dest)}
	}
	return status, nil
}

// Read returns the PID stored in the lock at dest.
func Read(dest string) (int, error) {
	return readLockContentSafely(Path(dest))
}

// Write atomically writes pid into the lock at dest, replacing any existing lock.
func Write(dest string, pid int) error {
	lockPath := Path(dest)
	if err := updateLockFileAtomic(lockPath, pid); err != nil {
		return err
	}
	cleanupTempLockFiles(lockPath)
	return nil
}

// Remove deletes the lock at dest. A missing lock is not an error.
func Remove(dest string) error {
	lockPath := Path(dest)
	if err := os.Remove(lockPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove lock file %s: %w", lockPath, err)
	}
	plog.Debug("Lock released", "path", lockPath)
	return nil
}

// updateLockFileAtomic writes pid to a temporary file in the same directory and
// renames it over the lock path, so readers never observe a partial lock.
func updateLockFileAtomic(lockPath string, pid int) error {
	dir := filepath.Dir(lockPath)

	tmpF, err := os.CreateTemp(dir, filepath.Base(lockPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		// Expected to be gone after a successful rename.
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, pid); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return fmt.Errorf("failed to sync temp lock file: %w", err)
	}
	// Must be closed before the rename on Windows.
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Chmod(tmpF.Name(), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set lock file permissions: %w", err)
	}
	if err := os.Rename(tmpF.Name(), lockPath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// tempFileMaxAge is how old a leftover temp file must be before it is removed.
var tempFileMaxAge = 10 * time.Minute

// cleanupTempLockFiles removes temp files left behind by crashed writers. Only
// old files are touched so a concurrent writer is never disturbed.
func cleanupTempLockFiles(lockPath string) {
	pattern := filepath.Join(filepath.Dir(lockPath), filepath.Base(lockPath)+".*.tmp")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-tempFileMaxAge)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
			}
		}
	}
}

func writeLockContent(w io.Writer, pid int) error {
	if _, err := io.WriteString(w, strconv.Itoa(pid)+"\n"); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the PID from the lock file. Empty or garbled
// content is retried a few times before it is reported as ErrCorruptLockFile,
// covering writers that do not use the atomic rename.
func readLockContentSafely(lockPath string) (int, error) {
	var lastErr error
	var lastCorruptErr error

	for range 3 {
		data, err := os.ReadFile(lockPath)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, err
			}
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}

		text := strings.TrimSpace(string(data))
		if text == "" {
			lastCorruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		pid, err := strconv.Atoi(text)
		if err != nil || pid <= 0 {
			lastCorruptErr = fmt.Errorf("invalid pid %q", text)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return pid, nil
	}

	if lastCorruptErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastCorruptErr)
	}
	return 0, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
