package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

// TestWriteAndRead verifies the lock content round trip.
func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, 4242); err != nil {
		t.Fatalf("expected to write lock, but got error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("lock file was not created: %v", err)
	}
	if string(data) != "4242\n" {
		t.Errorf("expected lock content %q, got %q", "4242\n", string(data))
	}

	pid, err := Read(dir)
	if err != nil {
		t.Fatalf("failed to read lock: %v", err)
	}
	if pid != 4242 {
		t.Errorf("expected pid 4242, got %d", pid)
	}
}

// TestWriteReplaces verifies that a rewrite replaces the previous owner and
// leaves no temporary files behind.
func TestWriteReplaces(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, 1); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := Write(dir, 2); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	pid, err := Read(dir)
	if err != nil {
		t.Fatalf("failed to read lock: %v", err)
	}
	if pid != 2 {
		t.Errorf("expected pid 2 after rewrite, got %d", pid)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, FileName+".*.tmp"))
	if len(matches) != 0 {
		t.Errorf("expected no temp files, found %v", matches)
	}
}

// TestRemove verifies removal and that removing a missing lock is fine.
func TestRemove(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, 7); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := Remove(dir); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(Path(dir)); !os.IsNotExist(err) {
		t.Fatal("lock file still exists after remove")
	}
	if err := Remove(dir); err != nil {
		t.Errorf("expected removing a missing lock to succeed, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	otherPID := os.Getpid() + 1

	testCases := []struct {
		name      string
		content   *string
		alive     AliveFunc
		wantState State
		wantPID   int
	}{
		{name: "No lock", content: nil, alive: alwaysAlive, wantState: StateAbsent},
		{name: "Live owner", content: ptr(strconv.Itoa(otherPID) + "\n"), alive: alwaysAlive, wantState: StateActive, wantPID: otherPID},
		{name: "Dead owner", content: ptr(strconv.Itoa(otherPID) + "\n"), alive: neverAlive, wantState: StateStale, wantPID: otherPID},
		{name: "Own PID", content: ptr(strconv.Itoa(os.Getpid())), alive: alwaysAlive, wantState: StateStale, wantPID: os.Getpid()},
		{name: "Empty file", content: ptr(""), alive: alwaysAlive, wantState: StateStale},
		{name: "Garbage", content: ptr("not-a-pid"), alive: alwaysAlive, wantState: StateStale},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if tc.content != nil {
				if err := os.WriteFile(Path(dir), []byte(*tc.content), util.UserWritableFilePerms); err != nil {
					t.Fatalf("failed to create lock: %v", err)
				}
			}

			status, err := Inspect(dir, tc.alive)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status.State != tc.wantState {
				t.Errorf("expected state %s, got %s", tc.wantState, status.State)
			}
			if status.PID != tc.wantPID {
				t.Errorf("expected pid %d, got %d", tc.wantPID, status.PID)
			}
		})
	}
}

// TestCheckActive ensures a live foreign owner yields *ErrLockActive.
func TestCheckActive(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, os.Getpid()+1); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, err := Check(dir, alwaysAlive)
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *ErrLockActive, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid()+1 {
		t.Errorf("expected error to report pid %d, got %d", os.Getpid()+1, lockErr.PID)
	}

	if _, err := Check(dir, neverAlive); err != nil {
		t.Errorf("expected stale lock to pass the check, got %v", err)
	}
}

func TestIsAlive(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Error("expected the current process to be alive")
	}
	if IsAlive(0) || IsAlive(-1) {
		t.Error("expected non-positive pids to be reported dead")
	}
}

// TestCleanupTempLockFiles verifies only old temp files are removed.
func TestCleanupTempLockFiles(t *testing.T) {
	dir := t.TempDir()
	lockPath := Path(dir)

	oldTmp := filepath.Join(dir, FileName+".old.tmp")
	newTmp := filepath.Join(dir, FileName+".new.tmp")
	for _, p := range []string{oldTmp, newTmp} {
		if err := os.WriteFile(p, []byte("1\n"), util.UserWritableFilePerms); err != nil {
			t.Fatalf("failed to create temp file: %v", err)
		}
	}
	past := time.Now().Add(-2 * tempFileMaxAge)
	if err := os.Chtimes(oldTmp, past, past); err != nil {
		t.Fatalf("failed to age temp file: %v", err)
	}

	cleanupTempLockFiles(lockPath)

	if _, err := os.Stat(oldTmp); !os.IsNotExist(err) {
		t.Error("expected old temp file to be removed")
	}
	if _, err := os.Stat(newTmp); err != nil {
		t.Error("expected recent temp file to be kept")
	}
}

func ptr(s string) *string { return &s }
