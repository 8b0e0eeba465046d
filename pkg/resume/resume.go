// Package resume decides, once per run, whether a previous run was interrupted
// and if so repurposes its partial snapshot as the target of the current run.
package resume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-tmbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
)

// Result describes how the current run continues.
type Result struct {
	// Resumed is true when an interrupted snapshot was taken over.
	Resumed bool
	// ResumedFrom is the former name of the taken-over snapshot.
	ResumedFrom string
	// Target is the name the current run writes to.
	Target string
	// IncrementalBase is the snapshot to hard-link against, empty for a full backup.
	IncrementalBase string
}

// Manager resolves the in-progress lock of a destination.
type Manager struct {
	pid    int
	alive  lockfile.AliveFunc
	dryRun bool
}

// NewManager creates a Manager that claims locks for pid. A nil alive uses lockfile.IsAlive.
func NewManager(pid int, alive lockfile.AliveFunc, dryRun bool) *Manager {
	if alive == nil {
		alive = lockfile.IsAlive
	}
	return &Manager{pid: pid, alive: alive, dryRun: dryRun}
}

// Resolve inspects the lock at dest. catalog must be the newest-first
// snapshot list of dest read before any mutation of this run.
//
// With no lock the newest snapshot becomes the incremental base. A lock held by
// a live process fails with *lockfile.ErrLockActive without touching anything.
// A stale lock means the newest snapshot is the partial result of the crashed
// run: it is renamed to newName, the one before it becomes the base and the
// lock is claimed for this process.
func (m *Manager) Resolve(ctx context.Context, dest, newName string, catalog []snapshot.Snapshot) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	status, err := lockfile.Check(dest, m.alive)
	if err != nil {
		return Result{}, err
	}

	res := Result{Target: newName}
	if status.State == lockfile.StateAbsent {
		if newest, ok := snapshot.Newest(catalog); ok {
			res.IncrementalBase = newest.Name
		}
		return res, nil
	}

	plog.Warn("Previous backup did not complete, resuming", "dest", dest, "stale_pid", status.PID)

	newest, ok := snapshot.Newest(catalog)
	if !ok {
		plog.Info("No snapshot to resume, starting a full backup", "dest", dest)
		return res, m.claim(dest)
	}

	res.Resumed = true
	res.ResumedFrom = newest.Name
	if len(catalog) > 1 {
		res.IncrementalBase = catalog[1].Name
	}

	if newest.Name != newName {
		if err := m.rename(newest, newName); err != nil {
			return Result{}, err
		}
	}
	if err := m.claim(dest); err != nil {
		return Result{}, err
	}

	plog.Info("Resuming interrupted snapshot", "from", res.ResumedFrom, "target", res.Target, "base", res.IncrementalBase)
	return res, nil
}

// rename moves the interrupted snapshot to its new name. Its log follows so
// the resumed transfer appends to the same history.
func (m *Manager) rename(from snapshot.Snapshot, newName string) error {
	to := filepath.Join(from.Dest, newName)
	if m.dryRun {
		plog.Notice("[DRY RUN] RENAME", "from", from.Path(), "to", to)
		return nil
	}

	if _, err := os.Lstat(to); err == nil {
		return fmt.Errorf("cannot resume %s: %s already exists", from.Name, to)
	}
	if err := os.Rename(from.Path(), to); err != nil {
		return fmt.Errorf("failed to rename interrupted snapshot %s to %s: %w", from.Name, newName, err)
	}
	plog.Notice("RENAME", "from", from.Name, "to", newName)

	newLog := snapshot.LogPath(from.Dest, newName)
	if err := os.Rename(from.LogPath(), newLog); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to carry over log of interrupted snapshot", "from", from.LogPath(), "to", newLog, "error", err)
	}
	return nil
}

func (m *Manager) claim(dest string) error {
	if m.dryRun {
		plog.Notice("[DRY RUN] LOCK", "path", lockfile.Path(dest), "pid", m.pid)
		return nil
	}
	if err := lockfile.Write(dest, m.pid); err != nil {
		return fmt.Errorf("failed to claim in-progress lock: %w", err)
	}
	return nil
}
