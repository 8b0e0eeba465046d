// Package expire permanently removes a snapshot directory and its run log.
package expire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-tmbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

// LogSuffixes are the extensions a run log may carry after compaction.
var LogSuffixes = []string{"", ".gz", ".zst"}

// Expirer deletes snapshots. Only directory entries are unlinked, so content
// hard-linked into other snapshots survives.
type Expirer struct {
	workers int
	dryRun  bool
	metrics metrics.Metrics
}

// New creates an Expirer. workers bounds the number of top-level entries
// removed concurrently; values below one use the number of CPUs.
func New(workers int, dryRun bool, m metrics.Metrics) *Expirer {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Expirer{workers: workers, dryRun: dryRun, metrics: m}
}

// Expire re-validates the backup marker of the snapshot's destination, then
// removes the snapshot directory and its log. A snapshot whose directory or
// log is already gone is not an error.
func (e *Expirer) Expire(ctx context.Context, s snapshot.Snapshot) error {
	if err := preflight.CheckBackupMarker(s.Dest); err != nil {
		return err
	}
	if s.Name == "" || !snapshot.IsName(s.Name) {
		return fmt.Errorf("refusing to expire %q: not a snapshot name", s.Name)
	}

	dir := s.Path()
	if e.dryRun {
		plog.Notice("[DRY RUN] EXPIRE", "snapshot", s.Name, "path", dir)
		return nil
	}

	plog.Notice("EXPIRE", "snapshot", s.Name, "path", dir)
	if err := e.emptyDir(ctx, dir); err != nil {
		return err
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot directory %s: %w", dir, err)
	}

	for _, suffix := range LogSuffixes {
		logPath := s.LogPath() + suffix
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove snapshot log", "snapshot", s.Name, "path", logPath, "error", err)
		}
	}
	plog.Notice("EXPIRED", "snapshot", s.Name)
	return nil
}

// emptyDir removes every entry below dir with a bounded pool of workers,
// one top-level entry per task.
func (e *Expirer) emptyDir(ctx context.Context, dir string) error {
	if err := ensureWritable(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read snapshot directory %s: %w", dir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		entryPath := filepath.Join(dir, entry.Name())
		g.Go(func() error {
			if err := removeEntry(entryPath); err != nil {
				return err
			}
			e.metrics.AddEntriesDeleted(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// removeEntry unlinks path recursively. Snapshots keep the source's modes,
// so a read-only directory is made writable and the removal retried.
func removeEntry(path string) error {
	err := os.RemoveAll(path)
	if err != nil && errors.Is(err, fs.ErrPermission) {
		if err := makeDirsWritable(path); err != nil {
			return err
		}
		err = os.RemoveAll(path)
	}
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// ensureWritable adds the owner rwx bits to a single directory.
func ensureWritable(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0700 == 0700 {
		return nil
	}
	if err := os.Chmod(dir, util.WithUserWritePermission(mode)|0500); err != nil {
		return fmt.Errorf("failed to make %s writable: %w", dir, err)
	}
	return nil
}

// makeDirsWritable adds the owner-write bit to every directory below root.
// Files are left alone: their inode may be shared with other snapshots.
func makeDirsWritable(root string) error {
	var chmod func(path string) error
	chmod = func(path string) error {
		info, err := os.Lstat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if err := ensureWritable(path); err != nil {
			return err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				if err := chmod(filepath.Join(path, entry.Name())); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return chmod(root)
}
