package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-tmbackup/pkg/pathsync"
	"github.com/paulschiretz/pgl-tmbackup/pkg/planner"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

// ErrSnapshotNotFound is returned when the snapshot to restore does not exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ExecuteRestore copies one snapshot into p.Target with rsync. Files already
// in the target are overwritten but never deleted. The destination is only
// read. It returns the snapshot that was restored.
func (r *Runner) ExecuteRestore(ctx context.Context, p *planner.RestorePlan) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	runID := r.newRunID()
	start := r.now()

	if err := preflight.CheckBackupMarker(p.Dest); err != nil {
		return snapshot.Snapshot{}, err
	}
	if err := preflight.CheckPathNesting(p.Dest, p.Target); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("restore target must be outside the destination: %w", err)
	}

	catalog, err := snapshot.ListWithCodec(ctx, p.Dest, r.codec)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("failed to read snapshot catalog: %w", err)
	}
	snap, err := r.resolveRestoreSnapshot(p, catalog)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	// Only the newest snapshot can be the one a backup is writing to.
	if newest, ok := snapshot.Newest(catalog); ok && newest.Name == snap.Name {
		status, err := lockfile.Inspect(p.Dest, r.alive)
		if err != nil {
			plog.Warn("Could not inspect in-progress lock", "dest", p.Dest, "error", err)
		}
		switch status.State {
		case lockfile.StateActive:
			return snapshot.Snapshot{}, &lockfile.ErrLockActive{PID: status.PID, Path: lockfile.Path(p.Dest)}
		case lockfile.StateStale:
			plog.Warn("Snapshot belongs to an interrupted backup and may be incomplete", "snapshot", snap.Name)
		}
	}

	plog.Info("Starting restore", "run_id", runID, "snapshot", snap.Name, "target", p.Target, "dry_run", p.DryRun)

	if !p.DryRun {
		if err := os.MkdirAll(p.Target, util.UserWritableDirPerms); err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("failed to create restore target %s: %w", p.Target, err)
		}
	}

	f, err := os.CreateTemp("", buildinfo.BinaryName+"-restore-*.log")
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("failed to create restore log: %w", err)
	}
	f.Close()
	logFile := f.Name()

	r.metrics.AddSyncAttempts(1)
	outcome, err := r.syncer.Sync(ctx, pathsync.Request{
		Source:  snap.Path(),
		Target:  p.Target,
		LogFile: logFile,
		DryRun:  p.DryRun,
	})
	switch outcome {
	case pathsync.OutcomeClean:
		_ = os.Remove(logFile)
	case pathsync.OutcomeWarning:
		plog.Warn("Restore completed with warnings", "run_id", runID, "log", logFile)
	case pathsync.OutcomeExhaustion:
		return snap, fmt.Errorf("restore target ran out of space: %w", &pathsync.SyncError{Outcome: outcome, LogFile: logFile, Err: err})
	default:
		if err == nil {
			err = &pathsync.SyncError{Outcome: outcome, LogFile: logFile}
		}
		return snap, fmt.Errorf("error during restore: %w", err)
	}

	plog.Info("Restore completed", "run_id", runID, "snapshot", snap.Name, "duration", r.now().Sub(start).Round(time.Millisecond))
	return snap, nil
}

func (r *Runner) resolveRestoreSnapshot(p *planner.RestorePlan, catalog []snapshot.Snapshot) (snapshot.Snapshot, error) {
	name := p.Snapshot
	if name == planner.LatestAlias {
		name = readLatest(p.Dest)
		if name == "" {
			return snapshot.Snapshot{}, fmt.Errorf("%w: no completed backup in %s", ErrSnapshotNotFound, p.Dest)
		}
		plog.Info("Resolving 'latest' alias to snapshot", "snapshot", name)
	}
	snap, ok := snapshot.Find(catalog, name)
	if !ok {
		return snapshot.Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	return snap, nil
}
