package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/hints"
	"github.com/paulschiretz/pgl-tmbackup/pkg/hook"
	"github.com/paulschiretz/pgl-tmbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-tmbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-tmbackup/pkg/pathsync"
	"github.com/paulschiretz/pgl-tmbackup/pkg/planner"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

type state int

const (
	stateStart state = iota
	statePrune
	stateSync
	stateRetry
	stateFinish
	stateFail
	stateDone
)

var stateNames = map[state]string{
	stateStart:  "start",
	statePrune:  "prune",
	stateSync:   "sync",
	stateRetry:  "retry",
	stateFinish: "finish",
	stateFail:   "fail",
	stateDone:   "done",
}

func (s state) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// runContext is the whole mutable state of one backup run.
type runContext struct {
	plan  *planner.BackupPlan
	runID string
	start time.Time

	target  string // snapshot name written by this run
	base    string // snapshot name to hard-link against, empty for a full copy
	resumed bool
	logFile string

	attempts  int
	retries   int
	evicted   []string // expired by the retry loop, kept for dry runs where nothing is removed
	outcome   pathsync.Outcome
	freeBytes uint64

	preHooksRan bool
	err         error
}

func (rc *runContext) targetPath() string {
	return filepath.Join(rc.plan.Dest, rc.target)
}

func (rc *runContext) basePath() string {
	if rc.base == "" {
		return ""
	}
	return filepath.Join(rc.plan.Dest, rc.base)
}

func (rc *runContext) hookEnv(status string) hook.Env {
	return hook.Env{
		RunID:  rc.runID,
		Source: rc.plan.Source,
		Dest:   rc.plan.Dest,
		Target: rc.target,
		Status: status,
	}
}

// ExecuteBackup runs one backup of p.Source into a new snapshot on p.Dest.
func (r *Runner) ExecuteBackup(ctx context.Context, p *planner.BackupPlan) error {
	rc := &runContext{
		plan:  p,
		runID: r.newRunID(),
		start: r.now(),
	}

	if p.DryRun {
		plog.Info("Starting backup (DRY RUN)", "run_id", rc.runID, "source", p.Source, "dest", p.Dest)
	} else {
		plog.Info("Starting backup", "run_id", rc.runID, "source", p.Source, "dest", p.Dest)
	}

	st := stateStart
	for st != stateDone {
		if st != stateFail && ctx.Err() != nil {
			rc.err = fmt.Errorf("backup interrupted during %s: %w", st, ctx.Err())
			st = stateFail
		}
		plog.Debug("Entering state", "run_id", rc.runID, "state", st)

		switch st {
		case stateStart:
			st = r.start(ctx, rc)
		case statePrune:
			st = r.prune(ctx, rc)
		case stateSync:
			st = r.sync(ctx, rc)
		case stateRetry:
			st = r.retry(ctx, rc)
		case stateFinish:
			st = r.finish(ctx, rc)
		case stateFail:
			r.fail(ctx, rc)
			st = stateDone
		}
	}

	if rc.plan.DryRun && rc.logFile != "" {
		_ = os.Remove(rc.logFile)
	}
	return rc.err
}

func (r *Runner) start(ctx context.Context, rc *runContext) state {
	p := rc.plan
	if err := preflight.CheckBackupMarker(p.Dest); err != nil {
		return rc.failWith(err)
	}
	if err := preflight.CheckBackupSourceAccessible(p.Source); err != nil {
		return rc.failWith(err)
	}
	if err := preflight.CheckPathNesting(p.Source, p.Dest); err != nil {
		return rc.failWith(err)
	}
	if p.ExcludeFrom != "" {
		if err := preflight.CheckExclusionFile(p.ExcludeFrom); err != nil {
			return rc.failWith(err)
		}
	}

	catalog, err := snapshot.ListWithCodec(ctx, p.Dest, r.codec)
	if err != nil {
		return rc.failWith(fmt.Errorf("failed to read snapshot catalog: %w", err))
	}

	plog.Debug("Snapshot catalog", "run_id", rc.runID, "snapshots", snapshot.Names(catalog))

	newName := r.codec.Format(rc.start)
	res, err := r.resolver.Resolve(ctx, p.Dest, newName, catalog)
	if err != nil {
		return rc.failWith(err)
	}
	if !res.Resumed {
		if _, exists := snapshot.Find(catalog, newName); exists {
			return rc.failWith(fmt.Errorf("%w: %s", ErrSnapshotExists, filepath.Join(p.Dest, newName)))
		}
	}
	rc.target = res.Target
	rc.base = res.IncrementalBase
	rc.resumed = res.Resumed

	if p.DryRun {
		// The destination stays untouched; rsync still needs a log to classify.
		f, err := os.CreateTemp("", buildinfo.BinaryName+"-dryrun-*.log")
		if err != nil {
			return rc.failWith(fmt.Errorf("failed to create dry run log: %w", err))
		}
		f.Close()
		rc.logFile = f.Name()
	} else {
		logDir := filepath.Join(p.Dest, snapshot.LogDirName)
		if err := os.MkdirAll(logDir, util.UserWritableDirPerms); err != nil {
			return rc.failWith(fmt.Errorf("failed to create log directory %s: %w", logDir, err))
		}
		rc.logFile = snapshot.LogPath(p.Dest, rc.target)
	}

	plog.Info("Backup target resolved", "run_id", rc.runID, "target", rc.target, "base", rc.base, "resumed", rc.resumed)

	rc.preHooksRan = true
	if err := r.hooks.RunPreBackup(ctx, p.Hooks, rc.hookEnv("")); err != nil && !hints.IsHint(err) {
		errMsg := "pre-backup hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-backup hook canceled"
		}
		return rc.failWith(fmt.Errorf("%s: %w", errMsg, err))
	}

	if free, err := preflight.FreeSpace(p.Dest); err != nil {
		plog.Debug("Could not determine free space", "dest", p.Dest, "error", err)
	} else {
		rc.freeBytes = free
		plog.Info("Destination free space", "dest", p.Dest, "free", formatBytes(free))
	}
	return statePrune
}

func (r *Runner) prune(ctx context.Context, rc *runContext) state {
	p := rc.plan
	catalog, err := snapshot.ListWithCodec(ctx, p.Dest, r.codec)
	if err != nil {
		return rc.failWith(fmt.Errorf("failed to read snapshot catalog: %w", err))
	}

	expired, err := r.retainer.Prune(ctx, p.Dest, catalog, rc.start, p.Retention, rc.target, rc.base)
	if err != nil {
		return rc.failWith(fmt.Errorf("error during prune: %w", err))
	}
	if len(expired) > 0 {
		plog.Info("Outdated snapshots expired", "run_id", rc.runID, "count", len(expired))
	}
	return stateSync
}

func (r *Runner) sync(ctx context.Context, rc *runContext) state {
	p := rc.plan
	if !p.DryRun {
		if err := os.MkdirAll(rc.targetPath(), util.UserWritableDirPerms); err != nil {
			return rc.failWith(fmt.Errorf("failed to create snapshot directory %s: %w", rc.targetPath(), err))
		}
		if err := lockfile.Write(p.Dest, r.pid); err != nil {
			return rc.failWith(fmt.Errorf("failed to write in-progress lock: %w", err))
		}
	}

	rc.attempts++
	r.metrics.AddSyncAttempts(1)
	plog.Info("Sync attempt", "run_id", rc.runID, "attempt", rc.attempts, "target", rc.target, "base", rc.base)

	outcome, err := r.syncer.Sync(ctx, pathsync.Request{
		Source:          p.Source,
		Target:          rc.targetPath(),
		LogFile:         rc.logFile,
		IncrementalBase: rc.basePath(),
		ExcludeFrom:     p.ExcludeFrom,
		DryRun:          p.DryRun,
	})
	rc.outcome = outcome

	switch outcome {
	case pathsync.OutcomeExhaustion:
		return stateRetry
	case pathsync.OutcomeFatal:
		if err == nil {
			err = &pathsync.SyncError{Outcome: outcome, LogFile: rc.logFile}
		}
		return rc.failWith(fmt.Errorf("error during sync: %w", err))
	case pathsync.OutcomeWarning:
		plog.Warn("Sync completed with warnings", "run_id", rc.runID, "log", rc.logFile)
	}
	return stateFinish
}

func (r *Runner) retry(ctx context.Context, rc *runContext) state {
	p := rc.plan
	if p.MaxExhaustionRetries > 0 && rc.retries >= p.MaxExhaustionRetries {
		return rc.failWith(fmt.Errorf("%w (%d retries)", ErrRetryLimit, rc.retries))
	}

	catalog, err := snapshot.ListWithCodec(ctx, p.Dest, r.codec)
	if err != nil {
		return rc.failWith(fmt.Errorf("failed to read snapshot catalog: %w", err))
	}
	// The in-progress target counts: with fewer than two snapshots there is
	// nothing besides it to give up.
	if countRemaining(catalog, rc.target, rc.evicted) < 2 {
		return rc.failWith(ErrNoSnapshotToEvict)
	}
	oldest, ok := snapshot.Oldest(catalog, append([]string{rc.target}, rc.evicted...)...)
	if !ok {
		return rc.failWith(ErrNoSnapshotToEvict)
	}

	plog.Warn("Destination is full, expiring oldest snapshot", "run_id", rc.runID, "snapshot", oldest.Name, "attempt", rc.attempts)
	if err := r.expirer.Expire(ctx, oldest); err != nil {
		return rc.failWith(fmt.Errorf("failed to expire oldest snapshot %s: %w", oldest.Name, err))
	}
	r.metrics.AddSnapshotsExpired(1)
	r.metrics.AddExhaustionRetries(1)
	rc.retries++
	rc.evicted = append(rc.evicted, oldest.Name)

	if oldest.Name == rc.base {
		rc.base = ""
		for _, s := range catalog {
			if s.Name != rc.target && !contains(rc.evicted, s.Name) {
				rc.base = s.Name
				break
			}
		}
		plog.Info("Incremental base expired, switching base", "run_id", rc.runID, "base", rc.base)
	}
	return stateSync
}

// countRemaining counts the snapshots a retry could still see on disk. A dry
// run never creates the target and never removes what it evicts, so the
// target is added when absent and evicted names are left out.
func countRemaining(catalog []snapshot.Snapshot, target string, evicted []string) int {
	n := 0
	for _, s := range catalog {
		if !contains(evicted, s.Name) {
			n++
		}
	}
	if _, ok := snapshot.Find(catalog, target); !ok {
		n++
	}
	return n
}

func (r *Runner) finish(ctx context.Context, rc *runContext) state {
	p := rc.plan
	if p.DryRun {
		plog.Info("[DRY RUN] Would update latest and release lock", "target", rc.target)
	} else {
		if err := updateLatest(p.Dest, rc.target); err != nil {
			plog.Warn("Failed to update latest links", "dest", p.Dest, "error", err)
		}
		if err := lockfile.Remove(p.Dest); err != nil {
			return rc.failWith(fmt.Errorf("failed to release in-progress lock: %w", err))
		}
	}

	if p.CompactLogs {
		if _, err := r.compactor.Compact(ctx, p.Dest, rc.target); err != nil && !hints.IsHint(err) {
			plog.Warn("Error during log compaction, skipping", "error", err)
		}
	}

	r.runPostHooks(ctx, rc, "success")
	r.writeMetrics(ctx, rc, true)

	plog.Info("Backup completed", "run_id", rc.runID, "target", rc.targetPath(), "attempts", rc.attempts,
		"outcome", rc.outcome, "duration", r.now().Sub(rc.start).Round(time.Millisecond))
	return stateDone
}

// fail leaves the lock in place so the next run resumes this snapshot.
func (r *Runner) fail(ctx context.Context, rc *runContext) {
	plog.Debug("Backup failed", "run_id", rc.runID, "error", rc.err)
	r.runPostHooks(ctx, rc, "failure")
	r.writeMetrics(ctx, rc, false)
}

func (r *Runner) runPostHooks(ctx context.Context, rc *runContext, status string) {
	if !rc.preHooksRan {
		return
	}
	if err := r.hooks.RunPostBackup(ctx, rc.plan.Hooks, rc.hookEnv(status)); err != nil && !hints.IsHint(err) {
		if errors.Is(err, context.Canceled) {
			plog.Info("post-backup hooks skipped due to cancellation.")
		} else {
			plog.Warn("post-backup hook failed", "error", err)
		}
	}
}

func (r *Runner) writeMetrics(ctx context.Context, rc *runContext, success bool) {
	r.metrics.LogSummary("Run summary")
	if rc.plan.MetricsFile == "" {
		return
	}
	if rc.plan.DryRun {
		plog.Debug("[DRY RUN] Skipping metrics file", "path", rc.plan.MetricsFile)
		return
	}

	count := 0
	if catalog, err := snapshot.ListWithCodec(context.WithoutCancel(ctx), rc.plan.Dest, r.codec); err == nil {
		count = len(catalog)
	}
	outcome := rc.outcome.String()
	if rc.err != nil && rc.attempts == 0 {
		outcome = "aborted"
	}
	report := metrics.Report{
		RunID:     rc.runID,
		Command:   "backup",
		Dest:      rc.plan.Dest,
		Target:    rc.target,
		Outcome:   outcome,
		Success:   success,
		Start:     rc.start,
		End:       r.now(),
		Snapshots: count,
		FreeBytes: rc.freeBytes,
	}
	if err := metrics.WriteTextfile(rc.plan.MetricsFile, r.metrics, report); err != nil {
		plog.Warn("Failed to write metrics file", "path", rc.plan.MetricsFile, "error", err)
	}
}

func (rc *runContext) failWith(err error) state {
	rc.err = err
	return stateFail
}

// formatBytes renders n with a binary unit suffix.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
