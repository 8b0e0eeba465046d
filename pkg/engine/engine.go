// --- ARCHITECTURAL OVERVIEW: Run Lifecycle ---
//
// A backup run is a bounded state machine over a single runContext:
//
//   Start  -> validate the destination, resolve an interrupted previous run,
//             refuse a same-second collision, run pre-backup hooks.
//   Prune  -> expire snapshots that fell out of the retention policy before
//             any new data is written.
//   Sync   -> rewrite the in-progress lock and run one rsync attempt.
//   Retry  -> the destination is full: expire the oldest snapshot and sync again.
//   Finish -> point latest at the new snapshot, release the lock, compact logs.
//   Fail   -> leave the lock in place so the next run resumes.
//
// The lock doubles as the crash marker. It is only removed after a complete
// transfer, so any run that finds a stale lock knows the newest snapshot is
// partial and takes it over instead of starting from scratch.

// Package engine orchestrates backup, prune and list runs on a destination.
package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-tmbackup/pkg/hook"
	"github.com/paulschiretz/pgl-tmbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-tmbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-tmbackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-tmbackup/pkg/pathsync"
	"github.com/paulschiretz/pgl-tmbackup/pkg/resume"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
)

// ErrSnapshotExists is returned when a snapshot with the name of the current
// second already exists and is not being resumed.
var ErrSnapshotExists = errors.New("snapshot already exists")

// ErrNoSnapshotToEvict is returned when the destination is full and no
// snapshot other than the one in progress is left to expire.
var ErrNoSnapshotToEvict = errors.New("destination is full and no snapshot is left to expire")

// ErrRetryLimit is returned when the configured exhaustion retry cap is reached.
var ErrRetryLimit = errors.New("exhaustion retry limit reached")

// Resolver decides how a run continues after a possible crash.
type Resolver interface {
	Resolve(ctx context.Context, dest, newName string, catalog []snapshot.Snapshot) (resume.Result, error)
}

// Compactor compresses historical run logs.
type Compactor interface {
	Compact(ctx context.Context, dest string, keep ...string) (int, error)
}

// HookRunner runs the user's pre and post backup commands.
type HookRunner interface {
	RunPreBackup(ctx context.Context, p *hook.Plan, env hook.Env) error
	RunPostBackup(ctx context.Context, p *hook.Plan, env hook.Env) error
}

// Runner executes runs against a destination with injected leaf workers.
type Runner struct {
	resolver  Resolver
	syncer    pathsync.Syncer
	expirer   pathretention.Expirer
	retainer  *pathretention.PathRetainer
	compactor Compactor
	hooks     HookRunner
	metrics   *metrics.RunMetrics

	codec    snapshot.Codec
	now      func() time.Time
	pid      int
	alive    lockfile.AliveFunc
	newRunID func() string
}

// NewRunner creates a Runner. A nil m allocates fresh counters.
func NewRunner(resolver Resolver, syncer pathsync.Syncer, expirer pathretention.Expirer, compactor Compactor, hooks HookRunner, m *metrics.RunMetrics) *Runner {
	if m == nil {
		m = &metrics.RunMetrics{}
	}
	return &Runner{
		resolver:  resolver,
		syncer:    syncer,
		expirer:   expirer,
		retainer:  pathretention.NewPathRetainer(expirer, m),
		compactor: compactor,
		hooks:     hooks,
		metrics:   m,
		codec:     snapshot.DefaultCodec,
		now:       time.Now,
		pid:       os.Getpid(),
		alive:     lockfile.IsAlive,
		newRunID:  uuid.NewString,
	}
}

// Metrics returns the counters the runner updates.
func (r *Runner) Metrics() *metrics.RunMetrics {
	return r.metrics
}
