package engine

import (
	"bufio"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-tmbackup/pkg/logcompact"
	"github.com/paulschiretz/pgl-tmbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-tmbackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-tmbackup/pkg/planner"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
)

// ExecutePrune applies the retention policy to p.Dest without taking a backup.
// It refuses to run while another process holds the in-progress lock.
func (r *Runner) ExecutePrune(ctx context.Context, p *planner.PrunePlan) ([]snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runID := r.newRunID()
	start := r.now()

	if err := preflight.CheckBackupMarker(p.Dest); err != nil {
		return nil, err
	}
	status, err := lockfile.Check(p.Dest, r.alive)
	if err != nil {
		return nil, err
	}
	if status.State == lockfile.StateStale {
		plog.Warn("A previous backup did not complete; its snapshot is kept for resume", "dest", p.Dest, "stale_pid", status.PID)
	}

	plog.Info("Starting prune", "run_id", runID, "dest", p.Dest, "dry_run", p.DryRun)

	catalog, err := snapshot.ListWithCodec(ctx, p.Dest, r.codec)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot catalog: %w", err)
	}

	expired, pruneErr := r.retainer.Prune(ctx, p.Dest, catalog, start, p.Retention)
	r.metrics.LogSummary("Prune summary")

	if p.MetricsFile != "" && !p.DryRun {
		report := metrics.Report{
			RunID:     runID,
			Command:   "prune",
			Dest:      p.Dest,
			Outcome:   "pruned",
			Success:   pruneErr == nil,
			Start:     start,
			End:       r.now(),
			Snapshots: len(catalog) - len(expired),
		}
		if err := metrics.WriteTextfile(p.MetricsFile, r.metrics, report); err != nil {
			plog.Warn("Failed to write metrics file", "path", p.MetricsFile, "error", err)
		}
	}

	if pruneErr != nil {
		return expired, fmt.Errorf("fatal error during prune: %w", pruneErr)
	}
	plog.Info("Prune completed", "run_id", runID, "expired", len(expired), "duration", r.now().Sub(start).Round(time.Millisecond))
	return expired, nil
}

// Listing is the state of a destination as shown by the list command.
type Listing struct {
	Dest      string
	Decisions []pathretention.Decision
	// Latest is the snapshot the latest link points at, empty if unset.
	Latest    string
	Lock      lockfile.Status
	FreeBytes uint64
	// LatestSummary is the last line of the latest snapshot's run log.
	LatestSummary string
}

// List reads the catalog of p.Dest and what the retention policy would do
// with each snapshot right now. It changes nothing.
func (r *Runner) List(ctx context.Context, p *planner.ListPlan) (*Listing, error) {
	if err := preflight.CheckBackupMarker(p.Dest); err != nil {
		return nil, err
	}
	catalog, err := snapshot.ListWithCodec(ctx, p.Dest, r.codec)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot catalog: %w", err)
	}

	l := &Listing{
		Dest:      p.Dest,
		Decisions: pathretention.Evaluate(catalog, r.now(), p.Retention),
		Latest:    readLatest(p.Dest),
	}
	if p.Order == planner.Asc {
		slices.Reverse(l.Decisions)
	}

	if l.Lock, err = lockfile.Inspect(p.Dest, r.alive); err != nil {
		plog.Warn("Could not inspect in-progress lock", "dest", p.Dest, "error", err)
	}
	if free, err := preflight.FreeSpace(p.Dest); err == nil {
		l.FreeBytes = free
	}
	if l.Latest != "" {
		l.LatestSummary = lastLogLine(p.Dest, l.Latest)
	}
	return l, nil
}

// lastLogLine returns the last non-empty line of the run log of snapshot
// name, which for rsync is its transfer summary. Missing or unreadable logs
// yield "".
func lastLogLine(dest, name string) string {
	path, ok := logcompact.FindLog(dest, name)
	if !ok {
		return ""
	}
	rc, err := logcompact.Open(path)
	if err != nil {
		plog.Debug("Could not open run log", "path", path, "error", err)
		return ""
	}
	defer rc.Close()

	var last string
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		plog.Debug("Could not read run log", "path", path, "error", err)
	}
	return last
}
