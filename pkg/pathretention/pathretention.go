// --- ARCHITECTURAL OVERVIEW: Retention Strategy ---
//
// Snapshots are thinned out in three tiers by age:
//
//   - younger than KeepAll:   every snapshot is kept.
//   - younger than KeepDaily: the newest snapshot of each calendar day is kept.
//   - older:                  the newest snapshot of each calendar month is kept.
//
// The evaluation is a single pass from newest to oldest that compares each
// snapshot's day or month with that of the snapshot evaluated right before it.
// The comparison uses the local-time calendar encoded in the snapshot names.

// Package pathretention decides which snapshots have outlived the retention
// policy and expires them.
package pathretention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
)

const (
	dayFormat   = "2006-01-02" // YYYY-MM-DD
	monthFormat = "2006-01"    // YYYY-MM

	// noPreviousDate never shares a day or month with a real snapshot.
	noPreviousDate = "0000-00-00-000000"
)

// Policy holds the tier boundaries.
type Policy struct {
	KeepAll   time.Duration
	KeepDaily time.Duration
}

// DefaultPolicy keeps everything for a day and one snapshot per day for 31 days.
func DefaultPolicy() Policy {
	return Policy{
		KeepAll:   24 * time.Hour,
		KeepDaily: 31 * 24 * time.Hour,
	}
}

// PolicyFromDays builds a Policy from whole days.
func PolicyFromDays(keepAllDays, keepDailyDays int) Policy {
	return Policy{
		KeepAll:   time.Duration(keepAllDays) * 24 * time.Hour,
		KeepDaily: time.Duration(keepDailyDays) * 24 * time.Hour,
	}
}

// Tier is the retention tier a snapshot falls into.
type Tier int

const (
	TierUnknown Tier = iota
	TierAll
	TierDaily
	TierMonthly
)

func (t Tier) String() string {
	switch t {
	case TierAll:
		return "all"
	case TierDaily:
		return "daily"
	case TierMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// Decision is the verdict for one snapshot.
type Decision struct {
	Snapshot snapshot.Snapshot
	Tier     Tier
	Expire   bool
	// Err is set when the name could not be parsed; such snapshots are never expired.
	Err error
}

// Evaluate returns one decision per snapshot in input order. snapshots must be
// sorted newest first. It has no side effects beyond logging.
func Evaluate(snapshots []snapshot.Snapshot, now time.Time, policy Policy) []Decision {
	decisions := make([]Decision, 0, len(snapshots))
	keepAllCutoff := now.Add(-policy.KeepAll)
	keepDailyCutoff := now.Add(-policy.KeepDaily)

	previousDate := noPreviousDate
	for _, s := range snapshots {
		ts, err := s.Time()
		if err != nil {
			plog.Warn("Skipping snapshot with unparsable name", "snapshot", s.Name, "error", err)
			decisions = append(decisions, Decision{Snapshot: s, Err: err})
			continue
		}

		date := ts.Format(snapshot.Layout)
		d := Decision{Snapshot: s}
		switch {
		case !ts.Before(keepAllCutoff):
			d.Tier = TierAll
		case !ts.Before(keepDailyCutoff):
			d.Tier = TierDaily
			d.Expire = date[:len(dayFormat)] == previousDate[:len(dayFormat)]
		default:
			d.Tier = TierMonthly
			d.Expire = date[:len(monthFormat)] == previousDate[:len(monthFormat)]
		}
		previousDate = date
		decisions = append(decisions, d)
	}
	return decisions
}

// SelectExpired returns the snapshots the policy no longer wants, oldest last.
// It never selects the newest parsable snapshot and is idempotent: running it
// again on the survivors selects nothing.
func SelectExpired(snapshots []snapshot.Snapshot, now time.Time, policy Policy) []snapshot.Snapshot {
	var expired []snapshot.Snapshot
	for _, d := range Evaluate(snapshots, now, policy) {
		if d.Expire {
			expired = append(expired, d.Snapshot)
		}
	}
	plog.Debug("Retention evaluated", "snapshots", len(snapshots), "expired", len(expired))
	return expired
}

// Expirer removes a single snapshot.
type Expirer interface {
	Expire(ctx context.Context, s snapshot.Snapshot) error
}

// PathRetainer applies the retention policy to a destination.
type PathRetainer struct {
	expirer Expirer
	metrics metrics.Metrics
}

// NewPathRetainer creates a new PathRetainer. A nil m disables metrics.
func NewPathRetainer(expirer Expirer, m metrics.Metrics) *PathRetainer {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &PathRetainer{expirer: expirer, metrics: m}
}

// Prune expires every snapshot SelectExpired picks, except the protected names.
// When snapshots is nil the catalog of dest is read. A missing marker or a
// cancelled context aborts; any other failure to expire one snapshot is logged
// and the remaining snapshots are still processed. It returns the snapshots
// that were expired.
func (r *PathRetainer) Prune(ctx context.Context, dest string, snapshots []snapshot.Snapshot, now time.Time, policy Policy, protect ...string) ([]snapshot.Snapshot, error) {
	if snapshots == nil {
		var err error
		snapshots, err = snapshot.List(ctx, dest)
		if err != nil {
			return nil, err
		}
	}

	selected := SelectExpired(snapshots, now, policy)
	if len(selected) == 0 {
		plog.Debug("No snapshots need expiring", "dest", dest)
		return nil, nil
	}

	plog.Info("Expiring outdated snapshots", "dest", dest, "count", len(selected))

	var expired []snapshot.Snapshot
	for _, s := range selected {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if isProtected(s.Name, protect) {
			plog.Debug("Keeping protected snapshot", "snapshot", s.Name)
			continue
		}

		if err := r.expirer.Expire(ctx, s); err != nil {
			if errors.Is(err, preflight.ErrMarkerMissing) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return expired, fmt.Errorf("failed to expire snapshot %s: %w", s.Name, err)
			}
			r.metrics.AddExpiryFailures(1)
			plog.Warn("Failed to expire outdated snapshot", "snapshot", s.Name, "error", err)
			continue
		}
		r.metrics.AddSnapshotsExpired(1)
		expired = append(expired, s)
	}
	return expired, nil
}

func isProtected(name string, protect []string) bool {
	for _, p := range protect {
		if p != "" && p == name {
			return true
		}
	}
	return false
}
