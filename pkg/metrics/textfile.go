package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

const namespace = "pgl_tmbackup"

// Report describes the outcome of a run for export.
type Report struct {
	RunID     string
	Command   string
	Dest      string
	Target    string
	Outcome   string
	Success   bool
	Start     time.Time
	End       time.Time
	Snapshots int
	// FreeBytes is the free space of the destination, zero if unknown.
	FreeBytes uint64
}

// WriteTextfile writes the counters of m and the report r to path in the
// Prometheus text exposition format. The file is replaced atomically.
func WriteTextfile(path string, m *RunMetrics, r Report) error {
	if m == nil {
		m = &RunMetrics{}
	}
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"command": r.Command, "dest": r.Dest}

	gauge := func(name, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(v)
		reg.MustRegister(g)
	}

	success := 0.0
	if r.Success {
		success = 1
	}
	gauge("last_run_success", "Whether the last run succeeded (1) or failed (0).", success)
	gauge("last_run_timestamp_seconds", "Unix time the last run finished.", float64(r.End.Unix()))
	gauge("last_run_duration_seconds", "Wall clock duration of the last run.", r.End.Sub(r.Start).Seconds())
	gauge("snapshots", "Number of snapshots on the destination after the run.", float64(r.Snapshots))
	gauge("snapshots_expired", "Snapshots expired during the last run.", float64(m.SnapshotsExpired.Load()))
	gauge("expiry_failures", "Snapshots that could not be expired during the last run.", float64(m.ExpiryFailures.Load()))
	gauge("sync_attempts", "Sync attempts made during the last run.", float64(m.SyncAttempts.Load()))
	gauge("exhaustion_retries", "Retries caused by a full destination during the last run.", float64(m.ExhaustionRetries.Load()))
	gauge("logs_compacted", "Run logs compressed during the last run.", float64(m.LogsCompacted.Load()))
	if r.FreeBytes > 0 {
		gauge("destination_free_bytes", "Free bytes on the destination volume.", float64(r.FreeBytes))
	}

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "last_run_info",
		Help:        "Identity of the last run.",
		ConstLabels: labels,
	}, []string{"run_id", "target", "outcome"})
	info.WithLabelValues(r.RunID, r.Target, r.Outcome).Set(1)
	reg.MustRegister(info)

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("failed to write metrics file %s: %w", path, err)
	}
	return nil
}
