// Package metrics collects the counters of a single backup or prune run and
// exports them for the Prometheus node exporter textfile collector.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
)

// Metrics defines the interface for collecting and reporting run statistics.
type Metrics interface {
	AddSnapshotsExpired(n int64)
	AddExpiryFailures(n int64)
	AddEntriesDeleted(n int64)
	AddSyncAttempts(n int64)
	AddExhaustionRetries(n int64)
	AddLogsCompacted(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RunMetrics holds the atomic counters of one run.
type RunMetrics struct {
	SnapshotsExpired  atomic.Int64
	ExpiryFailures    atomic.Int64
	EntriesDeleted    atomic.Int64
	SyncAttempts      atomic.Int64
	ExhaustionRetries atomic.Int64
	LogsCompacted     atomic.Int64

	stopChan chan struct{}
}

func (m *RunMetrics) AddSnapshotsExpired(n int64)  { m.SnapshotsExpired.Add(n) }
func (m *RunMetrics) AddExpiryFailures(n int64)    { m.ExpiryFailures.Add(n) }
func (m *RunMetrics) AddEntriesDeleted(n int64)    { m.EntriesDeleted.Add(n) }
func (m *RunMetrics) AddSyncAttempts(n int64)      { m.SyncAttempts.Add(n) }
func (m *RunMetrics) AddExhaustionRetries(n int64) { m.ExhaustionRetries.Add(n) }
func (m *RunMetrics) AddLogsCompacted(n int64)     { m.LogsCompacted.Add(n) }

// StartProgress logs the summary every interval until StopProgress is called.
func (m *RunMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *RunMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the current counter values.
func (m *RunMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"snapshots_expired", m.SnapshotsExpired.Load(),
		"expiry_failures", m.ExpiryFailures.Load(),
		"entries_deleted", m.EntriesDeleted.Load(),
		"sync_attempts", m.SyncAttempts.Load(),
		"exhaustion_retries", m.ExhaustionRetries.Load(),
		"logs_compacted", m.LogsCompacted.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddSnapshotsExpired(n int64)                      {}
func (m *NoopMetrics) AddExpiryFailures(n int64)                        {}
func (m *NoopMetrics) AddEntriesDeleted(n int64)                        {}
func (m *NoopMetrics) AddSyncAttempts(n int64)                          {}
func (m *NoopMetrics) AddExhaustionRetries(n int64)                     {}
func (m *NoopMetrics) AddLogsCompacted(n int64)                         {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*RunMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
