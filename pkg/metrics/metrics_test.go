package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
)

func TestRunMetrics_Adders(t *testing.T) {
	m := &RunMetrics{}

	m.AddSnapshotsExpired(3)
	m.AddExpiryFailures(1)
	m.AddEntriesDeleted(40)
	m.AddSyncAttempts(2)
	m.AddExhaustionRetries(1)
	m.AddLogsCompacted(5)

	if got := m.SnapshotsExpired.Load(); got != 3 {
		t.Errorf("expected SnapshotsExpired to be 3, got %d", got)
	}
	if got := m.ExpiryFailures.Load(); got != 1 {
		t.Errorf("expected ExpiryFailures to be 1, got %d", got)
	}
	if got := m.EntriesDeleted.Load(); got != 40 {
		t.Errorf("expected EntriesDeleted to be 40, got %d", got)
	}
	if got := m.SyncAttempts.Load(); got != 2 {
		t.Errorf("expected SyncAttempts to be 2, got %d", got)
	}
	if got := m.ExhaustionRetries.Load(); got != 1 {
		t.Errorf("expected ExhaustionRetries to be 1, got %d", got)
	}
	if got := m.LogsCompacted.Load(); got != 5 {
		t.Errorf("expected LogsCompacted to be 5, got %d", got)
	}
}

func TestRunMetrics_LogSummary(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(plog.ResetOutput)

	m := &RunMetrics{}
	m.AddSnapshotsExpired(10)
	m.AddExhaustionRetries(2)
	m.LogSummary("Run summary")

	output := logBuf.String()
	for _, want := range []string{`msg="Run summary"`, "snapshots_expired=10", "exhaustion_retries=2"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %q, got: %s", want, output)
		}
	}
}

func TestRunMetrics_Progress(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(plog.ResetOutput)

	m := &RunMetrics{}
	m.StartProgress("progress", 10*time.Millisecond)
	time.Sleep(35 * time.Millisecond)
	m.StopProgress()
	m.StopProgress()

	if !strings.Contains(logBuf.String(), `msg=progress`) {
		t.Errorf("expected at least one progress line, got: %s", logBuf.String())
	}
}

func TestNoopMetrics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("NoopMetrics method panicked: %v", r)
		}
	}()

	m := &NoopMetrics{}
	m.AddSnapshotsExpired(1)
	m.AddExpiryFailures(1)
	m.AddEntriesDeleted(1)
	m.AddSyncAttempts(1)
	m.AddExhaustionRetries(1)
	m.AddLogsCompacted(1)
	m.LogSummary("noop")
	m.StartProgress("noop", time.Millisecond)
	m.StopProgress()
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node", "pgl-tmbackup.prom")

	m := &RunMetrics{}
	m.AddSyncAttempts(2)
	m.AddExhaustionRetries(1)
	m.AddSnapshotsExpired(1)

	start := time.Unix(1_700_000_000, 0)
	err := WriteTextfile(path, m, Report{
		RunID:     "run-1",
		Command:   "backup",
		Dest:      "/mnt/backup",
		Target:    "2024-01-01-000000",
		Outcome:   "clean",
		Success:   true,
		Start:     start,
		End:       start.Add(90 * time.Second),
		Snapshots: 4,
		FreeBytes: 1024,
	})
	if err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read metrics file: %v", err)
	}
	output := string(data)

	for _, want := range []string{
		`pgl_tmbackup_last_run_success{command="backup",dest="/mnt/backup"} 1`,
		`pgl_tmbackup_sync_attempts{command="backup",dest="/mnt/backup"} 2`,
		`pgl_tmbackup_exhaustion_retries{command="backup",dest="/mnt/backup"} 1`,
		`pgl_tmbackup_last_run_duration_seconds{command="backup",dest="/mnt/backup"} 90`,
		`pgl_tmbackup_destination_free_bytes{command="backup",dest="/mnt/backup"} 1024`,
		`run_id="run-1"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected metrics file to contain %q, got:\n%s", want, output)
		}
	}
}
