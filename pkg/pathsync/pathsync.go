// Package pathsync drives the external rsync process that copies the source
// into a snapshot, hard-linking unchanged files against the previous one, and
// classifies how the transfer ended.
package pathsync

import (
	"context"
	"fmt"
)

// Outcome is the classification of one sync attempt.
type Outcome int

const (
	// OutcomeClean means rsync reported nothing noteworthy.
	OutcomeClean Outcome = iota
	// OutcomeWarning means rsync printed diagnostics but did not fail.
	OutcomeWarning
	// OutcomeExhaustion means the destination ran out of space.
	OutcomeExhaustion
	// OutcomeFatal means the transfer failed.
	OutcomeFatal
)

var outcomeNames = map[Outcome]string{
	OutcomeClean:      "clean",
	OutcomeWarning:    "warning",
	OutcomeExhaustion: "exhaustion",
	OutcomeFatal:      "fatal",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Recoverable reports whether retrying after freeing space can help.
func (o Outcome) Recoverable() bool {
	return o == OutcomeExhaustion
}

// Request describes one sync attempt. All paths are absolute.
type Request struct {
	Source string
	Target string
	// LogFile receives rsync's own log and its console output.
	LogFile string
	// IncrementalBase is the previous snapshot to hard-link against, empty for a full copy.
	IncrementalBase string
	// ExcludeFrom is an rsync exclusion pattern file, optional.
	ExcludeFrom string
	DryRun      bool
}

// SyncError is returned when an attempt ends fatally.
type SyncError struct {
	Outcome Outcome
	LogFile string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sync ended with outcome %s (see %s): %v", e.Outcome, e.LogFile, e.Err)
	}
	return fmt.Sprintf("sync ended with outcome %s (see %s)", e.Outcome, e.LogFile)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Syncer performs a sync attempt. The error is non-nil exactly when the
// outcome is OutcomeFatal.
type Syncer interface {
	Sync(ctx context.Context, req Request) (Outcome, error)
}
