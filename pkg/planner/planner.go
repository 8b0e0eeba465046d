// Package planner turns a validated configuration into the plan of a single
// command run. Plans are plain values; the engine never reads the config.
package planner

import (
	"fmt"
	"path/filepath"

	"github.com/paulschiretz/pgl-tmbackup/pkg/config"
	"github.com/paulschiretz/pgl-tmbackup/pkg/hook"
	"github.com/paulschiretz/pgl-tmbackup/pkg/pathretention"
)

// BackupPlan holds everything one backup run needs.
type BackupPlan struct {
	DryRun bool

	Source      string
	Dest        string
	ExcludeFrom string

	Retention pathretention.Policy
	// MaxExhaustionRetries caps the evict-and-retry loop; 0 means unbounded.
	MaxExhaustionRetries int

	CompactLogs bool
	Hooks       *hook.Plan
	MetricsFile string
}

// PrunePlan holds the inputs of a standalone retention run.
type PrunePlan struct {
	DryRun bool

	Dest        string
	Retention   pathretention.Policy
	MetricsFile string
}

// ListPlan holds the inputs of the list command.
type ListPlan struct {
	Dest      string
	Retention pathretention.Policy
	Order     SortOrder
}

// GenerateBackupPlan builds a BackupPlan with absolute paths from cfg.
func GenerateBackupPlan(cfg config.Config) (*BackupPlan, error) {
	source, err := absPath(cfg.Source, "source")
	if err != nil {
		return nil, err
	}
	dest, err := absPath(cfg.Dest, "destination")
	if err != nil {
		return nil, err
	}
	var excludeFrom string
	if cfg.ExcludeFrom != "" {
		if excludeFrom, err = absPath(cfg.ExcludeFrom, "exclusion file"); err != nil {
			return nil, err
		}
	}

	return &BackupPlan{
		DryRun: cfg.Runtime.DryRun,

		Source:      source,
		Dest:        dest,
		ExcludeFrom: excludeFrom,

		Retention:            pathretention.PolicyFromDays(cfg.Retention.KeepAllDays, cfg.Retention.KeepDailyDays),
		MaxExhaustionRetries: cfg.Engine.MaxExhaustionRetries,

		CompactLogs: cfg.Logs.Compact,
		Hooks: &hook.Plan{
			PreBackup:  cfg.Hooks.PreBackup,
			PostBackup: cfg.Hooks.PostBackup,
			DryRun:     cfg.Runtime.DryRun,
			FailFast:   cfg.Hooks.FailFast,
		},
		MetricsFile: cfg.Metrics.File,
	}, nil
}

// GeneratePrunePlan builds a PrunePlan from cfg.
func GeneratePrunePlan(cfg config.Config) (*PrunePlan, error) {
	dest, err := absPath(cfg.Dest, "destination")
	if err != nil {
		return nil, err
	}
	return &PrunePlan{
		DryRun:      cfg.Runtime.DryRun,
		Dest:        dest,
		Retention:   pathretention.PolicyFromDays(cfg.Retention.KeepAllDays, cfg.Retention.KeepDailyDays),
		MetricsFile: cfg.Metrics.File,
	}, nil
}

// GenerateListPlan builds a ListPlan from cfg, sorted by order.
func GenerateListPlan(cfg config.Config, order SortOrder) (*ListPlan, error) {
	dest, err := absPath(cfg.Dest, "destination")
	if err != nil {
		return nil, err
	}
	return &ListPlan{
		Dest:      dest,
		Retention: pathretention.PolicyFromDays(cfg.Retention.KeepAllDays, cfg.Retention.KeepDailyDays),
		Order:     order,
	}, nil
}

// RestorePlan holds the inputs of a restore run.
type RestorePlan struct {
	DryRun bool

	Dest string
	// Snapshot is a snapshot name or LatestAlias.
	Snapshot string
	Target   string
}

// LatestAlias selects the snapshot the latest link points at.
const LatestAlias = "latest"

// GenerateRestorePlan builds a RestorePlan that copies snapshotName from the
// destination in cfg into target.
func GenerateRestorePlan(cfg config.Config, snapshotName, target string) (*RestorePlan, error) {
	dest, err := absPath(cfg.Dest, "destination")
	if err != nil {
		return nil, err
	}
	absTarget, err := absPath(target, "restore target")
	if err != nil {
		return nil, err
	}
	if snapshotName == "" {
		return nil, fmt.Errorf("a snapshot name or %q is required", LatestAlias)
	}
	return &RestorePlan{
		DryRun:   cfg.Runtime.DryRun,
		Dest:     dest,
		Snapshot: snapshotName,
		Target:   absTarget,
	}, nil
}

func absPath(p, what string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%s path cannot be empty", what)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute %s path: %w", what, err)
	}
	return abs, nil
}
