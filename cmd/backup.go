package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/config"
	"github.com/paulschiretz/pgl-tmbackup/pkg/engine"
	"github.com/paulschiretz/pgl-tmbackup/pkg/expire"
	"github.com/paulschiretz/pgl-tmbackup/pkg/hook"
	"github.com/paulschiretz/pgl-tmbackup/pkg/logcompact"
	"github.com/paulschiretz/pgl-tmbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-tmbackup/pkg/pathsync"
	"github.com/paulschiretz/pgl-tmbackup/pkg/planner"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-tmbackup/pkg/resume"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

const progressInterval = time.Minute

// RunBackup handles the logic for the main backup execution.
func RunBackup(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagMap, true)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	runner := newRunner(runConfig)
	runner.Metrics().StartProgress("Backup progress", progressInterval)
	defer runner.Metrics().StopProgress()

	startTime := time.Now()
	err = runner.ExecuteBackup(ctx, backupPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

// loadRunConfig loads the config file of the destination in flagMap and lays
// the user-set flags over it.
func loadRunConfig(flagMap map[string]any, needSource bool) (config.Config, error) {
	dest, ok := flagMap["dest"].(string)
	if !ok || dest == "" {
		return config.Config{}, fmt.Errorf("a destination is required")
	}
	absDest, err := util.ExpandedAbsPath(dest)
	if err != nil {
		return config.Config{}, fmt.Errorf("destination path invalid: %w", err)
	}
	if err := preflight.CheckDestinationAccessible(absDest); err != nil {
		return config.Config{}, err
	}

	// The level from the flag applies while the config itself is loaded.
	if lvl, ok := flagMap["log-level"].(string); ok {
		plog.SetLevel(plog.LevelFromString(lvl))
	}

	loadedConfig, err := config.Load(absDest)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration from destination: %w", err)
	}

	flagMap["dest"] = absDest
	for _, key := range []string{"source", "exclude-from"} {
		if p, ok := flagMap[key].(string); ok && p != "" {
			if flagMap[key], err = util.ExpandedAbsPath(p); err != nil {
				return config.Config{}, fmt.Errorf("%s path invalid: %w", key, err)
			}
		}
	}
	runConfig := config.MergeWithFlags(loadedConfig, flagMap)
	if err := runConfig.Validate(needSource); err != nil {
		return config.Config{}, err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	return runConfig, nil
}

// newRunner creates the runner and feeds it with the leaf workers the config asks for.
func newRunner(cfg config.Config) *engine.Runner {
	dryRun := cfg.Runtime.DryRun
	m := &metrics.RunMetrics{}
	return engine.NewRunner(
		resume.NewManager(os.Getpid(), nil, dryRun),
		pathsync.NewRsyncDriver(cfg.Sync.RsyncPath, cfg.Sync.ExtraArgs, nil),
		expire.New(cfg.Engine.DeleteWorkers, dryRun, m),
		logcompact.New(cfg.Logs.Format, cfg.Logs.Level, dryRun, m),
		hook.NewHookExecutor(nil),
		m,
	)
}
