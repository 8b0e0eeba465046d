package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/planner"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
)

func newPruneCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "prune <destination>",
		Short: "Apply the retention policy without taking a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			flagMap, err := collect(c, args, "dest")
			if err != nil {
				return err
			}
			return RunPrune(c.Context(), flagMap)
		},
	}
	f := c.Flags()
	f.Int("keep-all-days", 1, "Keep every snapshot younger than this many days.")
	f.Int("keep-daily-days", 31, "Keep one snapshot per day younger than this many days.")
	f.Int("delete-workers", 4, "Number of worker goroutines for deleting expired snapshots.")
	return c
}

// RunPrune handles the logic for the prune command.
func RunPrune(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagMap, false)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	prunePlan, err := planner.GeneratePrunePlan(runConfig)
	if err != nil {
		return err
	}

	runner := newRunner(runConfig)
	startTime := time.Now()
	expired, err := runner.ExecutePrune(ctx, prunePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" prune finished successfully.", "expired", len(expired), "duration", duration)
	return nil
}
