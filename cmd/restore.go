package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/planner"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

func newRestoreCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "restore <destination> <snapshot|latest> <target>",
		Short: "Copy a snapshot back out of the destination",
		Long: `Copies the files of one snapshot into <target> with rsync. Existing files in
<target> are overwritten, other files there are left alone. Use "latest" for
the snapshot of the last successful backup, or a name as shown by 'list'.`,
		Args: cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			flagMap, err := collect(c, args, "dest", "snapshot", "target")
			if err != nil {
				return err
			}
			return RunRestore(c.Context(), flagMap)
		},
	}
	f := c.Flags()
	f.String("rsync-path", "rsync", "Path of the rsync binary.")
	f.String("rsync-args", "", "Comma-separated list of extra rsync options.")
	return c
}

// RunRestore handles the logic for the restore command.
func RunRestore(ctx context.Context, flagMap map[string]any) error {
	snapshotName, _ := flagMap["snapshot"].(string)
	target, _ := flagMap["target"].(string)
	absTarget, err := util.ExpandedAbsPath(target)
	if err != nil {
		return fmt.Errorf("restore target path invalid: %w", err)
	}
	// Not config keys; the plan takes them directly.
	delete(flagMap, "snapshot")
	delete(flagMap, "target")

	runConfig, err := loadRunConfig(flagMap, false)
	if err != nil {
		return err
	}
	restorePlan, err := planner.GenerateRestorePlan(runConfig, snapshotName, absTarget)
	if err != nil {
		return err
	}

	runner := newRunner(runConfig)
	startTime := time.Now()
	snap, err := runner.ExecuteRestore(ctx, restorePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" restore finished successfully.", "snapshot", snap.Name, "target", absTarget, "duration", duration)
	return nil
}
