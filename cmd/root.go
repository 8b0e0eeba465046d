// Package cmd wires the command line to the engine.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
)

// NewRootCmd builds the command tree. The root command itself runs a backup.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   buildinfo.BinaryName + " [flags] <source> <destination> [exclusion-file]",
		Short: "Time-Machine-style incremental backups with rsync",
		Long: buildinfo.Name + ` copies <source> into a new timestamped snapshot on <destination>,
hard-linking unchanged files against the previous snapshot. Old snapshots are
thinned out: everything from the last day, one per day for a month, and one per
month beyond that. Interrupted runs are resumed and a full destination is
handled by expiring the oldest snapshots.

The destination must contain a backup.marker file before it is used.`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			flagMap, err := collect(c, args, "source", "dest", "exclude-from")
			if err != nil {
				return err
			}
			return RunBackup(c.Context(), flagMap)
		},
	}

	pf := root.PersistentFlags()
	pf.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	pf.Bool("dry-run", false, "Show what would be done without making any changes.")
	pf.String("metrics-file", "", "Write run metrics to this Prometheus textfile.")

	f := root.Flags()
	f.Int("keep-all-days", 1, "Keep every snapshot younger than this many days.")
	f.Int("keep-daily-days", 31, "Keep one snapshot per day younger than this many days.")
	f.String("rsync-path", "rsync", "Path of the rsync binary.")
	f.String("rsync-args", "", "Comma-separated list of extra rsync options.")
	f.Int("max-exhaustion-retries", 0, "Maximum retries after the destination ran full (0 = unbounded).")
	f.Int("delete-workers", 4, "Number of worker goroutines for deleting expired snapshots.")
	f.Bool("no-compact-logs", false, "Do not compress the logs of older snapshots.")
	f.String("compact-format", "gzip", "Compression for older logs: 'gzip' or 'zstd'.")
	f.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")

	root.AddCommand(newListCmd(), newPruneCmd(), newRestoreCmd(), newInitCmd(), newVersionCmd())
	return root
}

// collect gathers the user-set flags of c and maps the positional args onto
// the given names. Positional values containing quotes are refused.
func collect(c *cobra.Command, args []string, names ...string) (map[string]any, error) {
	if err := preflight.ValidateArguments(args...); err != nil {
		return nil, err
	}
	flagMap, err := flagparse.Collect(c.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}
	for i, arg := range args {
		if i < len(names) {
			flagMap[names[i]] = arg
		}
	}
	return flagMap, nil
}
