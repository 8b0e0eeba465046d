package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-tmbackup/pkg/engine"
	"github.com/paulschiretz/pgl-tmbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-tmbackup/pkg/planner"
)

func newListCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "list <destination>",
		Short: "Show the snapshots and what the retention policy would do with them",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			flagMap, err := collect(c, args, "dest")
			if err != nil {
				return err
			}
			return RunList(c.Context(), c.OutOrStdout(), flagMap)
		},
	}
	f := c.Flags()
	f.Int("keep-all-days", 1, "Keep every snapshot younger than this many days.")
	f.Int("keep-daily-days", 31, "Keep one snapshot per day younger than this many days.")
	f.String("order", "desc", "Sort order: 'desc' (newest first) or 'asc'.")
	f.Bool("no-color", false, "Disable colored output.")
	return c
}

// RunList handles the logic for the list command.
func RunList(ctx context.Context, w io.Writer, flagMap map[string]any) error {
	order := planner.Desc
	if s, ok := flagMap["order"].(string); ok {
		var err error
		if order, err = planner.ParseSortOrder(s); err != nil {
			return err
		}
	}
	if noColor, ok := flagMap["no-color"].(bool); ok && noColor {
		color.NoColor = true
	}

	runConfig, err := loadRunConfig(flagMap, false)
	if err != nil {
		return err
	}
	listPlan, err := planner.GenerateListPlan(runConfig, order)
	if err != nil {
		return err
	}

	listing, err := newRunner(runConfig).List(ctx, listPlan)
	if err != nil {
		return err
	}
	printListing(w, listing, time.Now())
	return nil
}

var (
	headerColor = color.New(color.Bold)
	keepColor   = color.New(color.FgGreen)
	expireColor = color.New(color.FgRed)
	warnColor   = color.New(color.FgYellow)
	noteColor   = color.New(color.FgCyan)
)

func printListing(w io.Writer, l *engine.Listing, now time.Time) {
	headerColor.Fprintf(w, "Snapshots in %s\n", l.Dest)
	if len(l.Decisions) == 0 {
		fmt.Fprintln(w, "  (none)")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tAGE\tTIER\tACTION\t")
	for _, d := range l.Decisions {
		age, tier, action := "?", d.Tier.String(), keepColor.Sprint("keep")
		if ts, err := d.Snapshot.Time(); err == nil {
			age = formatAge(now.Sub(ts))
		}
		switch {
		case d.Err != nil:
			action = warnColor.Sprint("unparsable")
		case d.Expire:
			action = expireColor.Sprint("expire")
		}
		note := ""
		if d.Snapshot.Name == l.Latest {
			note = noteColor.Sprint("latest")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Snapshot.Name, age, tier, action, note)
	}
	tw.Flush()

	switch l.Lock.State {
	case lockfile.StateActive:
		warnColor.Fprintf(w, "A backup is running (pid %d)\n", l.Lock.PID)
	case lockfile.StateStale:
		warnColor.Fprintf(w, "The last backup was interrupted and will be resumed (pid %d)\n", l.Lock.PID)
	}
	if l.LatestSummary != "" {
		fmt.Fprintf(w, "Last run: %s\n", l.LatestSummary)
	}
	if l.FreeBytes > 0 {
		fmt.Fprintf(w, "Free space: %s\n", formatBytes(l.FreeBytes))
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "future"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
