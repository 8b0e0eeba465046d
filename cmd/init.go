package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-tmbackup/pkg/config"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

func newInitCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "init <destination>",
		Short: "Write a default " + config.ConfigFileName + " into the destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			flagMap, err := collect(c, args, "dest")
			if err != nil {
				return err
			}
			return RunInit(flagMap)
		},
	}
	c.Flags().Bool("force", false, "Overwrite an existing configuration file.")
	return c
}

// RunInit writes the default configuration, with any user-set flags applied,
// into the destination directory.
func RunInit(flagMap map[string]any) error {
	dest, _ := flagMap["dest"].(string)
	absDest, err := util.ExpandedAbsPath(dest)
	if err != nil {
		return fmt.Errorf("destination path invalid: %w", err)
	}
	if err := preflight.CheckDestinationAccessible(absDest); err != nil {
		return err
	}
	flagMap["dest"] = absDest
	force, _ := flagMap["force"].(bool)

	cfg := config.MergeWithFlags(config.NewDefault(), flagMap)
	if err := cfg.Validate(false); err != nil {
		return err
	}
	if err := config.Generate(cfg, absDest, force); err != nil {
		return err
	}

	if err := preflight.CheckBackupMarker(absDest); err != nil {
		plog.Warn("Destination has no backup marker yet; backups will be refused until it exists",
			"hint", fmt.Sprintf("touch %q", preflight.MarkerPath(absDest)))
	}
	return nil
}
