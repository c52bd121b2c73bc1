package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/statebus"
	"pkt.systems/statebus/internal/loggingutil"
)

func newRestoreCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the local snapshots with the mirrored copies",
		Long: `restore downloads states.json and objects.json from the snapshot mirror
and installs them in the data directory. The previous files are kept as .bak.
The server must not be running against the same data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if flag := cmd.Flag("config"); flag != nil {
				if err := v.BindPFlag("config", flag); err != nil {
					return err
				}
			}
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			dataDir := v.GetString("data-dir")
			mirror := v.GetString("mirror")
			if mirror == "" {
				return fmt.Errorf("restore: --mirror is required")
			}
			logger := loggingutil.WithSubsystem(baseLogger, "cli.restore")
			results, err := statebus.RestoreFromMirror(cmd.Context(), dataDir, mirror, logger)
			for _, res := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s (%s) -> %s\n", res.Name, humanize.Bytes(uint64(res.Bytes)), res.Path)
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringP("data-dir", "d", statebus.DefaultDataDir, "snapshot directory to restore into")
	flags.String("mirror", "", "mirror URL (s3://host[:port]/bucket[/prefix])")
	bindFlags(v, flags)
	return cmd
}
