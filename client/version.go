package main

import (
	"time"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version numbers of gridctl and gridscaled",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("gridctl version %s (%s)\n", version, shortCommit(commit))

		info, err := client.Ping(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("gridscaled version %s (%s), up for %s\n", info.Version, shortCommit(info.Commit), formatDuration(time.Since(info.StartedAt)))
		return nil
	},
}
