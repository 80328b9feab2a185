package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/gridscale/cluster"
	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the load of the cluster",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		metrics, err := client.CurrentMetrics(cmd.Context())
		if err != nil {
			return err
		}

		printMetrics(cmd, metrics, time.Now())
		return nil
	},
}

func printMetrics(cmd *cobra.Command, metrics cluster.Metrics, now time.Time) {
	label := color.New(color.FgHiBlack).SprintFunc()

	cmd.Printf("%s %s\n", label("Sampled:      "), formatAge(metrics.SampledAt, now))
	cmd.Printf("%s %d (%d pending)\n", label("Nodes:        "), metrics.Nodes, metrics.Pending)
	cmd.Printf("%s %d hosts, %d slots\n", label("Grid engine:  "), metrics.Hosts, metrics.TotalSlots)
	cmd.Printf("%s %d running, %d queued (%d slots)\n", label("Jobs:         "), metrics.RunningJobs, metrics.QueuedJobs, metrics.QueuedSlots)
	cmd.Printf("%s %s\n", label("Oldest queued:"), formatDuration(metrics.OldestQueuedAge))
	cmd.Printf("%s %s\n", label("Avg duration: "), formatDuration(metrics.AvgJobDuration))
	cmd.Printf("%s %s\n", label("Avg wait:     "), formatDuration(metrics.AvgWaitTime))
	if metrics.LastDecision != "" {
		cmd.Printf("%s %s\n", label("Last decision:"), color.HiCyanString(metrics.LastDecision))
	}
}
