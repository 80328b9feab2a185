package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/gridscale/cluster"
)

func shortCommit(commit string) string {
	return commit[:min(len(commit), 7)]
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// formatAge renders how long ago t was, or "never" for the zero time.
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return formatDuration(now.Sub(t)) + " ago"
}

func nodeStatusOrder(status cluster.NodeStatus) int {
	switch status {
	case cluster.NodeStatusOnline:
		return 0
	case cluster.NodeStatusRemoving:
		return 1
	case cluster.NodeStatusIntegrating, cluster.NodeStatusBooting:
		return 2
	case cluster.NodeStatusPropagating, cluster.NodeStatusRequested:
		return 3
	case cluster.NodeStatusDead:
		return 4
	default:
		return 5
	}
}

func colorStatus(status cluster.NodeStatus) string {
	switch status {
	case cluster.NodeStatusOnline:
		return color.HiGreenString(string(status))
	case cluster.NodeStatusRequested, cluster.NodeStatusPropagating, cluster.NodeStatusBooting, cluster.NodeStatusIntegrating:
		return color.HiYellowString(string(status))
	case cluster.NodeStatusRemoving:
		return color.HiBlackString(string(status))
	case cluster.NodeStatusDead:
		return color.HiRedString(string(status))
	default:
		return string(status)
	}
}
