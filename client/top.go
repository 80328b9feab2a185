package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/rpc"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

// snapshot is one poll of gridscaled.
type snapshot struct {
	metrics cluster.Metrics
	nodes   []rpc.NodeInfo
	err     error
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the cluster load and nodes, refreshed continuously",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := client.Ping(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to ping server: %w", err)
		}
		interval := refreshInterval(cmd)

		app := tview.NewApplication()

		header := tview.NewTextView().
			SetDynamicColors(true).
			SetWordWrap(true).
			SetTextAlign(tview.AlignLeft)
		header.SetBorder(true).SetTitle(" gridscale ")

		nodesTable := tview.NewTable().
			SetFixed(1, 0).
			SetSelectable(true, false)
		nodesTable.SetBorder(true).SetTitle(" Nodes ")

		layout := tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(header, 6, 0, false).
			AddItem(nodesTable, 0, 1, true)

		app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
			return event
		})

		// Only accessed from tview's event loop (via QueueUpdateDraw)
		var last snapshot

		updateHeader := func() {
			header.Clear()
			fmt.Fprint(header, renderHeader(info, last, time.Now()))
		}

		updateNodes := func() {
			nodesTable.Clear()
			nodesTable.SetTitle(fmt.Sprintf(" Nodes: %d online, %d pending ", last.metrics.Nodes, last.metrics.Pending))

			for col, title := range []string{"ALIAS", "ID", "STATUS", "ADDRESS", "UPDATED", "REASON"} {
				nodesTable.SetCell(0, col, tview.NewTableCell(title).
					SetTextColor(tcell.ColorYellow).
					SetSelectable(false).
					SetExpansion(1))
			}

			nodes := slices.Clone(last.nodes)
			slices.SortStableFunc(nodes, func(a, b rpc.NodeInfo) int {
				return nodeStatusOrder(a.Status) - nodeStatusOrder(b.Status)
			})

			now := time.Now()
			for row, node := range nodes {
				nodesTable.SetCell(row+1, 0, tview.NewTableCell(node.Alias).SetExpansion(1))
				nodesTable.SetCell(row+1, 1, tview.NewTableCell(node.ID).SetTextColor(tcell.ColorGray).SetExpansion(1))
				nodesTable.SetCell(row+1, 2, tview.NewTableCell(string(node.Status)).SetTextColor(nodeStatusColor(node.Status)).SetExpansion(1))
				nodesTable.SetCell(row+1, 3, tview.NewTableCell(node.Address).SetExpansion(1))
				nodesTable.SetCell(row+1, 4, tview.NewTableCell(formatAge(node.UpdatedAt, now)).SetExpansion(1))
				nodesTable.SetCell(row+1, 5, tview.NewTableCell(node.Reason).SetTextColor(tcell.ColorRed).SetExpansion(3))
			}
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				current := poll(ctx)
				if ctx.Err() != nil {
					return
				}
				app.QueueUpdateDraw(func() {
					if current.err == nil {
						last = current
						updateNodes()
					} else {
						last.err = current.err
					}
					updateHeader()
				})

				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()

		return app.SetRoot(layout, true).Run()
	},
}

func init() {
	topCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
}

func refreshInterval(cmd *cobra.Command) time.Duration {
	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil || interval <= 0 {
		return 2 * time.Second
	}
	return interval
}

func poll(ctx context.Context) snapshot {
	metrics, err := client.CurrentMetrics(ctx)
	if err != nil {
		return snapshot{err: err}
	}
	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return snapshot{err: err}
	}
	return snapshot{metrics: metrics, nodes: nodes}
}

func renderHeader(info rpc.ServerInfo, last snapshot, now time.Time) string {
	m := last.metrics
	text := fmt.Sprintf(" [yellow]gridscaled[white] %s (%s)  |  Uptime: [green]%s[white]\n",
		info.Version, shortCommit(info.Commit), formatDuration(now.Sub(info.StartedAt)))
	text += fmt.Sprintf(" Hosts: [yellow]%d[white]  |  Slots: [yellow]%d[white]  |  Running: [yellow]%d[white]  |  Queued: [yellow]%d[white] (%d slots, oldest %s)\n",
		m.Hosts, m.TotalSlots, m.RunningJobs, m.QueuedJobs, m.QueuedSlots, formatDuration(m.OldestQueuedAge))
	text += fmt.Sprintf(" Avg duration: [yellow]%s[white]  |  Avg wait: [yellow]%s[white]  |  Sampled: %s\n",
		formatDuration(m.AvgJobDuration), formatDuration(m.AvgWaitTime), formatAge(m.SampledAt, now))

	switch {
	case last.err != nil:
		text += fmt.Sprintf(" [red]%s[white]", tview.Escape(last.err.Error()))
	case m.LastDecision != "":
		text += fmt.Sprintf(" Last decision: [aqua]%s[white]", tview.Escape(m.LastDecision))
	}
	return text
}

func nodeStatusColor(status cluster.NodeStatus) tcell.Color {
	switch status {
	case cluster.NodeStatusOnline:
		return tcell.ColorGreen
	case cluster.NodeStatusRequested, cluster.NodeStatusPropagating, cluster.NodeStatusBooting, cluster.NodeStatusIntegrating:
		return tcell.ColorYellow
	case cluster.NodeStatusRemoving:
		return tcell.ColorGray
	case cluster.NodeStatusDead:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}
