package main

import (
	"slices"
	"time"

	"github.com/gammadia/gridscale/client/ui"
	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/rpc"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes of the cluster",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := client.ListNodes(cmd.Context())
		if err != nil {
			return err
		}

		if !lo.Must(cmd.Flags().GetBool("all")) {
			nodes = lo.Reject(nodes, func(n rpc.NodeInfo, _ int) bool { return n.Status == cluster.NodeStatusDead })
		}

		_, err = nodesTable(nodes, time.Now()).WriteTo(cmd.OutOrStdout())
		return err
	},
}

func init() {
	nodesCmd.Flags().BoolP("all", "a", false, "include the nodes that were given up on")
}

func nodesTable(nodes []rpc.NodeInfo, now time.Time) *ui.Table {
	nodes = slices.Clone(nodes)
	slices.SortStableFunc(nodes, func(a, b rpc.NodeInfo) int {
		return nodeStatusOrder(a.Status) - nodeStatusOrder(b.Status)
	})

	table := ui.NewTable("ALIAS", "ID", "STATUS", "ADDRESS", "UPDATED", "REASON")
	for _, node := range nodes {
		table.Append(node.Alias, node.ID, colorStatus(node.Status), node.Address, formatAge(node.UpdatedAt, now), node.Reason)
	}
	return table
}
