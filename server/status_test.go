package main

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/rpc"
	"github.com/gammadia/gridscale/server/flags"
	"github.com/gammadia/gridscale/server/log"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Setenv("GRIDSCALE_LOG_LEVEL", "ERROR")
	os.Setenv("GRIDSCALE_LOG_FORMAT", "text")
	if err := flags.Init(nil); err != nil {
		panic(err)
	}
	if err := log.InitWriter(io.Discard); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestBoard() *nodeBoard {
	board := newNodeBoard("i-master")
	board.now = (&testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}).Now
	return board
}

func statuses(nodes []rpc.NodeInfo) map[string]cluster.NodeStatus {
	return lo.SliceToMap(nodes, func(n rpc.NodeInfo) (string, cluster.NodeStatus) { return n.ID, n.Status })
}

func TestBoardFollowsNodeLifecycle(t *testing.T) {
	board := newTestBoard()

	board.apply(cluster.EventNodeCreated{Node: "i-master", Alias: "master", Status: cluster.NodeStatusOnline})
	board.apply(cluster.EventNodeCreated{Node: "i-1", Status: cluster.NodeStatusPropagating})
	board.apply(cluster.EventNodeStatusUpdated{Node: "i-1", Alias: "node001", Status: cluster.NodeStatusBooting})

	nodes := board.snapshot()
	require.Len(t, nodes, 2)
	assert.Equal(t, rpc.NodeInfo{
		ID:        "i-master",
		Alias:     "master",
		Status:    cluster.NodeStatusOnline,
		Master:    true,
		UpdatedAt: time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC),
	}, nodes[0])
	assert.Equal(t, "node001", nodes[1].Alias)
	assert.Equal(t, cluster.NodeStatusBooting, nodes[1].Status)

	board.apply(cluster.EventNodeIntegrated{Node: "i-1", Alias: "node001"})
	assert.Equal(t, cluster.NodeStatusOnline, statuses(board.snapshot())["i-1"])

	board.apply(cluster.EventNodeStatusUpdated{Node: "i-1", Alias: "node001", Status: cluster.NodeStatusRemoving})
	assert.Equal(t, cluster.NodeStatusRemoving, statuses(board.snapshot())["i-1"])

	board.apply(cluster.EventNodeRemoved{Node: "i-1", Alias: "node001"})
	assert.Equal(t, []string{"i-master"}, lo.Map(board.snapshot(), func(n rpc.NodeInfo, _ int) string { return n.ID }))
}

func TestBoardKeepsDeadNodes(t *testing.T) {
	board := newTestBoard()

	board.apply(cluster.EventNodeCreated{Node: "i-1", Status: cluster.NodeStatusPropagating})
	board.apply(cluster.EventNodeDead{Node: "i-1", Reason: "not visible after 10m0s"})

	nodes := board.snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, cluster.NodeStatusDead, nodes[0].Status)
	assert.Equal(t, "not visible after 10m0s", nodes[0].Reason)
}

func TestBoardOnlyKeepsRecentDeadNodes(t *testing.T) {
	board := newTestBoard()

	board.apply(cluster.EventNodeCreated{Node: "i-master", Alias: "master", Status: cluster.NodeStatusOnline})
	for i := range maxDeadNodes + 5 {
		board.apply(cluster.EventNodeDead{Node: fmt.Sprintf("i-%02d", i), Reason: "unreachable"})
	}

	nodes := board.snapshot()
	require.Len(t, nodes, maxDeadNodes+1)
	assert.Equal(t, "i-master", nodes[0].ID)
	assert.Equal(t, "i-05", nodes[1].ID)
	assert.Equal(t, fmt.Sprintf("i-%02d", maxDeadNodes+4), nodes[len(nodes)-1].ID)
}

func TestBoardOrdering(t *testing.T) {
	board := newTestBoard()

	board.apply(cluster.EventNodeCreated{Node: "i-b", Status: cluster.NodeStatusPropagating})
	board.apply(cluster.EventNodeCreated{Node: "i-3", Alias: "node002", Status: cluster.NodeStatusOnline})
	board.apply(cluster.EventNodeCreated{Node: "i-a", Status: cluster.NodeStatusRequested})
	board.apply(cluster.EventNodeCreated{Node: "i-2", Alias: "node001", Status: cluster.NodeStatusOnline})
	board.apply(cluster.EventNodeCreated{Node: "i-master", Alias: "master", Status: cluster.NodeStatusOnline})

	ids := lo.Map(board.snapshot(), func(n rpc.NodeInfo, _ int) string { return n.ID })
	assert.Equal(t, []string{"i-master", "i-2", "i-3", "i-a", "i-b"}, ids)
}

func TestBoardListensUntilUnsubscribed(t *testing.T) {
	board := newTestBoard()
	events := make(chan cluster.Event, 2)
	events <- cluster.EventNodeCreated{Node: "i-1", Alias: "node001", Status: cluster.NodeStatusOnline}
	events <- cluster.EventScaleDecision{Action: "grow", Count: 1, Reason: "queue"}
	close(events)

	board.listenEvents(events)

	assert.Len(t, board.snapshot(), 1)
}
