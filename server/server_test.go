package main

import (
	"context"
	"testing"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	nodes     []*cluster.Node
	metrics   cluster.Metrics
	err       error
	requested []int
	removed   []string
}

func (c *fakeCluster) Nodes() []*cluster.Node {
	return c.nodes
}

func (c *fakeCluster) RequestCapacity(_ context.Context, n int) error {
	c.requested = append(c.requested, n)
	return c.err
}

func (c *fakeCluster) RemoveNode(_ context.Context, id string) error {
	c.removed = append(c.removed, id)
	return c.err
}

func (c *fakeCluster) CurrentMetrics() cluster.Metrics {
	return c.metrics
}

func TestPing(t *testing.T) {
	startedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &server{cluster: &fakeCluster{}, board: newTestBoard(), startedAt: startedAt}

	info, err := s.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, version, info.Version)
	assert.Equal(t, commit, info.Commit)
	assert.Equal(t, startedAt, info.StartedAt)
}

func TestListNodesAddsMemberAddresses(t *testing.T) {
	fake := &fakeCluster{nodes: []*cluster.Node{
		{ID: "i-master", Alias: "master", Address: "10.0.0.1", Master: true},
		{ID: "i-1", Alias: "node001", Address: "10.0.0.2"},
	}}
	board := newTestBoard()
	board.apply(cluster.EventNodeCreated{Node: "i-master", Alias: "master", Status: cluster.NodeStatusOnline})
	board.apply(cluster.EventNodeCreated{Node: "i-1", Alias: "node001", Status: cluster.NodeStatusOnline})
	board.apply(cluster.EventNodeCreated{Node: "i-2", Status: cluster.NodeStatusBooting})
	s := &server{cluster: fake, board: board}

	nodes, err := s.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "10.0.0.1", nodes[0].Address)
	assert.True(t, nodes[0].Master)
	assert.Equal(t, "10.0.0.2", nodes[1].Address)
	assert.Equal(t, "i-2", nodes[2].ID)
	assert.Empty(t, nodes[2].Address)
}

func TestCapacityAndRemovalArePassedThrough(t *testing.T) {
	fake := &fakeCluster{}
	s := &server{cluster: fake, board: newTestBoard()}

	require.NoError(t, s.RequestCapacity(context.Background(), 2))
	require.NoError(t, s.RemoveNode(context.Background(), "node001"))
	assert.Equal(t, []int{2}, fake.requested)
	assert.Equal(t, []string{"node001"}, fake.removed)

	fake.err = cluster.ErrMasterNode
	assert.ErrorIs(t, s.RemoveNode(context.Background(), "master"), cluster.ErrMasterNode)
}

func TestCurrentMetrics(t *testing.T) {
	fake := &fakeCluster{metrics: cluster.Metrics{Hosts: 3, QueuedJobs: 4, Nodes: 3, Pending: 1}}
	s := &server{cluster: fake, board: newTestBoard()}

	metrics, err := s.CurrentMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fake.metrics, metrics)
}
