package main

import (
	"context"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/rpc"
	"github.com/gammadia/gridscale/server/log"
	"github.com/samber/lo"
)

// clusterAPI is the part of *cluster.Cluster exposed over gRPC.
type clusterAPI interface {
	Nodes() []*cluster.Node
	RequestCapacity(ctx context.Context, n int) error
	RemoveNode(ctx context.Context, id string) error
	CurrentMetrics() cluster.Metrics
}

type server struct {
	cluster   clusterAPI
	board     *nodeBoard
	startedAt time.Time
}

var _ rpc.ClusterServer = (*server)(nil)

func (s *server) Ping(ctx context.Context) (rpc.ServerInfo, error) {
	return rpc.ServerInfo{
		Version:   version,
		Commit:    commit,
		StartedAt: s.startedAt,
	}, nil
}

func (s *server) RequestCapacity(ctx context.Context, count int) error {
	log.Info("Capacity requested by client", "count", count)
	return s.cluster.RequestCapacity(ctx, count)
}

func (s *server) RemoveNode(ctx context.Context, id string) error {
	log.Info("Node removal requested by client", "node", id)
	return s.cluster.RemoveNode(ctx, id)
}

func (s *server) CurrentMetrics(ctx context.Context) (cluster.Metrics, error) {
	return s.cluster.CurrentMetrics(), nil
}

// ListNodes completes the board with the addresses of the cluster members.
func (s *server) ListNodes(ctx context.Context) ([]rpc.NodeInfo, error) {
	members := lo.SliceToMap(s.cluster.Nodes(), func(n *cluster.Node) (string, *cluster.Node) {
		return n.ID, n
	})

	nodes := s.board.snapshot()
	for i := range nodes {
		if member, ok := members[nodes[i].ID]; ok {
			nodes[i].Address = member.Address
			nodes[i].Master = member.Master
		}
	}
	return nodes, nil
}
