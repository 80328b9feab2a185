package main

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/rpc"
	"github.com/gammadia/gridscale/server/log"
	"github.com/samber/lo"
)

// Dead nodes are kept around so that operators can see why they were given
// up on. Only the most recent ones are kept.
const maxDeadNodes = 20

// nodeBoard is the per node view reconstructed from the cluster event stream.
// listenEvents is its only writer, gRPC handlers read it.
type nodeBoard struct {
	masterID string
	now      func() time.Time

	mu    sync.RWMutex
	nodes []*rpc.NodeInfo
}

func newNodeBoard(masterID string) *nodeBoard {
	return &nodeBoard{masterID: masterID, now: time.Now}
}

// listenEvents returns once the subscription is closed.
func (b *nodeBoard) listenEvents(c <-chan cluster.Event) {
	for event := range c {
		b.apply(event)
	}
}

func (b *nodeBoard) apply(event cluster.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event := event.(type) {
	case cluster.EventNodeCreated:
		b.update(event.Node, event.Alias, event.Status, "")
	case cluster.EventNodeStatusUpdated:
		b.update(event.Node, event.Alias, event.Status, "")
	case cluster.EventNodeIntegrated:
		b.update(event.Node, event.Alias, cluster.NodeStatusOnline, "")
	case cluster.EventNodeDead:
		b.update(event.Node, event.Alias, cluster.NodeStatusDead, event.Reason)
		b.trimDead()
	case cluster.EventNodeRemoved:
		b.nodes = lo.Reject(b.nodes, func(n *rpc.NodeInfo, _ int) bool { return n.ID == event.Node })

	case cluster.EventCapacityRequested:
		log.Debug("Capacity requested", "count", event.Count, "spot", event.Spot)
	case cluster.EventScaleDecision:
		log.Debug("Scale decision", "action", event.Action, "count", event.Count, "reason", event.Reason)
	}
}

func (b *nodeBoard) update(id, alias string, status cluster.NodeStatus, reason string) {
	node, found := lo.Find(b.nodes, func(n *rpc.NodeInfo) bool { return n.ID == id })
	if !found {
		node = &rpc.NodeInfo{ID: id, Master: id == b.masterID}
		b.nodes = append(b.nodes, node)
	}

	if alias != "" {
		node.Alias = alias
	}
	node.Status = status
	node.Reason = reason
	node.UpdatedAt = b.now()
}

func (b *nodeBoard) trimDead() {
	dead := lo.Filter(b.nodes, func(n *rpc.NodeInfo, _ int) bool { return n.Status == cluster.NodeStatusDead })
	if len(dead) <= maxDeadNodes {
		return
	}

	slices.SortStableFunc(dead, func(x, y *rpc.NodeInfo) int { return x.UpdatedAt.Compare(y.UpdatedAt) })
	expired := dead[:len(dead)-maxDeadNodes]
	b.nodes = lo.Reject(b.nodes, func(n *rpc.NodeInfo, _ int) bool { return lo.Contains(expired, n) })
}

// snapshot returns a copy of the board: the master first, then aliased nodes
// by alias, then the rest by id.
func (b *nodeBoard) snapshot() []rpc.NodeInfo {
	b.mu.RLock()
	nodes := lo.Map(b.nodes, func(n *rpc.NodeInfo, _ int) rpc.NodeInfo { return *n })
	b.mu.RUnlock()

	slices.SortFunc(nodes, func(x, y rpc.NodeInfo) int {
		return cmp.Or(
			compareBool(y.Master, x.Master),
			compareBool(x.Alias == "", y.Alias == ""),
			cmp.Compare(x.Alias, y.Alias),
			cmp.Compare(x.ID, y.ID),
		)
	})
	return nodes
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}
