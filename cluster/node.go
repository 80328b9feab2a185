package cluster

import (
	"context"
	"fmt"
	"time"
)

type NodeStatus string

const (
	NodeStatusRequested   NodeStatus = "requested"
	NodeStatusPropagating NodeStatus = "propagating"
	NodeStatusBooting     NodeStatus = "booting"
	NodeStatusIntegrating NodeStatus = "integrating"
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusRemoving    NodeStatus = "removing"
	NodeStatusDead        NodeStatus = "dead"
)

// RemoteHost runs commands on a cluster node.
type RemoteHost interface {
	Execute(ctx context.Context, command string) (string, error)
	PutFile(ctx context.Context, local, remote string) error
	IsReachable(ctx context.Context) bool
	Reboot(ctx context.Context) error
}

// HostConnector builds the RemoteHost handle of a freshly visible instance.
// It must not block on the network: reachability is probed separately.
type HostConnector interface {
	Connect(instance Instance) (RemoteHost, error)
}

// Plugin integrates nodes with the job scheduler.
type Plugin interface {
	OnAddNode(ctx context.Context, node *Node, current []*Node) error
	OnRemoveNode(ctx context.Context, node *Node, remaining []*Node) error
}

type Node struct {
	ID         string
	Alias      string
	Address    string
	LaunchedAt time.Time
	Master     bool
	Host       RemoteHost
}

func (n *Node) String() string {
	return fmt.Sprintf("%s (%s)", n.Alias, n.ID)
}
