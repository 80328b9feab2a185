package pipeline

import (
	"fmt"

	"github.com/gammadia/gridscale/cluster"
)

type ItemKind int

const (
	KindSpotRequest ItemKind = iota
	KindUnpropagatedInstance
	KindClusterNode
)

func (k ItemKind) String() string {
	switch k {
	case KindSpotRequest:
		return "spot-request"
	case KindUnpropagatedInstance:
		return "instance"
	case KindClusterNode:
		return "node"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Item is a unit of requested capacity entering the pipeline.
type Item struct {
	Kind ItemKind
	ID   string
	// Set for KindClusterNode only
	Node *cluster.Node
}

func SpotRequest(id string) Item {
	return Item{Kind: KindSpotRequest, ID: id}
}

func UnpropagatedInstance(id string) Item {
	return Item{Kind: KindUnpropagatedInstance, ID: id}
}

// ClusterNode enters an already resolved node at the reachability stage.
func ClusterNode(node *cluster.Node) Item {
	return Item{Kind: KindClusterNode, ID: node.ID, Node: node}
}

func (i Item) String() string {
	return fmt.Sprintf("%s '%s'", i.Kind, i.ID)
}
