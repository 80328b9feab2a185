package balancer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gammadia/gridscale/balancer/internal"
	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/gridstats"
	"github.com/samber/lo"
)

type Action string

const (
	ActionNone   Action = "none"
	ActionGrow   Action = "grow"
	ActionShrink Action = "shrink"
)

type Decision struct {
	Action Action
	Count  int
	// Ids of the nodes to remove when shrinking
	Nodes  []string
	Reason string
}

func (d Decision) String() string {
	if d.Action == ActionNone {
		return fmt.Sprintf("none: %s", d.Reason)
	}
	return fmt.Sprintf("%s by %d: %s", d.Action, d.Count, d.Reason)
}

// State is what the policy remembers between polls.
type State struct {
	LastGrow   time.Time
	LastShrink time.Time
	// Consecutive polls the cluster was found idle
	IdlePolls int
}

// View is the cluster as seen on one poll.
type View struct {
	Snapshot gridstats.Snapshot
	Nodes    []*cluster.Node
	Pending  int
	// Slots new nodes are expected to offer
	SlotsPerHost int
}

func none(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}

// Decide applies the hysteresis policy. It returns the decision and the state
// updated with this poll's observations. Recording the time of an action is
// left to the caller, once the action succeeded.
func Decide(config Config, state State, view View, now time.Time) (Decision, State) {
	snapshot := view.Snapshot
	if snapshot.TotalSlots > 0 && snapshot.IdleFraction() >= config.IdleThreshold {
		state.IdlePolls++
	} else {
		state.IdlePolls = 0
	}

	if snapshot.QueuedJobs > 0 {
		return decideGrow(config, state, view, now), state
	}
	return decideShrink(config, state, view, now), state
}

func decideGrow(config Config, state State, view View, now time.Time) Decision {
	snapshot := view.Snapshot
	size := len(view.Nodes)

	switch {
	case snapshot.OldestQueuedAge <= config.WaitTime:
		return none(fmt.Sprintf("oldest queued job is %s old, waiting for %s", snapshot.OldestQueuedAge.Round(time.Second), config.WaitTime))
	case !state.LastGrow.IsZero() && now.Sub(state.LastGrow) <= config.GrowCooldown:
		return none("grow cooldown")
	case size+view.Pending >= config.MaxNodes:
		return none(fmt.Sprintf("cluster is at its maximum size (%d nodes, %d pending)", size, view.Pending))
	}

	count := internal.NodesToCreate(config.MaxNodes, view.SlotsPerHost, snapshot.QueuedSlots, size, view.Pending)
	count = min(count, config.AddNodesPerIteration)
	if count <= 0 {
		return none(fmt.Sprintf("%d pending nodes will absorb the queue", view.Pending))
	}

	return Decision{
		Action: ActionGrow,
		Count:  count,
		Reason: fmt.Sprintf("%d jobs queued for %s", snapshot.QueuedJobs, snapshot.OldestQueuedAge.Round(time.Second)),
	}
}

func decideShrink(config Config, state State, view View, now time.Time) Decision {
	size := len(view.Nodes)

	switch {
	case state.IdlePolls < config.ShrinkStabilization:
		return none(fmt.Sprintf("idle for %d of %d polls", state.IdlePolls, config.ShrinkStabilization))
	case !state.LastShrink.IsZero() && now.Sub(state.LastShrink) <= config.ShrinkCooldown:
		return none("shrink cooldown")
	case size <= config.MinNodes:
		return none(fmt.Sprintf("cluster is at its minimum size (%d nodes)", size))
	case view.Pending > 0:
		return none(fmt.Sprintf("%d nodes are still coming up", view.Pending))
	}

	candidates := IdleNodes(view.Nodes, view.Snapshot.BusyHosts, config.TieBreak)
	count := 1
	if config.DrainIdle {
		count = size - config.MinNodes
	}
	count = min(count, size-config.MinNodes, len(candidates))
	if count <= 0 {
		return none("no idle node to remove")
	}

	return Decision{
		Action: ActionShrink,
		Count:  count,
		Nodes:  lo.Map(candidates[:count], func(n *cluster.Node, _ int) string { return n.ID }),
		Reason: fmt.Sprintf("cluster idle for %d polls", state.IdlePolls),
	}
}

// IdleNodes returns the workers running no job, most recently launched first.
// The master is never returned.
func IdleNodes(nodes []*cluster.Node, busy map[string]bool, tieBreak TieBreak) []*cluster.Node {
	idle := lo.Filter(nodes, func(n *cluster.Node, _ int) bool {
		return !n.Master && !busy[n.Alias] && !busy[n.Address]
	})

	slices.SortStableFunc(idle, func(a, b *cluster.Node) int {
		if c := b.LaunchedAt.Compare(a.LaunchedAt); c != 0 {
			return c
		}
		switch tieBreak {
		case TieBreakAliasDesc:
			return strings.Compare(b.Alias, a.Alias)
		case TieBreakIDAsc:
			return cmp.Compare(a.ID, b.ID)
		default:
			return strings.Compare(a.Alias, b.Alias)
		}
	})
	return idle
}
