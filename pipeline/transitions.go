package pipeline

import (
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/recovery"
	"github.com/samber/lo"
)

// pendingID is a provider resource waiting in one of the first three stages.
type pendingID struct {
	id string
	// When the resource entered its current stage
	since time.Time
}

type collections struct {
	unpropagatedSpotRequests []pendingID
	spotRequests             []pendingID
	unpropagatedInstances    []pendingID
	instances                []*recovery.Manager
	ready                    []*recovery.Manager
}

func (c *collections) len() int {
	return len(c.unpropagatedSpotRequests) +
		len(c.spotRequests) +
		len(c.unpropagatedInstances) +
		len(c.instances) +
		len(c.ready)
}

func (c *collections) empty() bool {
	return c.len() == 0
}

func (c *collections) contains(id string) bool {
	hasID := func(e pendingID) bool { return e.id == id }
	hasNode := func(m *recovery.Manager) bool { return m.Node().ID == id }

	return lo.ContainsBy(c.unpropagatedSpotRequests, hasID) ||
		lo.ContainsBy(c.spotRequests, hasID) ||
		lo.ContainsBy(c.unpropagatedInstances, hasID) ||
		lo.ContainsBy(c.instances, hasNode) ||
		lo.ContainsBy(c.ready, hasNode)
}

func entryIDs(entries []pendingID) []string {
	return lo.Map(entries, func(e pendingID, _ int) string { return e.id })
}

// partitionVisible splits entries between those the provider reports, those
// still propagating and those invisible for longer than timeout.
func partitionVisible(entries []pendingID, visible map[string]bool, now time.Time, timeout time.Duration) (found, waiting, expired []pendingID) {
	for _, entry := range entries {
		switch {
		case visible[entry.id]:
			found = append(found, pendingID{id: entry.id, since: now})
		case now.Sub(entry.since) > timeout:
			expired = append(expired, entry)
		default:
			waiting = append(waiting, entry)
		}
	}
	return found, waiting, expired
}

type spotTransition struct {
	// Instances of fulfilled requests
	instances []pendingID
	waiting   []pendingID
	// Open requests to cancel, also listed in dropped
	cancel  []string
	dropped map[string]error
}

// advanceSpotRequests moves fulfilled spot requests on to their instance and
// gives up on the ones that ended without one or stayed open past timeout.
func advanceSpotRequests(entries []pendingID, requests map[string]cluster.SpotRequest, now time.Time, timeout time.Duration) spotTransition {
	transition := spotTransition{dropped: make(map[string]error)}

	for _, entry := range entries {
		request, found := requests[entry.id]
		switch {
		case found && request.State == cluster.SpotActive && request.InstanceID != "":
			transition.instances = append(transition.instances, pendingID{id: request.InstanceID, since: now})

		case found && (request.State == cluster.SpotClosed || request.State == cluster.SpotCancelled || request.State == cluster.SpotFailed):
			transition.dropped[entry.id] = &SpotRequestError{State: string(request.State), Status: request.Status}

		default:
			opened := entry.since
			if found && !request.CreatedAt.IsZero() {
				opened = request.CreatedAt
			}
			if now.Sub(opened) > timeout {
				transition.cancel = append(transition.cancel, entry.id)
				transition.dropped[entry.id] = ErrSpotRequestTimeout
				continue
			}
			transition.waiting = append(transition.waiting, entry)
		}
	}

	return transition
}

// resolveInstances finds the instances that became visible with an address.
func resolveInstances(entries []pendingID, described map[string]cluster.Instance, now time.Time, timeout time.Duration) (visible []cluster.Instance, waiting []pendingID, dead map[string]error) {
	dead = make(map[string]error)

	for _, entry := range entries {
		instance, found := described[entry.id]
		switch {
		case found && instance.State.Gone():
			dead[entry.id] = ErrInstanceGone
		case found && instance.Address != "":
			visible = append(visible, instance)
		case now.Sub(entry.since) > timeout:
			dead[entry.id] = ErrPropagationTimeout
		default:
			waiting = append(waiting, entry)
		}
	}

	return visible, waiting, dead
}

// probe is the outcome of one reachability check.
type probe struct {
	node  string
	keep  bool
	ready bool
}

// partitionReachable decides where each probed node goes. Nodes whose probe
// is missing, e.g. because the task failed, are checked again next tick.
func partitionReachable(managers []*recovery.Manager, states map[string]cluster.InstanceState, probes map[string]probe) (ready, waiting []*recovery.Manager, dead map[*recovery.Manager]error) {
	dead = make(map[*recovery.Manager]error)

	for _, manager := range managers {
		id := manager.Node().ID
		if states[id].Gone() {
			dead[manager] = ErrInstanceGone
			continue
		}

		result, probed := probes[id]
		switch {
		case !probed:
			waiting = append(waiting, manager)
		case !result.keep:
			dead[manager] = ErrRecoveryExhausted
		case result.ready:
			ready = append(ready, manager)
		default:
			waiting = append(waiting, manager)
		}
	}

	return ready, waiting, dead
}
