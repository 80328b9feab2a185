package internal

import "math"

// NodesToCreate returns how many nodes are needed for the queued slots to fit,
// counting the capacity already on its way and bounded by the maximum size.
func NodesToCreate(maxNodes, slotsPerNode, queuedSlots, existingNodes, incomingNodes int) int {
	slotsPerNode = max(slotsPerNode, 1)

	incomingCapacity := incomingNodes * slotsPerNode
	requiredNodes := math.Ceil(float64(queuedSlots-incomingCapacity) / float64(slotsPerNode))
	maximumMoreNodes := float64(maxNodes - existingNodes - incomingNodes)

	return max(int(math.Min(requiredNodes, maximumMoreNodes)), 0)
}
