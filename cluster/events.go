package cluster

type Event interface{}

type EventNodeCreated struct {
	Node   string
	Alias  string
	Status NodeStatus
}

type EventNodeStatusUpdated struct {
	Node   string
	Alias  string
	Status NodeStatus
}

type EventNodeIntegrated struct {
	Node  string
	Alias string
}

type EventNodeDead struct {
	Node   string
	Alias  string
	Reason string
}

type EventNodeRemoved struct {
	Node  string
	Alias string
}

type EventCapacityRequested struct {
	Count int
	Spot  bool
	IDs   []string
}

type EventScaleDecision struct {
	Action string
	Count  int
	Reason string
}
