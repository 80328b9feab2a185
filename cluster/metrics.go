package cluster

import "time"

// Metrics is the latest view of the cluster load, as sampled by the load balancer.
type Metrics struct {
	SampledAt       time.Time
	Hosts           int
	TotalSlots      int
	HostSlots       map[string]int
	QueuedJobs      int
	QueuedSlots     int
	RunningJobs     int
	OldestQueuedAge time.Duration
	AvgJobDuration  time.Duration
	AvgWaitTime     time.Duration
	LastDecision    string

	// Filled in by the cluster itself
	Nodes   int
	Pending int
}
