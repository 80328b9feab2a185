package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type InstanceState string

const (
	InstancePending      InstanceState = "pending"
	InstanceRunning      InstanceState = "running"
	InstanceStopping     InstanceState = "stopping"
	InstanceStopped      InstanceState = "stopped"
	InstanceShuttingDown InstanceState = "shutting-down"
	InstanceTerminated   InstanceState = "terminated"
)

// Gone reports whether the instance can never become part of the cluster again.
func (s InstanceState) Gone() bool {
	return s == InstanceShuttingDown || s == InstanceTerminated
}

type Instance struct {
	ID            string
	Group         string
	State         InstanceState
	Address       string
	LaunchedAt    time.Time
	SpotRequestID string
	// Recorded by TagInstance once the node joined the cluster
	Alias string
}

type SpotRequestState string

const (
	SpotOpen      SpotRequestState = "open"
	SpotActive    SpotRequestState = "active"
	SpotClosed    SpotRequestState = "closed"
	SpotCancelled SpotRequestState = "cancelled"
	SpotFailed    SpotRequestState = "failed"
)

type SpotRequest struct {
	ID         string
	State      SpotRequestState
	InstanceID string
	CreatedAt  time.Time
	// Provider specific status message, e.g. "capacity-not-available"
	Status string
}

type LaunchSpec struct {
	Group          string   `json:"group" yaml:"-"`
	Count          int      `json:"count" yaml:"-"`
	Image          string   `json:"image" yaml:"image"`
	Flavor         string   `json:"flavor" yaml:"flavor"`
	Networks       []string `json:"networks,omitempty" yaml:"networks"`
	SecurityGroups []string `json:"security-groups,omitempty" yaml:"security-groups"`
	Spot           bool     `json:"spot" yaml:"spot"`
	SpotPrice      float64  `json:"spot-price,omitempty" yaml:"spot-price"`
}

// CloudProvider is the cloud API used to create and inspect cluster capacity.
//
// Describe calls only return the resources that are currently visible: ids the
// provider does not know about yet (propagation delay) are silently omitted.
// A nil id slice asks for every resource of the cluster group.
type CloudProvider interface {
	// LaunchInstances returns instance ids, or spot request ids when spec.Spot is set.
	LaunchInstances(ctx context.Context, spec LaunchSpec) ([]string, error)
	DescribeInstances(ctx context.Context, ids []string) ([]Instance, error)
	DescribeSpotRequests(ctx context.Context, ids []string) ([]SpotRequest, error)
	Terminate(ctx context.Context, ids []string) error
	CancelSpotRequests(ctx context.Context, ids []string) error
	// TagInstance records the alias of an integrated node on the instance, so
	// that Load restores the same alias after a restart.
	TagInstance(ctx context.Context, id, alias string) error
}

// ErrSpotUnsupported is returned by providers without a spot market.
var ErrSpotUnsupported = errors.New("provider does not support spot instances")

// ProviderError wraps a failed cloud provider call. These are transient:
// callers retry on their next tick.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
