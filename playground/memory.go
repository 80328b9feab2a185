package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/namegen"
	"github.com/samber/lo"
)

// memoryProvider keeps instances in memory. They boot after bootDelay and
// their hosts accept every command. Spot requests are fulfilled after
// spotDelay, unless the market is closed.
type memoryProvider struct {
	group     string
	bootDelay time.Duration
	spotDelay time.Duration
	now       func() time.Time

	mu           sync.Mutex
	instances    map[string]*cluster.Instance
	spotRequests map[string]*cluster.SpotRequest
	addresses    int
	// Open requests stay open while no capacity is available
	noSpotCapacity bool
}

var (
	_ cluster.CloudProvider = (*memoryProvider)(nil)
	_ cluster.HostConnector = (*memoryProvider)(nil)
)

func newMemoryProvider(group string, bootDelay time.Duration, now func() time.Time) *memoryProvider {
	return &memoryProvider{
		group:     group,
		bootDelay: bootDelay,
		spotDelay: bootDelay,
		now:       now,

		instances:    map[string]*cluster.Instance{},
		spotRequests: map[string]*cluster.SpotRequest{},
	}
}

// add registers an instance that is already running.
func (p *memoryProvider) add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.addresses++
	p.instances[id] = &cluster.Instance{
		ID:         id,
		Group:      p.group,
		State:      cluster.InstanceRunning,
		Address:    fmt.Sprintf("10.0.0.%d", p.addresses),
		LaunchedAt: p.now(),
	}
}

// LaunchInstances returns instance ids, or spot request ids for a spot launch.
func (p *memoryProvider) LaunchInstances(ctx context.Context, spec cluster.LaunchSpec) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for range spec.Count {
		if spec.Spot {
			id := "sir-" + namegen.Get().String()
			p.spotRequests[id] = &cluster.SpotRequest{ID: id, State: cluster.SpotOpen, CreatedAt: p.now(), Status: "pending-evaluation"}
			ids = append(ids, id)
			continue
		}
		ids = append(ids, p.launchLocked("").ID)
	}
	return ids, nil
}

func (p *memoryProvider) launchLocked(spotRequestID string) *cluster.Instance {
	id := "i-" + namegen.Get().String()
	p.addresses++
	p.instances[id] = &cluster.Instance{
		ID:            id,
		Group:         p.group,
		State:         cluster.InstancePending,
		Address:       fmt.Sprintf("10.0.0.%d", p.addresses),
		LaunchedAt:    p.now(),
		SpotRequestID: spotRequestID,
	}
	return p.instances[id]
}

func (p *memoryProvider) DescribeInstances(ctx context.Context, ids []string) ([]cluster.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var instances []cluster.Instance
	for _, instance := range p.instances {
		if ids != nil && !slices.Contains(ids, instance.ID) {
			continue
		}
		if instance.State == cluster.InstancePending && !p.now().Before(instance.LaunchedAt.Add(p.bootDelay)) {
			instance.State = cluster.InstanceRunning
		}
		instances = append(instances, *instance)
	}
	slices.SortFunc(instances, func(a, b cluster.Instance) int { return a.LaunchedAt.Compare(b.LaunchedAt) })
	return instances, nil
}

func (p *memoryProvider) DescribeSpotRequests(ctx context.Context, ids []string) ([]cluster.SpotRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var requests []cluster.SpotRequest
	for _, request := range p.spotRequests {
		if ids != nil && !slices.Contains(ids, request.ID) {
			continue
		}
		if request.State == cluster.SpotOpen && !p.now().Before(request.CreatedAt.Add(p.spotDelay)) {
			if p.noSpotCapacity {
				request.Status = "capacity-not-available"
			} else {
				request.State = cluster.SpotActive
				request.Status = "fulfilled"
				request.InstanceID = p.launchLocked(request.ID).ID
			}
		}
		requests = append(requests, *request)
	}
	slices.SortFunc(requests, func(a, b cluster.SpotRequest) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return requests, nil
}

// CancelSpotRequests cancels the requests. Instances already started for
// them keep running.
func (p *memoryProvider) CancelSpotRequests(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if request, ok := p.spotRequests[id]; ok {
			request.State = cluster.SpotCancelled
			request.Status = "canceled-before-fulfillment"
		}
	}
	return nil
}

func (p *memoryProvider) TagInstance(ctx context.Context, id, alias string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	instance, ok := p.instances[id]
	if !ok {
		return fmt.Errorf("instance '%s' not found", id)
	}
	instance.Alias = alias
	return nil
}

func (p *memoryProvider) Terminate(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if instance, ok := p.instances[id]; ok {
			instance.State = cluster.InstanceTerminated
		}
	}
	return nil
}

// Running returns the number of instances that are not gone.
func (p *memoryProvider) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.CountBy(lo.Values(p.instances), func(i *cluster.Instance) bool { return !i.State.Gone() })
}

func (p *memoryProvider) Connect(instance cluster.Instance) (cluster.RemoteHost, error) {
	return memoryHost{}, nil
}

type memoryHost struct{}

func (memoryHost) Execute(ctx context.Context, command string) (string, error) { return "", nil }
func (memoryHost) PutFile(ctx context.Context, local, remote string) error     { return nil }
func (memoryHost) IsReachable(ctx context.Context) bool                        { return true }
func (memoryHost) Reboot(ctx context.Context) error                            { return nil }
