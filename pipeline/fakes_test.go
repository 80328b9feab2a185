package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/namegen"
	"github.com/gammadia/gridscale/recovery"
)

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
}

// Now advances the clock by one step on every call.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(c.step)
	return c.now
}

type fakeProvider struct {
	mu           sync.Mutex
	spotRequests map[string]cluster.SpotRequest
	instances    map[string]cluster.Instance
	// Number of describe calls an id stays invisible for
	hidden    map[string]int
	cancelled []string
	tags      map[string]string
	failNext  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		spotRequests: make(map[string]cluster.SpotRequest),
		instances:    make(map[string]cluster.Instance),
		hidden:       make(map[string]int),
		tags:         make(map[string]string),
	}
}

func (f *fakeProvider) addInstance(id string, state cluster.InstanceState) {
	f.instances[id] = cluster.Instance{ID: id, State: state, Address: "10.0.0." + id}
}

// addSpotRequest adds a request already fulfilled by a running instance.
func (f *fakeProvider) addSpotRequest(id string) {
	instanceID := "i-" + id
	f.spotRequests[id] = cluster.SpotRequest{ID: id, State: cluster.SpotActive, InstanceID: instanceID}
	f.addInstance(instanceID, cluster.InstanceRunning)
}

func (f *fakeProvider) visible(id string) bool {
	if f.hidden[id] > 0 {
		f.hidden[id]--
		return false
	}
	return true
}

func (f *fakeProvider) failing() bool {
	if f.failNext > 0 {
		f.failNext--
		return true
	}
	return false
}

func (f *fakeProvider) LaunchInstances(context.Context, cluster.LaunchSpec) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) DescribeInstances(_ context.Context, ids []string) ([]cluster.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing() {
		return nil, errors.New("rate limited")
	}

	var result []cluster.Instance
	for _, id := range ids {
		if instance, ok := f.instances[id]; ok && f.visible(id) {
			result = append(result, instance)
		}
	}
	return result, nil
}

func (f *fakeProvider) DescribeSpotRequests(_ context.Context, ids []string) ([]cluster.SpotRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing() {
		return nil, errors.New("rate limited")
	}

	var result []cluster.SpotRequest
	for _, id := range ids {
		if request, ok := f.spotRequests[id]; ok && f.visible(id) {
			result = append(result, request)
		}
	}
	return result, nil
}

func (f *fakeProvider) Terminate(context.Context, []string) error {
	return nil
}

func (f *fakeProvider) CancelSpotRequests(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, ids...)
	return nil
}

func (f *fakeProvider) TagInstance(_ context.Context, id, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tags[id] = alias
	return nil
}

func (f *fakeProvider) tagOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tags[id]
}

type fakeHost struct {
	mu sync.Mutex
	// Number of probes the host fails before it becomes reachable, -1 for never
	unreachableProbes int
	probes            int
	reboots           int
}

func (h *fakeHost) Execute(context.Context, string) (string, error) { return "", nil }
func (h *fakeHost) PutFile(context.Context, string, string) error   { return nil }

func (h *fakeHost) IsReachable(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.probes++
	return h.unreachableProbes >= 0 && h.probes > h.unreachableProbes
}

func (h *fakeHost) Reboot(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reboots++
	return nil
}

type fakeConnector struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
}

func (c *fakeConnector) host(id string) *fakeHost {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hosts == nil {
		c.hosts = make(map[string]*fakeHost)
	}
	if _, ok := c.hosts[id]; !ok {
		c.hosts[id] = &fakeHost{}
	}
	return c.hosts[id]
}

func (c *fakeConnector) Connect(instance cluster.Instance) (cluster.RemoteHost, error) {
	return c.host(instance.ID), nil
}

type fakeIntegrator struct {
	mu sync.Mutex
	// Nodes that always fail to integrate
	broken  map[string]bool
	calls   map[string]int
	removed []string
}

func (i *fakeIntegrator) OnAddNode(_ context.Context, node *cluster.Node, _ []*cluster.Node) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.calls == nil {
		i.calls = make(map[string]int)
	}
	i.calls[node.ID]++
	if i.broken[node.ID] {
		return fmt.Errorf("qconf failed on %s", node.Alias)
	}
	return nil
}

func (i *fakeIntegrator) OnRemoveNode(_ context.Context, node *cluster.Node, _ []*cluster.Node) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.removed = append(i.removed, node.ID)
	return nil
}

func (i *fakeIntegrator) removedNodes() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]string(nil), i.removed...)
}

func (i *fakeIntegrator) callsFor(id string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.calls[id]
}

type fakeOwner struct {
	mu       sync.Mutex
	nodes    []*cluster.Node
	aliases  int
	statuses map[string][]cluster.NodeStatus
	dead     map[string]error
	dropped  map[string]error
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{
		statuses: make(map[string][]cluster.NodeStatus),
		dead:     make(map[string]error),
		dropped:  make(map[string]error),
	}
}

func (o *fakeOwner) Nodes() []*cluster.Node {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]*cluster.Node(nil), o.nodes...)
}

func (o *fakeOwner) ReserveAlias() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.aliases++
	return namegen.Alias(o.aliases)
}

func (o *fakeOwner) NodeProgress(id, _ string, status cluster.NodeStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.statuses[id] = append(o.statuses[id], status)
}

func (o *fakeOwner) NodeIntegrated(node *cluster.Node) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nodes = append(o.nodes, node)
}

func (o *fakeOwner) NodeDead(id, _ string, reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.dead[id] = reason
}

func (o *fakeOwner) SpotRequestDropped(id string, reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.dropped[id] = reason
}

func (o *fakeOwner) nodeIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.nodes))
	for _, node := range o.nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

type fixture struct {
	provider   *fakeProvider
	connector  *fakeConnector
	integrator *fakeIntegrator
	owner      *fakeOwner
	clock      *fakeClock
	pipeline   *Pipeline
}

func newFixture(configure ...func(*Config)) *fixture {
	f := &fixture{
		provider:   newFakeProvider(),
		connector:  &fakeConnector{},
		integrator: &fakeIntegrator{broken: make(map[string]bool)},
		owner:      newFakeOwner(),
		clock:      newFakeClock(),
	}

	config := Config{
		Clock:              f.clock.Now,
		PollInterval:       time.Millisecond,
		PropagationTimeout: time.Hour,
		SpotRequestTimeout: time.Hour,
		ProbeConcurrency:   4,
		Recovery: recovery.Config{
			MaxAttempts:    3,
			RebootInterval: 0,
			BootTimeout:    time.Hour,
		},
	}
	for _, c := range configure {
		c(&config)
	}

	f.pipeline = New(f.provider, f.connector, f.integrator, f.owner, config)
	return f
}
