package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gammadia/gridscale/internal/retry"
	"github.com/gammadia/gridscale/namegen"
	"github.com/samber/lo"
)

var (
	ErrMasterNode  = errors.New("the master node cannot be removed")
	ErrUnknownNode = errors.New("unknown node")
	ErrNoHeadroom  = errors.New("cluster is already at its maximum size")
	// Another caller is already removing the node
	ErrRemovalInProgress = errors.New("node is already being removed")
)

// Pipeline brings requested capacity up to integrated nodes.
type Pipeline interface {
	AddSpotRequests(ids ...string)
	AddInstances(ids ...string)
	Pending() int
}

// Cluster owns the membership of the cluster: the master and every
// integrated worker. It is safe for concurrent use.
type Cluster struct {
	config    Config
	provider  CloudProvider
	connector HostConnector
	plugin    Plugin
	pipeline  Pipeline
	log       *slog.Logger

	// Held from the headroom check until the launched capacity is pending
	launchMu sync.Mutex

	mu       sync.RWMutex
	nodes    []*Node
	reserved map[string]bool
	inflight map[string]NodeStatus
	removing map[string]bool
	metrics  Metrics

	subscribersMu sync.RWMutex
	subscribers   map[chan Event]struct{}
}

func New(provider CloudProvider, connector HostConnector, plugin Plugin, config Config) *Cluster {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cluster{
		config:    config,
		provider:  provider,
		connector: connector,
		plugin:    plugin,
		log:       logger,

		reserved: make(map[string]bool),
		inflight: make(map[string]NodeStatus),
		removing: make(map[string]bool),

		subscribers: make(map[chan Event]struct{}),
	}
}

// SetPipeline attaches the pipeline that receives requested capacity.
// It must be called before RequestCapacity or Load.
func (c *Cluster) SetPipeline(pipeline Pipeline) {
	c.pipeline = pipeline
}

// Load rebuilds the cluster membership from the provider. Instances tagged
// with an alias are members under that alias. The others never finished
// their integration and are handed to the pipeline.
func (c *Cluster) Load(ctx context.Context) error {
	instances, err := c.describe(ctx, nil)
	if err != nil {
		return err
	}
	// The master does not have to belong to the cluster group.
	if !lo.ContainsBy(instances, func(i Instance) bool { return i.ID == c.config.MasterID }) {
		masters, err := c.describe(ctx, []string{c.config.MasterID})
		if err != nil {
			return err
		}
		instances = append(instances, lo.Filter(masters, func(i Instance, _ int) bool { return i.ID == c.config.MasterID })...)
	}

	slices.SortFunc(instances, func(a, b Instance) int {
		return a.LaunchedAt.Compare(b.LaunchedAt)
	})

	var pending []string
	c.mu.Lock()
	for _, instance := range instances {
		master := instance.ID == c.config.MasterID
		switch {
		case instance.State.Gone():
			continue
		case master:
		case instance.State != InstanceRunning || !c.restorableLocked(instance.Alias):
			pending = append(pending, instance.ID)
			continue
		}

		host, err := c.connector.Connect(instance)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to connect to instance '%s': %w", instance.ID, err)
		}

		node := &Node{
			ID:         instance.ID,
			Alias:      lo.Ternary(master, namegen.MasterAlias, instance.Alias),
			Address:    instance.Address,
			LaunchedAt: instance.LaunchedAt,
			Master:     master,
			Host:       host,
		}
		c.nodes = append(c.nodes, node)
		c.log.Info("Loaded node", "node", node.Alias, "id", node.ID)
	}
	hasMaster := lo.ContainsBy(c.nodes, func(n *Node) bool { return n.Master })
	c.mu.Unlock()

	if !hasMaster {
		return fmt.Errorf("master instance '%s' not found", c.config.MasterID)
	}

	for _, node := range c.Nodes() {
		c.publish(EventNodeCreated{Node: node.ID, Alias: node.Alias, Status: NodeStatusOnline})
	}

	if len(pending) > 0 {
		c.log.Info("Resuming integration of pending instances", "count", len(pending))
		c.pipeline.AddInstances(pending...)
	}

	return nil
}

func (c *Cluster) describe(ctx context.Context, ids []string) ([]Instance, error) {
	instances, err := retry.Value(ctx, retry.Default, func() ([]Instance, error) {
		return c.provider.DescribeInstances(ctx, ids)
	})
	if err != nil {
		return nil, &ProviderError{Op: "describe-instances", Err: err}
	}
	return instances, nil
}

// restorableLocked reports whether a worker alias read back from the provider
// can be given to a loaded node.
func (c *Cluster) restorableLocked(alias string) bool {
	if _, ok := namegen.AliasIndex(alias); !ok {
		return false
	}
	return !slices.Contains(c.aliasesLocked(), alias)
}

// Nodes returns the integrated nodes, master included, in integration order.
func (c *Cluster) Nodes() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.nodes)
}

// Master returns the master node, or nil before Load.
func (c *Cluster) Master() *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	master, _ := lo.Find(c.nodes, func(n *Node) bool { return n.Master })
	return master
}

func (c *Cluster) Pending() int {
	if c.pipeline == nil {
		return 0
	}
	return c.pipeline.Pending()
}

// RequestCapacity launches up to n new nodes, bounded by the remaining headroom.
func (c *Cluster) RequestCapacity(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	c.launchMu.Lock()
	defer c.launchMu.Unlock()

	c.mu.RLock()
	headroom := c.config.MaxNodes - len(c.nodes) - c.Pending()
	c.mu.RUnlock()
	if headroom <= 0 {
		return ErrNoHeadroom
	}
	if n > headroom {
		c.log.Info("Capping requested capacity to headroom", "requested", n, "headroom", headroom)
		n = headroom
	}

	spec := c.config.Launch
	spec.Group = c.config.Group
	spec.Count = n

	// Launching is not idempotent, so a failed call is not retried here: the
	// load balancer will ask again on a later tick if it still needs capacity.
	ids, err := c.provider.LaunchInstances(ctx, spec)
	if err != nil {
		return &ProviderError{Op: "launch-instances", Err: err}
	}

	c.log.Info("Requested new capacity", "count", len(ids), "spot", spec.Spot, "ids", ids)
	c.publish(EventCapacityRequested{Count: len(ids), Spot: spec.Spot, IDs: ids})

	if spec.Spot {
		c.pipeline.AddSpotRequests(ids...)
	} else {
		c.pipeline.AddInstances(ids...)
	}
	return nil
}

// RemoveNode unregisters a worker from the scheduler and terminates its instance.
func (c *Cluster) RemoveNode(ctx context.Context, id string) error {
	c.mu.Lock()
	node, found := lo.Find(c.nodes, func(n *Node) bool { return n.ID == id || n.Alias == id })
	if !found {
		c.mu.Unlock()
		return fmt.Errorf("%w: '%s'", ErrUnknownNode, id)
	}
	if node.Master {
		c.mu.Unlock()
		return ErrMasterNode
	}
	if c.removing[node.ID] {
		c.mu.Unlock()
		return fmt.Errorf("%w: '%s'", ErrRemovalInProgress, node.Alias)
	}
	c.removing[node.ID] = true
	remaining := lo.Without(c.nodes, node)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.removing, node.ID)
		c.mu.Unlock()
	}()

	log := c.log.With("node", node.Alias, "id", node.ID)
	log.Info("Removing node")
	c.publish(EventNodeStatusUpdated{Node: node.ID, Alias: node.Alias, Status: NodeStatusRemoving})

	if err := c.plugin.OnRemoveNode(ctx, node, remaining); err != nil {
		log.Error("Failed to remove node from the scheduler", "error", err)
		c.publish(EventNodeStatusUpdated{Node: node.ID, Alias: node.Alias, Status: NodeStatusOnline})
		return fmt.Errorf("failed to remove node '%s' from the scheduler: %w", node.Alias, err)
	}

	if err := retry.Do(ctx, retry.Default, func() error {
		return c.provider.Terminate(ctx, []string{node.ID})
	}); err != nil {
		log.Error("Failed to terminate node", "error", err)
		return &ProviderError{Op: "terminate", Err: err}
	}

	c.mu.Lock()
	c.nodes = lo.Without(c.nodes, node)
	c.mu.Unlock()

	log.Info("Node removed")
	c.publish(EventNodeRemoved{Node: node.ID, Alias: node.Alias})
	return nil
}

// RecordMetrics stores the latest load sample.
func (c *Cluster) RecordMetrics(metrics Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = metrics
}

// CurrentMetrics returns the latest load sample together with the membership counts.
func (c *Cluster) CurrentMetrics() Metrics {
	c.mu.RLock()
	metrics := c.metrics
	metrics.HostSlots = lo.Assign(c.metrics.HostSlots)
	metrics.Nodes = len(c.nodes)
	c.mu.RUnlock()

	metrics.Pending = c.Pending()
	return metrics
}

// PublishDecision forwards a scaling decision to the event subscribers.
func (c *Cluster) PublishDecision(action string, count int, reason string) {
	c.publish(EventScaleDecision{Action: action, Count: count, Reason: reason})
}

// Pipeline callbacks

// ReserveAlias hands out the lowest worker alias that is neither in use nor reserved.
func (c *Cluster) ReserveAlias() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	alias := namegen.NextAlias(append(c.aliasesLocked(), lo.Keys(c.reserved)...))
	c.reserved[alias] = true
	return alias
}

func (c *Cluster) NodeProgress(id, alias string, status NodeStatus) {
	c.mu.Lock()
	previous, known := c.inflight[id]
	c.inflight[id] = status
	c.mu.Unlock()

	switch {
	case !known:
		c.publish(EventNodeCreated{Node: id, Alias: alias, Status: status})
	case previous != status:
		c.publish(EventNodeStatusUpdated{Node: id, Alias: alias, Status: status})
	}
}

func (c *Cluster) NodeIntegrated(node *Node) {
	c.mu.Lock()
	delete(c.reserved, node.Alias)
	delete(c.inflight, node.ID)
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()

	c.log.Info("Node integrated", "node", node.Alias, "id", node.ID)
	c.publish(EventNodeIntegrated{Node: node.ID, Alias: node.Alias})
}

func (c *Cluster) NodeDead(id, alias string, reason error) {
	c.mu.Lock()
	if alias != "" {
		delete(c.reserved, alias)
	}
	delete(c.inflight, id)
	c.mu.Unlock()

	c.log.Warn("Node is dead", "node", alias, "id", id, "reason", reason)
	c.publish(EventNodeDead{Node: id, Alias: alias, Reason: fmt.Sprint(reason)})

	// Dead instances are not part of the cluster anymore: make sure we don't pay for them.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.provider.Terminate(ctx, []string{id}); err != nil {
		c.log.Warn("Failed to terminate dead instance", "id", id, "error", err)
	}
}

// SpotRequestDropped reports a spot request that will never become a node.
func (c *Cluster) SpotRequestDropped(id string, reason error) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()

	c.log.Warn("Spot request dropped", "request", id, "reason", reason)
	c.publish(EventNodeDead{Node: id, Reason: fmt.Sprint(reason)})
}

// Events

// Subscribe returns a channel receiving cluster events and a function to stop the subscription.
// Events are dropped for subscribers that do not keep up.
func (c *Cluster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)

	c.subscribersMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subscribersMu.Unlock()

	return ch, func() {
		c.subscribersMu.Lock()
		defer c.subscribersMu.Unlock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
	}
}

func (c *Cluster) publish(event Event) {
	c.subscribersMu.RLock()
	defer c.subscribersMu.RUnlock()

	for ch := range c.subscribers {
		select {
		case ch <- event:
		default:
			c.log.Warn("Dropping event for slow subscriber", "event", fmt.Sprintf("%T", event))
		}
	}
}

func (c *Cluster) aliasesLocked() []string {
	return lo.Map(c.nodes, func(n *Node, _ int) string { return n.Alias })
}
