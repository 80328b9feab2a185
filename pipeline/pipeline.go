// Package pipeline brings requested capacity into the cluster. Every item goes
// through up to five stages, polled on every tick:
//
//  1. unpropagated spot requests, until the provider knows about them
//  2. spot requests, until they are fulfilled by an instance
//  3. unpropagated instances, until the provider reports them with an address
//  4. instances, until they are running and reachable
//  5. ready instances, until the scheduler plugin integrated them
//
// Items advance independently, so early nodes join the cluster without
// waiting for slower ones.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/internal/retry"
	"github.com/gammadia/gridscale/recovery"
	"github.com/gammadia/gridscale/taskpool"
	"github.com/samber/lo"
)

// Owner is told about the progress of every item. It is implemented by
// *cluster.Cluster.
type Owner interface {
	Nodes() []*cluster.Node
	ReserveAlias() string
	NodeProgress(id, alias string, status cluster.NodeStatus)
	NodeIntegrated(node *cluster.Node)
	NodeDead(id, alias string, reason error)
	SpotRequestDropped(id string, reason error)
}

// Integrator registers ready nodes with the job scheduler. OnRemoveNode undoes
// whatever a failed OnAddNode left behind.
type Integrator interface {
	OnAddNode(ctx context.Context, node *cluster.Node, current []*cluster.Node) error
	OnRemoveNode(ctx context.Context, node *cluster.Node, remaining []*cluster.Node) error
}

type Pipeline struct {
	config     Config
	provider   cluster.CloudProvider
	connector  cluster.HostConnector
	integrator Integrator
	owner      Owner
	log        *slog.Logger

	// Lifetime of background runs started by Start
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	intake       []Item
	running      bool
	pending      int
	tickRequests chan any

	// Owned by the running loop
	state collections
	dead  map[string]bool
}

func New(provider cluster.CloudProvider, connector cluster.HostConnector, integrator Integrator, owner Owner, config Config) *Pipeline {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Recovery.Logger == nil {
		config.Recovery.Logger = logger
	}
	if config.Recovery.Clock == nil {
		config.Recovery.Clock = config.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		config:     config,
		provider:   provider,
		connector:  connector,
		integrator: integrator,
		owner:      owner,
		log:        logger.With("component", "pipeline"),

		ctx:    ctx,
		cancel: cancel,

		tickRequests: make(chan any, 1),
		dead:         make(map[string]bool),
	}
}

// Pending returns the number of items that did not reach a final stage yet.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pending + len(p.intake)
}

func (p *Pipeline) AddSpotRequests(ids ...string) {
	p.Start(lo.Map(ids, func(id string, _ int) Item { return SpotRequest(id) })...)
}

func (p *Pipeline) AddInstances(ids ...string) {
	p.Start(lo.Map(ids, func(id string, _ int) Item { return UnpropagatedInstance(id) })...)
}

// Start queues items and runs the pipeline in the background until every
// stage is empty. It is safe to call from multiple goroutines.
func (p *Pipeline) Start(items ...Item) {
	p.mu.Lock()
	p.intake = append(p.intake, items...)
	start := !p.running
	p.running = true
	p.mu.Unlock()

	if !start {
		p.requestTick()
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.run(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("Pipeline stopped", "error", err)
		}
	}()
}

// Run processes the queued items in the foreground until every stage is
// empty or ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	return p.run(ctx)
}

// Shutdown stops background runs and waits for them to return. Items still in
// the pipeline are kept and resumed by the next Start.
func (p *Pipeline) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// requestTick wakes up a sleeping loop.
// If a tick is already requested, this function does nothing.
func (p *Pipeline) requestTick() {
	select {
	case p.tickRequests <- nil:
	default:
	}
}

func (p *Pipeline) run(ctx context.Context) error {
	pool := taskpool.New[probe](p.config.ProbeConcurrency)
	defer pool.Close()

	p.log.Debug("Pipeline is running")
	for {
		if !p.drainIntake() {
			p.log.Debug("Pipeline is empty")
			return nil
		}
		if err := ctx.Err(); err != nil {
			p.stop()
			return err
		}

		// A node was integrated: state changed, tick again right away.
		if p.tick(ctx, pool) > 0 {
			continue
		}

		timer := time.NewTimer(p.config.PollInterval)
		select {
		case <-timer.C:
		case <-p.tickRequests:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			p.stop()
			return ctx.Err()
		}
	}
}

func (p *Pipeline) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = false
}

// drainIntake moves queued items into their first stage. It returns false,
// and marks the pipeline as stopped, once there is nothing left to do.
func (p *Pipeline) drainIntake() bool {
	p.mu.Lock()
	intake := p.intake
	p.intake = nil
	p.mu.Unlock()

	now := p.config.Clock()
	for _, item := range intake {
		if p.dead[item.ID] || p.state.contains(item.ID) {
			p.log.Warn("Ignoring item already seen", "item", item)
			continue
		}

		switch item.Kind {
		case KindSpotRequest:
			p.state.unpropagatedSpotRequests = append(p.state.unpropagatedSpotRequests, pendingID{id: item.ID, since: now})
			p.owner.NodeProgress(item.ID, "", cluster.NodeStatusRequested)
		case KindUnpropagatedInstance:
			p.state.unpropagatedInstances = append(p.state.unpropagatedInstances, pendingID{id: item.ID, since: now})
			p.owner.NodeProgress(item.ID, "", cluster.NodeStatusPropagating)
		case KindClusterNode:
			p.state.instances = append(p.state.instances, recovery.New(item.Node, p.config.Recovery))
			p.owner.NodeProgress(item.ID, item.Node.Alias, cluster.NodeStatusBooting)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = p.state.len()
	if len(p.intake) == 0 && p.state.empty() {
		p.running = false
		return false
	}
	return true
}

func (p *Pipeline) syncPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = p.state.len()
}

// tick advances every stage once and returns the number of integrated nodes.
func (p *Pipeline) tick(ctx context.Context, pool *taskpool.Pool[probe]) int {
	defer p.syncPending()

	p.checkSpotPropagation(ctx)
	p.advanceSpotRequests(ctx)
	p.resolveInstances(ctx)
	p.probeInstances(ctx, pool)
	return p.integrateReady(ctx)
}

// Stage 1
func (p *Pipeline) checkSpotPropagation(ctx context.Context) {
	if len(p.state.unpropagatedSpotRequests) == 0 || ctx.Err() != nil {
		return
	}

	requests, err := p.provider.DescribeSpotRequests(ctx, entryIDs(p.state.unpropagatedSpotRequests))
	if err != nil {
		p.log.Warn("Failed to check spot request propagation", "error", &cluster.ProviderError{Op: "describe-spot-requests", Err: err})
		return
	}

	visible := lo.SliceToMap(requests, func(r cluster.SpotRequest) (string, bool) { return r.ID, true })
	found, waiting, expired := partitionVisible(p.state.unpropagatedSpotRequests, visible, p.config.Clock(), p.config.PropagationTimeout)

	p.state.unpropagatedSpotRequests = waiting
	p.state.spotRequests = append(p.state.spotRequests, found...)
	for _, entry := range expired {
		p.dead[entry.id] = true
		p.owner.SpotRequestDropped(entry.id, ErrPropagationTimeout)
	}
}

// Stage 2
func (p *Pipeline) advanceSpotRequests(ctx context.Context) {
	if len(p.state.spotRequests) == 0 || ctx.Err() != nil {
		return
	}

	requests, err := p.provider.DescribeSpotRequests(ctx, entryIDs(p.state.spotRequests))
	if err != nil {
		p.log.Warn("Failed to describe spot requests", "error", &cluster.ProviderError{Op: "describe-spot-requests", Err: err})
		return
	}

	byID := lo.SliceToMap(requests, func(r cluster.SpotRequest) (string, cluster.SpotRequest) { return r.ID, r })
	transition := advanceSpotRequests(p.state.spotRequests, byID, p.config.Clock(), p.config.SpotRequestTimeout)

	if len(transition.cancel) > 0 {
		if err := p.provider.CancelSpotRequests(ctx, transition.cancel); err != nil {
			// Keep them around and try again next tick.
			p.log.Warn("Failed to cancel stale spot requests", "requests", transition.cancel, "error", &cluster.ProviderError{Op: "cancel-spot-requests", Err: err})
			for _, id := range transition.cancel {
				delete(transition.dropped, id)
				entry, _ := lo.Find(p.state.spotRequests, func(e pendingID) bool { return e.id == id })
				transition.waiting = append(transition.waiting, entry)
			}
		}
	}

	p.state.spotRequests = transition.waiting
	for _, instance := range transition.instances {
		p.log.Info("Spot request fulfilled", "instance", instance.id)
		p.state.unpropagatedInstances = append(p.state.unpropagatedInstances, instance)
		p.owner.NodeProgress(instance.id, "", cluster.NodeStatusPropagating)
	}
	for id, reason := range transition.dropped {
		p.dead[id] = true
		p.owner.SpotRequestDropped(id, reason)
	}
}

// Stage 3
func (p *Pipeline) resolveInstances(ctx context.Context) {
	if len(p.state.unpropagatedInstances) == 0 || ctx.Err() != nil {
		return
	}

	instances, err := p.provider.DescribeInstances(ctx, entryIDs(p.state.unpropagatedInstances))
	if err != nil {
		p.log.Warn("Failed to check instance propagation", "error", &cluster.ProviderError{Op: "describe-instances", Err: err})
		return
	}

	byID := lo.SliceToMap(instances, func(i cluster.Instance) (string, cluster.Instance) { return i.ID, i })
	visible, waiting, dead := resolveInstances(p.state.unpropagatedInstances, byID, p.config.Clock(), p.config.PropagationTimeout)

	p.state.unpropagatedInstances = waiting
	for id, reason := range dead {
		p.dead[id] = true
		p.owner.NodeDead(id, "", reason)
	}

	for _, instance := range visible {
		alias := p.owner.ReserveAlias()
		host, err := p.connector.Connect(instance)
		if err != nil {
			p.dead[instance.ID] = true
			p.owner.NodeDead(instance.ID, alias, err)
			continue
		}

		node := &cluster.Node{
			ID:         instance.ID,
			Alias:      alias,
			Address:    instance.Address,
			LaunchedAt: instance.LaunchedAt,
			Host:       host,
		}
		p.log.Info("Instance is visible", "node", node.Alias, "id", node.ID, "address", node.Address)
		p.state.instances = append(p.state.instances, recovery.New(node, p.config.Recovery))
		p.owner.NodeProgress(node.ID, node.Alias, cluster.NodeStatusBooting)
	}
}

// Stage 4
func (p *Pipeline) probeInstances(ctx context.Context, pool *taskpool.Pool[probe]) {
	if len(p.state.instances) == 0 || ctx.Err() != nil {
		return
	}

	nodeIDs := lo.Map(p.state.instances, func(m *recovery.Manager, _ int) string { return m.Node().ID })
	instances, err := p.provider.DescribeInstances(ctx, nodeIDs)
	if err != nil {
		p.log.Warn("Failed to describe instances", "error", &cluster.ProviderError{Op: "describe-instances", Err: err})
		return
	}
	states := lo.SliceToMap(instances, func(i cluster.Instance) (string, cluster.InstanceState) { return i.ID, i.State })

	for _, manager := range p.state.instances {
		manager := manager
		id := manager.Node().ID
		if states[id].Gone() {
			continue
		}

		running := states[id] == cluster.InstanceRunning
		if err := pool.Submit(ctx, id, func(ctx context.Context) (probe, error) {
			keep := manager.Check(ctx)
			return probe{node: id, keep: keep, ready: keep && running && manager.Reachable()}, nil
		}); err != nil {
			p.log.Warn("Failed to submit reachability check", "id", id, "error", err)
		}
	}

	results, err := pool.Wait(ctx, 0)
	var failure *taskpool.TaskFailure
	switch {
	case errors.As(err, &failure):
		p.log.Warn("Some reachability checks failed", "nodes", failure.JobIDs(), "error", err)
	case err != nil:
		// Cancelled: the run is stopping.
		return
	}

	probes := lo.SliceToMap(results, func(r probe) (string, probe) { return r.node, r })
	ready, waiting, dead := partitionReachable(p.state.instances, states, probes)

	p.state.instances = waiting
	p.state.ready = append(p.state.ready, ready...)
	for manager, reason := range dead {
		node := manager.Node()
		p.dead[node.ID] = true
		p.owner.NodeDead(node.ID, node.Alias, reason)
	}
}

// Stage 5
func (p *Pipeline) integrateReady(ctx context.Context) int {
	integrated := 0
	for len(p.state.ready) > 0 && ctx.Err() == nil {
		manager := p.state.ready[0]
		p.state.ready = p.state.ready[1:]

		node := manager.Node()
		log := p.log.With("node", node.Alias, "id", node.ID)
		p.owner.NodeProgress(node.ID, node.Alias, cluster.NodeStatusIntegrating)

		err := p.integrator.OnAddNode(ctx, node, p.owner.Nodes())
		if err == nil {
			p.tag(ctx, node)
			p.syncPending()
			p.owner.NodeIntegrated(node)
			integrated++
			continue
		}

		integrationErr := &IntegrationError{Node: node.Alias, Err: err}
		log.Warn("Node integration failed", "error", integrationErr)
		if err := p.integrator.OnRemoveNode(ctx, node, p.owner.Nodes()); err != nil {
			log.Warn("Failed to clean up after integration failure", "error", err)
		}
		if manager.HandleReboot(ctx) {
			p.state.instances = append(p.state.instances, manager)
			p.owner.NodeProgress(node.ID, node.Alias, cluster.NodeStatusBooting)
			continue
		}

		p.dead[node.ID] = true
		p.owner.NodeDead(node.ID, node.Alias, integrationErr)
	}

	return integrated
}

// tag records the alias on the instance so that it survives a restart. A
// failure only costs a new alias after the next restart.
func (p *Pipeline) tag(ctx context.Context, node *cluster.Node) {
	if err := retry.Do(ctx, retry.Default, func() error {
		return p.provider.TagInstance(ctx, node.ID, node.Alias)
	}); err != nil {
		p.log.Warn("Failed to tag instance with its alias", "node", node.Alias, "id", node.ID, "error", err)
	}
}
