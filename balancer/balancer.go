// Package balancer grows and shrinks the cluster to follow the job queue.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/gridstats"
)

// Feed fetches the status reports of the job scheduler.
type Feed interface {
	HostStatus(ctx context.Context) ([]byte, error)
	JobStatus(ctx context.Context) ([]byte, error)
	Accounting(ctx context.Context) (string, error)
}

// Cluster is the part of *cluster.Cluster the engine drives.
type Cluster interface {
	Nodes() []*cluster.Node
	Pending() int
	RequestCapacity(ctx context.Context, n int) error
	RemoveNode(ctx context.Context, id string) error
	RecordMetrics(metrics cluster.Metrics)
	PublishDecision(action string, count int, reason string)
}

type Engine struct {
	cluster Cluster
	feed    Feed
	config  Config
	log     *slog.Logger

	state State
}

func New(c Cluster, feed Feed, config Config) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Engine{
		cluster: c,
		feed:    feed,
		config:  config,
		log:     logger.With("component", "balancer"),
	}
}

func (e *Engine) State() State {
	return e.state
}

// Run polls the scheduler every PollingInterval until ctx is done. Failed
// polls are logged and skipped.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("Load balancer is running", "interval", e.config.PollingInterval, "min-nodes", e.config.MinNodes, "max-nodes", e.config.MaxNodes)

	ticker := time.NewTicker(e.config.PollingInterval)
	defer ticker.Stop()

	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("Skipping load balancer iteration", "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			e.log.Info("Load balancer is stopping")
			return ctx.Err()
		}
	}
}

// Tick runs one iteration: sample the load, decide and act.
func (e *Engine) Tick(ctx context.Context) (Decision, error) {
	snapshot, err := e.sample(ctx)
	if err != nil {
		return none("no data"), err
	}

	view := View{
		Snapshot:     snapshot,
		Nodes:        e.cluster.Nodes(),
		Pending:      e.cluster.Pending(),
		SlotsPerHost: e.slotsPerHost(snapshot),
	}

	now := e.config.Clock()
	decision, state := Decide(e.config, e.state, view, now)
	e.state = state
	e.record(snapshot, decision)

	if decision.Action == ActionNone {
		e.log.Debug("No scaling needed", "reason", decision.Reason)
		return decision, nil
	}

	e.log.Info("Scaling cluster", "action", decision.Action, "count", decision.Count, "reason", decision.Reason)
	e.cluster.PublishDecision(string(decision.Action), decision.Count, decision.Reason)

	switch decision.Action {
	case ActionGrow:
		err = e.grow(ctx, decision, now)
	case ActionShrink:
		err = e.shrink(ctx, decision, now)
	}
	return decision, err
}

func (e *Engine) sample(ctx context.Context) (gridstats.Snapshot, error) {
	parser := e.config.Parser

	hostsDoc, err := e.feed.HostStatus(ctx)
	if err != nil {
		return gridstats.Snapshot{}, fmt.Errorf("failed to fetch host status: %w", err)
	}
	hosts, err := parser.ParseHosts(hostsDoc)
	if err != nil {
		return gridstats.Snapshot{}, err
	}

	jobsDoc, err := e.feed.JobStatus(ctx)
	if err != nil {
		return gridstats.Snapshot{}, fmt.Errorf("failed to fetch job status: %w", err)
	}
	jobs, err := parser.ParseJobs(jobsDoc)
	if err != nil {
		return gridstats.Snapshot{}, err
	}

	now := e.config.Clock()

	// Averages are informative only: a broken accounting log does not skip the tick.
	var records []gridstats.AccountingRecord
	if text, err := e.feed.Accounting(ctx); err != nil {
		e.log.Warn("Failed to fetch accounting log", "error", err)
	} else {
		records, _ = parser.ParseAccounting(text, now)
	}

	return gridstats.Summarize(hosts, jobs, records, now), nil
}

func (e *Engine) slotsPerHost(snapshot gridstats.Snapshot) int {
	slots, err := snapshot.SlotsPerHost()
	switch {
	case errors.Is(err, gridstats.ErrEmptyResult):
		return e.config.DefaultSlotsPerHost
	case errors.Is(err, gridstats.ErrNonUniformSlots):
		e.log.Warn("Hosts declare different slot counts, sizing new nodes with the smallest", "slots", slots, "hosts", snapshot.HostSlots)
	}
	return slots
}

func (e *Engine) record(snapshot gridstats.Snapshot, decision Decision) {
	e.cluster.RecordMetrics(cluster.Metrics{
		SampledAt:       snapshot.TakenAt,
		Hosts:           snapshot.Hosts,
		TotalSlots:      snapshot.TotalSlots,
		HostSlots:       snapshot.HostSlots,
		QueuedJobs:      snapshot.QueuedJobs,
		QueuedSlots:     snapshot.QueuedSlots,
		RunningJobs:     snapshot.RunningJobs,
		OldestQueuedAge: snapshot.OldestQueuedAge,
		AvgJobDuration:  snapshot.AvgJobDuration,
		AvgWaitTime:     snapshot.AvgWaitTime,
		LastDecision:    decision.String(),
	})
}

func (e *Engine) grow(ctx context.Context, decision Decision, now time.Time) error {
	if err := e.cluster.RequestCapacity(ctx, decision.Count); err != nil {
		if errors.Is(err, cluster.ErrNoHeadroom) {
			e.log.Info("Cluster has no headroom left")
			return nil
		}
		return fmt.Errorf("failed to add %d nodes: %w", decision.Count, err)
	}

	e.state.LastGrow = now
	return nil
}

func (e *Engine) shrink(ctx context.Context, decision Decision, now time.Time) error {
	var errs []error
	removed := 0
	for _, id := range decision.Nodes {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := e.cluster.RemoveNode(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove node '%s': %w", id, err))
			continue
		}
		removed++
	}

	if removed > 0 {
		e.state.LastShrink = now
		e.state.IdlePolls = 0
	}
	return errors.Join(errs...)
}
