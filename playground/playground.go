// Command playground runs the load balancer against a simulated grid engine.
// Nodes live in memory, or in Docker containers when PROVIDER=local. SPOT=1
// requests spot capacity instead of on-demand instances.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/gammadia/gridscale/balancer"
	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/namegen"
	"github.com/gammadia/gridscale/pipeline"
	"github.com/gammadia/gridscale/provisioner/local"
	"github.com/samber/lo"
)

const group = "playground"

type provider interface {
	cluster.CloudProvider
	cluster.HostConnector
}

func newProvider(name string, logger *slog.Logger) (provider, string, error) {
	switch name {
	case "", "memory":
		p := newMemoryProvider(group, 10*time.Second, time.Now)
		p.add("i-master")
		return p, "i-master", nil
	case "local":
		master := os.Getenv("MASTER")
		if master == "" {
			return nil, "", fmt.Errorf("MASTER must name the container of the master")
		}
		p, err := local.Connect(local.Config{Logger: logger, Group: group, MaxNodes: 4})
		return p, master, err
	default:
		return nil, "", fmt.Errorf("unknown provider '%s'", name)
	}
}

// submit queues a burst of jobs every interval until ctx is done.
func submit(ctx context.Context, g *grid, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := rand.IntN(12)
			duration := time.Duration(20+rand.IntN(60)) * time.Second
			g.Submit(count, duration)
			log.Info("Submitted jobs", "count", count, "duration", duration)
		}
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	providerName := os.Getenv("PROVIDER")
	p, masterID, err := newProvider(providerName, logger)
	if err != nil {
		fmt.Printf("unable to create provider '%s': %s\n", providerName, err)
		os.Exit(1)
	}

	g := newGrid("all.q", 4, time.Now)
	g.AddHost(namegen.MasterAlias)

	c := cluster.New(p, p, g, cluster.Config{
		Logger:   logger,
		Group:    group,
		MasterID: masterID,
		MaxNodes: 5,
		Launch: cluster.LaunchSpec{
			Image: lo.Ternary(os.Getenv("IMAGE") != "", os.Getenv("IMAGE"), "playground-node"),
			Spot:  os.Getenv("SPOT") != "",
		},
	})

	pipelineConfig := pipeline.DefaultConfig
	pipelineConfig.Logger = logger
	pipelineConfig.PollInterval = 2 * time.Second
	pipelineConfig.Recovery.RebootInterval = 20 * time.Second
	pipe := pipeline.New(p, p, g, c, pipelineConfig)
	c.SetPipeline(pipe)

	ctx, cancel := context.WithCancel(context.Background())

	if err := c.Load(ctx); err != nil {
		fmt.Printf("unable to load cluster: %s\n", err)
		os.Exit(1)
	}
	for _, node := range c.Nodes() {
		g.AddHost(node.Alias)
	}

	balancerConfig := balancer.Config{
		Logger:               logger,
		PollingInterval:      5 * time.Second,
		MinNodes:             1,
		MaxNodes:             5,
		WaitTime:             15 * time.Second,
		GrowCooldown:         20 * time.Second,
		AddNodesPerIteration: 2,
		DefaultSlotsPerHost:  4,
		IdleThreshold:        1,
		ShrinkStabilization:  3,
		ShrinkCooldown:       30 * time.Second,
		TieBreak:             balancer.TieBreakAliasDesc,
	}
	if err := balancer.Validate(balancerConfig); err != nil {
		fmt.Printf("invalid balancer config: %s\n", err)
		os.Exit(1)
	}
	engine := balancer.New(c, g, balancerConfig)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		cancel()
		<-sig
		os.Exit(1)
	}()

	go submit(ctx, g, 15*time.Second, logger.With("component", "workload"))

	_ = engine.Run(ctx)
	pipe.Shutdown()
}
