package clusterfile

import (
	"time"

	"github.com/gammadia/gridscale/balancer"
	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/gridstats"
	"github.com/gammadia/gridscale/remote"
	"github.com/gammadia/gridscale/sge"
	"github.com/samber/lo"
)

// The conversions below start from each component's defaults and only
// override what the clusterfile sets. They expect a validated clusterfile.

func (clusterfile Clusterfile) ClusterConfig() cluster.Config {
	return cluster.Config{
		Group:    clusterfile.Name,
		MasterID: clusterfile.Master,
		MaxNodes: clusterfile.BalancerConfig().MaxNodes,
		Launch: cluster.LaunchSpec{
			Group:          clusterfile.Name,
			Image:          clusterfile.Nodes.Image,
			Flavor:         clusterfile.Nodes.Flavor,
			Networks:       clusterfile.Nodes.Networks,
			SecurityGroups: clusterfile.Nodes.SecurityGroups,
			Spot:           clusterfile.Nodes.Spot,
			SpotPrice:      clusterfile.Nodes.SpotPrice,
		},
	}
}

func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	return lo.Must(time.ParseDuration(value))
}

func (clusterfile Clusterfile) BalancerConfig() balancer.Config {
	config := balancer.DefaultConfig
	b := clusterfile.Balancer

	config.PollingInterval = duration(b.PollingInterval, config.PollingInterval)
	config.WaitTime = duration(b.WaitTime, config.WaitTime)
	config.GrowCooldown = duration(b.GrowCooldown, config.GrowCooldown)
	config.ShrinkCooldown = duration(b.ShrinkCooldown, config.ShrinkCooldown)

	if clusterfile.Nodes.Min > 0 {
		config.MinNodes = clusterfile.Nodes.Min
	}
	if clusterfile.Nodes.Max > 0 {
		config.MaxNodes = clusterfile.Nodes.Max
	}
	if b.AddNodesPerIteration > 0 {
		config.AddNodesPerIteration = b.AddNodesPerIteration
	}
	if b.IdleThreshold > 0 {
		config.IdleThreshold = b.IdleThreshold
	}
	if b.ShrinkStabilization > 0 {
		config.ShrinkStabilization = b.ShrinkStabilization
	}
	if b.TieBreak != "" {
		config.TieBreak = balancer.TieBreak(b.TieBreak)
	}
	if clusterfile.SGE.Slots > 0 {
		config.DefaultSlotsPerHost = clusterfile.SGE.Slots
	}
	config.DrainIdle = b.DrainIdle
	if clusterfile.SGE.Timezone != "" {
		config.Parser = gridstats.Parser{Location: lo.Must(time.LoadLocation(clusterfile.SGE.Timezone))}
	}

	return config
}

func (clusterfile Clusterfile) SGEConfig() sge.Config {
	config := sge.DefaultConfig
	s := clusterfile.SGE

	config.Queue = lo.Ternary(s.Queue != "", s.Queue, config.Queue)
	config.HostGroup = lo.Ternary(s.HostGroup != "", s.HostGroup, config.HostGroup)
	config.Slots = s.Slots
	if s.Hooks.Add != nil {
		config.AddCommands = s.Hooks.Add
	}
	if s.Hooks.Remove != nil {
		config.RemoveCommands = s.Hooks.Remove
	}

	return config
}

// SSHConfig leaves the signer unset: the key is loaded by the caller, or
// comes from the provider's ephemeral keypair.
func (clusterfile Clusterfile) SSHConfig() remote.Config {
	config := remote.DefaultConfig
	config.Username = lo.Ternary(clusterfile.SSH.Username != "", clusterfile.SSH.Username, config.Username)
	if clusterfile.SSH.Port > 0 {
		config.Port = clusterfile.SSH.Port
	}
	return config
}
