// Package clusterfile reads the YAML description of a cluster.
package clusterfile

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/gammadia/gridscale/balancer"
	"github.com/gammadia/gridscale/sge"
)

const ClusterfileVersion = "1"

var Providers = []string{"openstack", "local"}

type Clusterfile struct {
	Version  string
	Name     string
	Provider string
	// Instance id of the grid engine master
	Master   string
	Nodes    ClusterfileNodes
	SSH      ClusterfileSSH `yaml:"ssh"`
	SGE      ClusterfileSGE `yaml:"sge"`
	Balancer ClusterfileBalancer
}

type ClusterfileNodes struct {
	Image          string
	Flavor         string
	Networks       []string
	SecurityGroups []string `yaml:"security-groups"`
	Spot           bool
	SpotPrice      float64 `yaml:"spot-price"`
	Min            int
	Max            int
}

type ClusterfileSSH struct {
	Username string
	Key      string
	Port     int
}

type ClusterfileSGE struct {
	Queue     string
	HostGroup string `yaml:"host-group"`
	Slots     int
	// Time zone of the qmaster, its reports carry local timestamps
	Timezone string
	Hooks    ClusterfileHooks
}

type ClusterfileHooks struct {
	Add    []string
	Remove []string
}

type ClusterfileBalancer struct {
	PollingInterval      string  `yaml:"polling-interval"`
	WaitTime             string  `yaml:"wait-time"`
	GrowCooldown         string  `yaml:"grow-cooldown"`
	ShrinkCooldown       string  `yaml:"shrink-cooldown"`
	AddNodesPerIteration int     `yaml:"add-nodes-per-iteration"`
	IdleThreshold        float64 `yaml:"idle-threshold"`
	ShrinkStabilization  int     `yaml:"shrink-stabilization"`
	TieBreak             string  `yaml:"tie-break"`
	DrainIdle            bool    `yaml:"drain-idle"`
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]+$`)

func (clusterfile Clusterfile) Validate() error {
	if clusterfile.Version != ClusterfileVersion {
		return fmt.Errorf("unsupported version '%s'", clusterfile.Version)
	}

	if !nameRegex.MatchString(clusterfile.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}

	if !slices.Contains(Providers, clusterfile.Provider) {
		return fmt.Errorf("provider must be one of %v", Providers)
	}

	if clusterfile.Master == "" {
		return fmt.Errorf("master is required")
	}

	if clusterfile.Nodes.Image == "" {
		return fmt.Errorf("nodes.image is required")
	}
	if clusterfile.Provider == "openstack" && clusterfile.Nodes.Flavor == "" {
		return fmt.Errorf("nodes.flavor is required")
	}
	if clusterfile.Nodes.Spot {
		return fmt.Errorf("nodes.spot is not supported by the '%s' provider", clusterfile.Provider)
	}
	if clusterfile.Nodes.Min < 0 || clusterfile.Nodes.Max < 0 {
		return fmt.Errorf("nodes.min and nodes.max must not be negative")
	}
	if clusterfile.Nodes.Max > 0 && clusterfile.Nodes.Max < clusterfile.Nodes.Min {
		return fmt.Errorf("nodes.max must not be less than nodes.min")
	}

	if clusterfile.Provider == "openstack" && clusterfile.SSH.Username == "" {
		return fmt.Errorf("ssh.username is required")
	}

	for key, value := range map[string]string{
		"polling-interval": clusterfile.Balancer.PollingInterval,
		"wait-time":        clusterfile.Balancer.WaitTime,
		"grow-cooldown":    clusterfile.Balancer.GrowCooldown,
		"shrink-cooldown":  clusterfile.Balancer.ShrinkCooldown,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("balancer.%s is not a valid duration: %w", key, err)
		}
	}

	if clusterfile.SGE.Timezone != "" {
		if _, err := time.LoadLocation(clusterfile.SGE.Timezone); err != nil {
			return fmt.Errorf("sge.timezone is not a valid time zone: %w", err)
		}
	}

	if err := balancer.Validate(clusterfile.BalancerConfig()); err != nil {
		return fmt.Errorf("balancer: %w", err)
	}

	if err := sge.Validate(clusterfile.SGEConfig()); err != nil {
		return fmt.Errorf("sge: %w", err)
	}

	return nil
}
