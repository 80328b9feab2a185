package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gammadia/gridscale/balancer"
	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/clusterfile"
	"github.com/gammadia/gridscale/internal/retry"
	"github.com/gammadia/gridscale/pipeline"
	"github.com/gammadia/gridscale/provisioner/local"
	"github.com/gammadia/gridscale/provisioner/openstack"
	"github.com/gammadia/gridscale/remote"
	"github.com/gammadia/gridscale/server/flags"
	"github.com/gammadia/gridscale/server/log"
	"github.com/gammadia/gridscale/sge"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"
)

var (
	clusterInstance *cluster.Cluster
	pipe            *pipeline.Pipeline
	balance         *balancer.Engine
	provider        cluster.CloudProvider
	closers         []func() error
)

func readClusterfile() (*clusterfile.Clusterfile, error) {
	return clusterfile.Read(viper.GetString(flags.Clusterfile), clusterfile.ReadOptions{
		Params: viper.GetStringMapString(flags.Params),
	})
}

// createCluster wires every component from the clusterfile and loads the
// current membership from the provider. The board follows the cluster events.
func createCluster(ctx context.Context, cf *clusterfile.Clusterfile, board *nodeBoard) error {
	connector, err := createProvider(cf)
	if err != nil {
		return fmt.Errorf("unable to create provider '%s': %w", cf.Provider, err)
	}

	master, err := connectMaster(ctx, connector, cf.Master)
	if err != nil {
		return err
	}

	sgeConfig := cf.SGEConfig()
	sgeConfig.Logger = log.Base
	if err := sge.Validate(sgeConfig); err != nil {
		return fmt.Errorf("invalid sge config: %w", err)
	}
	plugin, err := sge.NewPlugin(master, sgeConfig)
	if err != nil {
		return err
	}

	clusterConfig := cf.ClusterConfig()
	clusterConfig.Logger = log.Base.With("component", "cluster")
	if err := cluster.Validate(clusterConfig); err != nil {
		return fmt.Errorf("invalid cluster config: %w", err)
	}
	clusterInstance = cluster.New(provider, connector, plugin, clusterConfig)

	events, unsubscribe := clusterInstance.Subscribe()
	closers = append(closers, func() error { unsubscribe(); return nil })
	go board.listenEvents(events)

	pipelineConfig := flags.PipelineConfig()
	pipelineConfig.Logger = log.Base
	if err := pipeline.Validate(pipelineConfig); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	pipe = pipeline.New(provider, connector, plugin, clusterInstance, pipelineConfig)
	clusterInstance.SetPipeline(pipe)

	balancerConfig := cf.BalancerConfig()
	balancerConfig.Logger = log.Base
	if err := balancer.Validate(balancerConfig); err != nil {
		return fmt.Errorf("invalid balancer config: %w", err)
	}
	balance = balancer.New(clusterInstance, sge.NewFeed(master, sgeConfig), balancerConfig)

	log.Debug("Cluster config", "config", string(lo.Must(json.Marshal(clusterConfig))))
	log.Debug("Balancer config", "config", string(lo.Must(json.Marshal(balancerConfig))))

	if err := clusterInstance.Load(ctx); err != nil {
		return fmt.Errorf("failed to load cluster: %w", err)
	}
	return nil
}

// createProvider sets the global provider and returns the connector used to
// reach its instances.
func createProvider(cf *clusterfile.Clusterfile) (cluster.HostConnector, error) {
	logger := log.Base.With("component", "provider")

	switch cf.Provider {
	case "local":
		config := local.Config{
			Logger:   logger,
			Group:    cf.Name,
			Network:  viper.GetString(flags.LocalNetwork),
			MaxNodes: viper.GetInt(flags.LocalMaxNodes),
		}
		p, err := local.Connect(config)
		if err != nil {
			return nil, err
		}
		provider = p
		return p, nil

	case "openstack":
		config := openstack.Config{
			Logger:  logger,
			Group:   cf.Name,
			Region:  viper.GetString(flags.OpenstackRegion),
			KeyName: viper.GetString(flags.OpenstackKeyName),
		}
		if err := openstack.Validate(config); err != nil {
			return nil, fmt.Errorf("invalid openstack config: %w", err)
		}
		p, err := openstack.Connect(config)
		if err != nil {
			return nil, err
		}
		provider = p
		closers = append(closers, p.Close)

		sshConfig := cf.SSHConfig()
		sshConfig.Logger = log.Base
		if sshConfig.Signer, err = loadSigner(cf, p.Signer()); err != nil {
			return nil, err
		}
		if err := remote.Validate(sshConfig); err != nil {
			return nil, fmt.Errorf("invalid ssh config: %w", err)
		}
		return remote.NewConnector(sshConfig), nil

	default:
		return nil, fmt.Errorf("unknown provider")
	}
}

// loadSigner prefers the --ssh-key flag, then ssh.key from the clusterfile,
// then the provider's ephemeral keypair.
func loadSigner(cf *clusterfile.Clusterfile, ephemeral ssh.Signer) (ssh.Signer, error) {
	file, _ := lo.Coalesce(viper.GetString(flags.SSHKey), cf.SSH.Key)
	if file == "" {
		return ephemeral, nil
	}
	return remote.LoadSigner(expandHome(file))
}

func expandHome(file string) string {
	if !strings.HasPrefix(file, "~/") {
		return file
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return file
	}
	return filepath.Join(home, file[2:])
}

func connectMaster(ctx context.Context, connector cluster.HostConnector, id string) (cluster.RemoteHost, error) {
	instances, err := retry.Value(ctx, retry.Default, func() ([]cluster.Instance, error) {
		return provider.DescribeInstances(ctx, []string{id})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe master instance: %w", err)
	}

	instance, found := lo.Find(instances, func(i cluster.Instance) bool { return i.ID == id })
	if !found || instance.State.Gone() {
		return nil, fmt.Errorf("master instance '%s' not found", id)
	}

	master, err := connector.Connect(instance)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master: %w", err)
	}
	if !master.IsReachable(ctx) {
		return nil, fmt.Errorf("master instance '%s' is not reachable", id)
	}
	return master, nil
}

func release() {
	for _, closer := range closers {
		if err := closer(); err != nil {
			log.Warn("Failed to release resources", "error", err)
		}
	}
}
