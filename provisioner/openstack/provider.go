// Package openstack launches cluster nodes as OpenStack compute servers.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sort"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/namegen"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
)

const (
	groupMetadata      = "gridscale-group"
	launchedAtMetadata = "gridscale-launched-at"
	aliasMetadata      = "gridscale-alias"
)

type Provider struct {
	config Config
	client *gophercloud.ServiceClient
	log    *slog.Logger

	keyName    string
	ephemeral  bool
	privateKey ssh.Signer
}

var _ cluster.CloudProvider = (*Provider)(nil)

// Connect authenticates against the compute API using the standard OS_*
// environment variables. Unless config.KeyName is set, a keypair is created
// for the lifetime of the provider.
func Connect(config Config) (*Provider, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	region := config.Region
	if region == "" {
		region = os.Getenv("OS_REGION_NAME")
	}
	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	p := New(client, config)
	if p.keyName == "" {
		if err := p.createKeypair(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func New(client *gophercloud.ServiceClient, config Config) *Provider {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Provider{
		config:  config,
		client:  client,
		log:     config.Logger.With("component", "openstack"),
		keyName: config.KeyName,
	}
}

func (p *Provider) createKeypair() error {
	name := fmt.Sprintf("gridscale-%s-%s", p.config.Group, namegen.Get())

	keypair, err := keypairs.Create(p.client, keypairs.CreateOpts{Name: name}).Extract()
	if err != nil {
		return fmt.Errorf("failed to create keypair: %w", err)
	}

	p.privateKey, err = ssh.ParsePrivateKey([]byte(keypair.PrivateKey))
	if err != nil {
		_ = keypairs.Delete(p.client, name, nil).ExtractErr()
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	p.keyName = name
	p.ephemeral = true
	p.log.Info("Created keypair", "name", name)
	return nil
}

// Signer returns the private key of the ephemeral keypair, or nil when an
// existing keypair is used.
func (p *Provider) Signer() ssh.Signer {
	return p.privateKey
}

// Close deletes the ephemeral keypair. Servers are left running.
func (p *Provider) Close() error {
	if !p.ephemeral {
		return nil
	}
	if err := keypairs.Delete(p.client, p.keyName, nil).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete keypair '%s': %w", p.keyName, err)
	}
	p.ephemeral = false
	return nil
}

func (p *Provider) LaunchInstances(ctx context.Context, spec cluster.LaunchSpec) ([]string, error) {
	if spec.Spot {
		return nil, cluster.ErrSpotUnsupported
	}

	networks := lo.Map(spec.Networks, func(id string, _ int) servers.Network {
		return servers.Network{UUID: id}
	})

	var ids []string
	for i := 0; i < spec.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Join(err, p.rollback(ids))
		}

		name := fmt.Sprintf("%s-%s", p.config.Group, namegen.Get())
		var opts servers.CreateOptsBuilder = servers.CreateOpts{
			Name:           name,
			ImageRef:       spec.Image,
			FlavorRef:      spec.Flavor,
			Networks:       networks,
			SecurityGroups: spec.SecurityGroups,
			Metadata: map[string]string{
				groupMetadata:      p.config.Group,
				launchedAtMetadata: time.Now().UTC().Format(time.RFC3339),
			},
		}
		if p.keyName != "" {
			opts = keypairs.CreateOptsExt{CreateOptsBuilder: opts, KeyName: p.keyName}
		}

		server, err := servers.Create(p.client, opts).Extract()
		if err != nil {
			err = fmt.Errorf("failed to create server '%s': %w", name, err)
			return nil, errors.Join(err, p.rollback(ids))
		}

		p.log.Debug("Created server", "name", name, "id", server.ID)
		ids = append(ids, server.ID)
	}
	return ids, nil
}

// rollback deletes the servers of a partially failed launch.
func (p *Provider) rollback(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	p.log.Warn("Deleting servers of a failed launch", "ids", ids)
	return p.Terminate(context.Background(), ids)
}

func (p *Provider) DescribeInstances(ctx context.Context, ids []string) ([]cluster.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages, err := servers.List(p.client, servers.ListOpts{
		Name: "^" + regexp.QuoteMeta(p.config.Group) + "-",
	}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}

	var instances []cluster.Instance
	for _, server := range all {
		if server.Metadata[groupMetadata] != p.config.Group {
			continue
		}
		if ids != nil && !slices.Contains(ids, server.ID) {
			continue
		}
		instances = append(instances, p.instance(server))
	}

	// Servers asked for by id do not have to belong to the group, the master
	// usually does not.
	for _, id := range ids {
		if lo.ContainsBy(instances, func(i cluster.Instance) bool { return i.ID == id }) {
			continue
		}
		server, err := servers.Get(p.client, id).Extract()
		if err != nil {
			var notFound gophercloud.ErrDefault404
			if errors.As(err, &notFound) {
				continue
			}
			return nil, fmt.Errorf("failed to get server '%s': %w", id, err)
		}
		instances = append(instances, p.instance(*server))
	}
	return instances, nil
}

func (p *Provider) instance(server servers.Server) cluster.Instance {
	launchedAt := server.Created
	if t, err := time.Parse(time.RFC3339, server.Metadata[launchedAtMetadata]); err == nil {
		launchedAt = t
	}

	return cluster.Instance{
		ID:         server.ID,
		Group:      server.Metadata[groupMetadata],
		State:      instanceState(server.Status),
		Address:    ipv4Address(server.Addresses),
		LaunchedAt: launchedAt,
		Alias:      server.Metadata[aliasMetadata],
	}
}

// instanceState maps nova server statuses onto instance states. Servers in
// ERROR never recover by themselves and are reported as terminated.
func instanceState(status string) cluster.InstanceState {
	switch status {
	case "ACTIVE", "REBOOT", "HARD_REBOOT", "PASSWORD", "RESIZE", "VERIFY_RESIZE", "MIGRATING":
		return cluster.InstanceRunning
	case "SHUTOFF", "SUSPENDED", "PAUSED", "SHELVED", "SHELVED_OFFLOADED":
		return cluster.InstanceStopped
	case "DELETED", "SOFT_DELETED", "ERROR":
		return cluster.InstanceTerminated
	default:
		return cluster.InstancePending
	}
}

// ipv4Address returns the first IPv4 address of the server, networks being
// considered in name order.
func ipv4Address(addresses map[string]interface{}) string {
	networks := lo.Keys(addresses)
	sort.Strings(networks)

	for _, network := range networks {
		entries, _ := addresses[network].([]interface{})
		for _, entry := range entries {
			address, _ := entry.(map[string]interface{})
			if version, _ := address["version"].(float64); version != 4 {
				continue
			}
			if addr, ok := address["addr"].(string); ok && addr != "" {
				return addr
			}
		}
	}
	return ""
}

func (p *Provider) DescribeSpotRequests(ctx context.Context, ids []string) ([]cluster.SpotRequest, error) {
	return nil, cluster.ErrSpotUnsupported
}

func (p *Provider) CancelSpotRequests(ctx context.Context, ids []string) error {
	return cluster.ErrSpotUnsupported
}

// TagInstance stores the alias in the server metadata.
func (p *Provider) TagInstance(ctx context.Context, id, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := servers.UpdateMetadata(p.client, id, servers.MetadataOpts{aliasMetadata: alias}).Extract(); err != nil {
		return fmt.Errorf("failed to tag server '%s': %w", id, err)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		err := servers.Delete(p.client, id).ExtractErr()
		if err == nil {
			continue
		}

		var notFound gophercloud.ErrDefault404
		if errors.As(err, &notFound) {
			p.log.Debug("Server already deleted", "id", id)
			continue
		}
		errs = append(errs, fmt.Errorf("failed to delete server '%s': %w", id, err))
	}
	return errors.Join(errs...)
}
