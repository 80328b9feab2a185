// Package local runs cluster nodes as Docker containers on the local daemon.
// It exists for demos and integration tests: containers stand in for cloud
// instances and `docker exec` stands in for SSH.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/internal/retry"
	"github.com/gammadia/gridscale/namegen"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

const (
	groupLabel      = "gridscale.group"
	launchedAtLabel = "gridscale.launched-at"
)

// DockerClient abstracts the Docker SDK methods used by the provider and its
// hosts, enabling mock-based testing without a real Docker daemon.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRename(ctx context.Context, containerID, newContainerName string) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type Provider struct {
	config Config
	docker DockerClient
	log    *slog.Logger
	now    func() time.Time
}

var (
	_ cluster.CloudProvider = (*Provider)(nil)
	_ cluster.HostConnector = (*Provider)(nil)
)

// Connect uses the Docker daemon configured in the environment (DOCKER_HOST...).
func Connect(config Config) (*Provider, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}
	return New(docker, config), nil
}

func New(docker DockerClient, config Config) *Provider {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxNodes == 0 {
		config.MaxNodes = (runtime.NumCPU() + 1) / 2
	}

	return &Provider{
		config: config,
		docker: docker,
		log:    config.Logger.With("component", "docker"),
		now:    time.Now,
	}
}

func (p *Provider) groupFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", groupLabel, p.config.Group)))
}

func (p *Provider) ensureImage(ctx context.Context, ref string) error {
	images, err := p.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	p.log.Info("Pulling image", "image", ref)
	reader, err := p.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image '%s': %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once its progress stream has been consumed
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Provider) LaunchInstances(ctx context.Context, spec cluster.LaunchSpec) ([]string, error) {
	if spec.Spot {
		return nil, cluster.ErrSpotUnsupported
	}

	existing, err := p.DescribeInstances(ctx, nil)
	if err != nil {
		return nil, err
	}
	alive := lo.CountBy(existing, func(i cluster.Instance) bool { return !i.State.Gone() })
	if alive+spec.Count > p.config.MaxNodes {
		return nil, fmt.Errorf("refusing to run more than %d containers", p.config.MaxNodes)
	}

	if err := p.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	networkMode := p.config.Network
	if len(spec.Networks) > 0 {
		networkMode = spec.Networks[0]
	}

	var ids []string
	for i := 0; i < spec.Count; i++ {
		name := fmt.Sprintf("%s-%s", p.config.Group, namegen.Get())

		resp, err := retry.Value(ctx, retry.Default, func() (container.CreateResponse, error) {
			return p.docker.ContainerCreate(
				ctx,
				&container.Config{
					Image:    spec.Image,
					Hostname: name,
					Labels: map[string]string{
						groupLabel:      p.config.Group,
						launchedAtLabel: p.now().UTC().Format(time.RFC3339),
					},
				},
				&container.HostConfig{
					NetworkMode: container.NetworkMode(networkMode),
					Privileged:  true,
				},
				nil,
				nil,
				name,
			)
		})
		if err != nil {
			err = fmt.Errorf("failed to create container '%s': %w", name, err)
			return nil, errors.Join(err, p.rollback(ids))
		}

		if err := p.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			err = fmt.Errorf("failed to start container '%s': %w", name, err)
			return nil, errors.Join(err, p.rollback(append(ids, resp.ID)))
		}

		p.log.Debug("Started container", "name", name, "id", resp.ID)
		ids = append(ids, resp.ID)
	}
	return ids, nil
}

func (p *Provider) rollback(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.Terminate(context.Background(), ids)
}

func (p *Provider) DescribeInstances(ctx context.Context, ids []string) ([]cluster.Instance, error) {
	containers, err := p.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: p.groupFilter()})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if ids != nil {
		containers = lo.Filter(containers, func(c container.Summary, _ int) bool { return slices.Contains(ids, c.ID) })
	}

	// Containers asked for by id do not have to belong to the group, the
	// master usually does not.
	for _, id := range ids {
		if lo.ContainsBy(containers, func(c container.Summary) bool { return c.ID == id }) {
			continue
		}
		found, err := p.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: filters.NewArgs(filters.Arg("id", id))})
		if err != nil {
			return nil, fmt.Errorf("failed to list container '%s': %w", id, err)
		}
		// The id filter also matches on prefixes
		containers = append(containers, lo.Filter(found, func(c container.Summary, _ int) bool { return c.ID == id })...)
	}

	var instances []cluster.Instance
	for _, c := range containers {

		launchedAt := time.Unix(c.Created, 0)
		if t, err := time.Parse(time.RFC3339, c.Labels[launchedAtLabel]); err == nil {
			launchedAt = t
		}

		var address string
		if c.NetworkSettings != nil {
			networks := lo.Keys(c.NetworkSettings.Networks)
			slices.Sort(networks)
			for _, name := range networks {
				if endpoint := c.NetworkSettings.Networks[name]; endpoint != nil && endpoint.IPAddress != "" {
					address = endpoint.IPAddress
					break
				}
			}
		}

		instances = append(instances, cluster.Instance{
			ID:         c.ID,
			Group:      c.Labels[groupLabel],
			State:      instanceState(string(c.State)),
			Address:    address,
			LaunchedAt: launchedAt,
			Alias:      p.alias(c.Names),
		})
	}
	return instances, nil
}

// alias reads the alias back from a container renamed by TagInstance.
func (p *Provider) alias(names []string) string {
	for _, name := range names {
		alias, ok := strings.CutPrefix(strings.TrimPrefix(name, "/"), p.config.Group+"-")
		if !ok {
			continue
		}
		if _, ok := namegen.AliasIndex(alias); ok {
			return alias
		}
	}
	return ""
}

func instanceState(state string) cluster.InstanceState {
	switch state {
	case "running":
		return cluster.InstanceRunning
	case "paused", "exited":
		return cluster.InstanceStopped
	case "removing":
		return cluster.InstanceShuttingDown
	case "dead":
		return cluster.InstanceTerminated
	default:
		// created, restarting
		return cluster.InstancePending
	}
}

func (p *Provider) DescribeSpotRequests(ctx context.Context, ids []string) ([]cluster.SpotRequest, error) {
	return nil, cluster.ErrSpotUnsupported
}

func (p *Provider) CancelSpotRequests(ctx context.Context, ids []string) error {
	return cluster.ErrSpotUnsupported
}

// TagInstance renames the container after the alias, labels being immutable.
func (p *Provider) TagInstance(ctx context.Context, id, alias string) error {
	if err := p.docker.ContainerRename(ctx, id, fmt.Sprintf("%s-%s", p.config.Group, alias)); err != nil {
		return fmt.Errorf("failed to rename container '%s': %w", id, err)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		err := p.docker.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to remove container '%s': %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Connect returns a host running commands through `docker exec`.
func (p *Provider) Connect(instance cluster.Instance) (cluster.RemoteHost, error) {
	return &Host{id: instance.ID, docker: p.docker, log: p.log.With("container", instance.ID)}, nil
}
