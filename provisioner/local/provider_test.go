package local

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/gridscale/cluster"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Docker Client ---

type execResult struct {
	output   string
	exitCode int
}

type notFoundError struct{}

func (notFoundError) Error() string { return "no such container" }
func (notFoundError) NotFound()     {}

type mockDocker struct {
	mu sync.Mutex

	containers []container.Summary
	// Containers outside the group, only listed by id
	others []container.Summary
	images []image.Summary

	created   []*container.Config
	started   []string
	removed   []string
	restarted []string
	renamed   map[string]string
	pulled    []string
	commands  []string
	copied    map[string]string

	execs     map[string]execResult
	createErr error
}

func newMockDocker() *mockDocker {
	return &mockDocker{
		images:  []image.Summary{{}},
		copied:  map[string]string{},
		renamed: map[string]string{},
		execs:   map[string]execResult{"true": {}},
	}
}

func (m *mockDocker) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.created = append(m.created, config)
	return container.CreateResponse{ID: "ctr-" + containerName}, nil
}

func (m *mockDocker) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, containerID)
	return nil
}

func (m *mockDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if options.Filters.Contains("id") {
		ids := options.Filters.Get("id")
		return lo.Filter(slices.Concat(m.containers, m.others), func(c container.Summary, _ int) bool {
			return lo.SomeBy(ids, func(id string) bool { return strings.HasPrefix(c.ID, id) })
		}), nil
	}
	if !options.Filters.Contains("label") {
		return nil, fmt.Errorf("containers must be filtered by label")
	}
	return m.containers, nil
}

func (m *mockDocker) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if containerID == "gone" {
		return notFoundError{}
	}
	m.removed = append(m.removed, containerID)
	return nil
}

func (m *mockDocker) ContainerRestart(_ context.Context, containerID string, _ container.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarted = append(m.restarted, containerID)
	return nil
}

func (m *mockDocker) ContainerRename(_ context.Context, containerID, newContainerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renamed[containerID] = newContainerName
	return nil
}

func (m *mockDocker) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	command := options.Cmd[len(options.Cmd)-1]
	m.commands = append(m.commands, command)
	return container.ExecCreateResponse{ID: "exec-" + command}, nil
}

// mockConn is a minimal net.Conn for HijackedResponse.Close().
type mockConn struct{ net.Conn }

func (mockConn) Close() error { return nil }

func (m *mockDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var framed bytes.Buffer
	if result := m.execs[strings.TrimPrefix(execID, "exec-")]; result.output != "" {
		stream := stdcopy.NewStdWriter(&framed, stdcopy.Stdout)
		if result.exitCode != 0 {
			stream = stdcopy.NewStdWriter(&framed, stdcopy.Stderr)
		}
		_, _ = stream.Write([]byte(result.output))
	}
	return types.HijackedResponse{Conn: mockConn{}, Reader: bufio.NewReader(&framed)}, nil
}

func (m *mockDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, found := m.execs[strings.TrimPrefix(execID, "exec-")]
	if !found {
		return container.ExecInspect{ExitCode: 127}, nil
	}
	return container.ExecInspect{ExitCode: result.exitCode}, nil
}

func (m *mockDocker) CopyToContainer(_ context.Context, _ string, dstPath string, content io.Reader, _ container.CopyToContainerOptions) error {
	tr := tar.NewReader(content)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.copied[dstPath+"/"+header.Name] = string(data)
		m.mu.Unlock()
	}
}

func (m *mockDocker) ImageList(_ context.Context, _ image.ListOptions) ([]image.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images, nil
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

// --- Helpers ---

// summary builds a container list entry the way the daemon serializes it.
func summary(id, state, address string) container.Summary {
	networks := map[string]interface{}{}
	if address != "" {
		networks["bridge"] = map[string]string{"IPAddress": address}
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"Id":              id,
		"State":           state,
		"Created":         time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Unix(),
		"Labels":          map[string]string{groupLabel: "grid"},
		"NetworkSettings": map[string]interface{}{"Networks": networks},
	})

	var c container.Summary
	if err := json.Unmarshal(raw, &c); err != nil {
		panic(err)
	}
	return c
}

func newProvider(docker *mockDocker) *Provider {
	p := New(docker, Config{Group: "grid", MaxNodes: 3})
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

// --- Tests ---

func TestProvider_LaunchInstances(t *testing.T) {
	docker := newMockDocker()
	docker.images = nil
	provider := newProvider(docker)

	ids, err := provider.LaunchInstances(context.Background(), cluster.LaunchSpec{Count: 2, Image: "gridscale/node:latest"})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, ids, docker.started)
	assert.Equal(t, []string{"gridscale/node:latest"}, docker.pulled)

	for _, config := range docker.created {
		assert.Equal(t, "gridscale/node:latest", config.Image)
		assert.Equal(t, "grid", config.Labels[groupLabel])
		assert.Equal(t, "2024-03-01T12:00:00Z", config.Labels[launchedAtLabel])
		assert.True(t, strings.HasPrefix(config.Hostname, "grid-"))
	}
}

func TestProvider_LaunchRespectsMaxNodes(t *testing.T) {
	docker := newMockDocker()
	docker.containers = []container.Summary{
		summary("a", "running", "172.17.0.2"),
		summary("b", "running", "172.17.0.3"),
		summary("c", "dead", ""),
	}
	provider := newProvider(docker)

	_, err := provider.LaunchInstances(context.Background(), cluster.LaunchSpec{Count: 2, Image: "gridscale/node"})
	assert.EqualError(t, err, "refusing to run more than 3 containers")
	assert.Empty(t, docker.created)

	ids, err := provider.LaunchInstances(context.Background(), cluster.LaunchSpec{Count: 1, Image: "gridscale/node"})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Empty(t, docker.pulled, "the image is already present")
}

func TestProvider_DescribeInstances(t *testing.T) {
	docker := newMockDocker()
	docker.containers = []container.Summary{
		summary("a", "running", "172.17.0.2"),
		summary("b", "created", ""),
		summary("c", "exited", ""),
	}
	docker.containers[0].Labels[launchedAtLabel] = "2024-03-01T09:00:00Z"
	provider := newProvider(docker)

	instances, err := provider.DescribeInstances(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, instances, 3)

	assert.Equal(t, cluster.Instance{
		ID:         "a",
		Group:      "grid",
		State:      cluster.InstanceRunning,
		Address:    "172.17.0.2",
		LaunchedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}, instances[0])
	assert.Equal(t, cluster.InstancePending, instances[1].State)
	assert.Equal(t, cluster.InstanceStopped, instances[2].State)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), instances[2].LaunchedAt.UTC())

	instances, err = provider.DescribeInstances(context.Background(), []string{"b"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "b", instances[0].ID)
}

func TestProvider_DescribeMasterOutsideGroup(t *testing.T) {
	docker := newMockDocker()
	docker.containers = []container.Summary{summary("a", "running", "172.17.0.2")}
	master := summary("master-1", "running", "172.17.0.9")
	master.Labels = nil
	docker.others = []container.Summary{master, summary("master-10", "running", "")}
	provider := newProvider(docker)

	instances, err := provider.DescribeInstances(context.Background(), []string{"master-1", "missing"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "master-1", instances[0].ID)
	assert.Equal(t, "172.17.0.9", instances[0].Address)
	assert.Empty(t, instances[0].Group)
}

func TestProvider_TagInstance(t *testing.T) {
	docker := newMockDocker()
	docker.containers = []container.Summary{
		summary("a", "running", "172.17.0.2"),
		summary("b", "running", "172.17.0.3"),
		summary("c", "running", "172.17.0.4"),
	}
	docker.containers[0].Names = []string{"/grid-node007"}
	docker.containers[1].Names = []string{"/grid-happy-otter"}
	docker.containers[2].Names = []string{"/other-node001"}
	provider := newProvider(docker)

	require.NoError(t, provider.TagInstance(context.Background(), "b", "node002"))
	assert.Equal(t, map[string]string{"b": "grid-node002"}, docker.renamed)

	instances, err := provider.DescribeInstances(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"node007", "", ""}, []string{instances[0].Alias, instances[1].Alias, instances[2].Alias})
}

func TestProvider_Terminate(t *testing.T) {
	docker := newMockDocker()
	provider := newProvider(docker)

	require.NoError(t, provider.Terminate(context.Background(), []string{"a", "gone", "b"}))
	assert.Equal(t, []string{"a", "b"}, docker.removed)
}

func TestProvider_SpotUnsupported(t *testing.T) {
	provider := newProvider(newMockDocker())

	_, err := provider.LaunchInstances(context.Background(), cluster.LaunchSpec{Count: 1, Spot: true})
	assert.ErrorIs(t, err, cluster.ErrSpotUnsupported)
	_, err = provider.DescribeSpotRequests(context.Background(), nil)
	assert.ErrorIs(t, err, cluster.ErrSpotUnsupported)
	assert.ErrorIs(t, provider.CancelSpotRequests(context.Background(), nil), cluster.ErrSpotUnsupported)
}

func TestHost_Execute(t *testing.T) {
	docker := newMockDocker()
	docker.execs["qconf -sel"] = execResult{output: "node001\nnode002\n"}
	docker.execs["qconf -de node003"] = execResult{output: "node003 is not an execution host\n", exitCode: 1}

	host, err := newProvider(docker).Connect(cluster.Instance{ID: "a"})
	require.NoError(t, err)

	output, err := host.Execute(context.Background(), "qconf -sel")
	require.NoError(t, err)
	assert.Equal(t, "node001\nnode002\n", output)

	output, err = host.Execute(context.Background(), "qconf -de node003")
	assert.EqualError(t, err, "command 'qconf -de node003' exited with code 1: node003 is not an execution host")
	assert.Equal(t, "node003 is not an execution host\n", output)

	assert.True(t, host.IsReachable(context.Background()))

	delete(docker.execs, "true")
	assert.False(t, host.IsReachable(context.Background()))
}

func TestHost_PutFile(t *testing.T) {
	docker := newMockDocker()
	docker.execs["mkdir -p /etc/gridscale"] = execResult{}

	host, err := newProvider(docker).Connect(cluster.Instance{ID: "a"})
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(local, []byte("172.17.0.2 node001\n"), 0o644))

	require.NoError(t, host.PutFile(context.Background(), local, "/etc/gridscale/hosts"))
	assert.Equal(t, map[string]string{"/etc/gridscale/hosts": "172.17.0.2 node001\n"}, docker.copied)
	assert.Equal(t, []string{"mkdir -p /etc/gridscale"}, docker.commands)
}

func TestHost_Reboot(t *testing.T) {
	docker := newMockDocker()

	host, err := newProvider(docker).Connect(cluster.Instance{ID: "a"})
	require.NoError(t, err)

	require.NoError(t, host.Reboot(context.Background()))
	assert.Equal(t, []string{"a"}, docker.restarted)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Config{Group: "grid", MaxNodes: 2}))
	assert.EqualError(t, Validate(Config{MaxNodes: 2}), "group is required")
	assert.EqualError(t, Validate(Config{Group: "grid"}), "max-nodes must be greater than 0")
}
