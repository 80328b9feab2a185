package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeServer struct {
	info      ServerInfo
	metrics   cluster.Metrics
	nodes     []NodeInfo
	err       error
	requested []int
	removed   []string
}

func (s *fakeServer) Ping(ctx context.Context) (ServerInfo, error) {
	return s.info, s.err
}

func (s *fakeServer) RequestCapacity(ctx context.Context, count int) error {
	s.requested = append(s.requested, count)
	return s.err
}

func (s *fakeServer) RemoveNode(ctx context.Context, id string) error {
	s.removed = append(s.removed, id)
	return s.err
}

func (s *fakeServer) CurrentMetrics(ctx context.Context) (cluster.Metrics, error) {
	return s.metrics, s.err
}

func (s *fakeServer) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	return s.nodes, s.err
}

func dial(t *testing.T, srv ClusterServer, opts ...grpc.ServerOption) *Client {
	t.Helper()

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer(opts...)
	RegisterClusterServer(server, srv)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn)
}

func TestPing(t *testing.T) {
	startedAt := time.Date(2024, 3, 1, 10, 30, 0, 123000000, time.UTC)
	client := dial(t, &fakeServer{info: ServerInfo{Version: "v1.2.0", Commit: "abc123", StartedAt: startedAt}})

	info, err := client.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.True(t, startedAt.Equal(info.StartedAt))
}

func TestCurrentMetrics(t *testing.T) {
	metrics := cluster.Metrics{
		SampledAt:       time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		Hosts:           3,
		TotalSlots:      24,
		HostSlots:       map[string]int{"master": 8, "node001": 8, "node002": 8},
		QueuedJobs:      5,
		QueuedSlots:     12,
		RunningJobs:     9,
		OldestQueuedAge: 90 * time.Second,
		AvgJobDuration:  1500 * time.Millisecond,
		AvgWaitTime:     8 * time.Second,
		LastDecision:    "add 2: queue is building up",
		Nodes:           3,
		Pending:         2,
	}
	client := dial(t, &fakeServer{metrics: metrics})

	got, err := client.CurrentMetrics(context.Background())
	require.NoError(t, err)
	assert.True(t, metrics.SampledAt.Equal(got.SampledAt))
	got.SampledAt = metrics.SampledAt
	assert.Equal(t, metrics, got)
}

func TestCurrentMetricsNeverSampled(t *testing.T) {
	client := dial(t, &fakeServer{metrics: cluster.Metrics{Nodes: 1}})

	got, err := client.CurrentMetrics(context.Background())
	require.NoError(t, err)
	assert.True(t, got.SampledAt.IsZero())
	assert.Equal(t, 1, got.Nodes)
	assert.Empty(t, got.HostSlots)
}

func TestListNodes(t *testing.T) {
	updatedAt := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	nodes := []NodeInfo{
		{ID: "i-master", Alias: "master", Address: "10.0.0.1", Status: cluster.NodeStatusOnline, Master: true, UpdatedAt: updatedAt},
		{ID: "i-1", Alias: "node001", Status: cluster.NodeStatusBooting, UpdatedAt: updatedAt},
		{ID: "i-2", Status: cluster.NodeStatusDead, Reason: "not reachable after 2 reboots", UpdatedAt: updatedAt},
	}
	client := dial(t, &fakeServer{nodes: nodes})

	got, err := client.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range nodes {
		assert.True(t, nodes[i].UpdatedAt.Equal(got[i].UpdatedAt))
		got[i].UpdatedAt = nodes[i].UpdatedAt
	}
	assert.Equal(t, nodes, got)
}

func TestRequestCapacity(t *testing.T) {
	server := &fakeServer{}
	client := dial(t, server)

	require.NoError(t, client.RequestCapacity(context.Background(), 3))
	assert.Equal(t, []int{3}, server.requested)

	err := client.RequestCapacity(context.Background(), 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, []int{3}, server.requested)
}

func TestRemoveNode(t *testing.T) {
	server := &fakeServer{}
	client := dial(t, server)

	require.NoError(t, client.RemoveNode(context.Background(), "i-1"))
	assert.Equal(t, []string{"i-1"}, server.removed)

	err := client.RemoveNode(context.Background(), "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: 'i-9'", cluster.ErrUnknownNode), codes.NotFound},
		{cluster.ErrMasterNode, codes.FailedPrecondition},
		{cluster.ErrNoHeadroom, codes.ResourceExhausted},
		{fmt.Errorf("%w: 'node001'", cluster.ErrRemovalInProgress), codes.Aborted},
		{&cluster.ProviderError{Op: "terminate", Err: errors.New("boom")}, codes.Unavailable},
		{status.Error(codes.Aborted, "aborted"), codes.Aborted},
		{errors.New("boom"), codes.Internal},
	}

	for _, test := range tests {
		t.Run(test.code.String(), func(t *testing.T) {
			client := dial(t, &fakeServer{err: test.err})

			err := client.RemoveNode(context.Background(), "i-9")
			assert.Equal(t, test.code, status.Code(err))
			assert.Equal(t, status.Convert(test.err).Message(), status.Convert(err).Message())
		})
	}
}

func TestInterceptor(t *testing.T) {
	var methods []string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		methods = append(methods, info.FullMethod)
		return handler(ctx, req)
	}
	client := dial(t, &fakeServer{}, grpc.UnaryInterceptor(interceptor))

	_, err := client.Ping(context.Background())
	require.NoError(t, err)
	_, err = client.ListNodes(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/gridscale.Cluster/Ping", "/gridscale.Cluster/ListNodes"}, methods)
}
