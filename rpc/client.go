package rpc

import (
	"context"

	"github.com/gammadia/gridscale/cluster"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the gridscale.Cluster service. Errors are gRPC statuses.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Ping(ctx context.Context, opts ...grpc.CallOption) (ServerInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Ping"), &emptypb.Empty{}, out, opts...); err != nil {
		return ServerInfo{}, err
	}
	return decodeServerInfo(out), nil
}

func (c *Client) RequestCapacity(ctx context.Context, count int, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("RequestCapacity"), wrapperspb.Int32(int32(count)), new(emptypb.Empty), opts...)
}

func (c *Client) RemoveNode(ctx context.Context, id string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("RemoveNode"), wrapperspb.String(id), new(emptypb.Empty), opts...)
}

func (c *Client) CurrentMetrics(ctx context.Context, opts ...grpc.CallOption) (cluster.Metrics, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("CurrentMetrics"), &emptypb.Empty{}, out, opts...); err != nil {
		return cluster.Metrics{}, err
	}
	return decodeMetrics(out), nil
}

func (c *Client) ListNodes(ctx context.Context, opts ...grpc.CallOption) ([]NodeInfo, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListNodes"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return decodeNodes(out)
}
