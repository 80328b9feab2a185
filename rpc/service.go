// Package rpc declares the gridscale.Cluster gRPC service. Messages are
// protobuf well-known types so that no code generation is involved: requests
// are wrappers or Empty, structured responses are structpb values.
package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "gridscale.Cluster"

type ServerInfo struct {
	Version   string
	Commit    string
	StartedAt time.Time
}

// NodeInfo is the server's view of a node, including the ones still being
// integrated and the ones given up on.
type NodeInfo struct {
	ID        string
	Alias     string
	Address   string
	Status    cluster.NodeStatus
	Master    bool
	Reason    string
	UpdatedAt time.Time
}

// ClusterServer is implemented by gridscaled.
type ClusterServer interface {
	Ping(ctx context.Context) (ServerInfo, error)
	RequestCapacity(ctx context.Context, count int) error
	RemoveNode(ctx context.Context, id string) error
	CurrentMetrics(ctx context.Context) (cluster.Metrics, error)
	ListNodes(ctx context.Context) ([]NodeInfo, error)
}

func RegisterClusterServer(s grpc.ServiceRegistrar, srv ClusterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "RequestCapacity", Handler: requestCapacityHandler},
		{MethodName: "RemoveNode", Handler: removeNodeHandler},
		{MethodName: "CurrentMetrics", Handler: currentMetricsHandler},
		{MethodName: "ListNodes", Handler: listNodesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridscale/cluster",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary decodes the request, runs it through the interceptor when there is
// one and turns domain errors into gRPC statuses.
func unary[In any](
	ctx context.Context,
	in In,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
	method string,
	call func(context.Context, In) (any, error),
) (any, error) {
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req any) (any, error) {
		out, err := call(ctx, req.(In))
		if err != nil {
			return nil, toStatus(err)
		}
		return out, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: fullMethod(method)}, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(ctx, new(emptypb.Empty), dec, interceptor, "Ping", func(ctx context.Context, _ *emptypb.Empty) (any, error) {
		info, err := srv.(ClusterServer).Ping(ctx)
		if err != nil {
			return nil, err
		}
		return encodeServerInfo(info)
	})
}

func requestCapacityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(ctx, new(wrapperspb.Int32Value), dec, interceptor, "RequestCapacity", func(ctx context.Context, in *wrapperspb.Int32Value) (any, error) {
		if in.GetValue() < 1 {
			return nil, status.Error(codes.InvalidArgument, "count must be greater than 0")
		}
		return &emptypb.Empty{}, srv.(ClusterServer).RequestCapacity(ctx, int(in.GetValue()))
	})
}

func removeNodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(ctx, new(wrapperspb.StringValue), dec, interceptor, "RemoveNode", func(ctx context.Context, in *wrapperspb.StringValue) (any, error) {
		if in.GetValue() == "" {
			return nil, status.Error(codes.InvalidArgument, "node id is required")
		}
		return &emptypb.Empty{}, srv.(ClusterServer).RemoveNode(ctx, in.GetValue())
	})
}

func currentMetricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(ctx, new(emptypb.Empty), dec, interceptor, "CurrentMetrics", func(ctx context.Context, _ *emptypb.Empty) (any, error) {
		metrics, err := srv.(ClusterServer).CurrentMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return encodeMetrics(metrics)
	})
}

func listNodesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(ctx, new(emptypb.Empty), dec, interceptor, "ListNodes", func(ctx context.Context, _ *emptypb.Empty) (any, error) {
		nodes, err := srv.(ClusterServer).ListNodes(ctx)
		if err != nil {
			return nil, err
		}
		return encodeNodes(nodes)
	})
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	var providerErr *cluster.ProviderError
	switch {
	case errors.Is(err, cluster.ErrUnknownNode):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, cluster.ErrMasterNode):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, cluster.ErrNoHeadroom):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, cluster.ErrRemovalInProgress):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &providerErr):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
