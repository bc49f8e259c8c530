package grpc

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"dm-service/internal/models"
	"dm-service/internal/observability"
)

const directoryLookupMethod = "/directory.v1.Directory/Lookup"

// HandleResolver resolves public handles.
type HandleResolver interface {
	Lookup(ctx context.Context, handle string) (models.IdentitySummary, bool, error)
}

type directoryService interface {
	Lookup(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

// DirectoryServer exposes handle lookup to other services.
type DirectoryServer struct {
	dir HandleResolver
}

// NewDirectoryServer constructs the server.
func NewDirectoryServer(dir HandleResolver) *DirectoryServer {
	return &DirectoryServer{dir: dir}
}

// Lookup resolves the handle in req.
func (s *DirectoryServer) Lookup(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	summary, found, err := s.dir.Lookup(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(codes.Unavailable, "directory unavailable")
	}
	if !found {
		return nil, status.Error(codes.NotFound, "handle not found")
	}
	return structpb.NewStruct(map[string]any{
		"identity_id":  summary.ID,
		"display_name": summary.DisplayName,
	})
}

var directoryServiceDesc = grpc.ServiceDesc{
	ServiceName: "directory.v1.Directory",
	HandlerType: (*directoryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lookup", Handler: directoryLookupHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "directory/v1/directory.proto",
}

func directoryLookupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(directoryService).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: directoryLookupMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(directoryService).Lookup(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterDirectoryServer registers srv on registrar.
func RegisterDirectoryServer(registrar grpc.ServiceRegistrar, srv *DirectoryServer) {
	registrar.RegisterService(&directoryServiceDesc, srv)
}

// NewServer builds an instrumented gRPC server serving the directory.
func NewServer(dir HandleResolver, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	}, opts...)
	server := grpc.NewServer(opts...)
	RegisterDirectoryServer(server, NewDirectoryServer(dir))
	return server
}
