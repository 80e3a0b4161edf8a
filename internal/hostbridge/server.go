package hostbridge

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/project"
)

type optimizerServer interface {
	Optimize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*optimizerServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Optimize",
		Handler:    optimizeHandler,
	}},
	Metadata: "sfmprecision/hostbridge.proto",
}

func optimizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(optimizerServer).Optimize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: optimizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(optimizerServer).Optimize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes an optimizer to remote estimators. Requests are served
// one at a time since an optimizer is not reentrant.
type Server struct {
	opt  optimizer.Optimizer
	log  *slog.Logger
	sem  chan struct{}
	grpc *grpc.Server
}

// NewServer wraps opt.
func NewServer(opt optimizer.Optimizer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{opt: opt, log: log, sem: make(chan struct{}, 1)}
	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, hs)
	return s
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.grpc.GracefulStop()
	}()
	s.log.Info("optimizer bridge listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Optimize runs the wrapped optimizer on the chunk carried by req.
func (s *Server) Optimize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in optimizeRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if in.Snapshot == nil {
		return nil, status.Error(codes.InvalidArgument, "request carries no snapshot")
	}
	chunk, err := project.FromSnapshot(in.Snapshot)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "snapshot: %v", err)
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	rep, err := s.opt.Optimize(ctx, chunk, in.Fit)
	if err != nil {
		s.log.Warn("bridge optimization failed", "chunk", chunk.Label, "error", err)
		return nil, status.Errorf(codes.Internal, "optimize: %v", err)
	}
	s.log.Debug("bridge optimization complete", "chunk", chunk.Label, "rms_px", rep.RMSReprojection)

	out, err := toStruct(optimizeReply{Snapshot: project.ToSnapshot(chunk), Report: rep})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}
