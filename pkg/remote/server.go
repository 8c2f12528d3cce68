// Package remote exposes the executor as a gRPC service.
//
// The service is bytevm.Executor with a single unary method, Execute.
// Messages travel as JSON through a codec registered with grpc's encoding
// registry, so clients and servers need no generated protobuf code.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/bytevm/pkg/executor"
	"github.com/fortiblox/bytevm/pkg/loader"
	"github.com/fortiblox/bytevm/pkg/programstore"
)

// Service and method names.
const (
	ServiceName   = "bytevm.Executor"
	executeMethod = "/" + ServiceName + "/Execute"
)

// Default configuration values.
const (
	// DefaultMaxMessageSize bounds request and response messages. Images
	// travel base64-encoded inside JSON.
	DefaultMaxMessageSize = 32 * 1024 * 1024

	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second
)

// tokenHeader carries the shared secret when one is configured.
const tokenHeader = "x-token"

// ExecutorServer is the server API for the bytevm.Executor service.
type ExecutorServer interface {
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Execute(ctx, req.(*ExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the bytevm.Executor service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bytevm/executor",
}

// RegisterExecutorServer registers impl with a gRPC server.
func RegisterExecutorServer(s grpc.ServiceRegistrar, impl ExecutorServer) {
	s.RegisterService(&ServiceDesc, impl)
}

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string

	// Token, when set, must be presented in the x-token header.
	// Supports ${VAR_NAME} expansion.
	Token string

	// MaxMessageSize bounds received and sent messages.
	MaxMessageSize int

	// LogRequests enables request logging.
	LogRequests bool
}

// DefaultServerConfig returns a default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":9899",
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Server serves the executor over gRPC.
type Server struct {
	config ServerConfig
	exec   *executor.Executor
	loader *loader.Loader
	grpc   *grpc.Server
}

// NewServer creates a gRPC server for exec.
func NewServer(config ServerConfig, exec *executor.Executor) (*Server, error) {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	ldr, err := loader.NewLoader()
	if err != nil {
		return nil, err
	}
	s := &Server{
		config: config,
		exec:   exec,
		loader: ldr,
	}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             DefaultKeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
		grpc.UnaryInterceptor(s.intercept),
	)
	RegisterExecutorServer(s.grpc, s)
	return s, nil
}

// intercept checks the token and logs calls.
func (s *Server) intercept(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if token := expandEnvVars(s.config.Token); token != "" {
		md, _ := metadata.FromIncomingContext(ctx)
		if got := md.Get(tokenHeader); len(got) == 0 || got[0] != token {
			return nil, status.Error(codes.Unauthenticated, "invalid or missing token")
		}
	}

	if !s.config.LogRequests {
		return handler(ctx, req)
	}
	start := time.Now()
	resp, err := handler(ctx, req)
	log.Printf("[GRPC] %s code=%s in %v", info.FullMethod, status.Code(err), time.Since(start))
	return resp, err
}

// Execute implements ExecutorServer.
func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	var (
		out *executor.Outcome
		err error
	)
	switch {
	case len(req.Image) > 0 && req.Program != "":
		return nil, status.Error(codes.InvalidArgument, "image and program are mutually exclusive")
	case len(req.Image) > 0:
		p, lerr := s.loader.Load(req.Image)
		if lerr != nil {
			return nil, status.Errorf(codes.InvalidArgument, "load program: %v", lerr)
		}
		out, err = s.exec.Execute(ctx, p, req.MaxSteps)
	case req.Program != "":
		out, err = s.exec.ExecuteStored(ctx, req.Program, req.MaxSteps)
	default:
		return nil, status.Error(codes.InvalidArgument, "no program given")
	}
	if err != nil {
		return nil, statusError(err)
	}
	return newExecuteResponse(out), nil
}

// statusError maps executor errors to gRPC status errors.
func statusError(err error) error {
	switch {
	case errors.Is(err, programstore.ErrProgramNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, executor.ErrNoProgramStore), errors.Is(err, programstore.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, executor.ErrProgramTooLarge):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Serve serves on lis until ctx is done or the listener fails. In-flight
// calls are drained before it returns.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			s.grpc.GracefulStop()
		case <-done:
		}
	}()
	err := s.grpc.Serve(lis)
	close(done)
	<-stopped
	if errors.Is(err, grpc.ErrServerStopped) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	log.Printf("[GRPC] Server starting on %s", lis.Addr())
	return s.Serve(ctx, lis)
}

// Stop stops the server immediately and releases the image loader.
func (s *Server) Stop() {
	s.grpc.Stop()
	s.loader.Close()
}
