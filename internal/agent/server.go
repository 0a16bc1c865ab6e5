package agent

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/groupbot-framework/groupbot/internal/directory"
)

// Server exposes an Agent over gRPC for accounts where the agent runs
// as a standalone process. The wire format is the same JSON envelope
// the lambda transport uses, so the engine needs no per-transport
// logic.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	agent      *Agent
}

// NewServer creates a gRPC server bound to addr.
func NewServer(addr string, agent *Agent) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := grpc.NewServer(grpc.ForceServerCodec(directory.JSONCodec{}))
	srv := &Server{grpcServer: s, listener: lis, agent: agent}
	srv.register()
	return srv, nil
}

// register installs the single-method service descriptor. The envelope
// types stand in for generated stubs; no protoc step is needed for a
// two-type wire contract.
func (s *Server) register() {
	sd := grpc.ServiceDesc{
		ServiceName: "groupbot.v1.DirectoryAgent",
		HandlerType: (*directoryAgentHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler:    s.callHandler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}
	s.grpcServer.RegisterService(&sd, s)
}

type directoryAgentHandler interface{}

func (s *Server) callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req directory.Request
	if err := dec(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	resp := s.agent.Handle(ctx, req)
	return &resp, nil
}

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
