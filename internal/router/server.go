package router

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"continuum/internal/pool"
)

// Server hosts the Router and gRPC health services.
type Server struct {
	listenAddr string
	grpcServer *grpc.Server
	health     *health.Server
	service    *Service
	log        logr.Logger
}

// NewServer creates a server for pools listening on listenAddr.
func NewServer(listenAddr string, pools []*pool.Pool, log logr.Logger) *Server {
	s := &Server{
		listenAddr: listenAddr,
		health:     health.NewServer(),
		service:    NewService(pools, log),
		log:        log,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterRouterServer(s.grpcServer, s.service)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	// Reflection lists every service; only health is describable.
	reflection.Register(s.grpcServer)
	return s
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.V(1).Info("rpc", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.log.Info("starting router", "addr", lis.Addr().String(), "pools", s.service.PoolNames())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop marks the server not serving and stops it gracefully.
func (s *Server) Stop() {
	s.log.Info("stopping router")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
