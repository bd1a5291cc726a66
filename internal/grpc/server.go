package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"chart-service/internal/config"
	"chart-service/internal/server"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name the chart hub reports its health under
const ServiceName = "chart.ChartHub"

type Server struct {
	config     *config.Config
	checks     map[string]server.HealthCheck
	health     *health.Server
	logger     *logrus.Logger
	grpcServer *grpc.Server
	startTime  time.Time
}

func NewServer(
	cfg *config.Config,
	checks map[string]server.HealthCheck,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		config:    cfg,
		checks:    checks,
		health:    health.NewServer(),
		logger:    logger,
		startTime: time.Now(),
	}

	// Create gRPC server with options
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	}

	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Infof("gRPC server listening on :%d", s.config.Server.GRPCPort)
	return s.Serve(lis)
}

// Serve runs the server on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	s.logger.Info("Stopping gRPC server...")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Interceptors for logging
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	duration := time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": duration.Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	err := handler(srv, ss)

	duration := time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": duration.Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}
