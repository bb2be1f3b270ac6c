package main

import (
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	configpkg "recordable/server/internal/config"
	scoregrpc "recordable/server/internal/grpc"
	"recordable/server/internal/logging"
)

// configureGRPCSecurity returns the server options that enforce the shared secret. Without
// a secret the score service is served openly, which only suits trusted networks.
func configureGRPCSecurity(cfg *configpkg.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	if cfg.GRPCSharedSecret == "" {
		logger.Warn("gRPC shared-secret authentication disabled")
		return nil, nil
	}
	logger.Info("gRPC shared-secret authentication enabled")
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(scoregrpc.SharedSecretUnaryInterceptor(cfg.GRPCSharedSecret)),
		grpc.ChainStreamInterceptor(scoregrpc.SharedSecretStreamInterceptor(cfg.GRPCSharedSecret)),
	}, nil
}

// newGRPCServer builds the traced gRPC server hosting the score service and the standard
// health service.
func newGRPCServer(cfg *configpkg.Config, service scoregrpc.ScoreServer, logger *logging.Logger) (*grpc.Server, *health.Server, error) {
	opts, err := configureGRPCSecurity(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	server := grpc.NewServer(opts...)
	scoregrpc.RegisterScoreServer(server, service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(scoregrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return server, healthServer, nil
}
