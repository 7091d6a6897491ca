package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

// ServiceName is the gRPC health service name reported alongside the
// overall "" service.
const ServiceName = "kvgate.Router"

// GRPCServer serves grpc.health.v1.Health. It implements
// routing.TransitionSink.
type GRPCServer struct {
	server *grpc.Server
	health *grpchealth.Server
	logger observability.Logger
}

// NewGRPCServer creates a health server whose initial status follows the
// given decision.
func NewGRPCServer(initial *routing.Decision, logger observability.Logger) *GRPCServer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &GRPCServer{
		server: grpc.NewServer(),
		health: grpchealth.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.SetServing(initial != nil && initial.Available())
	return s
}

// SetServing updates the status of both reported services.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Publish implements routing.TransitionSink.
func (s *GRPCServer) Publish(t routing.Transition) {
	wasServing := t.From != routing.ModeUnavailable
	serving := t.To != routing.ModeUnavailable
	if wasServing == serving {
		return
	}
	s.SetServing(serving)
	s.logger.Info("grpc health status changed",
		observability.Bool("serving", serving),
		observability.String("reason", t.Reason),
	)
}

// Serve accepts connections on lis until Stop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on address and serves until Stop is called.
func (s *GRPCServer) ListenAndServe(ctx context.Context, address string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("grpc health listen %s: %w", address, err)
	}
	s.logger.Info("grpc health server listening", observability.String("address", address))
	return s.Serve(lis)
}

// Stop marks both services NOT_SERVING and stops the server gracefully.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
