// Package admin serves the operator API: routing status, Prometheus
// metrics and health probes.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/health"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

const readHeaderTimeout = 10 * time.Second

// Router exposes the routing controller state shown by /status.
type Router interface {
	Current() *routing.Decision
	Thresholds() routing.Thresholds
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Routing    *routing.Decision `json:"routing"`
	Thresholds ThresholdsView    `json:"thresholds"`
	Backends   []backend.Status  `json:"backends"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ThresholdsView is the JSON form of routing.Thresholds.
type ThresholdsView struct {
	Policy           string  `json:"policy"`
	HighWatermark    float64 `json:"high_watermark"`
	LowWatermark     float64 `json:"low_watermark"`
	MinRecoveryDwell string  `json:"min_recovery_dwell"`
	MinReevaluation  string  `json:"min_reevaluation_interval,omitempty"`
}

func thresholdsView(th routing.Thresholds) ThresholdsView {
	v := ThresholdsView{
		Policy:           th.Policy.String(),
		HighWatermark:    th.High,
		LowWatermark:     th.Low,
		MinRecoveryDwell: th.Dwell.String(),
	}
	if th.Policy == routing.PolicyWeighted {
		v.MinReevaluation = th.Reevaluation.String()
	}
	return v
}

// Server is the admin HTTP server.
type Server struct {
	engine   *gin.Engine
	router   Router
	registry *backend.Registry
	logger   observability.Logger
	srv      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New builds the admin API. metrics may be nil to disable /metrics.
func New(
	router Router,
	registry *backend.Registry,
	checker *health.Checker,
	metrics *observability.Metrics,
	opts ...Option,
) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		router:   router,
		registry: registry,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/status", s.status)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	checker.RegisterRoutes(s.engine)

	// Built up front so a Shutdown that races Serve still closes it.
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the admin API handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Routing:    s.router.Current(),
		Thresholds: thresholdsView(s.router.Thresholds()),
		Backends:   s.registry.Snapshot(),
		Timestamp:  time.Now().UTC(),
	})
}

// Serve serves the admin API on lis until Shutdown. It returns nil at once
// if Shutdown was already called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("admin server listening", observability.String("address", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// ListenAndServe listens on address and serves until Shutdown. A listen that
// fails because ctx is already done is not an error.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("admin listen %s: %w", address, err)
	}
	return s.Serve(lis)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}
