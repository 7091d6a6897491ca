package main

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/kvgate/internal/admin"
	"github.com/vyrodovalexey/kvgate/internal/admission"
	"github.com/vyrodovalexey/kvgate/internal/audit"
	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/health"
	"github.com/vyrodovalexey/kvgate/internal/middleware"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/proxy"
	"github.com/vyrodovalexey/kvgate/internal/routing"
	"github.com/vyrodovalexey/kvgate/internal/sampler"
)

const metricsNamespace = "kvgate"

// application holds all application components.
type application struct {
	config  *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry    *backend.Registry
	controller  *routing.Controller
	sampler     *sampler.Sampler
	guard       *admission.Guard
	engine      *proxy.Engine
	rateLimiter *middleware.RateLimiter
	checker     *health.Checker

	inbound    *http.Server
	admin      *admin.Server
	grpcHealth *health.GRPCServer
	logSink    *audit.LogSink
	redisSink  *audit.RedisSink
}

// newApplication builds every component from cfg. Nothing is started.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}
	if cfg.Observability.Metrics.IsEnabled() {
		app.metrics = observability.NewMetrics(metricsNamespace)
		app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	}

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	// Breaker callbacks run on their own goroutine and may fire before the
	// controller is assigned.
	var ctrl atomic.Pointer[routing.Controller]
	registry, err := backend.LoadFromConfig(cfg.Backends, logger, func(id string, state int) {
		app.metrics.SetBreakerState(id, state)
		if c := ctrl.Load(); c != nil {
			c.Reevaluate(time.Now())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load backends: %w", err)
	}
	app.registry = registry

	if err := app.initRouting(); err != nil {
		return nil, err
	}
	ctrl.Store(app.controller)

	if err := app.initSampler(); err != nil {
		return nil, err
	}

	app.guard = admission.NewGuard(registry, cfg.Admission.Wait(),
		admission.WithLogger(logger),
		admission.WithMetrics(app.metrics),
	)

	proxyCfg, err := proxy.ConfigFromProxy(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy configuration: %w", err)
	}
	pool := backend.DefaultPoolConfig()
	pool.ConnectTimeout = cfg.Proxy.ConnectTimeout.Duration()
	pool.ResponseHeaderTimeout = cfg.Proxy.ResponseHeaderTimeout.Duration()
	app.engine = proxy.New(proxyCfg, app.controller, registry, app.guard,
		proxy.WithTransport(backend.NewTransport(pool)),
		proxy.WithLogger(logger),
		proxy.WithMetrics(app.metrics),
	)

	app.inbound = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.buildMiddlewareChain(app.engine),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration(),
		IdleTimeout:       cfg.Server.IdleTimeout.Duration(),
	}

	app.checker = health.NewChecker(version)
	app.checker.RegisterCheck("routing", health.RoutingCheck(app.controller))
	app.checker.RegisterCheck("backends", health.BackendsCheck(registry))
	app.admin = admin.New(app.controller, registry, app.checker, app.metrics, admin.WithLogger(logger))

	if cfg.Admin.GRPCAddress != "" {
		app.grpcHealth = health.NewGRPCServer(app.controller.Current(), logger)
		app.controller.Subscribe(app.grpcHealth)
	}

	return app, nil
}

func (app *application) initRouting() error {
	th, err := routing.ThresholdsFromConfig(app.config.Routing)
	if err != nil {
		return fmt.Errorf("invalid routing configuration: %w", err)
	}

	opts := []routing.ControllerOption{
		routing.WithControllerLogger(app.logger),
		routing.WithControllerMetrics(app.metrics),
	}

	ac := app.config.Audit
	if ac.Output != "" {
		sink, err := audit.OpenLogSink(ac.Output,
			audit.WithLogger(app.logger),
			audit.WithMetrics(app.metrics),
		)
		if err != nil {
			return err
		}
		app.logSink = sink
		opts = append(opts, routing.WithTransitionSink(sink))
	}
	if ac.Redis.Enabled {
		sink, err := audit.NewRedisSink(ac.Redis,
			audit.WithLogger(app.logger),
			audit.WithMetrics(app.metrics),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize redis transition sink: %w", err)
		}
		app.redisSink = sink
		opts = append(opts, routing.WithTransitionSink(sink))
	}

	ctrl, err := routing.NewController(app.registry, th, time.Now(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create routing controller: %w", err)
	}
	app.controller = ctrl
	return nil
}

func (app *application) initSampler() error {
	targets := make([]sampler.Target, 0, app.registry.Len())
	for i := range app.config.Backends {
		bc := &app.config.Backends[i]
		d, ok := app.registry.Get(bc.ID)
		if !ok {
			continue
		}
		src, err := sampler.NewSource(bc.Metrics)
		if err != nil {
			return fmt.Errorf("backend %s metrics: %w", bc.ID, err)
		}
		targets = append(targets, sampler.Target{Backend: d, Source: src})
	}

	s, err := sampler.New(targets, sampler.Config{
		Interval:       app.config.Sampler.Interval.Duration(),
		Timeout:        app.config.Sampler.Timeout.Duration(),
		FailureCeiling: app.config.Sampler.FailureCeiling,
	},
		sampler.WithObserver(app.controller),
		sampler.WithLogger(app.logger),
		sampler.WithMetrics(app.metrics),
	)
	if err != nil {
		return fmt.Errorf("invalid sampler configuration: %w", err)
	}
	app.sampler = s
	return nil
}

// buildMiddlewareChain wraps the proxy engine, outermost first.
func (app *application) buildMiddlewareChain(handler http.Handler) http.Handler {
	rateLimit, limiter := middleware.RateLimitFromConfig(app.config.Server.RateLimit, app.logger)
	app.rateLimiter = limiter

	return middleware.Chain(handler,
		middleware.Recovery(app.logger),
		middleware.RequestID(),
		observability.TracingMiddleware(app.tracer),
		middleware.Logging(app.logger),
		rateLimit,
	)
}
