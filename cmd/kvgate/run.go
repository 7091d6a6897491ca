package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

// run starts every component and blocks until a shutdown signal arrives,
// ctx is cancelled or a server fails.
func (app *application) run(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lc net.ListenConfig
	inboundLis, err := lc.Listen(ctx, "tcp", app.config.Server.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", app.config.Server.Address, err)
	}
	return app.serve(ctx, inboundLis, configPath)
}

// serve runs the servers on an already bound inbound listener.
func (app *application) serve(ctx context.Context, inboundLis net.Listener, configPath string) error {
	g, gctx := errgroup.WithContext(ctx)

	app.sampler.Start(gctx)

	g.Go(func() error {
		app.logger.Info("inbound server listening", observability.String("address", inboundLis.Addr().String()))
		if err := app.inbound.Serve(inboundLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("inbound server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.admin.ListenAndServe(gctx, app.config.Admin.Address)
	})
	if app.grpcHealth != nil {
		g.Go(func() error {
			return app.grpcHealth.ListenAndServe(gctx, app.config.Admin.GRPCAddress)
		})
	}

	watcher := app.startConfigWatcher(gctx, configPath)

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down")
		return app.shutdown(watcher)
	})

	return g.Wait()
}

// startConfigWatcher starts hot reload. A watcher that cannot start only
// disables reloads.
func (app *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	if configPath == "" {
		return nil
	}
	watcher, err := config.NewWatcher(configPath, app.reload,
		config.WithLogger(app.logger),
		config.WithErrorCallback(app.reloadFailed),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

// shutdown stops accepting traffic, drains in-flight requests and releases
// every resource. Errors from each step are combined.
func (app *application) shutdown(watcher *config.Watcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs error
	if watcher != nil {
		errs = multierr.Append(errs, watcher.Stop())
	}
	if app.grpcHealth != nil {
		app.grpcHealth.Stop()
	}
	if err := app.inbound.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to shutdown inbound server: %w", err))
	}
	errs = multierr.Append(errs, app.admin.Shutdown(ctx))
	app.sampler.Stop()

	if app.redisSink != nil {
		errs = multierr.Append(errs, app.redisSink.Close())
	}
	if app.logSink != nil {
		errs = multierr.Append(errs, app.logSink.Close())
	}
	if err := app.tracer.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
	}
	return errs
}
