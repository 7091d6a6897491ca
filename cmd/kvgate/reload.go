package main

import (
	"reflect"
	"time"

	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

// reload applies a validated configuration. Routing thresholds and the rate
// limit are applied live; other changes need a restart.
func (app *application) reload(newCfg *config.Config) {
	th, err := routing.ThresholdsFromConfig(newCfg.Routing)
	if err == nil {
		err = app.controller.SetThresholds(th, time.Now())
	}
	if err != nil {
		app.reloadFailed(err)
		return
	}

	if rl := newCfg.Server.RateLimit; app.rateLimiter != nil && rl.Enabled {
		app.rateLimiter.Update(rl.RequestsPerSecond, rl.Burst)
	}

	if sections := restartRequired(app.config, newCfg); len(sections) > 0 {
		app.logger.Warn("configuration changes require a restart",
			observability.Strings("sections", sections),
		)
	}

	app.metrics.RecordConfigReload(true)
	app.logger.Info("configuration reloaded",
		observability.String("routing_mode", th.Policy.String()),
		observability.Float64("high_watermark", th.High),
		observability.Float64("low_watermark", th.Low),
		observability.Duration("min_recovery_dwell", th.Dwell),
	)
}

func (app *application) reloadFailed(err error) {
	app.metrics.RecordConfigReload(false)
	app.logger.Error("configuration reload rejected", observability.Error(err))
}

// restartRequired lists the sections that differ and are not hot-reloaded.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	var sections []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			sections = append(sections, name)
		}
	}

	oldServer, newServer := oldCfg.Server, newCfg.Server
	oldLimit, newLimit := oldServer.RateLimit, newServer.RateLimit
	oldServer.RateLimit, newServer.RateLimit = config.RateLimitConfig{}, config.RateLimitConfig{}
	check("server", oldServer, newServer)
	if oldLimit.Enabled != newLimit.Enabled {
		sections = append(sections, "server.rateLimit.enabled")
	}

	check("admin", oldCfg.Admin, newCfg.Admin)
	check("backends", oldCfg.Backends, newCfg.Backends)
	check("sampler", oldCfg.Sampler, newCfg.Sampler)
	check("proxy", oldCfg.Proxy, newCfg.Proxy)
	check("admission", oldCfg.Admission, newCfg.Admission)
	check("observability", oldCfg.Observability, newCfg.Observability)
	check("audit", oldCfg.Audit, newCfg.Audit)
	return sections
}
