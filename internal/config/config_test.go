package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
backends:
  - id: h100
    role: primary
    url: http://h100:8000
    metrics:
      url: http://h100:8002/metrics
      gauge: vllm:gpu_cache_usage_perc
  - id: l40
    role: secondary
    url: http://l40:8000
    metrics:
      url: http://l40:8002/metrics
      used: blocks{type=used}
      capacity: blocks{type=max}
`

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerAddress, cfg.Server.Address)
	assert.Equal(t, DefaultAdminAddress, cfg.Admin.Address)
	assert.Equal(t, time.Second, cfg.Sampler.Interval.Duration())
	assert.Equal(t, 500*time.Millisecond, cfg.Sampler.Timeout.Duration())
	assert.Equal(t, DefaultFailureCeiling, cfg.Sampler.FailureCeiling)
	assert.Equal(t, ModeHysteresis, cfg.Routing.Mode)
	assert.InDelta(t, 0.85, cfg.Routing.HighWatermark, 1e-9)
	assert.InDelta(t, 0.60, cfg.Routing.LowWatermark, 1e-9)
	assert.Equal(t, DefaultMinRecoveryDwell, cfg.Routing.Dwell())
	assert.Equal(t, FailFast, cfg.Proxy.FailureMode)
	assert.Equal(t, DefaultTraceHeader, cfg.Proxy.TraceHeader)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.Proxy.MaxBodyBytes)
	assert.Equal(t, DefaultAdmissionMaxWait, cfg.Admission.Wait())
	assert.Equal(t, 1.0, cfg.Backends[0].Metrics.Scale)
	assert.True(t, cfg.Backends[0].Breaker.IsEnabled())
	assert.True(t, cfg.Observability.Metrics.IsEnabled())
	assert.Equal(t, DefaultTransitionStream, cfg.Audit.Redis.Stream)

	require.NoError(t, ValidateConfig(cfg))
}

func TestAdmissionWait_ExplicitZero(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(minimalYAML + "admission:\n  maxWait: 0s\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Admission.Wait())
}

func TestRecoveryDwell_ExplicitZero(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(minimalYAML + "routing:\n  minRecoveryDwell: 0s\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Routing.Dwell())
	require.NoError(t, ValidateConfig(cfg))
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()

	off := false
	assert.False(t, BreakerConfig{Enabled: &off}.IsEnabled())
}
