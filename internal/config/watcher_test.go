package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kvgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	var latest atomic.Pointer[Config]
	var failures atomic.Int32
	w, err := NewWatcher(path, func(c *Config) { latest.Store(c) },
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(error) { failures.Add(1) }),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(func() { _ = w.Stop() })

	updated := minimalYAML + "routing:\n  highWatermark: 0.9\n  lowWatermark: 0.5\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		c := latest.Load()
		return c != nil && c.Routing.HighWatermark == 0.9
	}, 2*time.Second, 10*time.Millisecond)

	invalid := strings.Replace(minimalYAML, "role: secondary", "role: primary", 1)
	require.NoError(t, os.WriteFile(path, []byte(invalid), 0o600))

	require.Eventually(t, func() bool { return failures.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.9, latest.Load().Routing.HighWatermark)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kvgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	require.NoError(t, w.Start(t.Context()))
	assert.NoError(t, w.Stop())
}
