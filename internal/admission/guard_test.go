package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

func newRegistry(t *testing.T, primaryCeiling, secondaryCeiling int) *backend.Registry {
	t.Helper()
	p, err := backend.NewDescriptor("h100", "http://10.0.0.1:8000", backend.RolePrimary,
		backend.WithMaxConcurrency(primaryCeiling))
	require.NoError(t, err)
	s, err := backend.NewDescriptor("l40", "http://10.0.0.2:8000", backend.RoleSecondary,
		backend.WithMaxConcurrency(secondaryCeiling))
	require.NoError(t, err)
	reg, err := backend.NewRegistry(p, s)
	require.NoError(t, err)
	return reg
}

func TestReserve_ExactlyOneRejectionOverCeiling(t *testing.T) {
	t.Parallel()

	const ceiling = 8
	reg := newRegistry(t, 0, ceiling)
	metrics := observability.NewMetrics("test")
	g := NewGuard(reg, 0, WithMetrics(metrics))

	var (
		attempts sync.WaitGroup
		holders  sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
		release  = make(chan struct{})
	)
	attempts.Add(ceiling + 1)
	for i := 0; i < ceiling+1; i++ {
		holders.Add(1)
		go func() {
			defer holders.Done()
			slot, err := g.Reserve(context.Background(), "l40")
			attempts.Done()
			if err != nil {
				assert.ErrorIs(t, err, ErrOverloaded)
				rejected.Add(1)
				return
			}
			admitted.Add(1)
			<-release
			slot.Release()
		}()
	}

	attempts.Wait()
	assert.Equal(t, int32(ceiling), admitted.Load())
	assert.Equal(t, int32(1), rejected.Load())

	l40, _ := reg.Get("l40")
	assert.Equal(t, int64(ceiling), l40.InFlight())

	close(release)
	holders.Wait()
	assert.Zero(t, l40.InFlight())

	assert.Equal(t, 1.0, metricsCounter(t, metrics))
}

// metricsCounter sums the admission rejection counter through the registry.
func metricsCounter(t *testing.T, m *observability.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "test_admission_rejections_total" {
			continue
		}
		var sum float64
		for _, metric := range f.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestReserve_BoundedWait(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, 1, 1)
	g := NewGuard(reg, 40*time.Millisecond)

	held, err := g.Reserve(context.Background(), "h100")
	require.NoError(t, err)
	assert.Equal(t, "h100", held.Backend())

	start := time.Now()
	_, err = g.Reserve(context.Background(), "h100")
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		held.Release()
	}()
	slot, err := g.Reserve(context.Background(), "h100")
	require.NoError(t, err, "a slot freed inside the wait is handed over")
	slot.Release()
}

func TestReserve_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, 1, 1)
	g := NewGuard(reg, time.Minute)

	held, err := g.Reserve(context.Background(), "h100")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = g.Reserve(ctx, "h100")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrOverloaded))

	_, err = g.Reserve(ctx, "l40")
	assert.ErrorIs(t, err, context.Canceled, "a done context never takes a slot")
}

func TestSlot_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, 2, 1)
	g := NewGuard(reg, 0)
	h100, _ := reg.Get("h100")

	slot, err := g.Reserve(context.Background(), "h100")
	require.NoError(t, err)
	slot.Release()
	slot.Release()
	assert.Zero(t, h100.InFlight())

	a, err := g.Reserve(context.Background(), "h100")
	require.NoError(t, err)
	b, err := g.Reserve(context.Background(), "h100")
	require.NoError(t, err)
	_, err = g.Reserve(context.Background(), "h100")
	assert.ErrorIs(t, err, ErrOverloaded, "a double release must not free an extra slot")

	a.Release()
	b.Release()

	var nilSlot *Slot
	assert.NotPanics(t, nilSlot.Release)
}

func TestReserve_Unlimited(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, 0, 1)
	g := NewGuard(reg, 0)
	h100, _ := reg.Get("h100")

	slots := make([]*Slot, 0, 100)
	for i := 0; i < 100; i++ {
		s, err := g.Reserve(context.Background(), "h100")
		require.NoError(t, err)
		slots = append(slots, s)
	}
	assert.Equal(t, int64(100), h100.InFlight())
	for _, s := range slots {
		s.Release()
	}
	assert.Zero(t, h100.InFlight())
}

func TestReserve_UnknownBackend(t *testing.T) {
	t.Parallel()

	g := NewGuard(newRegistry(t, 1, 1), 0)
	_, err := g.Reserve(context.Background(), "a10")
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.Zero(t, g.MaxWait())
}
