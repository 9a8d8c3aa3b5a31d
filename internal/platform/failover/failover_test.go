// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package failover_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/metrics"
)

type fakeBackend struct {
	name    string
	down    atomic.Bool
	calls   atomic.Int32
	pings   atomic.Int32
	swept   int64
	latency time.Duration
}

func (backend *fakeBackend) Name() string { return backend.name }

func (backend *fakeBackend) Ping(context.Context) error {
	backend.pings.Add(1)
	if backend.down.Load() {
		return errors.New(backend.name + " unreachable")
	}
	return nil
}

func (backend *fakeBackend) Get(ctx context.Context) (string, error) {
	backend.calls.Add(1)
	if backend.latency > 0 {
		select {
		case <-time.After(backend.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if backend.down.Load() {
		return "", errors.New(backend.name + " unreachable")
	}
	return backend.name, nil
}

type durableBackend struct{ *fakeBackend }

func (backend durableBackend) Sweep(context.Context) (int64, error) { return backend.swept, nil }

type store interface {
	failover.Backend
	Get(ctx context.Context) (string, error)
}

func newSwitch(primary, fallback store, options failover.Options) *failover.Switch[store] {
	return failover.New[store]("test", primary, fallback, options)
}

func get(t *testing.T, sw *failover.Switch[store]) (string, error) {
	t.Helper()
	return failover.Fetch(context.Background(), sw, func(ctx context.Context, backend store) (string, error) {
		return backend.Get(ctx)
	})
}

/*
TestSwitch_PrefersHealthyPrimary routes every call to the primary while it answers.
*/
func TestSwitch_PrefersHealthyPrimary(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	fallback := &fakeBackend{name: "bolt"}
	sw := newSwitch(primary, fallback, failover.Options{HealthTTL: time.Minute})

	for i := 0; i < 3; i++ {
		value, err := get(t, sw)
		require.NoError(t, err)
		assert.Equal(t, "redis", value)
	}

	assert.EqualValues(t, 0, fallback.calls.Load())
	// Probe was cached
	assert.EqualValues(t, 1, primary.pings.Load())
}

/*
TestSwitch_ProbeSelectsFallback routes around a primary whose probe fails.
*/
func TestSwitch_ProbeSelectsFallback(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	primary.down.Store(true)
	fallback := &fakeBackend{name: "bolt"}
	sw := newSwitch(primary, fallback, failover.Options{})

	value, err := get(t, sw)
	require.NoError(t, err)
	assert.Equal(t, "bolt", value)
	assert.EqualValues(t, 0, primary.calls.Load())

	// Recovery is picked up by the next probe
	primary.down.Store(false)
	value, err = get(t, sw)
	require.NoError(t, err)
	assert.Equal(t, "redis", value)
}

/*
TestSwitch_CallErrorFailsOver re-runs a failed primary call on the fallback and marks the primary down.
*/
func TestSwitch_CallErrorFailsOver(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	fallback := &fakeBackend{name: "bolt"}
	registry := metrics.New()
	sw := newSwitch(primary, fallback, failover.Options{HealthTTL: time.Minute, Metrics: registry})

	// Prime the health cache while healthy, then fail only the call path.
	_, err := get(t, sw)
	require.NoError(t, err)

	primary.down.Store(true)
	value, err := get(t, sw)
	require.NoError(t, err)
	assert.Equal(t, "bolt", value)

	// Marked down: the next call skips the primary entirely
	callsBefore := primary.calls.Load()
	_, err = get(t, sw)
	require.NoError(t, err)
	assert.Equal(t, callsBefore, primary.calls.Load())
}

/*
TestSwitch_BothDown fails loudly with Unavailable.
*/
func TestSwitch_BothDown(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	primary.down.Store(true)
	fallback := &fakeBackend{name: "bolt"}
	fallback.down.Store(true)
	sw := newSwitch(primary, fallback, failover.Options{})

	_, err := get(t, sw)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnavailable))

	status := sw.Status(context.Background())
	assert.False(t, status.Ready())
	assert.Equal(t, "bolt", status.Active)
}

/*
TestSwitch_TimeoutFailsOver treats a hung primary call as a failure.
*/
func TestSwitch_TimeoutFailsOver(t *testing.T) {
	primary := &fakeBackend{name: "redis", latency: time.Second}
	fallback := &fakeBackend{name: "bolt"}
	sw := newSwitch(primary, fallback, failover.Options{Timeout: 20 * time.Millisecond, HealthTTL: time.Minute})

	started := time.Now()
	value, err := get(t, sw)
	require.NoError(t, err)
	assert.Equal(t, "bolt", value)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

/*
TestSwitch_CanceledCaller does not fail over or mark the primary down.
*/
func TestSwitch_CanceledCaller(t *testing.T) {
	primary := &fakeBackend{name: "redis", latency: time.Second}
	fallback := &fakeBackend{name: "bolt"}
	sw := newSwitch(primary, fallback, failover.Options{HealthTTL: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := failover.Fetch(ctx, sw, func(ctx context.Context, backend store) (string, error) {
		return backend.Get(ctx)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 0, fallback.calls.Load())
	assert.True(t, sw.Status(context.Background()).PrimaryUp)
}

/*
TestSwitch_Sweep sums only backends that sweep.
*/
func TestSwitch_Sweep(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	fallback := durableBackend{&fakeBackend{name: "bolt", swept: 4}}
	sw := newSwitch(primary, fallback, failover.Options{})

	removed, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, removed)
}

/*
TestBroadcast_ReachesDownPrimary tries both backends even when the primary is cached as down.
*/
func TestBroadcast_ReachesDownPrimary(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	fallback := &fakeBackend{name: "bolt"}
	sw := newSwitch(primary, fallback, failover.Options{HealthTTL: time.Hour})

	primary.down.Store(true)
	_, err := get(t, sw)
	require.NoError(t, err)

	// The cached verdict says down, but the primary answers again
	primary.down.Store(false)
	results, err := failover.Broadcast(context.Background(), sw, func(ctx context.Context, backend store) (string, error) {
		return backend.Get(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"redis", "bolt"}, results)
}

/*
TestBroadcast_PartialAndTotalFailure accepts any one backend and fails only when none answers.
*/
func TestBroadcast_PartialAndTotalFailure(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	fallback := &fakeBackend{name: "bolt"}
	sw := newSwitch(primary, fallback, failover.Options{})
	ctx := context.Background()

	primary.down.Store(true)
	require.NoError(t, sw.ExecAll(ctx, func(ctx context.Context, backend store) error {
		_, err := backend.Get(ctx)
		return err
	}))
	assert.Equal(t, int32(1), fallback.calls.Load())

	fallback.down.Store(true)
	err := sw.ExecAll(ctx, func(ctx context.Context, backend store) error {
		_, err := backend.Get(ctx)
		return err
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeUnavailable))
}

/*
TestGather_MergesReachableBackends reads both backends while healthy and skips a primary known to be down.
*/
func TestGather_MergesReachableBackends(t *testing.T) {
	primary := &fakeBackend{name: "redis"}
	fallback := &fakeBackend{name: "bolt"}
	sw := newSwitch(primary, fallback, failover.Options{HealthTTL: time.Hour})
	read := func(ctx context.Context, backend store) (string, error) { return backend.Get(ctx) }

	results, err := failover.Gather(context.Background(), sw, read)
	require.NoError(t, err)
	assert.Equal(t, []string{"redis", "bolt"}, results)

	primary.down.Store(true)
	results, err = failover.Gather(context.Background(), sw, read)
	require.NoError(t, err)
	assert.Equal(t, []string{"bolt"}, results)

	calls := primary.calls.Load()
	results, err = failover.Gather(context.Background(), sw, read)
	require.NoError(t, err)
	assert.Equal(t, []string{"bolt"}, results)
	assert.Equal(t, calls, primary.calls.Load())
}
