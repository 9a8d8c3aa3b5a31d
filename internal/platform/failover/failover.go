// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package failover routes store calls to a primary backend while it is healthy and
to a durable fallback otherwise.

Selection Policy:

  - Liveness: the primary is probed with Ping. A result is trusted for the
    health TTL, then probed again on the next call.
  - Failover: any error the primary returns marks it down and the same call
    runs once on the fallback. Backends report absence as zero values, so an
    error always means the backend itself failed.
  - Exhaustion: when the fallback fails too the call returns [apperr.Unavailable].
  - No mirroring: a record lives only on the backend that accepted the write.
  - Fan-out: revocations go to every backend that answers ([Broadcast]) and
    revocation reads merge every reachable backend ([Gather]), so a tombstone
    written during an outage still counts after the primary recovers.

Every call runs under its own deadline so a hung primary cannot hold a request.
*/
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/metrics"
)

// Backend is the minimum every store backend exposes to the switch.
type Backend interface {
	// Name identifies the backend in logs and metrics ("redis", "postgres", "bolt").
	Name() string

	// Ping returns nil when the backend can serve requests.
	Ping(context context.Context) error
}

// Options tunes a [Switch].
type Options struct {
	// Timeout bounds each backend call. Zero disables the per-call deadline.
	Timeout time.Duration

	// HealthTTL is how long a probe result is trusted. Zero probes before every call.
	HealthTTL time.Duration

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Status is a point-in-time view of a switch, used by readiness checks.
type Status struct {
	Store      string `json:"store"`
	Active     string `json:"active"`
	PrimaryUp  bool   `json:"primary_up"`
	FallbackUp bool   `json:"fallback_up"`
}

// Ready reports whether at least one backend can serve.
func (status Status) Ready() bool { return status.PrimaryUp || status.FallbackUp }

// Switch selects between two interchangeable backends of the same contract.
type Switch[B Backend] struct {
	store     string
	primary   B
	fallback  B
	timeout   time.Duration
	healthTTL time.Duration
	metrics   *metrics.Registry
	logger    *slog.Logger

	mu        sync.Mutex
	primaryUp bool
	checkedAt time.Time
}

// New creates a switch for the named store. The primary is assumed down until first probed.
func New[B Backend](store string, primary, fallback B, options Options) *Switch[B] {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Switch[B]{
		store:     store,
		primary:   primary,
		fallback:  fallback,
		timeout:   options.Timeout,
		healthTTL: options.HealthTTL,
		metrics:   options.Metrics,
		logger:    logger.With(slog.String("store", store)),
	}
}

// Primary returns the primary backend.
func (s *Switch[B]) Primary() B { return s.primary }

// Fallback returns the fallback backend.
func (s *Switch[B]) Fallback() B { return s.fallback }

// # Selection

// primaryHealthy returns the cached liveness of the primary, probing it when the cache is stale.
func (s *Switch[B]) primaryHealthy(ctx context.Context) bool {
	s.mu.Lock()
	if !s.checkedAt.IsZero() && s.healthTTL > 0 && time.Since(s.checkedAt) < s.healthTTL {
		up := s.primaryUp
		s.mu.Unlock()
		return up
	}
	s.mu.Unlock()

	probeCtx, cancel := s.callContext(ctx)
	err := s.primary.Ping(probeCtx)
	cancel()

	s.record(err)
	return err == nil
}

// record stores a liveness observation and logs transitions.
func (s *Switch[B]) record(err error) {
	up := err == nil

	s.mu.Lock()
	changed := s.checkedAt.IsZero() || s.primaryUp != up
	s.primaryUp = up
	s.checkedAt = time.Now()
	s.mu.Unlock()

	s.metrics.BackendUp(s.store, s.primary.Name(), up)

	if !changed {
		return
	}
	if up {
		s.logger.Info("store_primary_up", slog.String("backend", s.primary.Name()))
	} else {
		s.logger.Warn("store_primary_down",
			slog.String("backend", s.primary.Name()),
			slog.String("fallback", s.fallback.Name()),
			slog.Any("error", err),
		)
	}
}

func (s *Switch[B]) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// # Execution

// Exec runs op against the selected backend, failing over once on primary error.
func (s *Switch[B]) Exec(ctx context.Context, op func(context.Context, B) error) error {
	_, err := Fetch(ctx, s, func(callCtx context.Context, backend B) (struct{}, error) {
		return struct{}{}, op(callCtx, backend)
	})
	return err
}

// Fetch is [Switch.Exec] for operations that return a value.
func Fetch[B Backend, T any](ctx context.Context, s *Switch[B], op func(context.Context, B) (T, error)) (T, error) {
	var zero T

	if s.primaryHealthy(ctx) {
		result, err := invoke(ctx, s, s.primary, op)
		if err == nil {
			return result, nil
		}

		// A caller that went away is not a backend failure.
		if ctx.Err() != nil {
			return zero, fmt.Errorf("failover_%s_canceled: %w", s.store, ctx.Err())
		}

		s.record(err)
		s.metrics.Failover(s.store)
		s.logger.Warn("store_backend_failover",
			slog.String("from", s.primary.Name()),
			slog.String("to", s.fallback.Name()),
			slog.Any("error", err),
		)
	}

	result, err := invoke(ctx, s, s.fallback, op)
	if err != nil {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("failover_%s_canceled: %w", s.store, ctx.Err())
		}
		s.logger.Error("store_backends_unavailable",
			slog.String("fallback", s.fallback.Name()),
			slog.Any("error", err),
		)
		return zero, apperr.Unavailable(fmt.Errorf("failover_%s_%s: %w", s.store, s.fallback.Name(), err))
	}

	return result, nil
}

func invoke[B Backend, T any](ctx context.Context, s *Switch[B], backend B, op func(context.Context, B) (T, error)) (T, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	result, err := op(callCtx, backend)
	s.metrics.StoreOp(s.store, backend.Name(), err)
	return result, err
}

// # Fan-out

// ExecAll is [Broadcast] for operations without a result.
func (s *Switch[B]) ExecAll(ctx context.Context, op func(context.Context, B) error) error {
	_, err := Broadcast(ctx, s, func(callCtx context.Context, backend B) (struct{}, error) {
		return struct{}{}, op(callCtx, backend)
	})
	return err
}

/*
Broadcast runs op on both backends, even a primary currently marked down.

Parameters:
  - ctx: context.Context
  - s: *Switch[B]
  - op: The operation, called once per backend

Returns:
  - []T: Results of the backends that succeeded, primary first
  - error: apperr.Unavailable only when no backend succeeded
*/
func Broadcast[B Backend, T any](ctx context.Context, s *Switch[B], op func(context.Context, B) (T, error)) ([]T, error) {
	return fanOut(ctx, s, op, true)
}

// Gather is [Broadcast] for reads: a primary known to be down is skipped instead of retried.
func Gather[B Backend, T any](ctx context.Context, s *Switch[B], op func(context.Context, B) (T, error)) ([]T, error) {
	return fanOut(ctx, s, op, false)
}

func fanOut[B Backend, T any](ctx context.Context, s *Switch[B], op func(context.Context, B) (T, error), forcePrimary bool) ([]T, error) {
	results := make([]T, 0, 2)
	var failures []error

	if forcePrimary || s.primaryHealthy(ctx) {
		result, err := invoke(ctx, s, s.primary, op)
		switch {
		case err == nil:
			results = append(results, result)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("failover_%s_canceled: %w", s.store, ctx.Err())
		default:
			s.record(err)
			failures = append(failures, fmt.Errorf("%s: %w", s.primary.Name(), err))
		}
	}

	result, err := invoke(ctx, s, s.fallback, op)
	switch {
	case err == nil:
		results = append(results, result)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("failover_%s_canceled: %w", s.store, ctx.Err())
	default:
		failures = append(failures, fmt.Errorf("%s: %w", s.fallback.Name(), err))
	}

	if len(results) == 0 {
		joined := errors.Join(failures...)
		s.logger.Error("store_backends_unavailable", slog.Any("error", joined))
		return nil, apperr.Unavailable(fmt.Errorf("failover_%s_fan_out: %w", s.store, joined))
	}
	if len(failures) > 0 {
		s.logger.Warn("store_fan_out_partial", slog.Any("error", errors.Join(failures...)))
	}

	return results, nil
}

// # Introspection

// Status probes both backends and reports which one new calls would use.
func (s *Switch[B]) Status(ctx context.Context) Status {
	primaryUp := s.primaryHealthy(ctx)

	probeCtx, cancel := s.callContext(ctx)
	fallbackErr := s.fallback.Ping(probeCtx)
	cancel()
	s.metrics.BackendUp(s.store, s.fallback.Name(), fallbackErr == nil)

	active := s.fallback.Name()
	if primaryUp {
		active = s.primary.Name()
	}

	return Status{
		Store:      s.store,
		Active:     active,
		PrimaryUp:  primaryUp,
		FallbackUp: fallbackErr == nil,
	}
}

// Sweeper is implemented by backends that need expired rows removed on a schedule.
type Sweeper interface {
	Sweep(context context.Context) (int64, error)
}

// Sweep runs Sweep on whichever backends implement [Sweeper] and sums the rows removed.
func (s *Switch[B]) Sweep(ctx context.Context) (int64, error) {
	var total int64
	for _, backend := range []B{s.primary, s.fallback} {
		sweeper, ok := any(backend).(Sweeper)
		if !ok {
			continue
		}
		removed, err := sweeper.Sweep(ctx)
		if err != nil {
			return total, fmt.Errorf("failover_%s_sweep_%s: %w", s.store, backend.Name(), err)
		}
		total += removed
	}
	return total, nil
}
