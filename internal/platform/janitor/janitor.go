// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package janitor periodically removes expired rows from backends that have no
// native expiry.
//
// Reads already treat expired rows as absent, so a late sweep only costs
// storage, never correctness.
package janitor

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper removes expired entries and reports how many it deleted.
type Sweeper interface {
	Sweep(context context.Context) (int64, error)
}

// Target names one sweeper for logs.
type Target struct {
	Name    string
	Sweeper Sweeper
}

// Runner sweeps every target on a fixed interval.
type Runner struct {
	targets  []Target
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a runner. Each sweep of one target is bounded by timeout.
func New(interval, timeout time.Duration, logger *slog.Logger, targets ...Target) *Runner {
	return &Runner{
		targets:  targets,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run sweeps once immediately, then on every tick until context is canceled.
func (runner *Runner) Run(context context.Context) {
	runner.SweepOnce(context)

	ticker := time.NewTicker(runner.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runner.SweepOnce(context)
		case <-context.Done():
			runner.logger.Info("janitor_stopped")
			return
		}
	}
}

// SweepOnce sweeps every target, logging failures without stopping at them.
func (runner *Runner) SweepOnce(ctx context.Context) int64 {
	var total int64

	for _, target := range runner.targets {
		sweepCtx, cancel := context.WithTimeout(ctx, runner.timeout)
		removed, err := target.Sweeper.Sweep(sweepCtx)
		cancel()

		if err != nil {
			runner.logger.Warn("janitor_sweep_failed", slog.String("target", target.Name), slog.Any("error", err))
			continue
		}

		total += removed
		if removed > 0 {
			runner.logger.Info("janitor_sweep_completed", slog.String("target", target.Name), slog.Int64("removed", removed))
		}
	}

	return total
}
