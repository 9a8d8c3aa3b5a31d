// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package redis provides a managed client for the primary ephemeral store.

Refresh tokens, the access-token blocklist, one-time passcodes and link tokens
all live here while Redis is reachable. Every key written carries a TTL.

Core Responsibilities:

  - Volatility: Handles data with TTL (Time-To-Live).
  - Retries: Transient network errors are retried by the client with backoff.
  - Liveness: [Ping] doubles as the failover health probe.
*/
package redis

import (
	stdctx "context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// Options carries the retry policy layered on top of the URL.
type Options struct {
	MaxRetries      int
	MaxRetryBackoff time.Duration
}

// NewClient parses a Redis URL and returns a ready-to-use client.
//
// # Parameters
//   - context: Context for the initial ping.
//   - redisURL: Redis connection URL.
//   - retry: Client-side retry policy.
//   - logger: Structured logger for connection events.
//
// An unreachable server is not fatal: the client is returned with the ping
// error so that the caller can start on the durable fallback.
func NewClient(context stdctx.Context, redisURL string, retry Options, logger *slog.Logger) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}

	options.PoolSize = 10
	options.MinIdleConns = 2
	options.MaxIdleConns = 5

	options.DialTimeout = dialTimeout
	options.ReadTimeout = readTimeout
	options.WriteTimeout = writeTimeout

	options.MaxRetries = retry.MaxRetries
	if retry.MaxRetries == 0 {
		// go-redis treats 0 as "default 3"; -1 disables retries.
		options.MaxRetries = -1
	}
	if retry.MaxRetryBackoff > 0 {
		options.MaxRetryBackoff = retry.MaxRetryBackoff
	}

	client := redis.NewClient(options)

	if err := Ping(context, client); err != nil {
		logger.Warn("redis_unreachable_at_startup",
			slog.String("addr", options.Addr),
			slog.Any("error", err),
		)
		return client, err
	}

	logger.Info("redis_client_connected",
		slog.String("addr", options.Addr),
		slog.Int("pool_size", options.PoolSize),
		slog.Int("max_retries", options.MaxRetries),
	)

	return client, nil
}

// Ping verifies that the Redis client is healthy.
func Ping(context stdctx.Context, client redis.UniversalClient) error {
	pingCtx, cancel := stdctx.WithTimeout(context, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	return nil
}
