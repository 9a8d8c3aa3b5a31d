// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/tradepost/internal/platform/constants"
	redisclient "github.com/taibuivan/tradepost/internal/platform/redis"
)

// Hash fields of an otp:<purpose>:<identity> record.
const (
	fieldDigest    = "code_digest"
	fieldIP        = "ip"
	fieldUserAgent = "user_agent"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
)

// verifyScript runs one verification step atomically.
// KEYS[1] = record, KEYS[2] = attempts counter.
// ARGV[1] = digest, ARGV[2] = max attempts, ARGV[3] = "1" to consume on match.
// Returns {outcome, attempts} with outcome numbered as [Outcome].
var verifyScript = redis.NewScript(`
local digest = redis.call('HGET', KEYS[1], 'code_digest')
if not digest then
	return {0, 0}
end
local attempts = tonumber(redis.call('GET', KEYS[2]) or '0')
if attempts >= tonumber(ARGV[2]) then
	redis.call('DEL', KEYS[1], KEYS[2])
	return {1, attempts}
end
if digest ~= ARGV[1] then
	attempts = redis.call('INCR', KEYS[2])
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl > 0 and redis.call('PTTL', KEYS[2]) < 0 then
		redis.call('PEXPIRE', KEYS[2], ttl)
	end
	return {2, attempts}
end
if ARGV[3] == '1' then
	redis.call('DEL', KEYS[1], KEYS[2])
end
return {3, attempts}
`)

// RedisBackend implements [Backend] on Redis.
//
// Key layout:
//   - otp:<purpose>:<identity>          → HASH (digest, metadata, instants), TTL = code lifetime
//   - otp-attempts:<purpose>:<identity> → INTEGER, same TTL
//   - otp-cooldown:<purpose>:<identity> → "1", TTL = cooldown
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a Redis-backed passcode backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Name implements [failover.Backend].
func (repository *RedisBackend) Name() string { return "redis" }

// Ping implements [failover.Backend].
func (repository *RedisBackend) Ping(ctx context.Context) error {
	return redisclient.Ping(ctx, repository.client)
}

func recordKey(purpose Purpose, identity string) string {
	return constants.Key(constants.KeyOTP, purpose.String(), identity)
}

func attemptsKey(purpose Purpose, identity string) string {
	return constants.Key(constants.KeyOTPAttempts, purpose.String(), identity)
}

func cooldownKey(purpose Purpose, identity string) string {
	return constants.Key(constants.KeyOTPCooldown, purpose.String(), identity)
}

/*
Put replaces the record and resets the counter in one MULTI/EXEC.

Parameters:
  - ctx: context.Context
  - record: Record

Returns:
  - error: Connectivity failures
*/
func (repository *RedisBackend) Put(ctx context.Context, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	key := recordKey(record.Purpose, record.Identity)

	pipeline := repository.client.TxPipeline()
	pipeline.Del(ctx, key)
	pipeline.HSet(ctx, key, map[string]any{
		fieldDigest:    record.CodeDigest,
		fieldIP:        record.Metadata.IP,
		fieldUserAgent: record.Metadata.UserAgent,
		fieldCreatedAt: record.CreatedAt.UnixMilli(),
		fieldExpiresAt: record.ExpiresAt.UnixMilli(),
	})
	pipeline.PExpire(ctx, key, ttl)
	pipeline.Set(ctx, attemptsKey(record.Purpose, record.Identity), 0, ttl)

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("redis_otp_put_failed: %w", err)
	}
	return nil
}

// Get implements [Backend].
func (repository *RedisBackend) Get(ctx context.Context, purpose Purpose, identity string) (*Record, error) {
	pipeline := repository.client.Pipeline()
	fields := pipeline.HGetAll(ctx, recordKey(purpose, identity))
	attempts := pipeline.Get(ctx, attemptsKey(purpose, identity))

	// A missing counter surfaces as redis.Nil from Exec
	if _, err := pipeline.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis_otp_get_failed: %w", err)
	}

	values := fields.Val()
	if len(values) == 0 {
		return nil, nil
	}

	record := &Record{
		Purpose:    purpose,
		Identity:   identity,
		CodeDigest: values[fieldDigest],
		Metadata:   Metadata{IP: values[fieldIP], UserAgent: values[fieldUserAgent]},
		CreatedAt:  parseMillis(values[fieldCreatedAt]),
		ExpiresAt:  parseMillis(values[fieldExpiresAt]),
	}
	if count, err := attempts.Int(); err == nil {
		record.Attempts = count
	}

	if record.Expired(time.Now()) {
		return nil, nil
	}
	return record, nil
}

// Verify implements [Backend] with a single Lua script.
func (repository *RedisBackend) Verify(ctx context.Context, attempt Attempt) (Verdict, error) {
	keys := []string{recordKey(attempt.Purpose, attempt.Identity), attemptsKey(attempt.Purpose, attempt.Identity)}
	consume := "0"
	if attempt.Consume {
		consume = "1"
	}

	result, err := verifyScript.Run(ctx, repository.client, keys, attempt.Digest, attempt.MaxAttempts, consume).Int64Slice()
	if err != nil {
		return Verdict{}, fmt.Errorf("redis_otp_verify_failed: %w", err)
	}
	if len(result) != 2 {
		return Verdict{}, fmt.Errorf("redis_otp_verify_malformed: %v", result)
	}

	return Verdict{Outcome: Outcome(result[0]), Attempts: int(result[1])}, nil
}

// Delete implements [Backend].
func (repository *RedisBackend) Delete(ctx context.Context, purpose Purpose, identity string) error {
	if err := repository.client.Del(ctx, recordKey(purpose, identity), attemptsKey(purpose, identity)).Err(); err != nil {
		return fmt.Errorf("redis_otp_delete_failed: %w", err)
	}
	return nil
}

// AcquireCooldown uses SET NX so two concurrent requests cannot both acquire.
func (repository *RedisBackend) AcquireCooldown(ctx context.Context, purpose Purpose, identity string, ttl time.Duration) (time.Duration, error) {
	key := cooldownKey(purpose, identity)

	acquired, err := repository.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("redis_otp_cooldown_failed: %w", err)
	}
	if acquired {
		return 0, nil
	}

	remaining, err := repository.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis_otp_cooldown_ttl_failed: %w", err)
	}

	// Expired between the two calls; report the smallest wait
	if remaining <= 0 {
		return time.Second, nil
	}
	return remaining, nil
}

// ReleaseCooldown implements [Backend].
func (repository *RedisBackend) ReleaseCooldown(ctx context.Context, purpose Purpose, identity string) error {
	if err := repository.client.Del(ctx, cooldownKey(purpose, identity)).Err(); err != nil {
		return fmt.Errorf("redis_otp_cooldown_release_failed: %w", err)
	}
	return nil
}

func parseMillis(value string) time.Time {
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
