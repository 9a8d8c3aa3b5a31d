// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package onetime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/tradepost/internal/platform/constants"
	redisclient "github.com/taibuivan/tradepost/internal/platform/redis"
)

// putScript swaps the owner pointer and drops the token it pointed at.
// KEYS[1] = token key, KEYS[2] = owner key,
// ARGV[1] = record JSON, ARGV[2] = ttl ms, ARGV[3] = token key prefix, ARGV[4] = token hash.
var putScript = redis.NewScript(`
local previous = redis.call('GET', KEYS[2])
if previous and previous ~= ARGV[4] then
	redis.call('DEL', ARGV[3] .. previous)
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[2])
return 1
`)

// revokeScript drops the owner pointer and the token it names.
// KEYS[1] = owner key, ARGV[1] = token key prefix.
var revokeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	redis.call('DEL', ARGV[1] .. current)
end
redis.call('DEL', KEYS[1])
return 1
`)

// releaseOwnerScript deletes the owner pointer only if it still names ARGV[1].
var releaseOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisBackend implements [Backend] on Redis.
//
// Key layout:
//   - one-time:<purpose>:<sha256>         → JSON [Record]
//   - one-time-owner:<purpose>:<identity> → sha256 of the outstanding token
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a Redis-backed one-time token backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Name implements [failover.Backend].
func (repository *RedisBackend) Name() string { return "redis" }

// Ping implements [failover.Backend].
func (repository *RedisBackend) Ping(ctx context.Context) error {
	return redisclient.Ping(ctx, repository.client)
}

func tokenPrefix(purpose string) string {
	return constants.Key(constants.KeyOneTime, purpose) + constants.KeySeparator
}

func ownerKey(purpose, identity string) string {
	return constants.Key(constants.KeyOneTimeOwner, purpose, identity)
}

// Put implements [Backend].
func (repository *RedisBackend) Put(ctx context.Context, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis_onetime_marshal_failed: %w", err)
	}

	prefix := tokenPrefix(record.Purpose)
	keys := []string{prefix + record.TokenHash, ownerKey(record.Purpose, record.Identity)}

	err = putScript.Run(ctx, repository.client, keys, payload, max(ttl.Milliseconds(), 1), prefix, record.TokenHash).Err()
	if err != nil {
		return fmt.Errorf("redis_onetime_put_failed: %w", err)
	}
	return nil
}

// Get implements [Backend].
func (repository *RedisBackend) Get(ctx context.Context, purpose, tokenHash string) (*Record, error) {
	payload, err := repository.client.Get(ctx, tokenPrefix(purpose)+tokenHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis_onetime_get_failed: %w", err)
	}
	return decodeRecord(payload)
}

// Take consumes the token with GETDEL, then releases the owner pointer if it still names this token.
func (repository *RedisBackend) Take(ctx context.Context, purpose, tokenHash string) (*Record, error) {
	payload, err := repository.client.GetDel(ctx, tokenPrefix(purpose)+tokenHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis_onetime_take_failed: %w", err)
	}

	record, err := decodeRecord(payload)
	if err != nil || record == nil {
		return record, err
	}

	_ = releaseOwnerScript.Run(ctx, repository.client, []string{ownerKey(purpose, record.Identity)}, tokenHash).Err()

	return record, nil
}

// Revoke implements [Backend].
func (repository *RedisBackend) Revoke(ctx context.Context, purpose, identity string) error {
	err := revokeScript.Run(ctx, repository.client, []string{ownerKey(purpose, identity)}, tokenPrefix(purpose)).Err()
	if err != nil {
		return fmt.Errorf("redis_onetime_revoke_failed: %w", err)
	}
	return nil
}

func decodeRecord(payload []byte) (*Record, error) {
	record := &Record{}
	if err := json.Unmarshal(payload, record); err != nil {
		return nil, fmt.Errorf("onetime_record_decode_failed: %w", err)
	}
	if record.Expired(time.Now()) {
		return nil, nil
	}
	return record, nil
}
