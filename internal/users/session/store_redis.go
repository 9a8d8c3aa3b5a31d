// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/tradepost/internal/platform/constants"
	redisclient "github.com/taibuivan/tradepost/internal/platform/redis"
)

// RedisBackend implements [Backend] on Redis.
//
// Key layout:
//   - refresh:<sha256>       → JSON [Record], TTL = refresh lifetime
//   - refresh-owner:<id>     → SET of sha256 values, TTL refreshed on every write
//   - refresh-revoked:<id>   → unix micros of the "revoked before" instant
//   - blocklist:<jti>        → "1", TTL = remaining access-token lifetime
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a Redis-backed session backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Name implements [failover.Backend].
func (repository *RedisBackend) Name() string { return "redis" }

// Ping implements [failover.Backend].
func (repository *RedisBackend) Ping(ctx context.Context) error {
	return redisclient.Ping(ctx, repository.client)
}

/*
StoreRefresh writes the record and its owner-index entry in one MULTI/EXEC.

Parameters:
  - ctx: context.Context
  - record: Record

Returns:
  - error: Connectivity failures
*/
func (repository *RedisBackend) StoreRefresh(ctx context.Context, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis_session_marshal_failed: %w", err)
	}

	ownerKey := constants.Key(constants.KeyRefreshOwner, record.Identity)

	pipeline := repository.client.TxPipeline()
	pipeline.Set(ctx, constants.Key(constants.KeyRefresh, record.TokenHash), payload, ttl)
	pipeline.SAdd(ctx, ownerKey, record.TokenHash)
	pipeline.Expire(ctx, ownerKey, ttl)

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("redis_session_store_failed: %w", err)
	}

	return nil
}

// GetRefresh implements [Backend].
func (repository *RedisBackend) GetRefresh(ctx context.Context, tokenHash string) (*Record, error) {
	payload, err := repository.client.Get(ctx, constants.Key(constants.KeyRefresh, tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis_session_get_failed: %w", err)
	}

	return decodeRecord(payload)
}

/*
TakeRefresh consumes the record with GETDEL, so only one caller can win.

The owner-index entry is removed afterwards. A stale index member only points
at a key that no longer exists, so a failure there is ignored.
*/
func (repository *RedisBackend) TakeRefresh(ctx context.Context, tokenHash string) (*Record, error) {
	payload, err := repository.client.GetDel(ctx, constants.Key(constants.KeyRefresh, tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis_session_take_failed: %w", err)
	}

	record, err := decodeRecord(payload)
	if err != nil || record == nil {
		return record, err
	}

	_ = repository.client.SRem(ctx, constants.Key(constants.KeyRefreshOwner, record.Identity), tokenHash).Err()

	return record, nil
}

// DeleteRefresh implements [Backend].
func (repository *RedisBackend) DeleteRefresh(ctx context.Context, identity, tokenHash string) (bool, error) {
	record, err := repository.GetRefresh(ctx, tokenHash)
	if err != nil {
		return false, err
	}
	if record == nil || record.Identity != identity {
		return false, nil
	}

	pipeline := repository.client.TxPipeline()
	deleted := pipeline.Del(ctx, constants.Key(constants.KeyRefresh, tokenHash))
	pipeline.SRem(ctx, constants.Key(constants.KeyRefreshOwner, identity), tokenHash)

	if _, err := pipeline.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis_session_delete_failed: %w", err)
	}

	return deleted.Val() > 0, nil
}

// deleteAllScript drops every record named by the owner set, then the set, in one step.
var deleteAllScript = redis.NewScript(`
local deleted = 0
for _, hash in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	deleted = deleted + redis.call('DEL', ARGV[1] .. hash)
end
redis.call('DEL', KEYS[1])
return deleted
`)

/*
DeleteAllRefresh removes the owner set and every record it names atomically.

A token stored concurrently is either deleted with the rest or indexed in a
fresh owner set afterwards, never orphaned.
*/
func (repository *RedisBackend) DeleteAllRefresh(ctx context.Context, identity string) (int64, error) {
	ownerKey := constants.Key(constants.KeyRefreshOwner, identity)
	prefix := constants.KeyRefresh + constants.KeySeparator

	deleted, err := deleteAllScript.Run(ctx, repository.client, []string{ownerKey}, prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis_session_delete_all_failed: %w", err)
	}
	return deleted, nil
}

// blockScript writes a tombstone unless a longer-lived one already exists.
var blockScript = redis.NewScript(`
local current = redis.call('PTTL', KEYS[1])
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
return 1
`)

// Block implements [Backend]. An existing tombstone is never shortened.
func (repository *RedisBackend) Block(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	key := constants.Key(constants.KeyBlocklist, jti)
	if err := blockScript.Run(ctx, repository.client, []string{key}, max(ttl.Milliseconds(), 1)).Err(); err != nil {
		return fmt.Errorf("redis_blocklist_set_failed: %w", err)
	}
	return nil
}

// IsBlocked implements [Backend].
func (repository *RedisBackend) IsBlocked(ctx context.Context, jti string) (bool, error) {
	count, err := repository.client.Exists(ctx, constants.Key(constants.KeyBlocklist, jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis_blocklist_exists_failed: %w", err)
	}
	return count > 0, nil
}

// revokeScript stores a "revoked before" instant unless a later one exists.
var revokeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RevokeBefore implements [Backend].
func (repository *RedisBackend) RevokeBefore(ctx context.Context, identity string, instant time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	key := constants.Key(constants.KeyRefreshRevoked, identity)
	if err := revokeScript.Run(ctx, repository.client, []string{key}, instant.UnixMicro(), max(ttl.Milliseconds(), 1)).Err(); err != nil {
		return fmt.Errorf("redis_session_revoke_failed: %w", err)
	}
	return nil
}

// RevokedBefore implements [Backend].
func (repository *RedisBackend) RevokedBefore(ctx context.Context, identity string) (time.Time, error) {
	raw, err := repository.client.Get(ctx, constants.Key(constants.KeyRefreshRevoked, identity)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis_session_revoked_get_failed: %w", err)
	}

	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis_session_revoked_decode_failed: %w", err)
	}
	return time.UnixMicro(micros), nil
}

func decodeRecord(payload []byte) (*Record, error) {
	record := &Record{}
	if err := json.Unmarshal(payload, record); err != nil {
		return nil, fmt.Errorf("session_record_decode_failed: %w", err)
	}
	if record.Expired(time.Now()) {
		return nil, nil
	}
	return record, nil
}
