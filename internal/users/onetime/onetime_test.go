// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package onetime_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/bolt"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/postgres/pgtest"
	"github.com/taibuivan/tradepost/internal/platform/sec"
	"github.com/taibuivan/tradepost/internal/users/onetime"
)

const purpose = onetime.PurposePasswordResetLink

func newRedisBackend(t *testing.T) (*onetime.RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return onetime.NewRedisBackend(client), server
}

func newBoltBackend(t *testing.T) (*onetime.BoltBackend, *bolt.DB) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend, err := onetime.NewBoltBackend(db)
	require.NoError(t, err)
	return backend, db
}

func newRecord(identity string, ttl time.Duration) onetime.Record {
	now := time.Now()
	return onetime.Record{
		Purpose:   purpose,
		Identity:  identity,
		TokenHash: sec.HashToken(uuid.NewString()),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// # Backend Contract

func runBackendContract(t *testing.T, backend onetime.Backend) {
	ctx := context.Background()

	t.Run("put_get_take", func(t *testing.T) {
		record := newRecord(uuid.NewString(), time.Minute)
		require.NoError(t, backend.Put(ctx, record))

		got, err := backend.Get(ctx, purpose, record.TokenHash)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, record.Identity, got.Identity)

		// Purpose is part of the key
		other, err := backend.Get(ctx, "email_verification_link", record.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, other)

		taken, err := backend.Take(ctx, purpose, record.TokenHash)
		require.NoError(t, err)
		require.NotNil(t, taken)

		taken, err = backend.Take(ctx, purpose, record.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, taken)
	})

	t.Run("new_token_replaces_old", func(t *testing.T) {
		identity := uuid.NewString()
		first := newRecord(identity, time.Minute)
		second := newRecord(identity, time.Minute)
		require.NoError(t, backend.Put(ctx, first))
		require.NoError(t, backend.Put(ctx, second))

		got, err := backend.Get(ctx, purpose, first.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = backend.Get(ctx, purpose, second.TokenHash)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("take_is_single_use", func(t *testing.T) {
		record := newRecord(uuid.NewString(), time.Minute)
		require.NoError(t, backend.Put(ctx, record))

		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				taken, err := backend.Take(ctx, purpose, record.TokenHash)
				if err == nil && taken != nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("revoke", func(t *testing.T) {
		record := newRecord(uuid.NewString(), time.Minute)
		require.NoError(t, backend.Put(ctx, record))
		require.NoError(t, backend.Revoke(ctx, purpose, record.Identity))

		got, err := backend.Get(ctx, purpose, record.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, backend.Revoke(ctx, purpose, "nobody"))
	})

	t.Run("expired_is_absent", func(t *testing.T) {
		record := newRecord(uuid.NewString(), 300*time.Millisecond)
		require.NoError(t, backend.Put(ctx, record))
		time.Sleep(400 * time.Millisecond)

		got, err := backend.Get(ctx, purpose, record.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, got)

		taken, err := backend.Take(ctx, purpose, record.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, taken)
	})
}

/*
TestRedisBackend_Contract runs the shared contract on miniredis.
*/
func TestRedisBackend_Contract(t *testing.T) {
	backend, _ := newRedisBackend(t)
	runBackendContract(t, backend)
}

/*
TestBoltBackend_Contract runs the shared contract on a temp bbolt file.
*/
func TestBoltBackend_Contract(t *testing.T) {
	backend, _ := newBoltBackend(t)
	runBackendContract(t, backend)
}

/*
TestPostgresBackend_Contract runs the shared contract on a real PostgreSQL.
*/
func TestPostgresBackend_Contract(t *testing.T) {
	runBackendContract(t, onetime.NewPostgresBackend(pgtest.Start(t)))
}

/*
TestRedisBackend_KeyLayout checks the token and owner keys.
*/
func TestRedisBackend_KeyLayout(t *testing.T) {
	backend, server := newRedisBackend(t)
	ctx := context.Background()

	record := newRecord("user-1", 30*time.Minute)
	require.NoError(t, backend.Put(ctx, record))

	assert.True(t, server.Exists("one-time:password_reset_link:"+record.TokenHash))
	owner, err := server.Get("one-time-owner:password_reset_link:user-1")
	require.NoError(t, err)
	assert.Equal(t, record.TokenHash, owner)

	_, err = backend.Take(ctx, purpose, record.TokenHash)
	require.NoError(t, err)
	assert.False(t, server.Exists("one-time-owner:password_reset_link:user-1"))
}

// # Issuer

func newIssuer(t *testing.T, overrides map[string]time.Duration) (*onetime.Issuer, *miniredis.Miniredis) {
	t.Helper()
	primary, server := newRedisBackend(t)
	fallback, _ := newBoltBackend(t)

	backends := failover.New[onetime.Backend](onetime.StoreName, primary, fallback, failover.Options{
		Timeout: time.Second,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return onetime.NewIssuer(backends, onetime.Options{DefaultTTL: 30 * time.Minute, TTLOverrides: overrides}), server
}

/*
TestIssuer_ConsumeOnce covers issue, lookup and single consumption.
*/
func TestIssuer_ConsumeOnce(t *testing.T) {
	issuer, server := newIssuer(t, nil)
	ctx := context.Background()

	token, expiresAt, err := issuer.Issue(ctx, purpose, "user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), expiresAt, 2*time.Second)
	assert.False(t, server.Exists("one-time:password_reset_link:"+token))

	identity, err := issuer.Lookup(ctx, purpose, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity)

	identity, err = issuer.Consume(ctx, purpose, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity)

	_, err = issuer.Consume(ctx, purpose, token)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
	_, err = issuer.Lookup(ctx, purpose, token)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
}

/*
TestIssuer_OneInFlight invalidates the previous token on reissue.
*/
func TestIssuer_OneInFlight(t *testing.T) {
	issuer, _ := newIssuer(t, nil)
	ctx := context.Background()

	first, _, err := issuer.Issue(ctx, purpose, "user-1")
	require.NoError(t, err)
	second, _, err := issuer.Issue(ctx, purpose, "user-1")
	require.NoError(t, err)

	_, err = issuer.Consume(ctx, purpose, first)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))

	identity, err := issuer.Consume(ctx, purpose, second)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity)
}

/*
TestIssuer_TTLOverrides applies per-purpose lifetimes.
*/
func TestIssuer_TTLOverrides(t *testing.T) {
	issuer, server := newIssuer(t, map[string]time.Duration{purpose: 5 * time.Minute})
	ctx := context.Background()

	assert.Equal(t, 5*time.Minute, issuer.TTL(purpose))
	assert.Equal(t, 30*time.Minute, issuer.TTL("email_verification_link"))

	token, _, err := issuer.Issue(ctx, purpose, "user-1")
	require.NoError(t, err)

	server.FastForward(6 * time.Minute)
	_, err = issuer.Consume(ctx, purpose, token)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
}

/*
TestIssuer_Revoke drops the outstanding token.
*/
func TestIssuer_Revoke(t *testing.T) {
	issuer, _ := newIssuer(t, nil)
	ctx := context.Background()

	token, _, err := issuer.Issue(ctx, purpose, "user-1")
	require.NoError(t, err)
	require.NoError(t, issuer.Revoke(ctx, purpose, "user-1"))

	_, err = issuer.Consume(ctx, purpose, token)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
}

/*
TestIssuer_RevokeReachesBothBackends drops a token left on the fallback by an earlier outage.
*/
func TestIssuer_RevokeReachesBothBackends(t *testing.T) {
	issuer, server := newIssuer(t, nil)
	ctx := context.Background()

	server.SetError("ERR simulated outage")
	token, _, err := issuer.Issue(ctx, purpose, "user-1")
	require.NoError(t, err)

	server.SetError("")
	require.NoError(t, issuer.Revoke(ctx, purpose, "user-1"))

	// A second outage exposes the fallback again
	server.SetError("ERR simulated outage")
	_, err = issuer.Consume(ctx, purpose, token)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
}

/*
TestIssuer_Failover keeps issuing while Redis is down.
*/
func TestIssuer_Failover(t *testing.T) {
	issuer, server := newIssuer(t, nil)
	ctx := context.Background()

	server.SetError("ERR simulated outage")

	token, _, err := issuer.Issue(ctx, purpose, "user-1")
	require.NoError(t, err)

	identity, err := issuer.Consume(ctx, purpose, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity)
}
