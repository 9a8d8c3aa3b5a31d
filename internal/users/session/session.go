// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package session persists refresh tokens and the access-token blocklist.

# Architecture

Two interchangeable [Backend] implementations sit behind a [failover.Switch]:
Redis as the primary (native TTL) and a durable fallback, Postgres or bbolt,
that stores an explicit expiry and is swept on a schedule.

A record written to one backend is never mirrored to the other. While the
primary is down, sessions it holds are unreachable; they become visible again
when it recovers, and sessions written to the fallback meanwhile stay there.

Revocations are the exception. They are sent to every backend that answers,
and when one backend misses a revocation a marker is left on the others: a
per-token tombstone for a single logout, a "revoked before" instant for a
global one. Refresh reads consult the markers of every reachable backend, so
a session revoked during an outage stays dead once its backend returns.

Refresh tokens are keyed by their SHA-256 digest, never by their raw value.
*/
package session

import (
	"context"
	"time"

	"github.com/taibuivan/tradepost/internal/platform/constants"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/sec"
)

// StoreName labels this store in logs and metrics.
const StoreName = "session"

// # Domain Entities

// Metadata is optional client information captured when a session starts.
type Metadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Record is one persisted refresh token.
type Record struct {
	Identity  string    `json:"identity"`
	TokenHash string    `json:"token_hash"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at instant now.
func (record *Record) Expired(now time.Time) bool {
	return !record.ExpiresAt.After(now)
}

// blockEntry is the durable shape of a blocklist tombstone.
type blockEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// revocationEntry is the durable shape of a "revoked before" marker.
type revocationEntry struct {
	RevokedBefore time.Time `json:"revoked_before"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// revokedTokenKey is the blocklist key of a refresh-token tombstone.
func revokedTokenKey(tokenHash string) string {
	return constants.Key(constants.KeyRefresh, tokenHash)
}

// # Backend Contract

// Backend is implemented by every session storage engine.
//
// Absent or expired records are reported as nil / false, never as errors. Any
// returned error means the backend itself failed and triggers fallback.
type Backend interface {
	failover.Backend

	/*
		StoreRefresh persists record under record.TokenHash and indexes it by owner.

		A record whose expiry has already passed is not stored.
	*/
	StoreRefresh(context context.Context, record Record) error

	// GetRefresh returns the live record for tokenHash, or nil.
	GetRefresh(context context.Context, tokenHash string) (*Record, error)

	/*
		TakeRefresh atomically reads and deletes the record for tokenHash.

		Of any number of concurrent callers with the same hash, at most one
		receives the record; the rest receive nil.
	*/
	TakeRefresh(context context.Context, tokenHash string) (*Record, error)

	// DeleteRefresh removes tokenHash only when it belongs to identity and reports whether it did.
	DeleteRefresh(context context.Context, identity, tokenHash string) (bool, error)

	// DeleteAllRefresh removes every refresh token of identity and reports how many existed.
	DeleteAllRefresh(context context.Context, identity string) (int64, error)

	// Block writes a tombstone for jti that lives for ttl.
	Block(context context.Context, jti string, ttl time.Duration) error

	// IsBlocked reports whether a live tombstone exists for jti.
	IsBlocked(context context.Context, jti string) (bool, error)

	/*
		RevokeBefore marks every session of identity created before instant as
		revoked, for ttl. A later instant already stored is never moved back.
	*/
	RevokeBefore(context context.Context, identity string, instant time.Time, ttl time.Duration) error

	// RevokedBefore returns the live marker of identity, or the zero time.
	RevokedBefore(context context.Context, identity string) (time.Time, error)
}

// # Dual-Backend Store

// Store is the session store the orchestrator talks to.
type Store struct {
	backends   *failover.Switch[Backend]
	refreshTTL time.Duration
}

// NewStore creates a store over a primary and a fallback backend.
func NewStore(backends *failover.Switch[Backend], refreshTTL time.Duration) *Store {
	return &Store{backends: backends, refreshTTL: refreshTTL}
}

/*
StoreRefresh persists a new refresh token for identity.

Parameters:
  - ctx: context.Context
  - identity: string (Owner id)
  - token: string (Raw refresh token, never stored)
  - metadata: Metadata

Returns:
  - error: apperr.Unavailable when neither backend accepts the write
*/
func (store *Store) StoreRefresh(ctx context.Context, identity, token string, metadata Metadata) error {
	now := time.Now()
	record := Record{
		Identity:  identity,
		TokenHash: sec.HashToken(token),
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(store.refreshTTL),
	}

	return store.backends.Exec(ctx, func(callCtx context.Context, backend Backend) error {
		return backend.StoreRefresh(callCtx, record)
	})
}

// GetRefresh returns the live, unrevoked record for token, or nil.
func (store *Store) GetRefresh(ctx context.Context, token string) (*Record, error) {
	tokenHash := sec.HashToken(token)
	record, err := failover.Fetch(ctx, store.backends, func(callCtx context.Context, backend Backend) (*Record, error) {
		return backend.GetRefresh(callCtx, tokenHash)
	})
	if err != nil || record == nil {
		return nil, err
	}
	return store.unlessRevoked(ctx, record)
}

/*
TakeRefresh atomically consumes token for rotation.

Returns:
  - *Record: The consumed record, or nil if absent, expired, revoked or already taken
  - error: apperr.Unavailable when neither backend answers
*/
func (store *Store) TakeRefresh(ctx context.Context, token string) (*Record, error) {
	tokenHash := sec.HashToken(token)
	record, err := failover.Fetch(ctx, store.backends, func(callCtx context.Context, backend Backend) (*Record, error) {
		return backend.TakeRefresh(callCtx, tokenHash)
	})
	if err != nil || record == nil {
		return nil, err
	}
	return store.unlessRevoked(ctx, record)
}

// unlessRevoked drops record when any reachable backend holds a revocation marker covering it.
func (store *Store) unlessRevoked(ctx context.Context, record *Record) (*Record, error) {
	verdicts, err := failover.Gather(ctx, store.backends, func(callCtx context.Context, backend Backend) (bool, error) {
		before, err := backend.RevokedBefore(callCtx, record.Identity)
		if err != nil {
			return false, err
		}
		if record.CreatedAt.Before(before) {
			return true, nil
		}
		return backend.IsBlocked(callCtx, revokedTokenKey(record.TokenHash))
	})
	if err != nil {
		return nil, err
	}
	if anyTrue(verdicts) {
		return nil, nil
	}
	return record, nil
}

/*
DeleteRefresh revokes one refresh token of identity.

Returns:
  - int64: 1 when a token of identity was removed, 0 otherwise
  - error: apperr.Unavailable when no backend accepts the revocation
*/
func (store *Store) DeleteRefresh(ctx context.Context, identity, token string) (int64, error) {
	tokenHash := sec.HashToken(token)
	removed, err := failover.Broadcast(ctx, store.backends, func(callCtx context.Context, backend Backend) (bool, error) {
		return backend.DeleteRefresh(callCtx, identity, tokenHash)
	})
	if err != nil {
		return 0, err
	}

	if missed(removed) {
		if err := store.backends.ExecAll(ctx, func(callCtx context.Context, backend Backend) error {
			return backend.Block(callCtx, revokedTokenKey(tokenHash), store.refreshTTL)
		}); err != nil {
			return 0, err
		}
	}

	if anyTrue(removed) {
		return 1, nil
	}
	return 0, nil
}

// DeleteAllRefresh revokes every refresh token of identity ("log out everywhere").
func (store *Store) DeleteAllRefresh(ctx context.Context, identity string) (int64, error) {
	revokedAt := time.Now()

	counts, err := failover.Broadcast(ctx, store.backends, func(callCtx context.Context, backend Backend) (int64, error) {
		return backend.DeleteAllRefresh(callCtx, identity)
	})
	if err != nil {
		return 0, err
	}

	if missed(counts) {
		if err := store.backends.ExecAll(ctx, func(callCtx context.Context, backend Backend) error {
			return backend.RevokeBefore(callCtx, identity, revokedAt, store.refreshTTL)
		}); err != nil {
			return 0, err
		}
	}

	var total int64
	for _, count := range counts {
		total += count
	}
	return total, nil
}

/*
Block revokes an access token for its remaining lifetime.

Parameters:
  - ctx: context.Context
  - jti: string
  - ttl: time.Duration (Remaining lifetime; non-positive means already expired)

A token that has already expired needs no tombstone, so nothing is written.
The tombstone goes to every backend that answers.
*/
func (store *Store) Block(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return store.backends.ExecAll(ctx, func(callCtx context.Context, backend Backend) error {
		return backend.Block(callCtx, jti, ttl)
	})
}

// BlockUntil revokes an access token until its own expiry instant.
func (store *Store) BlockUntil(ctx context.Context, jti string, expiresAt time.Time) error {
	return store.Block(ctx, jti, time.Until(expiresAt))
}

// IsBlocked reports whether jti has been revoked on any reachable backend.
func (store *Store) IsBlocked(ctx context.Context, jti string) (bool, error) {
	verdicts, err := failover.Gather(ctx, store.backends, func(callCtx context.Context, backend Backend) (bool, error) {
		return backend.IsBlocked(callCtx, jti)
	})
	if err != nil {
		return false, err
	}
	return anyTrue(verdicts), nil
}

// missed reports whether a broadcast reached fewer than both backends.
func missed[T any](results []T) bool { return len(results) < 2 }

func anyTrue(verdicts []bool) bool {
	for _, verdict := range verdicts {
		if verdict {
			return true
		}
	}
	return false
}

// Status reports backend health for readiness checks.
func (store *Store) Status(ctx context.Context) failover.Status {
	return store.backends.Status(ctx)
}

// Sweep removes expired rows from backends without native expiry.
func (store *Store) Sweep(ctx context.Context) (int64, error) {
	return store.backends.Sweep(ctx)
}
