// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package onetime issues opaque single-use tokens for out-of-band links.

A token is bound to a (purpose, identity) pair. Issuing a new token for the
same pair invalidates the previous one, so at most one is in flight. A token
is consumed exactly once; [Issuer.Lookup] validates without consuming.

Only the SHA-256 digest of a token is stored.
*/
package onetime

import (
	"context"
	"time"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/sec"
)

// StoreName labels this store in logs and metrics.
const StoreName = "onetime"

// TokenBytes is the entropy of a link token.
const TokenBytes = 32

// PurposePasswordResetLink is the purpose of emailed password reset links.
const PurposePasswordResetLink = "password_reset_link"

// Record is one outstanding token.
type Record struct {
	Purpose   string    `json:"purpose"`
	Identity  string    `json:"identity"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at instant now.
func (record *Record) Expired(now time.Time) bool {
	return !record.ExpiresAt.After(now)
}

// # Backend Contract

// Backend is implemented by every one-time token storage engine.
type Backend interface {
	failover.Backend

	// Put stores record and drops any other token of (record.Purpose, record.Identity).
	Put(context context.Context, record Record) error

	// Get returns the live record for (purpose, tokenHash), or nil.
	Get(context context.Context, purpose, tokenHash string) (*Record, error)

	// Take atomically reads and deletes the record; concurrent callers get it at most once.
	Take(context context.Context, purpose, tokenHash string) (*Record, error)

	// Revoke drops the outstanding token of (purpose, identity), if any.
	Revoke(context context.Context, purpose, identity string) error
}

// # Issuer

// Options configures an [Issuer].
type Options struct {
	DefaultTTL time.Duration

	// TTLOverrides maps a purpose to its own lifetime.
	TTLOverrides map[string]time.Duration
}

// Issuer is the SecureTokenIssuer over a dual backend.
type Issuer struct {
	backends *failover.Switch[Backend]
	options  Options
}

// NewIssuer creates a token issuer.
func NewIssuer(backends *failover.Switch[Backend], options Options) *Issuer {
	return &Issuer{backends: backends, options: options}
}

// TTL returns the lifetime of tokens issued for purpose.
func (issuer *Issuer) TTL(purpose string) time.Duration {
	if ttl, ok := issuer.options.TTLOverrides[purpose]; ok && ttl > 0 {
		return ttl
	}
	return issuer.options.DefaultTTL
}

/*
Issue mints a token for (purpose, identity), replacing any outstanding one.

Returns:
  - string: The raw token, to be delivered and never stored
  - time.Time: Expiry instant
  - error: apperr.Unavailable when neither backend accepts the write
*/
func (issuer *Issuer) Issue(ctx context.Context, purpose, identity string) (string, time.Time, error) {
	token, err := sec.GenerateSecureToken(TokenBytes)
	if err != nil {
		return "", time.Time{}, apperr.Internal(err)
	}

	now := time.Now()
	record := Record{
		Purpose:   purpose,
		Identity:  identity,
		TokenHash: sec.HashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(issuer.TTL(purpose)),
	}

	err = issuer.backends.Exec(ctx, func(callCtx context.Context, backend Backend) error {
		return backend.Put(callCtx, record)
	})
	if err != nil {
		return "", time.Time{}, err
	}

	return token, record.ExpiresAt, nil
}

// Consume spends token and returns the identity it was issued to.
func (issuer *Issuer) Consume(ctx context.Context, purpose, token string) (string, error) {
	tokenHash := sec.HashToken(token)
	record, err := failover.Fetch(ctx, issuer.backends, func(callCtx context.Context, backend Backend) (*Record, error) {
		return backend.Take(callCtx, purpose, tokenHash)
	})
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", errTokenInvalid()
	}
	return record.Identity, nil
}

// Lookup validates token without consuming it.
func (issuer *Issuer) Lookup(ctx context.Context, purpose, token string) (string, error) {
	tokenHash := sec.HashToken(token)
	record, err := failover.Fetch(ctx, issuer.backends, func(callCtx context.Context, backend Backend) (*Record, error) {
		return backend.Get(callCtx, purpose, tokenHash)
	})
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", errTokenInvalid()
	}
	return record.Identity, nil
}

// Revoke drops the outstanding token of (purpose, identity) on every backend that answers.
func (issuer *Issuer) Revoke(ctx context.Context, purpose, identity string) error {
	return issuer.backends.ExecAll(ctx, func(callCtx context.Context, backend Backend) error {
		return backend.Revoke(callCtx, purpose, identity)
	})
}

// Status reports backend health for readiness checks.
func (issuer *Issuer) Status(ctx context.Context) failover.Status {
	return issuer.backends.Status(ctx)
}

// Sweep removes expired rows from backends without native expiry.
func (issuer *Issuer) Sweep(ctx context.Context) (int64, error) {
	return issuer.backends.Sweep(ctx)
}

func errTokenInvalid() error {
	return apperr.Unauthorized("The link is invalid or has expired")
}
