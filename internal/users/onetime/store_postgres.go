// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package onetime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/tradepost/internal/platform/postgres"
)

// PostgresBackend implements [Backend] on auth.one_time_token.
//
// UNIQUE (purpose, identity) enforces one outstanding token per pair.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a Postgres-backed one-time token backend.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Name implements [failover.Backend].
func (repository *PostgresBackend) Name() string { return "postgres" }

// Ping implements [failover.Backend].
func (repository *PostgresBackend) Ping(ctx context.Context) error {
	return postgres.Ping(ctx, repository.pool)
}

// Put replaces the pair's row in place, which retires the old token hash.
func (repository *PostgresBackend) Put(ctx context.Context, record Record) error {
	if record.Expired(time.Now()) {
		return nil
	}

	const query = `
		INSERT INTO auth.one_time_token (token_hash, purpose, identity, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (purpose, identity) DO UPDATE
		SET token_hash = EXCLUDED.token_hash, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`

	_, err := repository.pool.Exec(ctx, query,
		record.TokenHash,
		record.Purpose,
		record.Identity,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres_onetime_put_failed: %w", err)
	}
	return nil
}

// Get implements [Backend].
func (repository *PostgresBackend) Get(ctx context.Context, purpose, tokenHash string) (*Record, error) {
	const query = `
		SELECT token_hash, purpose, identity, created_at, expires_at
		FROM auth.one_time_token
		WHERE token_hash = $1 AND purpose = $2 AND expires_at > now()`

	return scanRecord(repository.pool.QueryRow(ctx, query, tokenHash, purpose), "postgres_onetime_get_failed")
}

// Take implements [Backend].
func (repository *PostgresBackend) Take(ctx context.Context, purpose, tokenHash string) (*Record, error) {
	const query = `
		DELETE FROM auth.one_time_token
		WHERE token_hash = $1 AND purpose = $2 AND expires_at > now()
		RETURNING token_hash, purpose, identity, created_at, expires_at`

	return scanRecord(repository.pool.QueryRow(ctx, query, tokenHash, purpose), "postgres_onetime_take_failed")
}

// Revoke implements [Backend].
func (repository *PostgresBackend) Revoke(ctx context.Context, purpose, identity string) error {
	const query = `DELETE FROM auth.one_time_token WHERE purpose = $1 AND identity = $2`

	if _, err := repository.pool.Exec(ctx, query, purpose, identity); err != nil {
		return fmt.Errorf("postgres_onetime_revoke_failed: %w", err)
	}
	return nil
}

// Sweep removes expired tokens.
func (repository *PostgresBackend) Sweep(ctx context.Context) (int64, error) {
	tag, err := repository.pool.Exec(ctx, `DELETE FROM auth.one_time_token WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres_onetime_sweep_failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row, tag string) (*Record, error) {
	record := &Record{}
	err := row.Scan(&record.TokenHash, &record.Purpose, &record.Identity, &record.CreatedAt, &record.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return record, nil
}
