// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/tradepost/internal/platform/postgres"
)

// PostgresBackend implements [Backend] on the auth.refresh_token,
// auth.refresh_revocation and auth.blocklist tables. Rows past expires_at are invisible to every read and
// removed by [PostgresBackend.Sweep].
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a Postgres-backed session backend.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Name implements [failover.Backend].
func (repository *PostgresBackend) Name() string { return "postgres" }

// Ping implements [failover.Backend].
func (repository *PostgresBackend) Ping(ctx context.Context) error {
	return postgres.Ping(ctx, repository.pool)
}

/*
StoreRefresh inserts the record. Re-storing the same hash overwrites it.

Parameters:
  - ctx: context.Context
  - record: Record

Returns:
  - error: Database errors
*/
func (repository *PostgresBackend) StoreRefresh(ctx context.Context, record Record) error {
	if record.Expired(time.Now()) {
		return nil
	}

	const query = `
		INSERT INTO auth.refresh_token (token_hash, identity, ip, user_agent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_hash) DO UPDATE
		SET identity = EXCLUDED.identity, ip = EXCLUDED.ip, user_agent = EXCLUDED.user_agent,
		    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`

	_, err := repository.pool.Exec(ctx, query,
		record.TokenHash,
		record.Identity,
		record.Metadata.IP,
		record.Metadata.UserAgent,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres_session_store_failed: %w", err)
	}

	return nil
}

// GetRefresh implements [Backend].
func (repository *PostgresBackend) GetRefresh(ctx context.Context, tokenHash string) (*Record, error) {
	const query = `
		SELECT token_hash, identity, ip, user_agent, created_at, expires_at
		FROM auth.refresh_token
		WHERE token_hash = $1 AND expires_at > now()`

	return scanRecord(repository.pool.QueryRow(ctx, query, tokenHash), "postgres_session_get_failed")
}

// TakeRefresh deletes and returns the row in one statement; concurrent callers
// serialize on the row lock and all but one see no row.
func (repository *PostgresBackend) TakeRefresh(ctx context.Context, tokenHash string) (*Record, error) {
	const query = `
		DELETE FROM auth.refresh_token
		WHERE token_hash = $1 AND expires_at > now()
		RETURNING token_hash, identity, ip, user_agent, created_at, expires_at`

	return scanRecord(repository.pool.QueryRow(ctx, query, tokenHash), "postgres_session_take_failed")
}

// DeleteRefresh implements [Backend].
func (repository *PostgresBackend) DeleteRefresh(ctx context.Context, identity, tokenHash string) (bool, error) {
	const query = `DELETE FROM auth.refresh_token WHERE token_hash = $1 AND identity = $2 AND expires_at > now()`

	tag, err := repository.pool.Exec(ctx, query, tokenHash, identity)
	if err != nil {
		return false, fmt.Errorf("postgres_session_delete_failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteAllRefresh reports only live rows; expired ones are removed too but not counted.
func (repository *PostgresBackend) DeleteAllRefresh(ctx context.Context, identity string) (int64, error) {
	const query = `
		WITH removed AS (
			DELETE FROM auth.refresh_token WHERE identity = $1 RETURNING expires_at
		)
		SELECT count(*) FROM removed WHERE expires_at > now()`

	var live int64
	if err := repository.pool.QueryRow(ctx, query, identity).Scan(&live); err != nil {
		return 0, fmt.Errorf("postgres_session_delete_all_failed: %w", err)
	}
	return live, nil
}

// Block upserts a tombstone, keeping the later of two expiries.
func (repository *PostgresBackend) Block(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	const query = `
		INSERT INTO auth.blocklist (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = GREATEST(auth.blocklist.expires_at, EXCLUDED.expires_at)`

	if _, err := repository.pool.Exec(ctx, query, jti, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("postgres_blocklist_set_failed: %w", err)
	}
	return nil
}

// IsBlocked implements [Backend].
func (repository *PostgresBackend) IsBlocked(ctx context.Context, jti string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM auth.blocklist WHERE jti = $1 AND expires_at > now())`

	var blocked bool
	if err := repository.pool.QueryRow(ctx, query, jti).Scan(&blocked); err != nil {
		return false, fmt.Errorf("postgres_blocklist_exists_failed: %w", err)
	}
	return blocked, nil
}

// RevokeBefore upserts the marker, keeping the later instant and expiry.
func (repository *PostgresBackend) RevokeBefore(ctx context.Context, identity string, instant time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	const query = `
		INSERT INTO auth.refresh_revocation (identity, revoked_before, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE
		SET revoked_before = GREATEST(auth.refresh_revocation.revoked_before, EXCLUDED.revoked_before),
		    expires_at     = GREATEST(auth.refresh_revocation.expires_at, EXCLUDED.expires_at)`

	if _, err := repository.pool.Exec(ctx, query, identity, instant, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("postgres_session_revoke_failed: %w", err)
	}
	return nil
}

// RevokedBefore implements [Backend].
func (repository *PostgresBackend) RevokedBefore(ctx context.Context, identity string) (time.Time, error) {
	const query = `
		SELECT revoked_before FROM auth.refresh_revocation
		WHERE identity = $1 AND expires_at > now()`

	var instant time.Time
	if err := repository.pool.QueryRow(ctx, query, identity).Scan(&instant); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("postgres_session_revoked_get_failed: %w", err)
	}
	return instant, nil
}

/*
Sweep physically removes refresh tokens, revocation markers and tombstones whose expiry has passed.

Returns:
  - int64: Rows removed across all three tables
  - error: Database errors
*/
func (repository *PostgresBackend) Sweep(ctx context.Context) (int64, error) {
	var total int64

	for _, query := range []string{
		`DELETE FROM auth.refresh_token WHERE expires_at <= now()`,
		`DELETE FROM auth.refresh_revocation WHERE expires_at <= now()`,
		`DELETE FROM auth.blocklist WHERE expires_at <= now()`,
	} {
		tag, err := repository.pool.Exec(ctx, query)
		if err != nil {
			return total, fmt.Errorf("postgres_session_sweep_failed: %w", err)
		}
		total += tag.RowsAffected()
	}

	return total, nil
}

func scanRecord(row pgx.Row, tag string) (*Record, error) {
	record := &Record{}
	err := row.Scan(
		&record.TokenHash,
		&record.Identity,
		&record.Metadata.IP,
		&record.Metadata.UserAgent,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return record, nil
}
