// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/tradepost/internal/platform/postgres"
	"github.com/taibuivan/tradepost/internal/platform/sec"
)

// PostgresBackend implements [Backend] on auth.otp and auth.otp_cooldown.
//
// The attempt counter is a column of the record row, so a replaced record
// always starts from zero and an increment can never outlive its record.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a Postgres-backed passcode backend.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Name implements [failover.Backend].
func (repository *PostgresBackend) Name() string { return "postgres" }

// Ping implements [failover.Backend].
func (repository *PostgresBackend) Ping(ctx context.Context) error {
	return postgres.Ping(ctx, repository.pool)
}

// Put implements [Backend].
func (repository *PostgresBackend) Put(ctx context.Context, record Record) error {
	if record.Expired(time.Now()) {
		return nil
	}

	const query = `
		INSERT INTO auth.otp (purpose, identity, code_digest, attempts, ip, user_agent, created_at, expires_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7)
		ON CONFLICT (purpose, identity) DO UPDATE
		SET code_digest = EXCLUDED.code_digest, attempts = 0, ip = EXCLUDED.ip,
		    user_agent = EXCLUDED.user_agent, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`

	_, err := repository.pool.Exec(ctx, query,
		record.Purpose.String(),
		record.Identity,
		record.CodeDigest,
		record.Metadata.IP,
		record.Metadata.UserAgent,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres_otp_put_failed: %w", err)
	}
	return nil
}

// Get implements [Backend].
func (repository *PostgresBackend) Get(ctx context.Context, purpose Purpose, identity string) (*Record, error) {
	const query = `
		SELECT code_digest, attempts, ip, user_agent, created_at, expires_at
		FROM auth.otp
		WHERE purpose = $1 AND identity = $2 AND expires_at > now()`

	record := &Record{Purpose: purpose, Identity: identity}
	err := repository.pool.QueryRow(ctx, query, purpose.String(), identity).Scan(
		&record.CodeDigest,
		&record.Attempts,
		&record.Metadata.IP,
		&record.Metadata.UserAgent,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres_otp_get_failed: %w", err)
	}
	return record, nil
}

/*
Verify locks the row with SELECT ... FOR UPDATE and applies the outcome in the
same transaction, so concurrent guesses serialize on the row.

Parameters:
  - ctx: context.Context
  - attempt: Attempt

Returns:
  - Verdict: What the step did
  - error: Database errors
*/
func (repository *PostgresBackend) Verify(ctx context.Context, attempt Attempt) (Verdict, error) {
	const (
		lockQuery = `
			SELECT code_digest, attempts FROM auth.otp
			WHERE purpose = $1 AND identity = $2 AND expires_at > now()
			FOR UPDATE`
		deleteQuery = `DELETE FROM auth.otp WHERE purpose = $1 AND identity = $2`
		countQuery  = `
			UPDATE auth.otp SET attempts = attempts + 1
			WHERE purpose = $1 AND identity = $2
			RETURNING attempts`
	)

	purpose := attempt.Purpose.String()
	var verdict Verdict

	err := pgx.BeginFunc(ctx, repository.pool, func(tx pgx.Tx) error {
		var digest string
		var attempts int
		if err := tx.QueryRow(ctx, lockQuery, purpose, attempt.Identity).Scan(&digest, &attempts); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				verdict = Verdict{Outcome: OutcomeAbsent}
				return nil
			}
			return err
		}

		switch {
		case attempts >= attempt.MaxAttempts:
			verdict = Verdict{Outcome: OutcomeExhausted, Attempts: attempts}
			_, err := tx.Exec(ctx, deleteQuery, purpose, attempt.Identity)
			return err

		case !sec.EqualDigest(digest, attempt.Digest):
			verdict = Verdict{Outcome: OutcomeMismatch}
			return tx.QueryRow(ctx, countQuery, purpose, attempt.Identity).Scan(&verdict.Attempts)

		default:
			verdict = Verdict{Outcome: OutcomeMatch, Attempts: attempts}
			if !attempt.Consume {
				return nil
			}
			_, err := tx.Exec(ctx, deleteQuery, purpose, attempt.Identity)
			return err
		}
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("postgres_otp_verify_failed: %w", err)
	}
	return verdict, nil
}

// Delete implements [Backend].
func (repository *PostgresBackend) Delete(ctx context.Context, purpose Purpose, identity string) error {
	const query = `DELETE FROM auth.otp WHERE purpose = $1 AND identity = $2`

	if _, err := repository.pool.Exec(ctx, query, purpose.String(), identity); err != nil {
		return fmt.Errorf("postgres_otp_delete_failed: %w", err)
	}
	return nil
}

/*
AcquireCooldown inserts the flag, or takes over an expired one, in one statement.

When a live flag blocks the write no row is returned and the remaining time
is read back.
*/
func (repository *PostgresBackend) AcquireCooldown(ctx context.Context, purpose Purpose, identity string, ttl time.Duration) (time.Duration, error) {
	const acquire = `
		INSERT INTO auth.otp_cooldown (purpose, identity, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (purpose, identity) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE auth.otp_cooldown.expires_at <= now()
		RETURNING expires_at`

	var expiresAt time.Time
	err := repository.pool.QueryRow(ctx, acquire, purpose.String(), identity, time.Now().Add(ttl)).Scan(&expiresAt)
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres_otp_cooldown_failed: %w", err)
	}

	const remaining = `SELECT expires_at FROM auth.otp_cooldown WHERE purpose = $1 AND identity = $2`
	if err := repository.pool.QueryRow(ctx, remaining, purpose.String(), identity).Scan(&expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Second, nil
		}
		return 0, fmt.Errorf("postgres_otp_cooldown_ttl_failed: %w", err)
	}

	if left := time.Until(expiresAt); left > 0 {
		return left, nil
	}
	return time.Second, nil
}

// ReleaseCooldown implements [Backend].
func (repository *PostgresBackend) ReleaseCooldown(ctx context.Context, purpose Purpose, identity string) error {
	const query = `DELETE FROM auth.otp_cooldown WHERE purpose = $1 AND identity = $2`

	if _, err := repository.pool.Exec(ctx, query, purpose.String(), identity); err != nil {
		return fmt.Errorf("postgres_otp_cooldown_release_failed: %w", err)
	}
	return nil
}

// Sweep removes expired passcodes and cooldown flags.
func (repository *PostgresBackend) Sweep(ctx context.Context) (int64, error) {
	var total int64

	for _, query := range []string{
		`DELETE FROM auth.otp WHERE expires_at <= now()`,
		`DELETE FROM auth.otp_cooldown WHERE expires_at <= now()`,
	} {
		tag, err := repository.pool.Exec(ctx, query)
		if err != nil {
			return total, fmt.Errorf("postgres_otp_sweep_failed: %w", err)
		}
		total += tag.RowsAffected()
	}

	return total, nil
}
