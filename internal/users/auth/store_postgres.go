// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/database/schema"
	"github.com/taibuivan/tradepost/internal/platform/dberr"
)

// # Postgres Directory

// PostgresDirectory implements [Directory] on users.account.
//
// Soft-deleted rows are invisible to every method.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates the Postgres user directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

var (
	account = schema.UserAccount

	selectAccount = fmt.Sprintf(`SELECT %s FROM %s`, account.ColumnList(), account.Table)
)

/*
Create inserts a new row into users.account.

Parameters:
  - context: context.Context
  - user: *User (ID, Email and PasswordHash set by the caller)

Returns:
  - error: apperr.Conflict on a duplicate live email, or connectivity errors
*/
func (repository *PostgresDirectory) Create(ctx context.Context, user *User) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		account.Table, account.ColumnList(),
	)

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.Status == "" {
		user.Status = StatusActive
	}

	_, err := repository.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.DisplayName,
		string(user.Role),
		user.Status,
		user.IsVerified,
		user.IsSellerVerified,
		user.TwoFactorEnabled,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if dberr.IsUniqueViolation(err) {
			return apperr.Conflict("Email is already registered")
		}
		return fmt.Errorf("postgres_directory_create_failed: %w", err)
	}

	return nil
}

// FindByID implements [Directory].
func (repository *PostgresDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	query := fmt.Sprintf(`%s WHERE %s = $1 AND %s IS NULL`, selectAccount, account.ID, account.DeletedAt)
	row := repository.pool.QueryRow(ctx, query, id)
	return scanUser(row, "postgres_directory_find_by_id_failed")
}

// FindByEmail implements [Directory].
func (repository *PostgresDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	query := fmt.Sprintf(`%s WHERE %s = $1 AND %s IS NULL`, selectAccount, account.Email, account.DeletedAt)
	row := repository.pool.QueryRow(ctx, query, email)
	return scanUser(row, "postgres_directory_find_by_email_failed")
}

/*
UpdatePassword replaces the password hash of a live account.

Parameters:
  - context: context.Context
  - id: string
  - passwordHash: string (already hashed)

Returns:
  - error: apperr.NotFound when no live row matched
*/
func (repository *PostgresDirectory) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return repository.exec(ctx, "postgres_directory_update_password_failed",
		fmt.Sprintf(`%s = $2`, account.Password), id, passwordHash)
}

// MarkVerified implements [Directory].
func (repository *PostgresDirectory) MarkVerified(ctx context.Context, id string) error {
	return repository.exec(ctx, "postgres_directory_mark_verified_failed",
		fmt.Sprintf(`%s = TRUE`, account.IsVerified), id)
}

// MarkSellerVerified implements [Directory].
func (repository *PostgresDirectory) MarkSellerVerified(ctx context.Context, id string) error {
	return repository.exec(ctx, "postgres_directory_mark_seller_verified_failed",
		fmt.Sprintf(`%s = TRUE`, account.IsSellerVerified), id)
}

// exec applies assignment to the live row whose id is $1 and bumps updatedat.
func (repository *PostgresDirectory) exec(ctx context.Context, tag, assignment string, args ...any) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET %s, %s = now()
		WHERE %s = $1 AND %s IS NULL`,
		account.Table, assignment, account.UpdatedAt, account.ID, account.DeletedAt,
	)

	result, err := repository.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	if result.RowsAffected() == 0 {
		return apperr.NotFound("User")
	}
	return nil
}

func scanUser(row pgx.Row, tag string) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.DisplayName,
		&user.Role,
		&user.Status,
		&user.IsVerified,
		&user.IsSellerVerified,
		&user.TwoFactorEnabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dberr.Wrap(err, "User")
		}
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return user, nil
}
