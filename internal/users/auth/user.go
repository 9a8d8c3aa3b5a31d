// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package auth implements the credential and session lifecycle of the platform.

It composes the password hasher, the token service, the session store, the
OTP manager and the one-time link issuer into the register, login, refresh,
logout and recovery use cases.

# Architecture

  - Directory: the user records this package reads and updates (Postgres).
  - Service: the orchestrator, the only place with invariants spanning stores.
  - Handler: the thin HTTP delivery layer under /api/v1/auth.
*/
package auth

import (
	"time"

	"github.com/taibuivan/tradepost/internal/platform/sec"
)

// # Domain Entities

// Account statuses stored in users.account.status.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// User represents a registered principal.
type User struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	PasswordHash     string       `json:"-"` // Never serialized.
	DisplayName      string       `json:"display_name"`
	Role             sec.UserRole `json:"role"`
	Status           string       `json:"status"`
	IsVerified       bool         `json:"is_verified"`
	IsSellerVerified bool         `json:"is_seller_verified"`
	TwoFactorEnabled bool         `json:"two_factor_enabled"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IsActive reports whether the account may sign in.
func (user *User) IsActive() bool {
	return user.Status == StatusActive
}

// # Field Identifiers

// Field names for validation and JSON payloads in the authentication domain.
const (
	FieldEmail           = "email"
	FieldPassword        = "password"
	FieldDisplayName     = "display_name"
	FieldRole            = "role"
	FieldCode            = "code"
	FieldPurpose         = "purpose"
	FieldToken           = "token"
	FieldCurrentPassword = "current_password"
	FieldNewPassword     = "new_password"
	FieldAccessToken     = "access_token"
	FieldTokenType       = "token_type"
	FieldExpiresIn       = "expires_in"
	FieldUser            = "user"
	FieldMessage         = "message"
	FieldSecondFactor    = "second_factor_required"
	FieldRevoked         = "revoked_sessions"
)
