// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import "context"

// # User Directory

// Directory is the user-record collaborator of the orchestrator.
//
// Lookups return apperr.NotFound when no live account matches. Emails are
// always passed already normalized.
type Directory interface {

	/*
		FindByID returns the account with the given ID.

		Parameters:
		  - context: context.Context
		  - id: string

		Returns:
		  - *User: Hydrated entity
		  - error: apperr.NotFound or retrieval failures
	*/
	FindByID(context context.Context, id string) (*User, error)

	/*
		FindByEmail returns the live account registered under email.

		Parameters:
		  - context: context.Context
		  - email: string (normalized)

		Returns:
		  - *User: Hydrated entity
		  - error: apperr.NotFound or retrieval failures
	*/
	FindByEmail(context context.Context, email string) (*User, error)

	// Create persists a new account. A duplicate email is an apperr.Conflict.
	Create(context context.Context, user *User) error

	// UpdatePassword replaces only the password hash.
	UpdatePassword(context context.Context, id, passwordHash string) error

	// MarkVerified flags the email address as confirmed.
	MarkVerified(context context.Context, id string) error

	// MarkSellerVerified flags the seller profile as confirmed.
	MarkSellerVerified(context context.Context, id string) error
}
