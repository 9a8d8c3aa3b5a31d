// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package otp issues and verifies short numeric passcodes delivered out-of-band.

A passcode is scoped by (purpose, identity) and moves through:

	Absent → Active → Consumed | Expired | AttemptsExhausted

Only the HMAC digest of a code is stored. A verification checks the attempt
cap, compares the digest and then either counts the mismatch or consumes the
record, all as one atomic backend step. Once the counter reaches the cap the
record is deleted on the next verification and the caller must request a new
code.

Storage follows the same dual-backend model as sessions: Redis as primary,
Postgres or bbolt as fallback, selected by a [failover.Switch].
*/
package otp

import (
	"context"
	"time"

	"github.com/taibuivan/tradepost/internal/platform/failover"
)

// StoreName labels this store in logs and metrics.
const StoreName = "otp"

// # Purposes

// Purpose names the flow a passcode belongs to. Codes never cross purposes.
type Purpose string

const (
	PurposeEmailVerification  Purpose = "email_verification"
	PurposePasswordReset      Purpose = "password_reset"
	PurposeSellerVerification Purpose = "seller_verification"
	PurposeLogin2FA           Purpose = "login_2fa"
)

// Purposes lists every known purpose.
var Purposes = []Purpose{
	PurposeEmailVerification,
	PurposePasswordReset,
	PurposeSellerVerification,
	PurposeLogin2FA,
}

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	for _, known := range Purposes {
		if p == known {
			return true
		}
	}
	return false
}

// String implements [fmt.Stringer].
func (p Purpose) String() string { return string(p) }

// # Domain Entities

// Metadata is optional client information captured at issuance.
type Metadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Record is one active passcode.
type Record struct {
	Purpose    Purpose   `json:"purpose"`
	Identity   string    `json:"identity"`
	CodeDigest string    `json:"code_digest"`
	Attempts   int       `json:"attempts"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at instant now.
func (record *Record) Expired(now time.Time) bool {
	return !record.ExpiresAt.After(now)
}

// cooldownEntry is the durable shape of a cooldown flag.
type cooldownEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// # Verification

// Outcome is the result of one atomic verification step.
type Outcome int

const (
	// OutcomeAbsent means no live record exists.
	OutcomeAbsent Outcome = iota

	// OutcomeExhausted means the cap was already reached; the record is now deleted.
	OutcomeExhausted

	// OutcomeMismatch means the digest differed; the attempt was counted.
	OutcomeMismatch

	// OutcomeMatch means the digest matched; the record is deleted when consuming.
	OutcomeMatch
)

// Attempt is one guess at the passcode of (Purpose, Identity).
type Attempt struct {
	Purpose     Purpose
	Identity    string
	Digest      string
	MaxAttempts int
	Consume     bool
}

// Verdict reports what a verification step did.
type Verdict struct {
	Outcome Outcome

	// Attempts is the failed-attempt count after the step.
	Attempts int
}

// # Backend Contract

// Backend is implemented by every passcode storage engine.
//
// Absent or expired records are reported as nil / zero, never as errors.
type Backend interface {
	failover.Backend

	// Put replaces any record for (record.Purpose, record.Identity) and resets its attempts to zero.
	Put(context context.Context, record Record) error

	// Get returns the live record with its current attempt count, or nil.
	Get(context context.Context, purpose Purpose, identity string) (*Record, error)

	/*
		Verify checks the cap, compares the digest and applies the result in one
		atomic step.

		Only a mismatch increments the counter. Of any number of concurrent
		calls, at most MaxAttempts observe [OutcomeMismatch], and of concurrent
		consuming calls with the right digest exactly one observes [OutcomeMatch].
	*/
	Verify(context context.Context, attempt Attempt) (Verdict, error)

	// Delete removes the record for (purpose, identity), if any.
	Delete(context context.Context, purpose Purpose, identity string) error

	/*
		AcquireCooldown sets the cooldown flag for ttl unless a live one exists.

		Returns 0 when the flag was acquired, otherwise the time left on the
		existing flag.
	*/
	AcquireCooldown(context context.Context, purpose Purpose, identity string, ttl time.Duration) (time.Duration, error)

	// ReleaseCooldown clears the cooldown flag.
	ReleaseCooldown(context context.Context, purpose Purpose, identity string) error
}
