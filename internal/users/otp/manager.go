// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/metrics"
	"github.com/taibuivan/tradepost/internal/platform/notify"
	"github.com/taibuivan/tradepost/internal/platform/sec"
	"github.com/taibuivan/tradepost/internal/platform/validate"
)

// Options configures a [Manager].
type Options struct {
	Secret      []byte
	Digits      int
	TTL         time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

// Manager implements the passcode state machine over a dual backend.
type Manager struct {
	backends *failover.Switch[Backend]
	sender   notify.Sender
	options  Options
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewManager creates a passcode manager.
func NewManager(backends *failover.Switch[Backend], sender notify.Sender, options Options, metricsRegistry *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		backends: backends,
		sender:   sender,
		options:  options,
		metrics:  metricsRegistry,
		logger:   logger,
	}
}

// Digits returns the configured code length.
func (manager *Manager) Digits() int { return manager.options.Digits }

// # Issuance

/*
Generate issues a code for (purpose, identity) and hands it to the sender.

A request inside the cooldown window fails only while the previous code is
still active; once that code is consumed or expired a new one may be issued.

Parameters:
  - ctx: context.Context
  - identity: string (Normalized email or user id)
  - purpose: Purpose
  - metadata: Metadata

Returns:
  - error: apperr.CooldownActive, apperr.Unprocessable on delivery failure, apperr.Unavailable
*/
func (manager *Manager) Generate(ctx context.Context, identity string, purpose Purpose, metadata Metadata) error {
	remaining, err := manager.acquireCooldown(ctx, purpose, identity)
	if err != nil {
		return err
	}

	if remaining > 0 {
		record, err := manager.get(ctx, purpose, identity)
		if err != nil {
			return err
		}
		if record != nil {
			return manager.cooldownError(purpose, remaining)
		}

		// Stale flag from a consumed code: take it over
		if err := manager.releaseCooldown(ctx, purpose, identity); err != nil {
			return err
		}
		if remaining, err = manager.acquireCooldown(ctx, purpose, identity); err != nil {
			return err
		}
		if remaining > 0 {
			return manager.cooldownError(purpose, remaining)
		}
	}

	return manager.issue(ctx, identity, purpose, metadata)
}

/*
Resend discards any outstanding code and issues a fresh one.

The cooldown applies regardless of the previous code's state, measured from
the last successful send.
*/
func (manager *Manager) Resend(ctx context.Context, identity string, purpose Purpose, metadata Metadata) error {
	remaining, err := manager.acquireCooldown(ctx, purpose, identity)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return manager.cooldownError(purpose, remaining)
	}

	return manager.issue(ctx, identity, purpose, metadata)
}

// issue runs with the cooldown flag already held by the caller.
func (manager *Manager) issue(ctx context.Context, identity string, purpose Purpose, metadata Metadata) error {
	code, err := sec.GenerateNumericCode(manager.options.Digits)
	if err != nil {
		_ = manager.releaseCooldown(ctx, purpose, identity)
		return apperr.Internal(err)
	}

	now := time.Now()
	record := Record{
		Purpose:    purpose,
		Identity:   identity,
		CodeDigest: manager.digest(purpose, identity, code),
		Metadata:   metadata,
		CreatedAt:  now,
		ExpiresAt:  now.Add(manager.options.TTL),
	}

	// Replaces any stale record and resets its attempt counter
	err = manager.backends.Exec(ctx, func(callCtx context.Context, backend Backend) error {
		return backend.Put(callCtx, record)
	})
	if err != nil {
		_ = manager.releaseCooldown(ctx, purpose, identity)
		return err
	}

	message := notify.Message{
		Recipient: identity,
		Purpose:   purpose.String(),
		Kind:      notify.KindCode,
		Secret:    code,
	}
	if err := manager.sender.Send(ctx, message); err != nil {
		manager.rollback(ctx, purpose, identity)
		manager.metrics.OTPEvent(purpose.String(), metrics.EventDeliveryKO)
		manager.logger.WarnContext(ctx, "otp_delivery_failed",
			slog.String("purpose", purpose.String()),
			slog.Any("error", err),
		)
		return apperr.Unprocessable("The code could not be delivered. Try again.")
	}

	manager.metrics.OTPEvent(purpose.String(), metrics.EventIssued)
	manager.logger.InfoContext(ctx, "otp_issued",
		slog.String("purpose", purpose.String()),
		slog.Time("expires_at", record.ExpiresAt),
	)
	return nil
}

// rollback treats an undelivered code as never issued.
func (manager *Manager) rollback(ctx context.Context, purpose Purpose, identity string) {
	err := manager.backends.Exec(ctx, func(callCtx context.Context, backend Backend) error {
		return backend.Delete(callCtx, purpose, identity)
	})
	if err == nil {
		err = manager.releaseCooldown(ctx, purpose, identity)
	}
	if err != nil {
		manager.logger.ErrorContext(ctx, "otp_rollback_failed",
			slog.String("purpose", purpose.String()),
			slog.Any("error", err),
		)
	}
}

// # Verification

/*
Verify checks a submitted code.

With consume true a match deletes the record. With consume false a match
leaves the record and its attempt counter untouched, so the same code can be
checked again later in the flow. Only mismatches count against the cap.

Returns:
  - error: apperr.ValidationError, apperr.Unauthorized (absent or expired),
    apperr.AttemptsExhausted, apperr.InvalidCode, apperr.Unavailable
*/
func (manager *Manager) Verify(ctx context.Context, identity string, purpose Purpose, code string, consume bool) error {
	if !validate.IsDigits(code, manager.options.Digits) {
		return apperr.ValidationError("Invalid code", apperr.FieldError{
			Field:   "code",
			Message: fmt.Sprintf("must be exactly %d digits", manager.options.Digits),
		})
	}

	attempt := Attempt{
		Purpose:     purpose,
		Identity:    identity,
		Digest:      manager.digest(purpose, identity, code),
		MaxAttempts: manager.options.MaxAttempts,
		Consume:     consume,
	}

	verdict, err := failover.Fetch(ctx, manager.backends, func(callCtx context.Context, backend Backend) (Verdict, error) {
		return backend.Verify(callCtx, attempt)
	})
	if err != nil {
		return err
	}

	switch verdict.Outcome {
	case OutcomeExhausted:
		// Spent budget: the record is dead even for a correct code
		manager.metrics.OTPEvent(purpose.String(), metrics.EventExhausted)
		return apperr.AttemptsExhausted()

	case OutcomeMismatch:
		manager.metrics.OTPEvent(purpose.String(), metrics.EventMismatch)
		return apperr.InvalidCode(max(manager.options.MaxAttempts-verdict.Attempts, 0))

	case OutcomeMatch:
		manager.metrics.OTPEvent(purpose.String(), metrics.EventVerified)
		return nil

	default:
		return errCodeInvalidOrExpired()
	}
}

// Purge deletes the records of identity on every backend that answers, for the
// given purposes or for every purpose when none are named.
func (manager *Manager) Purge(ctx context.Context, identity string, purposes ...Purpose) error {
	if len(purposes) == 0 {
		purposes = Purposes
	}

	var errs []error
	for _, purpose := range purposes {
		err := manager.backends.ExecAll(ctx, func(callCtx context.Context, backend Backend) error {
			return backend.Delete(callCtx, purpose, identity)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status reports backend health for readiness checks.
func (manager *Manager) Status(ctx context.Context) failover.Status {
	return manager.backends.Status(ctx)
}

// Sweep removes expired rows from backends without native expiry.
func (manager *Manager) Sweep(ctx context.Context) (int64, error) {
	return manager.backends.Sweep(ctx)
}

// # Internal Helpers

func (manager *Manager) digest(purpose Purpose, identity, code string) string {
	return sec.DigestCode(manager.options.Secret, purpose.String()+":"+identity, code)
}

func (manager *Manager) get(ctx context.Context, purpose Purpose, identity string) (*Record, error) {
	return failover.Fetch(ctx, manager.backends, func(callCtx context.Context, backend Backend) (*Record, error) {
		return backend.Get(callCtx, purpose, identity)
	})
}

func (manager *Manager) acquireCooldown(ctx context.Context, purpose Purpose, identity string) (time.Duration, error) {
	return failover.Fetch(ctx, manager.backends, func(callCtx context.Context, backend Backend) (time.Duration, error) {
		return backend.AcquireCooldown(callCtx, purpose, identity, manager.options.Cooldown)
	})
}

func (manager *Manager) releaseCooldown(ctx context.Context, purpose Purpose, identity string) error {
	return manager.backends.Exec(ctx, func(callCtx context.Context, backend Backend) error {
		return backend.ReleaseCooldown(callCtx, purpose, identity)
	})
}

func (manager *Manager) cooldownError(purpose Purpose, remaining time.Duration) error {
	manager.metrics.OTPEvent(purpose.String(), metrics.EventCooldown)
	return apperr.CooldownActive(max(int(math.Ceil(remaining.Seconds())), 1))
}

func errCodeInvalidOrExpired() error {
	return apperr.Unauthorized("The code is invalid or has expired")
}
