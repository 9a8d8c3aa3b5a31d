// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package otp

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taibuivan/tradepost/internal/platform/bolt"
	"github.com/taibuivan/tradepost/internal/platform/constants"
	"github.com/taibuivan/tradepost/internal/platform/sec"
)

// BoltBackend implements [Backend] on an embedded bbolt file.
//
// Records live in the "otp" bucket under "<purpose>:<identity>" with the
// attempt counter inline; cooldown flags live in "otp-cooldown".
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend creates the buckets it needs and returns the backend.
func NewBoltBackend(db *bolt.DB) (*BoltBackend, error) {
	if err := db.EnsureBuckets(constants.KeyOTP, constants.KeyOTPCooldown); err != nil {
		return nil, fmt.Errorf("bolt_otp_init_failed: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Name implements [failover.Backend].
func (repository *BoltBackend) Name() string { return "bolt" }

// Ping implements [failover.Backend].
func (repository *BoltBackend) Ping(ctx context.Context) error {
	return repository.db.Ping(ctx)
}

func scopeKey(purpose Purpose, identity string) string {
	return purpose.String() + constants.KeySeparator + identity
}

// readLive loads a record and drops it when expired.
func readLive(bucket *bbolt.Bucket, key string, now time.Time) (*Record, error) {
	record, err := bolt.GetJSON[Record](bucket, key)
	if err != nil || record == nil {
		return nil, err
	}
	if record.Expired(now) {
		return nil, nil
	}
	return record, nil
}

// Put implements [Backend].
func (repository *BoltBackend) Put(ctx context.Context, record Record) error {
	if record.Expired(time.Now()) {
		return nil
	}
	record.Attempts = 0

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		bucket, err := bolt.Bucket(tx, constants.KeyOTP)
		if err != nil {
			return err
		}
		return bolt.PutJSON(bucket, scopeKey(record.Purpose, record.Identity), record)
	})
	if err != nil {
		return fmt.Errorf("bolt_otp_put_failed: %w", err)
	}
	return nil
}

// Get implements [Backend].
func (repository *BoltBackend) Get(ctx context.Context, purpose Purpose, identity string) (*Record, error) {
	var record *Record

	err := repository.db.View(ctx, func(tx *bbolt.Tx) error {
		bucket, err := bolt.Bucket(tx, constants.KeyOTP)
		if err != nil {
			return err
		}
		record, err = readLive(bucket, scopeKey(purpose, identity), time.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt_otp_get_failed: %w", err)
	}
	return record, nil
}

// Verify reads, compares and rewrites the record inside one write transaction;
// bbolt admits a single writer, so concurrent guesses run one after another.
func (repository *BoltBackend) Verify(ctx context.Context, attempt Attempt) (Verdict, error) {
	var verdict Verdict

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		bucket, err := bolt.Bucket(tx, constants.KeyOTP)
		if err != nil {
			return err
		}

		key := scopeKey(attempt.Purpose, attempt.Identity)
		record, err := readLive(bucket, key, time.Now())
		if err != nil {
			return err
		}

		switch {
		case record == nil:
			verdict = Verdict{Outcome: OutcomeAbsent}
			return nil

		case record.Attempts >= attempt.MaxAttempts:
			verdict = Verdict{Outcome: OutcomeExhausted, Attempts: record.Attempts}
			return bucket.Delete([]byte(key))

		case !sec.EqualDigest(record.CodeDigest, attempt.Digest):
			record.Attempts++
			verdict = Verdict{Outcome: OutcomeMismatch, Attempts: record.Attempts}
			return bolt.PutJSON(bucket, key, record)

		default:
			verdict = Verdict{Outcome: OutcomeMatch, Attempts: record.Attempts}
			if !attempt.Consume {
				return nil
			}
			return bucket.Delete([]byte(key))
		}
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("bolt_otp_verify_failed: %w", err)
	}
	return verdict, nil
}

// Delete implements [Backend].
func (repository *BoltBackend) Delete(ctx context.Context, purpose Purpose, identity string) error {
	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		bucket, err := bolt.Bucket(tx, constants.KeyOTP)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(scopeKey(purpose, identity)))
	})
	if err != nil {
		return fmt.Errorf("bolt_otp_delete_failed: %w", err)
	}
	return nil
}

// AcquireCooldown implements [Backend].
func (repository *BoltBackend) AcquireCooldown(ctx context.Context, purpose Purpose, identity string, ttl time.Duration) (time.Duration, error) {
	var remaining time.Duration

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		bucket, err := bolt.Bucket(tx, constants.KeyOTPCooldown)
		if err != nil {
			return err
		}

		key := scopeKey(purpose, identity)
		existing, err := bolt.GetJSON[cooldownEntry](bucket, key)
		if err != nil {
			return err
		}

		now := time.Now()
		if existing != nil && existing.ExpiresAt.After(now) {
			remaining = existing.ExpiresAt.Sub(now)
			return nil
		}
		return bolt.PutJSON(bucket, key, cooldownEntry{ExpiresAt: now.Add(ttl)})
	})
	if err != nil {
		return 0, fmt.Errorf("bolt_otp_cooldown_failed: %w", err)
	}
	return remaining, nil
}

// ReleaseCooldown implements [Backend].
func (repository *BoltBackend) ReleaseCooldown(ctx context.Context, purpose Purpose, identity string) error {
	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		bucket, err := bolt.Bucket(tx, constants.KeyOTPCooldown)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(scopeKey(purpose, identity)))
	})
	if err != nil {
		return fmt.Errorf("bolt_otp_cooldown_release_failed: %w", err)
	}
	return nil
}

// Sweep removes expired passcodes and cooldown flags.
func (repository *BoltBackend) Sweep(ctx context.Context) (int64, error) {
	var total int64
	now := time.Now()

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		records, err := bolt.Bucket(tx, constants.KeyOTP)
		if err != nil {
			return err
		}
		cooldowns, err := bolt.Bucket(tx, constants.KeyOTPCooldown)
		if err != nil {
			return err
		}

		removed, err := bolt.SweepJSON(records, func(record *Record) bool { return record.Expired(now) })
		if err != nil {
			return err
		}
		total += removed

		removed, err = bolt.SweepJSON(cooldowns, func(entry *cooldownEntry) bool { return !entry.ExpiresAt.After(now) })
		total += removed
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bolt_otp_sweep_failed: %w", err)
	}
	return total, nil
}
