// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package onetime

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taibuivan/tradepost/internal/platform/bolt"
	"github.com/taibuivan/tradepost/internal/platform/constants"
)

// BoltBackend implements [Backend] on an embedded bbolt file.
//
// "one-time" holds records under "<purpose>:<hash>"; "one-time-owner" maps
// "<purpose>:<identity>" to the outstanding hash.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend creates the buckets it needs and returns the backend.
func NewBoltBackend(db *bolt.DB) (*BoltBackend, error) {
	if err := db.EnsureBuckets(constants.KeyOneTime, constants.KeyOneTimeOwner); err != nil {
		return nil, fmt.Errorf("bolt_onetime_init_failed: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Name implements [failover.Backend].
func (repository *BoltBackend) Name() string { return "bolt" }

// Ping implements [failover.Backend].
func (repository *BoltBackend) Ping(ctx context.Context) error {
	return repository.db.Ping(ctx)
}

func scoped(purpose, value string) []byte {
	return []byte(purpose + constants.KeySeparator + value)
}

func buckets(tx *bbolt.Tx) (*bbolt.Bucket, *bbolt.Bucket, error) {
	tokens, err := bolt.Bucket(tx, constants.KeyOneTime)
	if err != nil {
		return nil, nil, err
	}
	owners, err := bolt.Bucket(tx, constants.KeyOneTimeOwner)
	if err != nil {
		return nil, nil, err
	}
	return tokens, owners, nil
}

// Put implements [Backend].
func (repository *BoltBackend) Put(ctx context.Context, record Record) error {
	if record.Expired(time.Now()) {
		return nil
	}

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		tokens, owners, err := buckets(tx)
		if err != nil {
			return err
		}

		owner := scoped(record.Purpose, record.Identity)
		if previous := owners.Get(owner); previous != nil {
			if err := tokens.Delete(scoped(record.Purpose, string(previous))); err != nil {
				return err
			}
		}

		if err := bolt.PutJSON(tokens, string(scoped(record.Purpose, record.TokenHash)), record); err != nil {
			return err
		}
		return owners.Put(owner, []byte(record.TokenHash))
	})
	if err != nil {
		return fmt.Errorf("bolt_onetime_put_failed: %w", err)
	}
	return nil
}

// Get implements [Backend].
func (repository *BoltBackend) Get(ctx context.Context, purpose, tokenHash string) (*Record, error) {
	var record *Record

	err := repository.db.View(ctx, func(tx *bbolt.Tx) error {
		tokens, err := bolt.Bucket(tx, constants.KeyOneTime)
		if err != nil {
			return err
		}
		record, err = bolt.GetJSON[Record](tokens, string(scoped(purpose, tokenHash)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt_onetime_get_failed: %w", err)
	}

	if record == nil || record.Expired(time.Now()) {
		return nil, nil
	}
	return record, nil
}

// Take implements [Backend].
func (repository *BoltBackend) Take(ctx context.Context, purpose, tokenHash string) (*Record, error) {
	var record *Record

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		tokens, owners, err := buckets(tx)
		if err != nil {
			return err
		}

		key := scoped(purpose, tokenHash)
		record, err = bolt.GetJSON[Record](tokens, string(key))
		if err != nil || record == nil {
			return err
		}

		if err := tokens.Delete(key); err != nil {
			return err
		}

		owner := scoped(purpose, record.Identity)
		if string(owners.Get(owner)) == tokenHash {
			return owners.Delete(owner)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt_onetime_take_failed: %w", err)
	}

	if record == nil || record.Expired(time.Now()) {
		return nil, nil
	}
	return record, nil
}

// Revoke implements [Backend].
func (repository *BoltBackend) Revoke(ctx context.Context, purpose, identity string) error {
	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		tokens, owners, err := buckets(tx)
		if err != nil {
			return err
		}

		owner := scoped(purpose, identity)
		if current := owners.Get(owner); current != nil {
			if err := tokens.Delete(scoped(purpose, string(current))); err != nil {
				return err
			}
		}
		return owners.Delete(owner)
	})
	if err != nil {
		return fmt.Errorf("bolt_onetime_revoke_failed: %w", err)
	}
	return nil
}

// Sweep removes expired tokens and the owner pointers that name them.
func (repository *BoltBackend) Sweep(ctx context.Context) (int64, error) {
	var removed int64
	now := time.Now()

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		tokens, owners, err := buckets(tx)
		if err != nil {
			return err
		}

		var expiredOwners []*Record
		removed, err = bolt.SweepJSON(tokens, func(record *Record) bool {
			if record.Expired(now) {
				expiredOwners = append(expiredOwners, record)
				return true
			}
			return false
		})
		if err != nil {
			return err
		}

		for _, record := range expiredOwners {
			owner := scoped(record.Purpose, record.Identity)
			if string(owners.Get(owner)) == record.TokenHash {
				if err := owners.Delete(owner); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt_onetime_sweep_failed: %w", err)
	}
	return removed, nil
}
