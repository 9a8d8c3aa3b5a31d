// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taibuivan/tradepost/internal/platform/bolt"
	"github.com/taibuivan/tradepost/internal/platform/constants"
)

// BoltBackend implements [Backend] on an embedded bbolt file.
//
// Buckets mirror the Redis namespaces: "refresh" holds records by hash,
// "refresh-owner" holds "<identity>:<hash>" index keys, "refresh-revoked"
// holds "revoked before" markers by identity, "blocklist" holds tombstones by jti.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend creates the buckets it needs and returns the backend.
func NewBoltBackend(db *bolt.DB) (*BoltBackend, error) {
	if err := db.EnsureBuckets(constants.KeyRefresh, constants.KeyRefreshOwner, constants.KeyRefreshRevoked, constants.KeyBlocklist); err != nil {
		return nil, fmt.Errorf("bolt_session_init_failed: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Name implements [failover.Backend].
func (repository *BoltBackend) Name() string { return "bolt" }

// Ping implements [failover.Backend].
func (repository *BoltBackend) Ping(ctx context.Context) error {
	return repository.db.Ping(ctx)
}

func ownerIndexKey(identity, tokenHash string) []byte {
	return []byte(identity + constants.KeySeparator + tokenHash)
}

// StoreRefresh implements [Backend].
func (repository *BoltBackend) StoreRefresh(ctx context.Context, record Record) error {
	if record.Expired(time.Now()) {
		return nil
	}

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		refresh, err := bolt.Bucket(tx, constants.KeyRefresh)
		if err != nil {
			return err
		}
		owners, err := bolt.Bucket(tx, constants.KeyRefreshOwner)
		if err != nil {
			return err
		}

		if err := bolt.PutJSON(refresh, record.TokenHash, record); err != nil {
			return err
		}
		return owners.Put(ownerIndexKey(record.Identity, record.TokenHash), nil)
	})
	if err != nil {
		return fmt.Errorf("bolt_session_store_failed: %w", err)
	}
	return nil
}

// GetRefresh implements [Backend].
func (repository *BoltBackend) GetRefresh(ctx context.Context, tokenHash string) (*Record, error) {
	var record *Record

	err := repository.db.View(ctx, func(tx *bbolt.Tx) error {
		refresh, err := bolt.Bucket(tx, constants.KeyRefresh)
		if err != nil {
			return err
		}
		record, err = bolt.GetJSON[Record](refresh, tokenHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt_session_get_failed: %w", err)
	}

	if record == nil || record.Expired(time.Now()) {
		return nil, nil
	}
	return record, nil
}

// TakeRefresh reads and deletes inside one write transaction; bbolt admits a
// single writer at a time, so concurrent takes cannot both see the record.
func (repository *BoltBackend) TakeRefresh(ctx context.Context, tokenHash string) (*Record, error) {
	var record *Record

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		refresh, err := bolt.Bucket(tx, constants.KeyRefresh)
		if err != nil {
			return err
		}
		owners, err := bolt.Bucket(tx, constants.KeyRefreshOwner)
		if err != nil {
			return err
		}

		record, err = bolt.GetJSON[Record](refresh, tokenHash)
		if err != nil || record == nil {
			return err
		}

		if err := refresh.Delete([]byte(tokenHash)); err != nil {
			return err
		}
		return owners.Delete(ownerIndexKey(record.Identity, tokenHash))
	})
	if err != nil {
		return nil, fmt.Errorf("bolt_session_take_failed: %w", err)
	}

	if record == nil || record.Expired(time.Now()) {
		return nil, nil
	}
	return record, nil
}

// DeleteRefresh implements [Backend].
func (repository *BoltBackend) DeleteRefresh(ctx context.Context, identity, tokenHash string) (bool, error) {
	var removed bool
	now := time.Now()

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		refresh, err := bolt.Bucket(tx, constants.KeyRefresh)
		if err != nil {
			return err
		}
		owners, err := bolt.Bucket(tx, constants.KeyRefreshOwner)
		if err != nil {
			return err
		}

		record, err := bolt.GetJSON[Record](refresh, tokenHash)
		if err != nil || record == nil || record.Identity != identity {
			return err
		}

		if err := refresh.Delete([]byte(tokenHash)); err != nil {
			return err
		}
		removed = !record.Expired(now)
		return owners.Delete(ownerIndexKey(identity, tokenHash))
	})
	if err != nil {
		return false, fmt.Errorf("bolt_session_delete_failed: %w", err)
	}
	return removed, nil
}

// DeleteAllRefresh walks the owner index by prefix and deletes each record it names.
func (repository *BoltBackend) DeleteAllRefresh(ctx context.Context, identity string) (int64, error) {
	var live int64
	now := time.Now()

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		refresh, err := bolt.Bucket(tx, constants.KeyRefresh)
		if err != nil {
			return err
		}
		owners, err := bolt.Bucket(tx, constants.KeyRefreshOwner)
		if err != nil {
			return err
		}

		prefix := []byte(identity + constants.KeySeparator)
		var indexKeys [][]byte

		cursor := owners.Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			indexKeys = append(indexKeys, append([]byte(nil), key...))
		}

		for _, indexKey := range indexKeys {
			tokenHash := string(indexKey[len(prefix):])

			record, err := bolt.GetJSON[Record](refresh, tokenHash)
			if err != nil {
				return err
			}
			if record != nil && !record.Expired(now) {
				live++
			}

			if err := refresh.Delete([]byte(tokenHash)); err != nil {
				return err
			}
			if err := owners.Delete(indexKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt_session_delete_all_failed: %w", err)
	}
	return live, nil
}

// Block implements [Backend].
func (repository *BoltBackend) Block(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	expiresAt := time.Now().Add(ttl)

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		blocklist, err := bolt.Bucket(tx, constants.KeyBlocklist)
		if err != nil {
			return err
		}

		existing, err := bolt.GetJSON[blockEntry](blocklist, jti)
		if err != nil {
			return err
		}
		if existing != nil && existing.ExpiresAt.After(expiresAt) {
			return nil
		}
		return bolt.PutJSON(blocklist, jti, blockEntry{ExpiresAt: expiresAt})
	})
	if err != nil {
		return fmt.Errorf("bolt_blocklist_set_failed: %w", err)
	}
	return nil
}

// IsBlocked implements [Backend].
func (repository *BoltBackend) IsBlocked(ctx context.Context, jti string) (bool, error) {
	var entry *blockEntry

	err := repository.db.View(ctx, func(tx *bbolt.Tx) error {
		blocklist, err := bolt.Bucket(tx, constants.KeyBlocklist)
		if err != nil {
			return err
		}
		entry, err = bolt.GetJSON[blockEntry](blocklist, jti)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("bolt_blocklist_get_failed: %w", err)
	}

	return entry != nil && entry.ExpiresAt.After(time.Now()), nil
}

// RevokeBefore implements [Backend].
func (repository *BoltBackend) RevokeBefore(ctx context.Context, identity string, instant time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	expiresAt := time.Now().Add(ttl)

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		revoked, err := bolt.Bucket(tx, constants.KeyRefreshRevoked)
		if err != nil {
			return err
		}

		entry, err := bolt.GetJSON[revocationEntry](revoked, identity)
		if err != nil {
			return err
		}
		if entry == nil || entry.ExpiresAt.Before(time.Now()) {
			entry = &revocationEntry{}
		}
		if instant.After(entry.RevokedBefore) {
			entry.RevokedBefore = instant
		}
		if expiresAt.After(entry.ExpiresAt) {
			entry.ExpiresAt = expiresAt
		}
		return bolt.PutJSON(revoked, identity, entry)
	})
	if err != nil {
		return fmt.Errorf("bolt_session_revoke_failed: %w", err)
	}
	return nil
}

// RevokedBefore implements [Backend].
func (repository *BoltBackend) RevokedBefore(ctx context.Context, identity string) (time.Time, error) {
	var entry *revocationEntry

	err := repository.db.View(ctx, func(tx *bbolt.Tx) error {
		revoked, err := bolt.Bucket(tx, constants.KeyRefreshRevoked)
		if err != nil {
			return err
		}
		entry, err = bolt.GetJSON[revocationEntry](revoked, identity)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("bolt_session_revoked_get_failed: %w", err)
	}

	if entry == nil || !entry.ExpiresAt.After(time.Now()) {
		return time.Time{}, nil
	}
	return entry.RevokedBefore, nil
}

// Sweep removes expired records, their index entries, revocation markers and tombstones.
func (repository *BoltBackend) Sweep(ctx context.Context) (int64, error) {
	var total int64
	now := time.Now()

	err := repository.db.Update(ctx, func(tx *bbolt.Tx) error {
		refresh, err := bolt.Bucket(tx, constants.KeyRefresh)
		if err != nil {
			return err
		}
		owners, err := bolt.Bucket(tx, constants.KeyRefreshOwner)
		if err != nil {
			return err
		}
		revoked, err := bolt.Bucket(tx, constants.KeyRefreshRevoked)
		if err != nil {
			return err
		}
		blocklist, err := bolt.Bucket(tx, constants.KeyBlocklist)
		if err != nil {
			return err
		}

		var expiredOwners [][]byte
		removed, err := bolt.SweepJSON(refresh, func(record *Record) bool {
			if record.Expired(now) {
				expiredOwners = append(expiredOwners, ownerIndexKey(record.Identity, record.TokenHash))
				return true
			}
			return false
		})
		if err != nil {
			return err
		}
		for _, indexKey := range expiredOwners {
			if err := owners.Delete(indexKey); err != nil {
				return err
			}
		}
		total += removed

		removed, err = bolt.SweepJSON(revoked, func(entry *revocationEntry) bool { return !entry.ExpiresAt.After(now) })
		if err != nil {
			return err
		}
		total += removed

		removed, err = bolt.SweepJSON(blocklist, func(entry *blockEntry) bool { return !entry.ExpiresAt.After(now) })
		total += removed
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bolt_session_sweep_failed: %w", err)
	}
	return total, nil
}
