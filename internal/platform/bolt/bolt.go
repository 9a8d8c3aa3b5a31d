// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package bolt wraps an embedded bbolt file used as the durable fallback backend
on single-node deployments and in tests.

bbolt has no native expiry. Stores built on it keep an expiry instant inside
each value, treat passed instants as absent on read, and remove them in Sweep.
*/
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// openTimeout bounds the wait for the file lock held by another process.
const openTimeout = 2 * time.Second

// ErrBucketMissing is returned when a store touches a bucket it never created.
var ErrBucketMissing = errors.New("bolt: bucket missing")

// DB is a handle on one bbolt file.
type DB struct {
	db *bbolt.DB
}

// Open opens (or creates) the file at path and its parent directory.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("bolt: failed to create directory %s: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: failed to open %s: %w", path, err)
	}

	return &DB{db: db}, nil
}

// Close releases the file lock.
func (d *DB) Close() error {
	return d.db.Close()
}

// EnsureBuckets creates every named bucket that does not exist yet.
func (d *DB) EnsureBuckets(names ...string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("bolt: failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Ping succeeds while the file is open and readable.
func (d *DB) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(func(*bbolt.Tx) error { return nil })
}

// Update runs fn in a read-write transaction. bbolt serializes writers, so
// everything inside fn is atomic with respect to other Update calls.
func (d *DB) Update(ctx context.Context, fn func(*bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(*bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// # Bucket Helpers

// Bucket returns the named bucket or [ErrBucketMissing].
func Bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	bucket := tx.Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketMissing, name)
	}
	return bucket, nil
}

// PutJSON stores value under key as JSON.
func PutJSON(bucket *bbolt.Bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bolt: failed to marshal %s: %w", key, err)
	}
	if err := bucket.Put([]byte(key), data); err != nil {
		return fmt.Errorf("bolt: failed to put %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the value under key. A missing key is (nil, nil).
func GetJSON[T any](bucket *bbolt.Bucket, key string) (*T, error) {
	data := bucket.Get([]byte(key))
	if data == nil {
		return nil, nil
	}

	value := new(T)
	if err := json.Unmarshal(data, value); err != nil {
		return nil, fmt.Errorf("bolt: failed to unmarshal %s: %w", key, err)
	}
	return value, nil
}

// SweepJSON deletes every value in bucket for which expired reports true.
func SweepJSON[T any](bucket *bbolt.Bucket, expired func(*T) bool) (int64, error) {
	var doomed [][]byte

	err := bucket.ForEach(func(key, data []byte) error {
		value := new(T)
		if err := json.Unmarshal(data, value); err != nil || expired(value) {
			doomed = append(doomed, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: sweep scan failed: %w", err)
	}

	// Deleting inside ForEach invalidates the cursor.
	for _, key := range doomed {
		if err := bucket.Delete(key); err != nil {
			return 0, fmt.Errorf("bolt: sweep delete failed: %w", err)
		}
	}

	return int64(len(doomed)), nil
}
