// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordCost is the lowest bcrypt work factor a [PasswordHasher] will use.
const MinPasswordCost = 12

// # Credential Errors

// CredentialError reports a failure of the hashing primitive itself, such as a
// stored hash with a malformed format or a secret the algorithm cannot accept.
type CredentialError struct {
	Op  string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential: %s: %v", e.Op, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// # Password Hasher

// PasswordHasher hashes and compares secrets with bcrypt.
//
// It stores nothing. Hashes embed their own salt and cost, so two calls to [PasswordHasher.Hash]
// with the same secret produce different strings that both verify.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher using the given cost, raised to [MinPasswordCost] if lower.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < MinPasswordCost {
		cost = MinPasswordCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &PasswordHasher{cost: cost}
}

// Cost returns the configured work factor.
func (hasher *PasswordHasher) Cost() int { return hasher.cost }

// Hash applies bcrypt to a plain-text secret.
func (hasher *PasswordHasher) Hash(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), hasher.cost)
	if err != nil {
		return "", &CredentialError{Op: "hash", Err: err}
	}
	return string(hashedBytes), nil
}

// Check compares a plain-text secret with a stored hash.
//
// A mismatch is (false, nil). A hash bcrypt cannot parse is (false, *CredentialError).
func (hasher *PasswordHasher) Check(secret, hashed string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, &CredentialError{Op: "compare", Err: err}
	}
}

// Compare reports whether secret matches hashed. It never fails: malformed input is a mismatch.
func (hasher *PasswordHasher) Compare(secret, hashed string) bool {
	ok, _ := hasher.Check(secret, hashed)
	return ok
}
