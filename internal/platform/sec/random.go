// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// JTIBytes is the entropy of an access-token id (128 bits).
const JTIBytes = 16

// # Random Material

// GenerateSecureToken returns a URL-safe string carrying length bytes of randomness.
func GenerateSecureToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("sec: failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// NewJTI returns a fresh hex-encoded 128-bit token id.
func NewJTI() (string, error) {
	buffer := make([]byte, JTIBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("sec: failed to read jti bytes: %w", err)
	}
	return hex.EncodeToString(buffer), nil
}

// GenerateNumericCode returns a uniformly random code of exactly digits digits.
//
// For 6 digits the range is 100000..999999.
func GenerateNumericCode(digits int) (string, error) {
	if digits < 1 || digits > 18 {
		return "", fmt.Errorf("sec: unsupported code length %d", digits)
	}

	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits-1)), nil)
	high := new(big.Int).Mul(low, big.NewInt(10))
	span := new(big.Int).Sub(high, low)

	offset, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("sec: failed to draw numeric code: %w", err)
	}

	return new(big.Int).Add(low, offset).String(), nil
}

// # Digests

// HashToken returns the hex SHA-256 of an opaque token. Stores key tokens by this value.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DigestCode returns the HMAC-SHA256 of a short code bound to its scope, keyed by a
// server-held secret.
func DigestCode(key []byte, scope, code string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(scope))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualDigest compares two digests in constant time.
func EqualDigest(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
