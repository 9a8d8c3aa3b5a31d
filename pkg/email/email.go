// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package email canonicalizes addresses so one mailbox maps to one identity.
//
// # Usage
//
// Every lookup, uniqueness check and OTP scope goes through [Normalize], so
// "Ann@Example.COM" and "ann@example.com" are the same account.
package email

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// composer is stateless and shared.
var composer = norm.NFC

// Normalize returns the canonical form of address.
//
// # Transformation Pipeline
//
// 1. Trims surrounding whitespace.
// 2. Normalizes to NFC (composes "e" + combining acute into "é").
// 3. Applies Unicode case folding.
func Normalize(address string) string {
	// 1. Trim
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}

	// 2. Compose
	result, _, err := transform.String(composer, address)
	if err != nil {
		result = address
	}

	// 3. Fold
	return cases.Fold().String(result)
}

// Equal reports whether a and b name the same mailbox.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
