// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package uuid generates the time-ordered identifiers used for accounts and requests.

Version 7 values sort by creation time, so account primary keys stay
B-tree friendly in PostgreSQL.
*/
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh UUIDv7 string.
func New() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("uuid_generate_failed: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether value parses as a UUID of any version.
func Valid(value string) bool {
	return uuid.Validate(value) == nil
}
