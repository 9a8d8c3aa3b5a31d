// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package email_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taibuivan/tradepost/pkg/email"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "   ", ""},
		{"trim_and_fold", "  Ann@Example.COM ", "ann@example.com"},
		{"already_canonical", "bob@example.com", "bob@example.com"},
		{"compose_accent", "rémi@example.com", "rémi@example.com"},
		{"fold_sharp_s", "STRASSE@example.com", "strasse@example.com"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, email.Normalize(tc.input))
		})
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, email.Equal("Ann@Example.com", "ann@example.COM"))
	assert.True(t, email.Equal("rémi@example.com", "RÉMI@example.com"))
	assert.False(t, email.Equal("ann@example.com", "anne@example.com"))
}
