// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ctxutil_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/tradepost/internal/platform/ctxutil"
	"github.com/taibuivan/tradepost/internal/platform/sec"
)

/*
TestContext_RequestID verifies that Request IDs can be injected and retrieved.
*/
func TestContext_RequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "test-request-id"

	// 1. Initially should be empty
	assert.Empty(t, ctxutil.GetRequestID(ctx))

	// 2. Inject and retrieve
	ctx = ctxutil.WithRequestID(ctx, requestID)
	assert.Equal(t, requestID, ctxutil.GetRequestID(ctx))
}

/*
TestContext_Logger verifies that a custom logger can be stored in context.
*/
func TestContext_Logger(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	assert.Equal(t, slog.Default(), ctxutil.GetLogger(ctx))

	ctx = ctxutil.WithLogger(ctx, logger)
	assert.Equal(t, logger, ctxutil.GetLogger(ctx))
}

/*
TestContext_Claims verifies that access claims travel with their raw token.
*/
func TestContext_Claims(t *testing.T) {
	ctx := context.Background()
	claims := &sec.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123", ID: "jti-1"},
		Role:             "admin",
	}

	// 1. Anonymous request
	assert.Nil(t, ctxutil.GetClaims(ctx))
	assert.Empty(t, ctxutil.GetAccessToken(ctx))

	// 2. Inject and retrieve
	ctx = ctxutil.WithClaims(ctx, claims, "raw.jwt.value")
	retrieved := ctxutil.GetClaims(ctx)

	require.NotNil(t, retrieved)
	assert.Equal(t, "user-123", retrieved.UserID())
	assert.Equal(t, "admin", retrieved.Role)
	assert.Equal(t, "raw.jwt.value", ctxutil.GetAccessToken(ctx))
}
