// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/ctxutil"
	"github.com/taibuivan/tradepost/internal/platform/middleware"
	"github.com/taibuivan/tradepost/internal/platform/sec"
)

type stubAuthenticator struct {
	claims *sec.AccessClaims
	err    error
}

func (stub *stubAuthenticator) Authenticate(_ context.Context, _ string) (*sec.AccessClaims, error) {
	return stub.claims, stub.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if claims := ctxutil.GetClaims(request.Context()); claims != nil {
			writer.Header().Set("X-User", claims.UserID())
		}
		writer.WriteHeader(http.StatusOK)
	})
}

func decodeCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	code, _ := body["code"].(string)
	return code
}

/*
TestAuthenticate covers anonymous, valid, revoked and unavailable outcomes.
*/
func TestAuthenticate(t *testing.T) {
	claims := &sec.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9", ID: "jti-9"},
		Role:             string(sec.RoleCustomer),
	}

	tests := []struct {
		name       string
		header     string
		stub       *stubAuthenticator
		wantStatus int
		wantCode   string
		wantUser   string
	}{
		{"anonymous", "", &stubAuthenticator{}, http.StatusOK, "", ""},
		{"bad_scheme", "Basic abc", &stubAuthenticator{}, http.StatusUnauthorized, apperr.CodeUnauthorized, ""},
		{"valid", "Bearer token", &stubAuthenticator{claims: claims}, http.StatusOK, "", "user-9"},
		{"revoked", "Bearer token", &stubAuthenticator{err: apperr.Unauthorized("Token has been revoked")}, http.StatusUnauthorized, apperr.CodeUnauthorized, ""},
		{"blocklist_down", "Bearer token", &stubAuthenticator{err: apperr.Unavailable(errors.New("down"))}, http.StatusServiceUnavailable, apperr.CodeUnavailable, ""},
		{"plain_error", "Bearer token", &stubAuthenticator{err: errors.New("parse")}, http.StatusUnauthorized, apperr.CodeUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := middleware.Authenticate(tt.stub)(okHandler())
			request := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				request.Header.Set("Authorization", tt.header)
			}
			recorder := httptest.NewRecorder()

			handler.ServeHTTP(recorder, request)

			assert.Equal(t, tt.wantStatus, recorder.Code)
			assert.Equal(t, tt.wantUser, recorder.Header().Get("X-User"))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeCode(t, recorder))
			}
		})
	}
}

/*
TestRequireRole enforces the role hierarchy.
*/
func TestRequireRole(t *testing.T) {
	withRole := func(role sec.UserRole) *http.Request {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		claims := &sec.AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}, Role: string(role)}
		return request.WithContext(ctxutil.WithClaims(request.Context(), claims, "t"))
	}

	handler := middleware.RequireRole(sec.RoleSeller)(okHandler())

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, withRole(sec.RoleCustomer))
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, withRole(sec.RoleAdmin))
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

/*
TestRateLimiter rejects the request after the burst with Retry-After.
*/
func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := middleware.NewRateLimiter(ctx, 1, 2).Middleware()(okHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.RemoteAddr = "10.0.0.1:5555"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		statuses = append(statuses, recorder.Code)

		if recorder.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", recorder.Header().Get("Retry-After"))
			assert.Equal(t, apperr.CodeRateLimited, decodeCode(t, recorder))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)

	// Another client has its own bucket
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.RemoteAddr = "10.0.0.2:5555"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

/*
TestRealIP prefers proxy headers over the socket address.
*/
func TestRealIP(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", middleware.RealIP(request))

	request.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", middleware.RealIP(request))

	request.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", middleware.RealIP(request))
}
