// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/bolt"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/metrics"
	"github.com/taibuivan/tradepost/internal/platform/notify"
	"github.com/taibuivan/tradepost/internal/platform/sec"
	"github.com/taibuivan/tradepost/internal/users/auth"
	"github.com/taibuivan/tradepost/internal/users/onetime"
	"github.com/taibuivan/tradepost/internal/users/otp"
	"github.com/taibuivan/tradepost/internal/users/session"
)

const (
	accessTTL = 15 * time.Minute
	password  = "correct horse battery"
)

var meta = auth.Metadata{IP: "203.0.113.7", UserAgent: "auth-test"}

// # In-memory Directory

type memDirectory struct {
	mu    sync.Mutex
	users map[string]auth.User
}

func newMemDirectory() *memDirectory {
	return &memDirectory{users: make(map[string]auth.User)}
}

func (directory *memDirectory) FindByID(_ context.Context, id string) (*auth.User, error) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	user, ok := directory.users[id]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	return &user, nil
}

func (directory *memDirectory) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	for _, user := range directory.users {
		if user.Email == email {
			found := user
			return &found, nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (directory *memDirectory) Create(_ context.Context, user *auth.User) error {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	for _, existing := range directory.users {
		if existing.Email == user.Email {
			return apperr.Conflict("Email is already registered")
		}
	}
	directory.users[user.ID] = *user
	return nil
}

func (directory *memDirectory) update(id string, mutate func(*auth.User)) error {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	user, ok := directory.users[id]
	if !ok {
		return apperr.NotFound("User")
	}
	mutate(&user)
	directory.users[id] = user
	return nil
}

func (directory *memDirectory) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return directory.update(id, func(user *auth.User) { user.PasswordHash = passwordHash })
}

func (directory *memDirectory) MarkVerified(_ context.Context, id string) error {
	return directory.update(id, func(user *auth.User) { user.IsVerified = true })
}

func (directory *memDirectory) MarkSellerVerified(_ context.Context, id string) error {
	return directory.update(id, func(user *auth.User) { user.IsSellerVerified = true })
}

// # Capturing Sender

type captureSender struct {
	mu      sync.Mutex
	secrets map[string]string
	sent    int
	fail    atomic.Bool
}

func (sender *captureSender) Send(_ context.Context, message notify.Message) error {
	if sender.fail.Load() {
		return errors.New("smtp: connection refused")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.secrets[message.Purpose+"/"+message.Recipient] = message.Secret
	sender.sent++
	return nil
}

func (sender *captureSender) secret(purpose, recipient string) string {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return sender.secrets[purpose+"/"+recipient]
}

func (sender *captureSender) count() int {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return sender.sent
}

// # Harness

type harness struct {
	service   *auth.Service
	directory *memDirectory
	sender    *captureSender
	redis     *miniredis.Miniredis
	boltDB    *bolt.DB
}

func newHarness(t *testing.T) harness {
	t.Helper()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	db, err := bolt.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := metrics.New()
	switchOptions := failover.Options{Timeout: time.Second, Metrics: registry, Logger: logger}

	sessionBolt, err := session.NewBoltBackend(db)
	require.NoError(t, err)
	otpBolt, err := otp.NewBoltBackend(db)
	require.NoError(t, err)
	onetimeBolt, err := onetime.NewBoltBackend(db)
	require.NoError(t, err)

	sender := &captureSender{secrets: make(map[string]string)}

	sessions := session.NewStore(
		failover.New[session.Backend](session.StoreName, session.NewRedisBackend(client), sessionBolt, switchOptions),
		time.Hour,
	)
	codes := otp.NewManager(
		failover.New[otp.Backend](otp.StoreName, otp.NewRedisBackend(client), otpBolt, switchOptions),
		sender,
		otp.Options{Secret: []byte("auth-test-secret"), Digits: 6, TTL: 10 * time.Minute, MaxAttempts: 5, Cooldown: time.Minute},
		registry,
		logger,
	)
	links := onetime.NewIssuer(
		failover.New[onetime.Backend](onetime.StoreName, onetime.NewRedisBackend(client), onetimeBolt, switchOptions),
		onetime.Options{DefaultTTL: 30 * time.Minute},
	)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	directory := newMemDirectory()
	service := auth.NewService(auth.Dependencies{
		Directory:     directory,
		Hasher:        sec.NewPasswordHasher(sec.MinPasswordCost),
		Tokens:        sec.NewTokenServiceFromKey(key, "tradepost.test", accessTTL, time.Hour),
		Sessions:      sessions,
		Codes:         codes,
		Links:         links,
		Sender:        sender,
		Logger:        logger,
		PublicBaseURL: "https://tradepost.test/",
	})

	return harness{service: service, directory: directory, sender: sender, redis: server, boltDB: db}
}

func (h harness) register(t *testing.T, email string, role sec.UserRole) *auth.Session {
	t.Helper()
	issued, err := h.service.Register(context.Background(), auth.RegisterInput{
		Email:    email,
		Password: password,
		Role:     role,
		Metadata: meta,
	})
	require.NoError(t, err)
	return issued
}

func (h harness) login(t *testing.T, email, secret string) *auth.Session {
	t.Helper()
	result, err := h.service.Login(context.Background(), auth.LoginInput{Email: email, Password: secret, Metadata: meta})
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	return result.Session
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, code), "want %s, got %v", code, err)
}

// # Registration & Login

/*
TestService_RegisterAndLogin covers enrollment, normalization and authentication.
*/
func TestService_RegisterAndLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "  Ann@Example.COM ", "")
	assert.Equal(t, "ann@example.com", issued.User.Email)
	assert.Equal(t, sec.RoleCustomer, issued.User.Role)
	assert.NotEmpty(t, issued.RefreshToken)

	// The stored hash is never the plaintext
	stored, err := h.directory.FindByID(ctx, issued.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, password, stored.PasswordHash)

	_, err = h.service.Register(ctx, auth.RegisterInput{Email: "ANN@example.com", Password: password})
	assertCode(t, err, apperr.CodeConflict)

	session := h.login(t, "ann@EXAMPLE.com", password)
	claims, err := h.service.Authenticate(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, issued.User.ID, claims.UserID())
	assert.Equal(t, string(sec.RoleCustomer), claims.Role)
	assert.Equal(t, session.JTI, claims.ID)
	assert.NotEqual(t, issued.JTI, session.JTI)
}

/*
TestService_RegisterRejectsPrivilegedRole keeps admin out of self-service signup.
*/
func TestService_RegisterRejectsPrivilegedRole(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Register(context.Background(), auth.RegisterInput{
		Email:    "root@example.com",
		Password: password,
		Role:     sec.RoleAdmin,
	})
	assertCode(t, err, apperr.CodeValidation)
}

/*
TestService_LoginGenericErrors returns one error for every failed login.
*/
func TestService_LoginGenericErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "bob@example.com", "")
	suspended := h.register(t, "eve@example.com", "")
	require.NoError(t, h.directory.update(suspended.User.ID, func(user *auth.User) { user.Status = auth.StatusSuspended }))

	cases := []struct {
		name  string
		email string
		pass  string
	}{
		{"unknown_email", "nobody@example.com", password},
		{"wrong_password", "bob@example.com", "not the password"},
		{"suspended_account", "eve@example.com", password},
	}

	var messages []string
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.Login(ctx, auth.LoginInput{Email: tc.email, Password: tc.pass})
			assertCode(t, err, apperr.CodeUnauthorized)
			messages = append(messages, err.Error())
		})
	}

	require.Len(t, messages, len(cases))
	for _, message := range messages {
		assert.Equal(t, messages[0], message)
	}

	// Valid credentials still work
	assert.Equal(t, issued.User.ID, h.login(t, "bob@example.com", password).User.ID)
}

// # Rotation

/*
TestService_RefreshRotation rejects a rotated refresh token.
*/
func TestService_RefreshRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.register(t, "carol@example.com", "")

	second, err := h.service.Refresh(ctx, first.RefreshToken, meta)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.JTI, second.JTI)

	_, err = h.service.Refresh(ctx, first.RefreshToken, meta)
	assertCode(t, err, apperr.CodeUnauthorized)

	third, err := h.service.Refresh(ctx, second.RefreshToken, meta)
	require.NoError(t, err)
	assert.NotEmpty(t, third.AccessToken)

	_, err = h.service.Refresh(ctx, "never-issued", meta)
	assertCode(t, err, apperr.CodeUnauthorized)
}

/*
TestService_ConcurrentRefresh lets exactly one racing rotation win.
*/
func TestService_ConcurrentRefresh(t *testing.T) {
	h := newHarness(t)
	issued := h.register(t, "dave@example.com", "")

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.service.Refresh(context.Background(), issued.RefreshToken, meta); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

/*
TestService_RefreshSuspendedAccount ends the session of a suspended user.
*/
func TestService_RefreshSuspendedAccount(t *testing.T) {
	h := newHarness(t)
	issued := h.register(t, "frank@example.com", "")
	require.NoError(t, h.directory.update(issued.User.ID, func(user *auth.User) { user.Status = auth.StatusSuspended }))

	_, err := h.service.Refresh(context.Background(), issued.RefreshToken, meta)
	assertCode(t, err, apperr.CodeUnauthorized)
}

// # Logout

/*
TestService_LogoutBlocksAccessToken blocks the jti for its remaining life.
*/
func TestService_LogoutBlocksAccessToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "gina@example.com", "")
	claims, err := h.service.Authenticate(ctx, issued.AccessToken)
	require.NoError(t, err)

	revoked, err := h.service.Logout(ctx, auth.LogoutInput{
		Identity:        claims.UserID(),
		RefreshToken:    issued.RefreshToken,
		JTI:             claims.ID,
		AccessExpiresAt: claims.Expiry(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)

	// The token has not expired, but it is no longer accepted
	_, err = h.service.Authenticate(ctx, issued.AccessToken)
	assertCode(t, err, apperr.CodeUnauthorized)

	ttl := h.redis.TTL("blocklist:" + claims.ID)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, accessTTL)

	_, err = h.service.Refresh(ctx, issued.RefreshToken, meta)
	assertCode(t, err, apperr.CodeUnauthorized)
}

/*
TestService_LogoutEverywhere revokes every session of the identity.
*/
func TestService_LogoutEverywhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.register(t, "hank@example.com", "")
	second := h.login(t, "hank@example.com", password)
	other := h.register(t, "iris@example.com", "")

	revoked, err := h.service.Logout(ctx, auth.LogoutInput{
		Identity:        first.User.ID,
		JTI:             second.JTI,
		AccessExpiresAt: second.AccessExpiresAt,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), revoked)

	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := h.service.Refresh(ctx, token, meta)
		assertCode(t, err, apperr.CodeUnauthorized)
	}

	// Other identities are untouched
	_, err = h.service.Refresh(ctx, other.RefreshToken, meta)
	require.NoError(t, err)
}

/*
TestService_LogoutCountsOnlyRemovedSessions reports zero for tokens that were not revoked.
*/
func TestService_LogoutCountsOnlyRemovedSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.register(t, "lena@example.com", "")
	stranger := h.register(t, "mona@example.com", "")

	cases := []struct {
		name     string
		identity string
		token    string
		want     int64
	}{
		{"foreign_token", stranger.User.ID, owner.RefreshToken, 0},
		{"unknown_token", owner.User.ID, "never-issued", 0},
		{"own_token", owner.User.ID, owner.RefreshToken, 1},
		{"already_revoked", owner.User.ID, owner.RefreshToken, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			revoked, err := h.service.Logout(ctx, auth.LogoutInput{Identity: tc.identity, RefreshToken: tc.token})
			require.NoError(t, err)
			assert.Equal(t, tc.want, revoked)
		})
	}

	_, err := h.service.Refresh(ctx, stranger.RefreshToken, meta)
	require.NoError(t, err)
}

/*
TestService_LogoutDuringOutageSticks revokes Redis-held sessions while Redis is down.
*/
func TestService_LogoutDuringOutageSticks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "nina@example.com", "")
	claims, err := h.service.Authenticate(ctx, issued.AccessToken)
	require.NoError(t, err)

	h.redis.SetError("ERR simulated outage")
	_, err = h.service.Logout(ctx, auth.LogoutInput{
		Identity:        claims.UserID(),
		JTI:             claims.ID,
		AccessExpiresAt: claims.Expiry(),
	})
	require.NoError(t, err)
	h.redis.SetError("")

	_, err = h.service.Authenticate(ctx, issued.AccessToken)
	assertCode(t, err, apperr.CodeUnauthorized)

	_, err = h.service.Refresh(ctx, issued.RefreshToken, meta)
	assertCode(t, err, apperr.CodeUnauthorized)

	h.login(t, "nina@example.com", password)
}

// # Credential Changes

/*
TestService_ChangePasswordRevokesSessions invalidates every earlier session.
*/
func TestService_ChangePasswordRevokesSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.register(t, "jack@example.com", "")
	second := h.login(t, "jack@example.com", password)

	_, err := h.service.ChangePassword(ctx, auth.ChangePasswordInput{
		UserID:          first.User.ID,
		CurrentPassword: "wrong",
		NewPassword:     "a brand new secret",
	})
	assertCode(t, err, apperr.CodeUnauthorized)

	fresh, err := h.service.ChangePassword(ctx, auth.ChangePasswordInput{
		UserID:          first.User.ID,
		CurrentPassword: password,
		NewPassword:     "a brand new secret",
		JTI:             second.JTI,
		AccessExpiresAt: second.AccessExpiresAt,
		Metadata:        meta,
	})
	require.NoError(t, err)

	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := h.service.Refresh(ctx, token, meta)
		assertCode(t, err, apperr.CodeUnauthorized)
	}

	_, err = h.service.Authenticate(ctx, second.AccessToken)
	assertCode(t, err, apperr.CodeUnauthorized)

	_, err = h.service.Refresh(ctx, fresh.RefreshToken, meta)
	require.NoError(t, err)

	_, err = h.service.Login(ctx, auth.LoginInput{Email: "jack@example.com", Password: password})
	assertCode(t, err, apperr.CodeUnauthorized)
	h.login(t, "jack@example.com", "a brand new secret")
}

// # Password Recovery

/*
TestService_PasswordResetWithCode runs the two-step reset flow.
*/
func TestService_PasswordResetWithCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "kate@example.com", "")
	require.NoError(t, h.service.ForgotPassword(ctx, "Kate@Example.com", meta))

	code := h.sender.secret(string(otp.PurposePasswordReset), "kate@example.com")
	require.Len(t, code, 6)

	// Previewing does not consume
	require.NoError(t, h.service.VerifyResetCode(ctx, "kate@example.com", code))
	require.NoError(t, h.service.VerifyResetCode(ctx, "kate@example.com", code))

	require.NoError(t, h.service.ResetPassword(ctx, "kate@example.com", code, "reset secret value"))

	_, err := h.service.Refresh(ctx, issued.RefreshToken, meta)
	assertCode(t, err, apperr.CodeUnauthorized)

	// All codes of the identity are gone
	err = h.service.VerifyResetCode(ctx, "kate@example.com", code)
	assertCode(t, err, apperr.CodeUnauthorized)
	err = h.service.VerifyEmail(ctx, "kate@example.com", h.sender.secret(string(otp.PurposeEmailVerification), "kate@example.com"))
	assertCode(t, err, apperr.CodeUnauthorized)

	h.login(t, "kate@example.com", "reset secret value")
}

/*
TestService_ConcurrentPasswordReset lets exactly one of several resets with the same code win.
*/
func TestService_ConcurrentPasswordReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "olga@example.com", "")
	require.NoError(t, h.service.ForgotPassword(ctx, "olga@example.com", meta))
	code := h.sender.secret(string(otp.PurposePasswordReset), "olga@example.com")

	passwords := []string{"first new secret", "second new secret", "third new secret", "fourth new secret"}
	results := make([]error, len(passwords))

	var wg sync.WaitGroup
	for i, candidate := range passwords {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.service.ResetPassword(ctx, "olga@example.com", code, candidate)
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range results {
		if err == nil {
			require.Equal(t, -1, winner, "more than one reset succeeded")
			winner = i
			continue
		}
		assertCode(t, err, apperr.CodeUnauthorized)
	}
	require.NotEqual(t, -1, winner)

	h.login(t, "olga@example.com", passwords[winner])
	for i, candidate := range passwords {
		if i == winner {
			continue
		}
		_, err := h.service.Login(ctx, auth.LoginInput{Email: "olga@example.com", Password: candidate})
		assertCode(t, err, apperr.CodeUnauthorized)
	}
}

/*
TestService_PasswordResetAttemptsExhausted locks the code after five mismatches.
*/
func TestService_PasswordResetAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "a@x.com", "")
	require.NoError(t, h.service.ForgotPassword(ctx, "a@x.com", meta))
	code := h.sender.secret(string(otp.PurposePasswordReset), "a@x.com")

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 5; i++ {
		err := h.service.VerifyResetCode(ctx, "a@x.com", wrong)
		assertCode(t, err, apperr.CodeInvalidCode)
	}

	err := h.service.VerifyResetCode(ctx, "a@x.com", code)
	assertCode(t, err, apperr.CodeAttemptsExhausted)

	err = h.service.ResetPassword(ctx, "a@x.com", code, "reset secret value")
	assertCode(t, err, apperr.CodeUnauthorized)
}

/*
TestService_ForgotPasswordUnknownEmail succeeds without sending anything.
*/
func TestService_ForgotPasswordUnknownEmail(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.service.ForgotPassword(context.Background(), "ghost@example.com", meta))
	require.NoError(t, h.service.RequestResetLink(context.Background(), "ghost@example.com"))
	assert.Equal(t, 0, h.sender.count())
}

/*
TestService_ResetLink spends a link exactly once.
*/
func TestService_ResetLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "liam@example.com", "")

	require.NoError(t, h.service.RequestResetLink(ctx, "liam@example.com"))
	stale := linkToken(t, h.sender.secret(onetime.PurposePasswordResetLink, "liam@example.com"))

	// Only the latest link is in flight
	require.NoError(t, h.service.RequestResetLink(ctx, "liam@example.com"))
	link := h.sender.secret(onetime.PurposePasswordResetLink, "liam@example.com")
	assert.True(t, strings.HasPrefix(link, "https://tradepost.test"+auth.ResetLinkPath+"?"))
	token := linkToken(t, link)

	assertCode(t, h.service.LookupResetLink(ctx, stale), apperr.CodeUnauthorized)
	require.NoError(t, h.service.LookupResetLink(ctx, token))

	require.NoError(t, h.service.ConfirmResetLink(ctx, token, "linked secret value"))
	assertCode(t, h.service.ConfirmResetLink(ctx, token, "another secret value"), apperr.CodeUnauthorized)

	_, err := h.service.Refresh(ctx, issued.RefreshToken, meta)
	assertCode(t, err, apperr.CodeUnauthorized)
	h.login(t, "liam@example.com", "linked secret value")
}

/*
TestService_ResetLinkDeliveryFailure revokes an undelivered link.
*/
func TestService_ResetLinkDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, "mia@example.com", "")

	h.sender.fail.Store(true)
	err := h.service.RequestResetLink(context.Background(), "mia@example.com")
	assertCode(t, err, apperr.CodeUnprocessable)
}

func linkToken(t *testing.T, link string) string {
	t.Helper()
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	token := parsed.Query().Get(auth.FieldToken)
	require.NotEmpty(t, token)
	return token
}

// # Verification Flows

/*
TestService_EmailVerification consumes the code sent at registration.
*/
func TestService_EmailVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "noah@example.com", "")
	code := h.sender.secret(string(otp.PurposeEmailVerification), "noah@example.com")
	require.Len(t, code, 6)

	// A fresh code is still active, so the cooldown applies
	assertCode(t, h.service.SendEmailVerification(ctx, issued.User.ID, meta), apperr.CodeCooldownActive)

	require.NoError(t, h.service.VerifyEmail(ctx, "noah@example.com", code))
	assertCode(t, h.service.VerifyEmail(ctx, "noah@example.com", code), apperr.CodeUnauthorized)

	user, err := h.directory.FindByID(ctx, issued.User.ID)
	require.NoError(t, err)
	assert.True(t, user.IsVerified)

	assertCode(t, h.service.SendEmailVerification(ctx, issued.User.ID, meta), apperr.CodeConflict)
}

/*
TestService_SellerVerification is limited to seller accounts.
*/
func TestService_SellerVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	customer := h.register(t, "olga@example.com", sec.RoleCustomer)
	assertCode(t, h.service.SendSellerVerification(ctx, customer.User.ID, meta), apperr.CodeForbidden)

	seller := h.register(t, "paul@example.com", sec.RoleSeller)
	require.NoError(t, h.service.SendSellerVerification(ctx, seller.User.ID, meta))

	code := h.sender.secret(string(otp.PurposeSellerVerification), "paul@example.com")
	require.NoError(t, h.service.VerifySeller(ctx, "paul@example.com", code))

	user, err := h.directory.FindByID(ctx, seller.User.ID)
	require.NoError(t, err)
	assert.True(t, user.IsSellerVerified)

	assertCode(t, h.service.SendSellerVerification(ctx, seller.User.ID, meta), apperr.CodeConflict)
}

/*
TestService_SecondFactor requires a login code for enrolled accounts.
*/
func TestService_SecondFactor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.register(t, "quinn@example.com", "")
	require.NoError(t, h.directory.update(issued.User.ID, func(user *auth.User) { user.TwoFactorEnabled = true }))

	result, err := h.service.Login(ctx, auth.LoginInput{Email: "quinn@example.com", Password: password, Metadata: meta})
	require.NoError(t, err)
	assert.True(t, result.SecondFactorRequired)
	assert.Nil(t, result.Session)

	// A second attempt inside the cooldown reuses the code in flight
	again, err := h.service.Login(ctx, auth.LoginInput{Email: "quinn@example.com", Password: password, Metadata: meta})
	require.NoError(t, err)
	assert.True(t, again.SecondFactorRequired)

	code := h.sender.secret(string(otp.PurposeLogin2FA), "quinn@example.com")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	_, err = h.service.CompleteLogin(ctx, "quinn@example.com", wrong, meta)
	assertCode(t, err, apperr.CodeInvalidCode)

	_, err = h.service.CompleteLogin(ctx, "quinn@example.com", "12ab56", meta)
	assertCode(t, err, apperr.CodeValidation)

	session, err := h.service.CompleteLogin(ctx, "quinn@example.com", code, meta)
	require.NoError(t, err)
	assert.Equal(t, issued.User.ID, session.User.ID)

	_, err = h.service.CompleteLogin(ctx, "quinn@example.com", code, meta)
	assertCode(t, err, apperr.CodeUnauthorized)
}

/*
TestService_ResendCode enforces the cooldown from the last send.
*/
func TestService_ResendCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "rita@example.com", "")
	sent := h.sender.count()

	err := h.service.ResendCode(ctx, "rita@example.com", otp.PurposeEmailVerification, meta)
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeCooldownActive, appErr.Code)
	assert.Positive(t, appErr.Meta[apperr.MetaRetryAfterSeconds])

	h.redis.FastForward(61 * time.Second)
	require.NoError(t, h.service.ResendCode(ctx, "rita@example.com", otp.PurposeEmailVerification, meta))
	assert.Equal(t, sent+1, h.sender.count())

	assertCode(t, h.service.ResendCode(ctx, "rita@example.com", otp.Purpose("bogus"), meta), apperr.CodeValidation)
	require.NoError(t, h.service.ResendCode(ctx, "ghost@example.com", otp.PurposePasswordReset, meta))
}

// # Degraded Operation

/*
TestService_Failover keeps signing in while Redis is down, and fails closed when both stores are.
*/
func TestService_Failover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "sam@example.com", "")
	h.redis.SetError("ERR simulated outage")

	session := h.login(t, "sam@example.com", password)
	_, err := h.service.Authenticate(ctx, session.AccessToken)
	require.NoError(t, err)

	rotated, err := h.service.Refresh(ctx, session.RefreshToken, meta)
	require.NoError(t, err)

	require.NoError(t, h.boltDB.Close())

	_, err = h.service.Authenticate(ctx, rotated.AccessToken)
	assertCode(t, err, apperr.CodeUnavailable)

	_, err = h.service.Login(ctx, auth.LoginInput{Email: "sam@example.com", Password: password})
	assertCode(t, err, apperr.CodeUnavailable)
}
