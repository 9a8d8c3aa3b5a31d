// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/notify"
	"github.com/taibuivan/tradepost/internal/platform/sec"
	"github.com/taibuivan/tradepost/internal/users/onetime"
	"github.com/taibuivan/tradepost/internal/users/otp"
	"github.com/taibuivan/tradepost/internal/users/session"
	emailaddr "github.com/taibuivan/tradepost/pkg/email"
	"github.com/taibuivan/tradepost/pkg/uuid"
)

// ResetLinkPath is appended to the public base URL of emailed reset links.
const ResetLinkPath = "/reset-password"

// # Contracts & Types

// Dependencies are the collaborators of a [Service].
type Dependencies struct {
	Directory Directory
	Hasher    *sec.PasswordHasher
	Tokens    *sec.TokenService
	Sessions  *session.Store
	Codes     *otp.Manager
	Links     *onetime.Issuer
	Sender    notify.Sender
	Logger    *slog.Logger

	// PublicBaseURL prefixes the links sent by [Service.RequestResetLink].
	PublicBaseURL string
}

// Service is the auth orchestrator.
//
// # Review Process
//
// Every flow that changes a credential must revoke the refresh tokens of the
// identity before it returns. Changes here need a security review.
type Service struct {
	directory     Directory
	hasher        *sec.PasswordHasher
	tokens        *sec.TokenService
	sessions      *session.Store
	codes         *otp.Manager
	links         *onetime.Issuer
	sender        notify.Sender
	logger        *slog.Logger
	publicBaseURL string

	// Compared against on unknown emails so both login failures cost one bcrypt round.
	decoyOnce sync.Once
	decoyHash string
}

// NewService constructs a new [Service] with its collaborators.
func NewService(deps Dependencies) *Service {
	return &Service{
		directory:     deps.Directory,
		hasher:        deps.Hasher,
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		codes:         deps.Codes,
		links:         deps.Links,
		sender:        deps.Sender,
		logger:        deps.Logger,
		publicBaseURL: strings.TrimRight(deps.PublicBaseURL, "/"),
	}
}

// Metadata is the client information captured with a request.
type Metadata struct {
	IP        string
	UserAgent string
}

func (metadata Metadata) session() session.Metadata {
	return session.Metadata{IP: metadata.IP, UserAgent: metadata.UserAgent}
}

func (metadata Metadata) otp() otp.Metadata {
	return otp.Metadata{IP: metadata.IP, UserAgent: metadata.UserAgent}
}

// Session is one issued access/refresh pair.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	JTI              string
	User             *User
}

// # Registration Flow

// RegisterInput holds the data required to enroll a new principal.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string

	// Role defaults to customer. Only self-service roles are accepted.
	Role     sec.UserRole
	Metadata Metadata
}

/*
Register creates an account and signs it in.

Description: Rejects a taken email, hashes the secret, persists the account,
stores a fresh session and sends the email verification code.

Parameters:
  - ctx: context.Context
  - input: RegisterInput

Returns:
  - *Session: The first session of the account
  - error: apperr.Conflict, apperr.ValidationError or storage failures
*/
func (service *Service) Register(ctx context.Context, input RegisterInput) (*Session, error) {
	email := emailaddr.Normalize(input.Email)

	role := input.Role
	if role == "" {
		role = sec.RoleCustomer
	}
	if !role.SelfService() {
		return nil, apperr.ValidationError("Role cannot be self-assigned", apperr.FieldError{
			Field:   FieldRole,
			Message: "Must be customer or seller",
		})
	}

	// Verify email uniqueness. Create re-checks it under the unique index.
	_, err := service.directory.FindByEmail(ctx, email)
	if err == nil {
		return nil, apperr.Conflict("Email is already registered")
	}
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		return nil, err
	}

	// Prevent storing plain-text passwords
	passwordHash, err := service.hasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("auth_service_hash_failed: %w", err)
	}

	// Time-sortable ID to prevent PG index fragmentation
	id, err := uuid.New()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	user := &User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  strings.TrimSpace(input.DisplayName),
		Role:         role,
		Status:       StatusActive,
	}

	if err := service.directory.Create(ctx, user); err != nil {
		return nil, err
	}

	issued, err := service.issueSession(ctx, user, input.Metadata)
	if err != nil {
		return nil, err
	}

	// Verification is best-effort; the user can ask for a new code later
	if err := service.codes.Generate(ctx, email, otp.PurposeEmailVerification, input.Metadata.otp()); err != nil {
		service.logger.WarnContext(ctx, "email_verification_dispatch_failed",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}

	service.logger.InfoContext(ctx, "user_registered",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)
	return issued, nil
}

// # Authentication Flow

// LoginInput defines credentials for an authentication attempt.
type LoginInput struct {
	Email    string
	Password string
	Metadata Metadata
}

// LoginResult is either a session or a pending second factor.
type LoginResult struct {
	Session *Session

	// SecondFactorRequired means a code was sent and [Service.CompleteLogin] must follow.
	SecondFactorRequired bool
}

/*
Login validates credentials and starts a session.

Description: Unknown email, suspended account and wrong password all yield the
same Unauthorized error. Accounts with a second factor get a login code
instead of a session.

Parameters:
  - ctx: context.Context
  - input: LoginInput

Returns:
  - *LoginResult: Session, or SecondFactorRequired
  - error: apperr.Unauthorized or storage failures
*/
func (service *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	email := emailaddr.Normalize(input.Email)

	user, err := service.directory.FindByEmail(ctx, email)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			service.compareDecoy(input.Password)
			return nil, errInvalidCredentials()
		}
		return nil, err
	}

	// Constant-time comparison inside bcrypt
	if !service.hasher.Compare(input.Password, user.PasswordHash) || !user.IsActive() {
		return nil, errInvalidCredentials()
	}

	if user.TwoFactorEnabled {
		err := service.codes.Generate(ctx, user.Email, otp.PurposeLogin2FA, input.Metadata.otp())

		// A code still in flight is as good as a new one
		if err != nil && !apperr.HasCode(err, apperr.CodeCooldownActive) {
			return nil, err
		}
		return &LoginResult{SecondFactorRequired: true}, nil
	}

	issued, err := service.issueSession(ctx, user, input.Metadata)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: issued}, nil
}

/*
CompleteLogin exchanges a login code for a session.

Parameters:
  - ctx: context.Context
  - email: string
  - code: string
  - metadata: Metadata

Returns:
  - *Session: The new session
  - error: OTP verification errors or apperr.Unauthorized
*/
func (service *Service) CompleteLogin(ctx context.Context, email, code string, metadata Metadata) (*Session, error) {
	email = emailaddr.Normalize(email)

	if err := service.codes.Verify(ctx, email, otp.PurposeLogin2FA, code, true); err != nil {
		return nil, err
	}

	user, err := service.activeUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return service.issueSession(ctx, user, metadata)
}

/*
Authenticate validates an access token for a protected request.

Description: Checks the signature and expiry, then the blocklist. A blocklist
that cannot be reached fails the request instead of trusting the token.

Returns:
  - *sec.AccessClaims: Verified claims
  - error: apperr.Unauthorized or apperr.Unavailable
*/
func (service *Service) Authenticate(ctx context.Context, accessToken string) (*sec.AccessClaims, error) {
	claims, err := service.tokens.VerifyToken(accessToken)
	if err != nil {
		if errors.Is(err, sec.ErrTokenExpired) {
			return nil, apperr.Unauthorized("Access token has expired")
		}
		return nil, apperr.Unauthorized("Invalid or expired token")
	}

	blocked, err := service.sessions.IsBlocked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, apperr.Unauthorized("Token has been revoked")
	}

	return claims, nil
}

// # Session Management

/*
Refresh implements refresh token rotation.

Description: The stored record is taken atomically, so of two concurrent
calls with the same token only one gets a new pair. A crash after the take
drops the session; the user logs in again.

Parameters:
  - ctx: context.Context
  - refreshToken: string
  - metadata: Metadata

Returns:
  - *Session: The rotated session
  - error: apperr.Unauthorized ("login again") or storage failures
*/
func (service *Service) Refresh(ctx context.Context, refreshToken string, metadata Metadata) (*Session, error) {
	record, err := service.sessions.TakeRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errLoginAgain()
	}

	user, err := service.directory.FindByID(ctx, record.Identity)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, errLoginAgain()
		}
		return nil, err
	}
	if !user.IsActive() {
		return nil, errLoginAgain()
	}

	return service.issueSession(ctx, user, metadata)
}

// LogoutInput names what to revoke.
type LogoutInput struct {
	// Identity is the user id of the caller.
	Identity string

	// RefreshToken, when set, limits the logout to that session. Empty means every session.
	RefreshToken string

	// JTI and AccessExpiresAt identify the access token to block.
	JTI             string
	AccessExpiresAt time.Time
}

/*
Logout revokes refresh tokens and blocks the current access token.

Description: With a refresh token only that session ends. Without one every
session of the identity ends. The access token stays blocked for exactly its
remaining lifetime.

Returns:
  - int64: Number of refresh tokens revoked
  - error: Storage failures
*/
func (service *Service) Logout(ctx context.Context, input LogoutInput) (int64, error) {
	var revoked int64

	switch {
	case input.RefreshToken != "" && input.Identity != "":
		count, err := service.sessions.DeleteRefresh(ctx, input.Identity, input.RefreshToken)
		if err != nil {
			return 0, err
		}
		revoked = count

	case input.Identity != "":
		count, err := service.sessions.DeleteAllRefresh(ctx, input.Identity)
		if err != nil {
			return 0, err
		}
		revoked = count
	}

	if input.JTI != "" {
		if err := service.sessions.BlockUntil(ctx, input.JTI, input.AccessExpiresAt); err != nil {
			return revoked, err
		}
	}

	service.logger.InfoContext(ctx, "user_logged_out",
		slog.String("user_id", input.Identity),
		slog.Bool("everywhere", input.RefreshToken == ""),
		slog.Int64("revoked", revoked),
	)
	return revoked, nil
}

// # Credential Changes

// ChangePasswordInput carries an authenticated password change.
type ChangePasswordInput struct {
	UserID          string
	CurrentPassword string
	NewPassword     string

	// JTI and AccessExpiresAt identify the access token used for the call, blocked on success.
	JTI             string
	AccessExpiresAt time.Time
	Metadata        Metadata
}

/*
ChangePassword replaces the secret of an authenticated user.

Description: Verifies the current secret, persists the new hash, revokes every
refresh token of the identity and returns one fresh session for the caller.

Returns:
  - *Session: The only live session after the change
  - error: apperr.Unauthorized or storage failures
*/
func (service *Service) ChangePassword(ctx context.Context, input ChangePasswordInput) (*Session, error) {
	user, err := service.directory.FindByID(ctx, input.UserID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, apperr.Unauthorized("Current password is incorrect")
		}
		return nil, err
	}

	// Verify the current password before allowing change
	if !service.hasher.Compare(input.CurrentPassword, user.PasswordHash) {
		return nil, apperr.Unauthorized("Current password is incorrect")
	}

	if err := service.replacePassword(ctx, user, input.NewPassword); err != nil {
		return nil, err
	}

	// The token used for this call must not outlive the old password
	if input.JTI != "" {
		if err := service.sessions.BlockUntil(ctx, input.JTI, input.AccessExpiresAt); err != nil {
			return nil, err
		}
	}

	return service.issueSession(ctx, user, input.Metadata)
}

// # Password Recovery (codes)

/*
ForgotPassword sends a password reset code.

Description: Unknown and suspended accounts succeed silently so the endpoint
cannot be used to probe for accounts.

Returns:
  - error: apperr.CooldownActive, delivery or storage failures
*/
func (service *Service) ForgotPassword(ctx context.Context, email string, metadata Metadata) error {
	user, ok, err := service.lookupForRecovery(ctx, email)
	if err != nil || !ok {
		return err
	}
	return service.codes.Generate(ctx, user.Email, otp.PurposePasswordReset, metadata.otp())
}

// VerifyResetCode checks a reset code without consuming it.
func (service *Service) VerifyResetCode(ctx context.Context, email, code string) error {
	return service.codes.Verify(ctx, emailaddr.Normalize(email), otp.PurposePasswordReset, code, false)
}

/*
ResetPassword completes the code-based reset.

Description: Checks the code, spends it, sets the password, revokes every
session and deletes all codes of the identity. Of concurrent resets with the
same code only the one that spends it changes the password.

Parameters:
  - ctx: context.Context
  - email: string
  - code: string
  - newPassword: string

Returns:
  - error: OTP verification errors or storage failures
*/
func (service *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email = emailaddr.Normalize(email)

	if err := service.codes.Verify(ctx, email, otp.PurposePasswordReset, code, false); err != nil {
		return err
	}

	user, err := service.directory.FindByEmail(ctx, email)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return errCodeInvalid()
		}
		return err
	}

	if err := service.codes.Verify(ctx, email, otp.PurposePasswordReset, code, true); err != nil {
		return err
	}

	if err := service.replacePassword(ctx, user, newPassword); err != nil {
		return err
	}

	if err := service.codes.Purge(ctx, email); err != nil {
		service.logger.WarnContext(ctx, "otp_purge_failed",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

// # Password Recovery (links)

/*
RequestResetLink emails a single-use reset link.

Description: Issuing a link retires any earlier one for the same account.
Unknown accounts succeed silently. An undeliverable link is revoked.

Returns:
  - error: apperr.Unprocessable on delivery failure, or storage failures
*/
func (service *Service) RequestResetLink(ctx context.Context, email string) error {
	user, ok, err := service.lookupForRecovery(ctx, email)
	if err != nil || !ok {
		return err
	}

	token, expiresAt, err := service.links.Issue(ctx, onetime.PurposePasswordResetLink, user.ID)
	if err != nil {
		return err
	}

	message := notify.Message{
		Recipient: user.Email,
		Purpose:   onetime.PurposePasswordResetLink,
		Kind:      notify.KindLink,
		Secret:    service.resetLink(token),
	}
	if err := service.sender.Send(ctx, message); err != nil {
		if revokeErr := service.links.Revoke(ctx, onetime.PurposePasswordResetLink, user.ID); revokeErr != nil {
			service.logger.ErrorContext(ctx, "reset_link_revoke_failed",
				slog.String("user_id", user.ID),
				slog.Any("error", revokeErr),
			)
		}
		service.logger.WarnContext(ctx, "reset_link_delivery_failed",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
		return apperr.Unprocessable("The link could not be delivered. Try again.")
	}

	service.logger.InfoContext(ctx, "reset_link_issued",
		slog.String("user_id", user.ID),
		slog.Time("expires_at", expiresAt),
	)
	return nil
}

// LookupResetLink validates a reset link without spending it.
func (service *Service) LookupResetLink(ctx context.Context, token string) error {
	_, err := service.links.Lookup(ctx, onetime.PurposePasswordResetLink, token)
	return err
}

/*
ConfirmResetLink spends a reset link and sets the new password.

Returns:
  - error: apperr.Unauthorized for a spent or unknown link, or storage failures
*/
func (service *Service) ConfirmResetLink(ctx context.Context, token, newPassword string) error {
	identity, err := service.links.Consume(ctx, onetime.PurposePasswordResetLink, token)
	if err != nil {
		return err
	}

	user, err := service.directory.FindByID(ctx, identity)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return apperr.Unauthorized("The link is invalid or has expired")
		}
		return err
	}

	if err := service.replacePassword(ctx, user, newPassword); err != nil {
		return err
	}

	// Codes requested alongside the link are now pointless
	if err := service.codes.Purge(ctx, user.Email, otp.PurposePasswordReset); err != nil {
		service.logger.WarnContext(ctx, "otp_purge_failed",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

// Me returns the account behind an authenticated request.
func (service *Service) Me(ctx context.Context, userID string) (*User, error) {
	return service.directory.FindByID(ctx, userID)
}

// # Verification Flows

/*
SendEmailVerification sends an email verification code to the account owner.

Returns:
  - error: apperr.Conflict when already verified, apperr.CooldownActive, delivery or storage failures
*/
func (service *Service) SendEmailVerification(ctx context.Context, userID string, metadata Metadata) error {
	user, err := service.directory.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsVerified {
		return apperr.Conflict("Email is already verified")
	}
	return service.codes.Generate(ctx, user.Email, otp.PurposeEmailVerification, metadata.otp())
}

// VerifyEmail consumes an email verification code and marks the address confirmed.
func (service *Service) VerifyEmail(ctx context.Context, email, code string) error {
	email = emailaddr.Normalize(email)

	if err := service.codes.Verify(ctx, email, otp.PurposeEmailVerification, code, true); err != nil {
		return err
	}

	user, err := service.directory.FindByEmail(ctx, email)
	if err != nil {
		return err
	}

	if err := service.directory.MarkVerified(ctx, user.ID); err != nil {
		return fmt.Errorf("auth_service_verify_email_failed: %w", err)
	}

	service.logger.InfoContext(ctx, "email_verified", slog.String("user_id", user.ID))
	return nil
}

/*
SendSellerVerification sends a seller verification code.

Returns:
  - error: apperr.Forbidden for non-sellers, apperr.Conflict when already verified,
    apperr.CooldownActive, delivery or storage failures
*/
func (service *Service) SendSellerVerification(ctx context.Context, userID string, metadata Metadata) error {
	user, err := service.directory.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role != sec.RoleSeller {
		return apperr.Forbidden("Only seller accounts can be verified as sellers")
	}
	if user.IsSellerVerified {
		return apperr.Conflict("Seller profile is already verified")
	}
	return service.codes.Generate(ctx, user.Email, otp.PurposeSellerVerification, metadata.otp())
}

// VerifySeller consumes a seller verification code and marks the seller confirmed.
func (service *Service) VerifySeller(ctx context.Context, email, code string) error {
	email = emailaddr.Normalize(email)

	user, err := service.directory.FindByEmail(ctx, email)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return errCodeInvalid()
		}
		return err
	}
	if user.Role != sec.RoleSeller {
		return apperr.Forbidden("Only seller accounts can be verified as sellers")
	}

	if err := service.codes.Verify(ctx, email, otp.PurposeSellerVerification, code, true); err != nil {
		return err
	}

	if err := service.directory.MarkSellerVerified(ctx, user.ID); err != nil {
		return fmt.Errorf("auth_service_verify_seller_failed: %w", err)
	}

	service.logger.InfoContext(ctx, "seller_verified", slog.String("user_id", user.ID))
	return nil
}

/*
ResendCode discards the outstanding code of purpose and sends a fresh one.

Description: Unknown accounts succeed silently. The cooldown applies from the
last send even when the previous code is still usable.

Returns:
  - error: apperr.ValidationError for an unknown purpose, apperr.CooldownActive,
    delivery or storage failures
*/
func (service *Service) ResendCode(ctx context.Context, email string, purpose otp.Purpose, metadata Metadata) error {
	if !purpose.Valid() {
		return apperr.ValidationError("Unknown code purpose", apperr.FieldError{
			Field:   FieldPurpose,
			Message: "Is not a known purpose",
		})
	}

	user, ok, err := service.lookupForRecovery(ctx, email)
	if err != nil || !ok {
		return err
	}
	return service.codes.Resend(ctx, user.Email, purpose, metadata.otp())
}

// # Helpers

// issueSession mints a token pair and stores its refresh half.
func (service *Service) issueSession(ctx context.Context, user *User, metadata Metadata) (*Session, error) {
	pair, err := service.tokens.Issue(user.ID, string(user.Role))
	if err != nil {
		return nil, fmt.Errorf("auth_service_token_generation_failed: %w", err)
	}

	if err := service.sessions.StoreRefresh(ctx, user.ID, pair.RefreshToken, metadata.session()); err != nil {
		return nil, err
	}

	return &Session{
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		JTI:              pair.JTI,
		User:             user,
	}, nil
}

// replacePassword persists a new hash and revokes every refresh token of the user.
func (service *Service) replacePassword(ctx context.Context, user *User, newPassword string) error {

	// Hash the brand new password
	passwordHash, err := service.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("auth_service_password_hash_failed: %w", err)
	}

	if err := service.directory.UpdatePassword(ctx, user.ID, passwordHash); err != nil {
		return fmt.Errorf("auth_service_password_update_failed: %w", err)
	}
	user.PasswordHash = passwordHash

	// Security cleanup: every existing session dies with the old password
	revoked, err := service.sessions.DeleteAllRefresh(ctx, user.ID)
	if err != nil {
		return err
	}

	service.logger.InfoContext(ctx, "password_changed",
		slog.String("user_id", user.ID),
		slog.Int64("revoked_sessions", revoked),
	)
	return nil
}

// lookupForRecovery resolves an email for flows that must not reveal whether it exists.
func (service *Service) lookupForRecovery(ctx context.Context, email string) (*User, bool, error) {
	user, err := service.directory.FindByEmail(ctx, emailaddr.Normalize(email))
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !user.IsActive() {
		return nil, false, nil
	}
	return user, true, nil
}

func (service *Service) activeUserByEmail(ctx context.Context, email string) (*User, error) {
	user, err := service.directory.FindByEmail(ctx, email)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, errInvalidCredentials()
		}
		return nil, err
	}
	if !user.IsActive() {
		return nil, errInvalidCredentials()
	}
	return user, nil
}

func (service *Service) compareDecoy(password string) {
	service.decoyOnce.Do(func() {
		service.decoyHash, _ = service.hasher.Hash("tradepost-decoy-credential")
	})
	_ = service.hasher.Compare(password, service.decoyHash)
}

func (service *Service) resetLink(token string) string {
	return service.publicBaseURL + ResetLinkPath + "?" + url.Values{FieldToken: {token}}.Encode()
}

func errInvalidCredentials() error {
	return apperr.Unauthorized("Invalid email or password")
}

func errLoginAgain() error {
	return apperr.Unauthorized("Session expired, please login again")
}

func errCodeInvalid() error {
	return apperr.Unauthorized("The code is invalid or has expired")
}
