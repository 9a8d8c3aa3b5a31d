// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/tradepost/internal/platform/apperr"
	"github.com/taibuivan/tradepost/internal/platform/constants"
	"github.com/taibuivan/tradepost/internal/platform/middleware"
	requestutil "github.com/taibuivan/tradepost/internal/platform/request"
	"github.com/taibuivan/tradepost/internal/platform/respond"
	"github.com/taibuivan/tradepost/internal/platform/sec"
	"github.com/taibuivan/tradepost/internal/platform/validate"
	"github.com/taibuivan/tradepost/internal/users/otp"
)

// # Definitions & Constructors

// Handler implements the authentication HTTP endpoints.
//
// # Scope
//
// Transport concerns only: decoding, input validation, status codes and the
// refresh token cookie. Every decision is made by [Service].
type Handler struct {
	authService *Service
}

// NewHandler constructs a new [Handler] with its service dependency.
func NewHandler(service *Service) *Handler {
	return &Handler{authService: service}
}

// Routes returns a [chi.Router] with the authentication routes.
//
// The router expects [middleware.Authenticate] to run upstream.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	// Public endpoints
	router.Post("/register", handler.register)
	router.Post("/login", handler.login)
	router.Post("/login/verify", handler.completeLogin)
	router.Post("/refresh", handler.refresh)
	router.Post("/password/forgot", handler.forgotPassword)
	router.Post("/password/verify", handler.verifyResetCode)
	router.Post("/password/reset", handler.resetPassword)
	router.Post("/password/link", handler.requestResetLink)
	router.Get("/password/link", handler.lookupResetLink)
	router.Post("/password/link/confirm", handler.confirmResetLink)
	router.Post("/email/verify", handler.verifyEmail)
	router.Post("/seller/verify", handler.verifySeller)
	router.Post("/otp/resend", handler.resendCode)

	// Protected endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Get("/me", handler.me)
		r.Post("/logout", handler.logout)
		r.Post("/logout-all", handler.logoutAll)
		r.Post("/change-password", handler.changePassword)
		r.Post("/email/send", handler.sendEmailVerification)
		r.With(middleware.RequireRole(sec.RoleSeller)).Post("/seller/send", handler.sendSellerVerification)
	})

	return router
}

// # Request Payloads

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type codeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

type confirmLinkRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type resendRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

/*
Register handles the creation of a new account.

POST /api/v1/auth/register

Response:
  - 201: Session: Access token, user profile and refresh cookie
  - 400: ValidationError: Bad input
  - 409: Conflict: Email already registered
*/
func (handler *Handler) register(writer http.ResponseWriter, request *http.Request) {
	var input registerRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(FieldEmail, input.Email).
		Email(FieldEmail, input.Email).
		Required(FieldPassword, input.Password).
		Password(FieldPassword, input.Password).
		MaxLen(FieldDisplayName, input.DisplayName, 64)
	if input.Role != "" {
		validator.OneOf(FieldRole, input.Role, string(sec.RoleCustomer), string(sec.RoleSeller))
	}

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	session, err := handler.authService.Register(request.Context(), RegisterInput{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
		Role:        sec.UserRole(input.Role),
		Metadata:    metadataFrom(request),
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	writeSession(writer, session, http.StatusCreated)
}

/*
Login authenticates a user and establishes a session.

POST /api/v1/auth/login

Response:
  - 200: Session: Access token, user profile and refresh cookie
  - 202: Second factor required: a login code was sent
  - 401: Unauthorized: Invalid credentials
*/
func (handler *Handler) login(writer http.ResponseWriter, request *http.Request) {
	var input loginRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(FieldEmail, input.Email)
	validator.Required(FieldPassword, input.Password)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	result, err := handler.authService.Login(request.Context(), LoginInput{
		Email:    input.Email,
		Password: input.Password,
		Metadata: metadataFrom(request),
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if result.SecondFactorRequired {
		respond.Accepted(writer, map[string]any{
			FieldSecondFactor: true,
			FieldMessage:      "A login code has been sent to your email",
		})
		return
	}

	writeSession(writer, result.Session, http.StatusOK)
}

/*
CompleteLogin exchanges a login code for a session.

POST /api/v1/auth/login/verify
*/
func (handler *Handler) completeLogin(writer http.ResponseWriter, request *http.Request) {
	input, ok := decodeCodeRequest(writer, request)
	if !ok {
		return
	}

	session, err := handler.authService.CompleteLogin(request.Context(), input.Email, input.Code, metadataFrom(request))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	writeSession(writer, session, http.StatusOK)
}

/*
Refresh rotates the session held in the refresh cookie.

POST /api/v1/auth/refresh

Response:
  - 200: Session: New access token and rotated refresh cookie
  - 401: Unauthorized: Missing, rotated or expired refresh token
*/
func (handler *Handler) refresh(writer http.ResponseWriter, request *http.Request) {
	cookie, err := request.Cookie(constants.RefreshTokenCookieName)
	if err != nil || cookie.Value == "" {
		respond.Error(writer, request, apperr.Unauthorized("Missing refresh token in cookies"))
		return
	}

	session, err := handler.authService.Refresh(request.Context(), cookie.Value, metadataFrom(request))
	if err != nil {
		if apperr.HasCode(err, apperr.CodeUnauthorized) {
			clearRefreshCookie(writer)
		}
		respond.Error(writer, request, err)
		return
	}

	writeSession(writer, session, http.StatusOK)
}

/*
Logout terminates the current session.

POST /api/v1/auth/logout

Description: Revokes the refresh cookie's session and blocks the access token
used for the call.

Response:
  - 204: No Content: Session terminated
*/
func (handler *Handler) logout(writer http.ResponseWriter, request *http.Request) {
	claims, err := requestutil.RequiredClaims(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	input := logoutInput(claims)
	if cookie, err := request.Cookie(constants.RefreshTokenCookieName); err == nil && cookie.Value != "" {
		input.RefreshToken = cookie.Value
	} else {
		// Without the cookie only the access token is revoked
		input.Identity = ""
	}

	if _, err := handler.authService.Logout(request.Context(), input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	clearRefreshCookie(writer)
	respond.NoContent(writer)
}

/*
LogoutAll terminates every session of the caller.

POST /api/v1/auth/logout-all

Response:
  - 200: revoked_sessions: Number of refresh tokens revoked
*/
func (handler *Handler) logoutAll(writer http.ResponseWriter, request *http.Request) {
	claims, err := requestutil.RequiredClaims(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	revoked, err := handler.authService.Logout(request.Context(), logoutInput(claims))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	clearRefreshCookie(writer)
	respond.OK(writer, map[string]any{FieldRevoked: revoked})
}

/*
Me returns the authenticated user's account.

GET /api/v1/auth/me
*/
func (handler *Handler) me(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	user, err := handler.authService.Me(request.Context(), userID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}

/*
ChangePassword updates the authenticated user's password.

POST /api/v1/auth/change-password

Response:
  - 200: Session: The only live session after the change
  - 401: Unauthorized: Current password is incorrect
*/
func (handler *Handler) changePassword(writer http.ResponseWriter, request *http.Request) {
	claims, err := requestutil.RequiredClaims(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input changePasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldCurrentPassword, input.CurrentPassword).
		Required(FieldNewPassword, input.NewPassword).
		Password(FieldNewPassword, input.NewPassword).
		Custom(FieldNewPassword, input.NewPassword == input.CurrentPassword, "Must differ from the current password")

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	session, err := handler.authService.ChangePassword(request.Context(), ChangePasswordInput{
		UserID:          claims.UserID(),
		CurrentPassword: input.CurrentPassword,
		NewPassword:     input.NewPassword,
		JTI:             claims.ID,
		AccessExpiresAt: claims.Expiry(),
		Metadata:        metadataFrom(request),
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	writeSession(writer, session, http.StatusOK)
}

// # Password Recovery

/*
ForgotPassword sends a reset code if the account exists.

POST /api/v1/auth/password/forgot

Response:
  - 202: Generic message, whether or not the email is registered
  - 429: CooldownActive: A code was sent recently
*/
func (handler *Handler) forgotPassword(writer http.ResponseWriter, request *http.Request) {
	input, ok := decodeEmailRequest(writer, request)
	if !ok {
		return
	}

	if err := handler.authService.ForgotPassword(request.Context(), input.Email, metadataFrom(request)); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Accepted(writer, map[string]string{
		FieldMessage: "If this email is registered, a reset code has been sent.",
	})
}

// POST /api/v1/auth/password/verify checks a reset code without spending it.
func (handler *Handler) verifyResetCode(writer http.ResponseWriter, request *http.Request) {
	input, ok := decodeCodeRequest(writer, request)
	if !ok {
		return
	}

	if err := handler.authService.VerifyResetCode(request.Context(), input.Email, input.Code); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{FieldMessage: "Code is valid"})
}

/*
ResetPassword completes the code-based recovery.

POST /api/v1/auth/password/reset
*/
func (handler *Handler) resetPassword(writer http.ResponseWriter, request *http.Request) {
	var input resetPasswordRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldEmail, input.Email).
		Required(FieldCode, input.Code).
		Required(FieldPassword, input.Password).
		Password(FieldPassword, input.Password)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.authService.ResetPassword(request.Context(), input.Email, input.Code, input.Password); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{FieldMessage: "Password updated successfully"})
}

// POST /api/v1/auth/password/link emails a single-use reset link.
func (handler *Handler) requestResetLink(writer http.ResponseWriter, request *http.Request) {
	input, ok := decodeEmailRequest(writer, request)
	if !ok {
		return
	}

	if err := handler.authService.RequestResetLink(request.Context(), input.Email); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Accepted(writer, map[string]string{
		FieldMessage: "If this email is registered, a reset link has been sent.",
	})
}

// GET /api/v1/auth/password/link?token= validates a link without spending it.
func (handler *Handler) lookupResetLink(writer http.ResponseWriter, request *http.Request) {
	token := request.URL.Query().Get(FieldToken)
	if token == "" {
		respond.Error(writer, request, validate.RequiredError(FieldToken, "is required"))
		return
	}

	if err := handler.authService.LookupResetLink(request.Context(), token); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{FieldMessage: "Link is valid"})
}

// POST /api/v1/auth/password/link/confirm spends a reset link and sets the password.
func (handler *Handler) confirmResetLink(writer http.ResponseWriter, request *http.Request) {
	var input confirmLinkRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldToken, input.Token).
		Required(FieldPassword, input.Password).
		Password(FieldPassword, input.Password)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.authService.ConfirmResetLink(request.Context(), input.Token, input.Password); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{FieldMessage: "Password updated successfully"})
}

// # Verification

// POST /api/v1/auth/email/send sends an email verification code to the caller.
func (handler *Handler) sendEmailVerification(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.authService.SendEmailVerification(request.Context(), userID, metadataFrom(request)); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Accepted(writer, map[string]string{FieldMessage: "A verification code has been sent"})
}

// POST /api/v1/auth/email/verify confirms the email address.
func (handler *Handler) verifyEmail(writer http.ResponseWriter, request *http.Request) {
	input, ok := decodeCodeRequest(writer, request)
	if !ok {
		return
	}

	if err := handler.authService.VerifyEmail(request.Context(), input.Email, input.Code); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{FieldMessage: "Email verified successfully"})
}

// POST /api/v1/auth/seller/send sends a seller verification code to the caller.
func (handler *Handler) sendSellerVerification(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.authService.SendSellerVerification(request.Context(), userID, metadataFrom(request)); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Accepted(writer, map[string]string{FieldMessage: "A verification code has been sent"})
}

// POST /api/v1/auth/seller/verify confirms the seller profile.
func (handler *Handler) verifySeller(writer http.ResponseWriter, request *http.Request) {
	input, ok := decodeCodeRequest(writer, request)
	if !ok {
		return
	}

	if err := handler.authService.VerifySeller(request.Context(), input.Email, input.Code); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{FieldMessage: "Seller verified successfully"})
}

/*
ResendCode replaces the outstanding code of a purpose.

POST /api/v1/auth/otp/resend

Response:
  - 202: Generic message
  - 429: CooldownActive: A code was sent recently
*/
func (handler *Handler) resendCode(writer http.ResponseWriter, request *http.Request) {
	var input resendRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	purposes := make([]string, 0, len(otp.Purposes))
	for _, purpose := range otp.Purposes {
		purposes = append(purposes, purpose.String())
	}

	v := &validate.Validator{}
	v.Required(FieldEmail, input.Email).
		Email(FieldEmail, input.Email).
		Required(FieldPurpose, input.Purpose).
		OneOf(FieldPurpose, input.Purpose, purposes...)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	err := handler.authService.ResendCode(request.Context(), input.Email, otp.Purpose(input.Purpose), metadataFrom(request))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Accepted(writer, map[string]string{
		FieldMessage: "If this email is registered, a new code has been sent.",
	})
}

// # Transport Helpers

func decodeCodeRequest(writer http.ResponseWriter, request *http.Request) (codeRequest, bool) {
	var input codeRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return input, false
	}

	v := &validate.Validator{}
	v.Required(FieldEmail, input.Email).Required(FieldCode, input.Code)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return input, false
	}
	return input, true
}

func decodeEmailRequest(writer http.ResponseWriter, request *http.Request) (emailRequest, bool) {
	var input emailRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return input, false
	}

	v := &validate.Validator{}
	v.Required(FieldEmail, input.Email).Email(FieldEmail, input.Email)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return input, false
	}
	return input, true
}

func metadataFrom(request *http.Request) Metadata {
	return Metadata{IP: middleware.RealIP(request), UserAgent: request.UserAgent()}
}

func logoutInput(claims *sec.AccessClaims) LogoutInput {
	return LogoutInput{
		Identity:        claims.UserID(),
		JTI:             claims.ID,
		AccessExpiresAt: claims.Expiry(),
	}
}

// writeSession sets the refresh cookie and writes the access token body.
func writeSession(writer http.ResponseWriter, session *Session, status int) {
	http.SetCookie(writer, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    session.RefreshToken,
		Path:     constants.RefreshTokenCookiePath,
		Expires:  session.RefreshExpiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	respond.JSON(writer, status, respond.SuccessEnvelope{Data: map[string]any{
		FieldAccessToken: session.AccessToken,
		FieldTokenType:   "Bearer",
		FieldExpiresIn:   int64(time.Until(session.AccessExpiresAt) / time.Second),
		FieldUser:        session.User,
	}})
}

func clearRefreshCookie(writer http.ResponseWriter) {
	http.SetCookie(writer, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    "",
		Path:     constants.RefreshTokenCookiePath,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
