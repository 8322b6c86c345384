package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/naniwallet/authgate/internal/auth"
	"github.com/naniwallet/authgate/internal/credentials"
	"github.com/naniwallet/authgate/internal/models"
	"github.com/naniwallet/authgate/internal/otp"
)

// Stable machine-readable error kinds carried in the error envelope's
// data, alongside the human message.
const (
	kindInvalidInput        = "invalid_input"
	kindInvalidCredentials  = "invalid_credentials"
	kindAccountLocked       = "account_locked"
	kindAccountInactive     = "account_inactive"
	kindNoChallenge         = "no_challenge"
	kindExpired             = "expired"
	kindAttemptsExhausted   = "attempts_exhausted"
	kindMismatch            = "mismatch"
	kindNotVerified         = "not_verified"
	kindTooManyRequests     = "too_many_requests"
	kindProviderUnavailable = "provider_unavailable"
	kindDeliveryFailed      = "delivery_failed"
	kindConflict            = "conflict"
)

const minPasswordLen = 8

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type errData struct {
	Kind              string `json:"kind"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

type sessionResp struct {
	Token     string           `json:"token"`
	Principal models.Principal `json:"principal"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.store.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "Unable to reach challenge store.",
			http.StatusServiceUnavailable, errData{Kind: kindProviderUnavailable})
		return
	}
	if err := app.cred.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "Unable to reach credential store.",
			http.StatusServiceUnavailable, errData{Kind: kindProviderUnavailable})
		return
	}

	sendResponse(w, "OK")
}

// handleSendOTP issues a verification code to an e-mail address.
func handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req struct {
			Email string `json:"email"`
		}
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		sendErrorResponse(w, "`email` is required.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return
	}

	ch, err := app.otp.Issue(r.Context(), models.ChannelEmail, req.Email)
	if err != nil {
		sendOTPError(w, err)
		return
	}
	sendResponse(w, ch)
}

// handleSendPhoneOTP issues a verification code as an SMS.
func handleSendPhoneOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req struct {
			Phone string `json:"phone"`
		}
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Phone == "" {
		sendErrorResponse(w, "`phone` is required.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return
	}

	ch, err := app.otp.Issue(r.Context(), models.ChannelSMS, req.Phone)
	if err != nil {
		sendOTPError(w, err)
		return
	}
	sendResponse(w, ch)
}

// handleVerifyOTP validates a submitted code against the pending
// challenge for the address.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req struct {
			Email string `json:"email"`
			Phone string `json:"phone"`
			OTP   string `json:"otp"`
		}
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OTP == "" || (req.Email == "" && req.Phone == "") {
		sendErrorResponse(w, "`otp` and one of `email` or `phone` are required.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return
	}

	id := otp.Identifier(models.ChannelEmail, req.Email)
	if req.Email == "" {
		id = otp.Identifier(models.ChannelSMS, req.Phone)
	}

	ch, err := app.otp.Verify(r.Context(), id, req.OTP)
	if err != nil {
		sendOTPError(w, err)
		return
	}
	sendResponse(w, ch)
}

// handleRegister creates a user account after the e-mail has passed
// OTP verification.
func handleRegister(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			FullName string `json:"full_name"`
			Phone    string `json:"phone"`
		}
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.FullName == "" {
		sendErrorResponse(w, "`email` and `full_name` are required.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return
	}
	if len(req.Password) < minPasswordLen {
		sendErrorResponse(w, "Password must be at least 8 characters.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return
	}

	tok, p, err := app.auth.Register(r.Context(), auth.RegisterReq{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Phone:    req.Phone,
	})
	if err != nil {
		sendAuthError(w, err)
		return
	}
	sendResponse(w, sessionResp{Token: tok, Principal: p})
}

// handleLogin authenticates a user by e-mail and password.
func handleLogin(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
	)
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		sendErrorResponse(w, "`email` and `password` are required.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return
	}

	tok, p, err := app.auth.Login(r.Context(), models.KindUser, req.Email, req.Password)
	if err != nil {
		sendAuthError(w, err)
		return
	}
	sendResponse(w, sessionResp{Token: tok, Principal: p})
}

// handleVerifyToken echoes the authenticated principal, confirming the
// bearer token is valid.
func handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	p := r.Context().Value("principal").(models.Principal)
	sendResponse(w, struct {
		Valid     bool             `json:"valid"`
		Principal models.Principal `json:"principal"`
	}{true, p})
}

func handleProfile(w http.ResponseWriter, r *http.Request) {
	p := r.Context().Value("principal").(models.Principal)
	sendResponse(w, p)
}

// authorize verifies the bearer token, loads the principal and injects
// it into the request context. Tokens of the wrong principal class are
// rejected.
func authorize(kind models.Kind, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := r.Context().Value("app").(*App)

		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			sendErrorResponse(w, "Missing bearer token.",
				http.StatusUnauthorized, errData{Kind: kindInvalidCredentials})
			return
		}

		claims, err := app.auth.Tokens().Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil || claims.Kind != kind {
			sendErrorResponse(w, "Invalid or expired token.",
				http.StatusUnauthorized, errData{Kind: kindInvalidCredentials})
			return
		}

		p, err := app.auth.Principal(r.Context(), claims.PrincipalID)
		if err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				sendErrorResponse(w, "Invalid or expired token.",
					http.StatusUnauthorized, errData{Kind: kindInvalidCredentials})
				return
			}
			sendErrorResponse(w, "Error fetching account.",
				http.StatusServiceUnavailable, errData{Kind: kindProviderUnavailable})
			return
		}
		if !p.IsActive {
			sendErrorResponse(w, "Account is deactivated.",
				http.StatusForbidden, errData{Kind: kindAccountInactive})
			return
		}

		ctx := context.WithValue(r.Context(), "principal", p)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// sendOTPError maps challenge lifecycle errors to HTTP responses.
func sendOTPError(w http.ResponseWriter, err error) {
	var mis *otp.MismatchError
	switch {
	case errors.As(err, &mis):
		n := mis.Remaining
		sendErrorResponse(w, err.Error(), http.StatusBadRequest,
			errData{Kind: kindMismatch, AttemptsRemaining: &n})
	case errors.Is(err, otp.ErrNoChallenge):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, errData{Kind: kindNoChallenge})
	case errors.Is(err, otp.ErrExpired):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, errData{Kind: kindExpired})
	case errors.Is(err, otp.ErrAttemptsExhausted):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, errData{Kind: kindAttemptsExhausted})
	case errors.Is(err, otp.ErrNotVerified):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, errData{Kind: kindNotVerified})
	case errors.Is(err, otp.ErrTooSoon):
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, errData{Kind: kindTooManyRequests})
	case errors.Is(err, otp.ErrInvalidAddress), errors.Is(err, otp.ErrUnknownChannel):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, errData{Kind: kindInvalidInput})
	case errors.Is(err, otp.ErrDelivery):
		sendErrorResponse(w, err.Error(), http.StatusBadGateway, errData{Kind: kindDeliveryFailed})
	case errors.Is(err, otp.ErrUnavailable):
		sendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, errData{Kind: kindProviderUnavailable})
	default:
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
	}
}

// sendAuthError maps credential flow errors to HTTP responses. 423 for
// lockouts, per RFC 4918.
func sendAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		sendErrorResponse(w, err.Error(), http.StatusUnauthorized, errData{Kind: kindInvalidCredentials})
	case errors.Is(err, auth.ErrAccountLocked):
		sendErrorResponse(w, err.Error(), http.StatusLocked, errData{Kind: kindAccountLocked})
	case errors.Is(err, auth.ErrAccountInactive):
		sendErrorResponse(w, err.Error(), http.StatusForbidden, errData{Kind: kindAccountInactive})
	case errors.Is(err, credentials.ErrExists), errors.Is(err, auth.ErrAdminExists):
		sendErrorResponse(w, "An account with this identifier already exists.",
			http.StatusConflict, errData{Kind: kindConflict})
	case errors.Is(err, auth.ErrUnavailable):
		sendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, errData{Kind: kindProviderUnavailable})
	case errors.Is(err, otp.ErrNoChallenge), errors.Is(err, otp.ErrNotVerified),
		errors.Is(err, otp.ErrExpired), errors.Is(err, otp.ErrUnavailable):
		sendOTPError(w, err)
	default:
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
	}
}

// decodeJSON decodes the request body, writing the error response
// itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendErrorResponse(w, "Invalid JSON body.",
			http.StatusBadRequest, errData{Kind: kindInvalidInput})
		return false
	}
	return true
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
