package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coffer-vault/coffer/internal/auth"
	"github.com/coffer-vault/coffer/internal/vault"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeSecondFactor       = "second_factor_invalid"
	ErrCodeChallengeExpired   = "challenge_expired"
	ErrCodeTooManyAttempts    = "too_many_attempts"
	ErrCodeTokenReuse         = "token_reused"
	ErrCodeLastOwner          = "last_owner"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps domain sentinel errors onto HTTP outcomes.
// Expired tokens and stamp mismatches look identical to the caller:
// re-authenticate. Unmapped errors surface as 500 without leaking the
// underlying message.
func writeDomainError(w http.ResponseWriter, err error) { //nolint:gocyclo // flat mapping of the error taxonomy
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid credentials")
	case errors.Is(err, auth.ErrSecondFactorInvalid):
		writeError(w, http.StatusUnauthorized, ErrCodeSecondFactor, "second factor verification failed")
	case errors.Is(err, auth.ErrChallengeExpired):
		writeError(w, http.StatusUnauthorized, ErrCodeChallengeExpired, "challenge expired or already used")
	case errors.Is(err, auth.ErrFactorNotConfigured):
		writeBadRequest(w, "second factor provider not configured")
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, ErrCodeTooManyAttempts, "too many attempts")
	case errors.Is(err, auth.ErrTokenReuse):
		writeError(w, http.StatusUnauthorized, ErrCodeTokenReuse, "refresh token already used; session revoked")
	case errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrStampMismatch),
		errors.Is(err, auth.ErrSessionRevoked):
		writeUnauthorized(w, "token is no longer valid")
	case errors.Is(err, auth.ErrEmailExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "email already registered")
	case errors.Is(err, auth.ErrAccountNotFound),
		errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, vault.ErrNotFound):
		writeNotFound(w, "resource not found")
	case errors.Is(err, vault.ErrForbidden):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, vault.ErrLastOwner):
		writeError(w, http.StatusConflict, ErrCodeLastOwner, "organization must retain at least one owner")
	case errors.Is(err, vault.ErrMembershipExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "account is already a member")
	case errors.Is(err, vault.ErrInvalidOwnership):
		writeBadRequest(w, "cipher must be owned by exactly one of account or organization")
	default:
		writeInternalError(w, "internal server error")
	}
}
