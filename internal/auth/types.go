package auth

import (
	"errors"
	"regexp"
	"time"
)

// emailPattern is a deliberately loose format check; real validation is
// the registration confirmation, not a regex.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// maxEmailLength is the maximum allowed email length.
const maxEmailLength = 254

// IsValidEmail checks if an email address meets format requirements.
func IsValidEmail(email string) bool {
	return len(email) <= maxEmailLength && emailPattern.MatchString(email)
}

// Account represents a registered vault owner.
//
// The server never sees the master password: clients submit a slow-hash
// derived proof, and PasswordHash is a server-side Argon2id hash of that
// proof. KDFIterations is served to clients before login so they can
// derive the proof.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	PasswordHash  string    `json:"-"` // never serialised
	KDFIterations int       `json:"kdf_iterations"`
	SecurityStamp string    `json:"-"` // bumped on credential change
	Revision      int64     `json:"revision"`
	FailedLogins  int       `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Session represents a logged-in device.
//
// Generation is the refresh-token generation counter: every rotation
// advances it by one, and only the refresh token minted for the current
// generation is accepted. A token from an earlier generation being
// presented means two copies of the credential exist and one has already
// rotated — the session is revoked outright.
type Session struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	Fingerprint string    `json:"-"`
	Generation  int64     `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

// RefreshToken is one generation of a session's refresh credential.
// Raw tokens are never stored — only their SHA-256 hashes. Superseded
// generations stay in the table (revoked) so a replayed old token can be
// traced back to its session.
type RefreshToken struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	AccountID  string    `json:"account_id"`
	TokenHash  string    `json:"-"` // never serialised
	Generation int64     `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
}

// FactorProvider identifies a second-factor provider variant.
type FactorProvider string

const (
	// ProviderTOTP is a time-based one-time code (authenticator app).
	ProviderTOTP FactorProvider = "totp"

	// ProviderWebAuthn is a hardware-bound public-key assertion.
	ProviderWebAuthn FactorProvider = "webauthn"

	// ProviderEmail is a short-TTL code delivered by email.
	ProviderEmail FactorProvider = "email"

	// ProviderPush is an external push-approval service.
	ProviderPush FactorProvider = "push"
)

// Factor is one configured second factor on an account. It is a closed
// tagged variant: exactly the field matching Provider is set, and all
// dispatch is an exhaustive switch on Provider.
type Factor struct {
	Provider FactorProvider
	TOTP     *TOTPFactor
	WebAuthn *WebAuthnFactor
	Email    *EmailFactor
	Push     *PushFactor
}

// Payload returns the variant pointer matching the provider tag, for
// exhaustive type switches. Returns nil for a malformed factor.
func (f Factor) Payload() any {
	switch f.Provider {
	case ProviderTOTP:
		if f.TOTP != nil {
			return f.TOTP
		}
	case ProviderWebAuthn:
		if f.WebAuthn != nil {
			return f.WebAuthn
		}
	case ProviderEmail:
		if f.Email != nil {
			return f.Email
		}
	case ProviderPush:
		if f.Push != nil {
			return f.Push
		}
	}
	return nil
}

// TOTPFactor carries the shared secret for time-based codes.
type TOTPFactor struct {
	Secret string `json:"secret"`
}

// WebAuthnFactor carries registered hardware-key credentials.
// Credentials is the go-webauthn credential list, stored as JSON.
type WebAuthnFactor struct {
	Credentials []byte `json:"credentials"`
}

// EmailFactor carries the destination for emailed codes.
type EmailFactor struct {
	Email string `json:"email"`
}

// PushFactor carries the subject identifier for the external approval service.
type PushFactor struct {
	DeviceToken string `json:"device_token"`
}

// Sentinel errors for authentication operations.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountNotFound     = errors.New("account not found")
	ErrEmailExists         = errors.New("email already registered")
	ErrSecondFactorInvalid = errors.New("second factor verification failed")
	ErrChallengeExpired    = errors.New("challenge expired or already used")
	ErrFactorNotConfigured = errors.New("second factor provider not configured")
	ErrTooManyAttempts     = errors.New("too many failed attempts")
	ErrTokenExpired        = errors.New("token has expired")
	ErrTokenInvalid        = errors.New("invalid token")
	ErrTokenReuse          = errors.New("refresh token reuse detected")
	ErrStampMismatch       = errors.New("security stamp mismatch")
	ErrSessionRevoked      = errors.New("session has been revoked")
	ErrSessionNotFound     = errors.New("session not found")
)
