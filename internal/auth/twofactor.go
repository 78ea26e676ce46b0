package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
)

const (
	totpPeriod     = 30
	totpIssuer     = "Coffer"
	emailCodeChars = "0123456789"
	emailCodeLen   = 6
)

// Verifier checks second-factor proofs. Each configured provider gets
// one case in the dispatch switch; adding a provider without extending
// every switch is a compile error for the typed payloads and a runtime
// ErrFactorNotConfigured for the rest.
type Verifier struct {
	cfg      config.SecondFactorConfig
	webAuthn *webauthn.WebAuthn
	push     *http.Client
	logger   *logging.Logger
}

// NewVerifier creates a second-factor verifier. WebAuthn initialisation
// is deferred to first use if the provider is disabled in config.
func NewVerifier(cfg config.SecondFactorConfig, logger *logging.Logger) (*Verifier, error) {
	v := &Verifier{
		cfg:    cfg,
		logger: logger,
		push: &http.Client{
			Timeout: time.Duration(cfg.Push.Timeout) * time.Second,
		},
	}

	if cfg.WebAuthn.Enabled {
		wa, err := webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.WebAuthn.RPName,
			RPID:          cfg.WebAuthn.RPID,
			RPOrigins:     []string{cfg.WebAuthn.Origin},
		})
		if err != nil {
			return nil, fmt.Errorf("initialising webauthn: %w", err)
		}
		v.webAuthn = wa
	}

	return v, nil
}

// Begin prepares the provider-specific challenge material for a factor
// and returns the payload the client needs to complete it: the
// credential assertion options for webauthn, nothing for TOTP, and
// nothing for email/push (delivery happens out of band). The returned
// Challenge fields must be stored by the caller.
func (v *Verifier) Begin(account *Account, factor Factor, ch *Challenge) (json.RawMessage, error) {
	switch f := factor.Payload().(type) {
	case *TOTPFactor:
		return nil, nil
	case *WebAuthnFactor:
		if v.webAuthn == nil {
			return nil, ErrFactorNotConfigured
		}
		user, err := newWebAuthnUser(account, f)
		if err != nil {
			return nil, err
		}
		assertion, session, err := v.webAuthn.BeginLogin(user)
		if err != nil {
			return nil, fmt.Errorf("beginning webauthn login: %w", err)
		}
		ch.WebAuthnSession, err = json.Marshal(session)
		if err != nil {
			return nil, fmt.Errorf("encoding webauthn session: %w", err)
		}
		options, err := json.Marshal(assertion)
		if err != nil {
			return nil, fmt.Errorf("encoding assertion options: %w", err)
		}
		return options, nil
	case *EmailFactor:
		ch.EmailCode = generateEmailCode()
		return nil, nil
	case *PushFactor:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrFactorNotConfigured, factor.Provider)
	}
}

// Verify checks the client's proof against the factor and the pending
// challenge. A nil return means the factor is satisfied.
func (v *Verifier) Verify(ctx context.Context, account *Account, factor Factor, ch *Challenge, proof string) error {
	switch f := factor.Payload().(type) {
	case *TOTPFactor:
		return v.verifyTOTP(f, proof)
	case *WebAuthnFactor:
		return v.verifyWebAuthn(account, f, ch, proof)
	case *EmailFactor:
		return v.verifyEmailCode(ch, proof)
	case *PushFactor:
		return v.verifyPush(ctx, f, proof)
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrFactorNotConfigured, factor.Provider)
	}
}

// verifyTOTP validates a time-based one-time code against the shared
// secret, accepting the configured number of adjacent 30-second steps.
func (v *Verifier) verifyTOTP(f *TOTPFactor, code string) error {
	valid, err := totp.ValidateCustom(code, f.Secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      uint(v.cfg.TOTP.Skew),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return fmt.Errorf("validating totp code: %w", err)
	}
	if !valid {
		return ErrSecondFactorInvalid
	}
	return nil
}

// verifyWebAuthn validates an authenticator assertion against the
// credentials registered for the account and the ceremony state stored
// when the challenge was issued.
func (v *Verifier) verifyWebAuthn(account *Account, f *WebAuthnFactor, ch *Challenge, assertionJSON string) error {
	if v.webAuthn == nil {
		return ErrFactorNotConfigured
	}
	if len(ch.WebAuthnSession) == 0 {
		return ErrChallengeExpired
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(ch.WebAuthnSession, &session); err != nil {
		return fmt.Errorf("decoding webauthn session: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes([]byte(assertionJSON))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSecondFactorInvalid, err)
	}

	user, err := newWebAuthnUser(account, f)
	if err != nil {
		return err
	}

	if _, err := v.webAuthn.ValidateLogin(user, session, parsed); err != nil {
		v.logger.Debug("webauthn assertion rejected", "account_id", account.ID, "error", err)
		return ErrSecondFactorInvalid
	}
	return nil
}

// verifyEmailCode compares the submitted code against the one generated
// for this challenge, in constant time.
func (v *Verifier) verifyEmailCode(ch *Challenge, code string) error {
	if ch.EmailCode == "" {
		return ErrChallengeExpired
	}
	if subtle.ConstantTimeCompare([]byte(ch.EmailCode), []byte(code)) != 1 {
		return ErrSecondFactorInvalid
	}
	return nil
}

// verifyPush confirms an approval with the configured push relay. The
// relay answers 200 with {"approved": true} when the user accepted the
// prompt on their device.
func (v *Verifier) verifyPush(ctx context.Context, f *PushFactor, approvalID string) error {
	if !v.cfg.Push.Enabled || v.cfg.Push.URL == "" {
		return ErrFactorNotConfigured
	}

	body, err := json.Marshal(map[string]string{
		"device_token": f.DeviceToken,
		"approval_id":  approvalID,
	})
	if err != nil {
		return fmt.Errorf("encoding push verification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.Push.URL+"/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building push verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.push.Do(req)
	if err != nil {
		return fmt.Errorf("contacting push relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for connection reuse
		return ErrSecondFactorInvalid
	}

	var result struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding push relay response: %w", err)
	}
	if !result.Approved {
		return ErrSecondFactorInvalid
	}
	return nil
}

// EnrollTOTP generates a fresh TOTP secret for an account and returns
// the secret plus the otpauth:// provisioning URL clients render as a
// QR code.
func (v *Verifier) EnrollTOTP(account *Account) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account.Email,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generating totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// BeginRegistration starts a credential registration ceremony for an
// account. The existing factor (nil when none) is included so a new
// authenticator is appended rather than replacing the set. Returns the
// creation options for the client and the serialized ceremony state
// the caller must hold until FinishRegistration.
func (v *Verifier) BeginRegistration(account *Account, f *WebAuthnFactor) (options json.RawMessage, ceremony []byte, err error) {
	if v.webAuthn == nil {
		return nil, nil, ErrFactorNotConfigured
	}
	if f == nil {
		f = &WebAuthnFactor{}
	}

	user, err := newWebAuthnUser(account, f)
	if err != nil {
		return nil, nil, err
	}

	creation, session, err := v.webAuthn.BeginRegistration(user)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning webauthn registration: %w", err)
	}
	ceremony, err = json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding webauthn session: %w", err)
	}
	options, err = json.Marshal(creation)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding creation options: %w", err)
	}
	return options, ceremony, nil
}

// FinishRegistration validates an attestation against the ceremony
// state and returns the updated credential set for storage.
func (v *Verifier) FinishRegistration(account *Account, f *WebAuthnFactor, ceremony []byte, attestationJSON string) ([]byte, error) {
	if v.webAuthn == nil {
		return nil, ErrFactorNotConfigured
	}
	if len(ceremony) == 0 {
		return nil, ErrChallengeExpired
	}
	if f == nil {
		f = &WebAuthnFactor{}
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(ceremony, &session); err != nil {
		return nil, fmt.Errorf("decoding webauthn session: %w", err)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes([]byte(attestationJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecondFactorInvalid, err)
	}

	user, err := newWebAuthnUser(account, f)
	if err != nil {
		return nil, err
	}

	credential, err := v.webAuthn.CreateCredential(user, session, parsed)
	if err != nil {
		v.logger.Debug("webauthn attestation rejected", "account_id", account.ID, "error", err)
		return nil, ErrSecondFactorInvalid
	}

	credentials := append(user.credentials, *credential)
	encoded, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}
	return encoded, nil
}

// webAuthnUser adapts an account and its stored credentials to the
// webauthn library's user interface.
type webAuthnUser struct {
	account     *Account
	credentials []webauthn.Credential
}

func newWebAuthnUser(account *Account, f *WebAuthnFactor) (*webAuthnUser, error) {
	var credentials []webauthn.Credential
	if len(f.Credentials) > 0 {
		if err := json.Unmarshal(f.Credentials, &credentials); err != nil {
			return nil, fmt.Errorf("decoding stored credentials: %w", err)
		}
	}
	return &webAuthnUser{account: account, credentials: credentials}, nil
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.account.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.account.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.account.Name != "" {
		return u.account.Name
	}
	return u.account.Email
}

func (u *webAuthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// generateEmailCode returns a random numeric one-time code.
func generateEmailCode() string {
	code := make([]byte, emailCodeLen)
	max := big.NewInt(int64(len(emailCodeChars)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		code[i] = emailCodeChars[n.Int64()]
	}
	return string(code)
}
