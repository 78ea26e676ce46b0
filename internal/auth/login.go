package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coffer-vault/coffer/internal/audit"
	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
	"github.com/coffer-vault/coffer/internal/keys"
	"github.com/coffer-vault/coffer/internal/mail"
)

// Login flow states returned to the client.
const (
	StateAuthenticated      = "authenticated"
	StateSecondFactorNeeded = "second_factor_required"
)

// defaultKDFIterations is reported by Prelogin for unknown emails, so
// the response is indistinguishable from a real account using the
// default client-side KDF cost.
const defaultKDFIterations = 600000

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds
	Revision     int64  `json:"revision"`
	SessionID    string `json:"-"`
}

// LoginResult is the outcome of the password leg of a login. When a
// second factor is owed, Tokens is nil and the challenge fields tell
// the client how to continue.
type LoginResult struct {
	State       string           `json:"state"`
	Tokens      *TokenPair       `json:"tokens,omitempty"`
	ChallengeID string           `json:"challenge_id,omitempty"`
	Providers   []FactorProvider `json:"providers,omitempty"`
}

// ChallengeOptions is the provider-specific material the client needs
// to complete a second factor, returned by RequestChallenge.
type ChallengeOptions struct {
	Provider  FactorProvider  `json:"provider"`
	Options   json.RawMessage `json:"options,omitempty"`
	ExpiresIn int             `json:"expires_in"` // seconds
}

// Identity is the authenticated caller derived from a validated access
// token. Handlers read it from the request context.
type Identity struct {
	AccountID string
	SessionID string
}

// LoginService orchestrates the authentication lifecycle: password
// verification, second-factor hand-off, token issuance, rotation, and
// revocation.
type LoginService struct {
	accounts   AccountRepository
	sessions   SessionRepository
	challenges *ChallengeStore
	verifier   *Verifier
	mailer     mail.Sender
	audit      audit.Recorder
	keys       *keys.Manager
	cfg        *config.Config
	logger     *logging.Logger

	// Per-email token buckets for login throttling. Entries are pruned
	// by the sweeper; the map is small in practice (one entry per
	// recently active email).
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewLoginService creates a login service.
func NewLoginService(
	accounts AccountRepository,
	sessions SessionRepository,
	challenges *ChallengeStore,
	verifier *Verifier,
	mailer mail.Sender,
	recorder audit.Recorder,
	km *keys.Manager,
	cfg *config.Config,
	logger *logging.Logger,
) *LoginService {
	return &LoginService{
		accounts:   accounts,
		sessions:   sessions,
		challenges: challenges,
		verifier:   verifier,
		mailer:     mailer,
		audit:      recorder,
		keys:       km,
		cfg:        cfg,
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Prelogin returns the client-side KDF iteration count for an email.
// Unknown emails get the default count so the endpoint cannot be used
// to probe which addresses have accounts.
func (s *LoginService) Prelogin(ctx context.Context, email string) (int, error) {
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return defaultKDFIterations, nil
		}
		return 0, err
	}
	return account.KDFIterations, nil
}

// Register creates a new account. The caller supplies the client-side
// KDF iteration count and the master password proof; the proof is
// re-hashed server-side before storage so the database never holds a
// value a client could replay.
func (s *LoginService) Register(ctx context.Context, email, name, proof string, kdfIterations int) (*Account, error) {
	if !IsValidEmail(email) {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidCredentials)
	}
	if kdfIterations <= 0 {
		kdfIterations = defaultKDFIterations
	}

	hash, err := HashProof(proof)
	if err != nil {
		return nil, fmt.Errorf("hashing proof: %w", err)
	}

	account := &Account{
		ID:            "acc-" + uuid.NewString()[:16],
		Email:         email,
		Name:          name,
		PasswordHash:  hash,
		KDFIterations: kdfIterations,
		SecurityStamp: uuid.NewString(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	s.record(ctx, audit.ActionAccountRegistered, "account", account.ID, account.ID, nil)
	s.logger.Info("account registered", "account_id", account.ID)
	return account, nil
}

// Login runs the password leg. If the account has no second factors the
// result carries a token pair; otherwise it carries a challenge ID and
// the providers the client can choose from.
//
// Unknown emails burn a dummy hash verification so the response time
// does not reveal whether the account exists.
func (s *LoginService) Login(ctx context.Context, email, proof, deviceName, fingerprint string) (*LoginResult, error) {
	if !s.allowAttempt(email) {
		return nil, ErrTooManyAttempts
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			VerifyDummy(proof)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := VerifyProof(proof, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying proof: %w", err)
	}
	if !ok {
		failures, ferr := s.accounts.IncrementFailedLogins(ctx, account.ID)
		if ferr != nil {
			s.logger.Warn("failed login counter update failed", "account_id", account.ID, "error", ferr)
		}
		s.record(ctx, audit.ActionLoginFailed, "account", account.ID, account.ID, map[string]any{
			"failures": failures,
		})
		return nil, ErrInvalidCredentials
	}

	factors, err := s.accounts.ListFactors(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	factors = s.enabledFactors(factors)

	if len(factors) == 0 {
		tokens, err := s.issueTokens(ctx, account, deviceName, fingerprint)
		if err != nil {
			return nil, err
		}
		s.finishLogin(ctx, account, tokens.SessionID)
		return &LoginResult{State: StateAuthenticated, Tokens: tokens}, nil
	}

	providers := make([]FactorProvider, 0, len(factors))
	for _, f := range factors {
		providers = append(providers, f.Provider)
	}

	id := s.challenges.Put(&Challenge{
		AccountID:   account.ID,
		DeviceName:  deviceName,
		Fingerprint: fingerprint,
	})

	return &LoginResult{
		State:       StateSecondFactorNeeded,
		ChallengeID: id,
		Providers:   providers,
	}, nil
}

// RequestChallenge binds a pending challenge to one of the account's
// providers and prepares its material: webauthn assertion options are
// returned, an email code is generated and sent, TOTP and push need no
// server-side preparation.
func (s *LoginService) RequestChallenge(ctx context.Context, challengeID string, provider FactorProvider) (*ChallengeOptions, error) {
	ch, err := s.challenges.Get(challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Enrollment {
		return nil, ErrChallengeExpired
	}

	account, err := s.accounts.GetByID(ctx, ch.AccountID)
	if err != nil {
		return nil, err
	}

	factor, err := s.factorFor(ctx, account.ID, provider)
	if err != nil {
		return nil, err
	}

	options, err := s.verifier.Begin(account, factor, ch)
	if err != nil {
		return nil, err
	}
	ch.Provider = provider

	if provider == ProviderEmail && ch.EmailCode != "" {
		ef := factor.Email
		if ef == nil {
			return nil, ErrFactorNotConfigured
		}
		body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.",
			ch.EmailCode, int(s.cfg.ChallengeTTL().Minutes()))
		if err := s.mailer.Send(ef.Email, "Your Coffer verification code", body); err != nil {
			return nil, fmt.Errorf("delivering code: %w", err)
		}
	}

	return &ChallengeOptions{
		Provider:  provider,
		Options:   options,
		ExpiresIn: int(time.Until(ch.ExpiresAt).Seconds()),
	}, nil
}

// CompleteSecondFactor verifies the proof for a pending challenge and,
// on success, consumes it and issues tokens. Failures count toward the
// challenge's attempt budget; exhausting it drops the challenge and
// the login restarts from the password step.
func (s *LoginService) CompleteSecondFactor(ctx context.Context, challengeID string, provider FactorProvider, proof string) (*TokenPair, error) {
	ch, err := s.challenges.Get(challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Enrollment {
		return nil, ErrChallengeExpired
	}

	account, err := s.accounts.GetByID(ctx, ch.AccountID)
	if err != nil {
		return nil, err
	}

	factor, err := s.factorFor(ctx, account.ID, provider)
	if err != nil {
		return nil, err
	}

	if err := s.verifier.Verify(ctx, account, factor, ch, proof); err != nil {
		if errors.Is(err, ErrSecondFactorInvalid) {
			if provider == ProviderWebAuthn {
				// The assertion nonce is burned by the attempt; a retry
				// must request a fresh ceremony.
				s.challenges.ClearCeremony(challengeID)
			}
			_, ferr := s.challenges.RecordFailure(challengeID, s.cfg.SecondFactor.MaxFailures)
			s.record(ctx, audit.ActionSecondFactorFailed, "account", account.ID, account.ID, map[string]any{
				"provider": string(provider),
			})
			if errors.Is(ferr, ErrTooManyAttempts) {
				return nil, ErrTooManyAttempts
			}
		}
		return nil, err
	}

	if _, err := s.challenges.Consume(challengeID); err != nil {
		// Lost a race with another completion for the same challenge.
		return nil, err
	}

	tokens, err := s.issueTokens(ctx, account, ch.DeviceName, ch.Fingerprint)
	if err != nil {
		return nil, err
	}
	s.finishLogin(ctx, account, tokens.SessionID)
	return tokens, nil
}

// Refresh exchanges a refresh token for a fresh pair. Presenting a
// superseded or revoked token is treated as theft: the whole session is
// revoked and the caller gets ErrTokenReuse.
func (s *LoginService) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	token, err := s.sessions.GetTokenByHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	session, err := s.sessions.GetByID(ctx, token.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Revoked {
		return nil, ErrSessionRevoked
	}

	if token.Revoked || token.Generation != session.Generation {
		// The presented token was already rotated away. Someone is
		// replaying an old token — kill the session.
		if rerr := s.sessions.Revoke(ctx, session.ID); rerr != nil {
			s.logger.Error("revoking session after token reuse failed", "session_id", session.ID, "error", rerr)
		}
		s.record(ctx, audit.ActionTokenReuse, "session", session.ID, session.AccountID, map[string]any{
			"generation": token.Generation,
		})
		s.logger.Warn("refresh token reuse detected", "session_id", session.ID, "account_id", session.AccountID)
		return nil, ErrTokenReuse
	}

	account, err := s.accounts.GetByID(ctx, session.AccountID)
	if err != nil {
		return nil, err
	}

	newRaw, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Rotate(ctx, token, hashToken(newRaw), s.cfg.RefreshTokenTTL()); err != nil {
		if errors.Is(err, ErrTokenReuse) {
			s.record(ctx, audit.ActionTokenReuse, "session", session.ID, session.AccountID, nil)
		}
		return nil, err
	}

	// Access tokens minted here carry the account's current security
	// stamp, so tokens issued before a password change die at their
	// natural expiry while the session itself lives on.
	access, err := GenerateAccessToken(account, session.ID, s.keys, s.cfg.AccessTokenTTL())
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newRaw,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL().Seconds()),
		Revision:     account.Revision,
		SessionID:    session.ID,
	}, nil
}

// ValidateAccess parses and verifies an access token and returns the
// caller's identity. The token's security stamp must match the
// account's current stamp, and the session must still be live.
func (s *LoginService) ValidateAccess(ctx context.Context, tokenString string) (*Identity, error) {
	claims, err := ParseAccessToken(tokenString, s.keys)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if claims.SecurityStamp != account.SecurityStamp {
		return nil, ErrStampMismatch
	}

	session, err := s.sessions.GetByID(ctx, claims.DeviceID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if session.Revoked {
		return nil, ErrSessionRevoked
	}

	return &Identity{AccountID: account.ID, SessionID: session.ID}, nil
}

// Logout revokes a single session.
func (s *LoginService) Logout(ctx context.Context, identity *Identity) error {
	if err := s.sessions.Revoke(ctx, identity.SessionID); err != nil {
		return err
	}
	s.record(ctx, audit.ActionSessionRevoked, "session", identity.SessionID, identity.AccountID, nil)
	return nil
}

// LogoutAll revokes every session for the calling account.
func (s *LoginService) LogoutAll(ctx context.Context, identity *Identity) error {
	if err := s.sessions.RevokeAllForAccount(ctx, identity.AccountID); err != nil {
		return err
	}
	s.record(ctx, audit.ActionSessionRevoked, "account", identity.AccountID, identity.AccountID, map[string]any{
		"scope": "all",
	})
	return nil
}

// Sessions lists the account's active sessions.
func (s *LoginService) Sessions(ctx context.Context, identity *Identity) ([]Session, error) {
	return s.sessions.ListActiveByAccount(ctx, identity.AccountID)
}

// ChangePassword verifies the current proof, stores the new hash, and
// rotates the security stamp. Outstanding access tokens fail stamp
// validation from this point; refresh tokens keep working and mint
// access tokens bearing the new stamp.
func (s *LoginService) ChangePassword(ctx context.Context, identity *Identity, currentProof, newProof string) error {
	account, err := s.accounts.GetByID(ctx, identity.AccountID)
	if err != nil {
		return err
	}

	ok, err := VerifyProof(currentProof, account.PasswordHash)
	if err != nil {
		return fmt.Errorf("verifying current proof: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := HashProof(newProof)
	if err != nil {
		return fmt.Errorf("hashing new proof: %w", err)
	}

	if err := s.accounts.UpdatePassword(ctx, account.ID, hash); err != nil {
		return err
	}

	s.record(ctx, audit.ActionPasswordChanged, "account", account.ID, account.ID, nil)
	s.logger.Info("password changed", "account_id", account.ID)
	return nil
}

// SecondFactors lists the providers enrolled for the account, filtered
// to what this deployment has enabled.
func (s *LoginService) SecondFactors(ctx context.Context, identity *Identity) ([]FactorProvider, error) {
	factors, err := s.accounts.ListFactors(ctx, identity.AccountID)
	if err != nil {
		return nil, err
	}

	providers := []FactorProvider{}
	for _, f := range s.enabledFactors(factors) {
		providers = append(providers, f.Provider)
	}
	return providers, nil
}

// BeginTOTPEnrollment provisions a fresh TOTP secret for the account
// and returns it with the otpauth:// provisioning URL. Nothing is
// stored yet; the client proves possession of the secret through
// ConfirmTOTPEnrollment.
func (s *LoginService) BeginTOTPEnrollment(ctx context.Context, identity *Identity) (secret, url string, err error) {
	if !s.cfg.SecondFactor.TOTP.Enabled {
		return "", "", ErrFactorNotConfigured
	}

	account, err := s.accounts.GetByID(ctx, identity.AccountID)
	if err != nil {
		return "", "", err
	}
	return s.verifier.EnrollTOTP(account)
}

// ConfirmTOTPEnrollment verifies a code against the pending secret,
// stores the factor, and rotates the security stamp. Outstanding
// access tokens fail stamp validation from this point; the session's
// refresh token keeps working and mints tokens with the new stamp.
func (s *LoginService) ConfirmTOTPEnrollment(ctx context.Context, identity *Identity, secret, code string) error {
	if !s.cfg.SecondFactor.TOTP.Enabled {
		return ErrFactorNotConfigured
	}

	if err := s.verifier.verifyTOTP(&TOTPFactor{Secret: secret}, code); err != nil {
		return err
	}

	factor := Factor{Provider: ProviderTOTP, TOTP: &TOTPFactor{Secret: secret}}
	if err := s.accounts.SetFactor(ctx, identity.AccountID, factor); err != nil {
		return err
	}
	if err := s.accounts.BumpSecurityStamp(ctx, identity.AccountID); err != nil {
		return err
	}

	s.record(ctx, audit.ActionSecondFactorEnrolled, "account", identity.AccountID, identity.AccountID, map[string]any{
		"provider": string(ProviderTOTP),
	})
	s.logger.Info("second factor enrolled", "account_id", identity.AccountID, "provider", ProviderTOTP)
	return nil
}

// BeginWebAuthnEnrollment starts a credential registration ceremony
// for the account. The ceremony state is held server-side under an
// enrollment challenge; the returned options are passed to the
// authenticator and the attestation comes back through
// ConfirmWebAuthnEnrollment.
func (s *LoginService) BeginWebAuthnEnrollment(ctx context.Context, identity *Identity) (challengeID string, options json.RawMessage, err error) {
	if !s.cfg.SecondFactor.WebAuthn.Enabled {
		return "", nil, ErrFactorNotConfigured
	}

	account, err := s.accounts.GetByID(ctx, identity.AccountID)
	if err != nil {
		return "", nil, err
	}
	existing, err := s.webAuthnFactor(ctx, identity.AccountID)
	if err != nil {
		return "", nil, err
	}

	options, ceremony, err := s.verifier.BeginRegistration(account, existing)
	if err != nil {
		return "", nil, err
	}

	challengeID = s.challenges.Put(&Challenge{
		AccountID:       identity.AccountID,
		Provider:        ProviderWebAuthn,
		WebAuthnSession: ceremony,
		Enrollment:      true,
	})
	return challengeID, options, nil
}

// ConfirmWebAuthnEnrollment validates the attestation, appends the new
// credential to the stored set, and rotates the security stamp. The
// challenge is consumed either way; a rejected attestation starts over
// with a fresh ceremony.
func (s *LoginService) ConfirmWebAuthnEnrollment(ctx context.Context, identity *Identity, challengeID, attestation string) error {
	if !s.cfg.SecondFactor.WebAuthn.Enabled {
		return ErrFactorNotConfigured
	}

	ch, err := s.challenges.Consume(challengeID)
	if err != nil {
		return err
	}
	if !ch.Enrollment || ch.AccountID != identity.AccountID {
		return ErrChallengeExpired
	}

	account, err := s.accounts.GetByID(ctx, identity.AccountID)
	if err != nil {
		return err
	}
	existing, err := s.webAuthnFactor(ctx, identity.AccountID)
	if err != nil {
		return err
	}

	encoded, err := s.verifier.FinishRegistration(account, existing, ch.WebAuthnSession, attestation)
	if err != nil {
		return err
	}

	factor := Factor{Provider: ProviderWebAuthn, WebAuthn: &WebAuthnFactor{Credentials: encoded}}
	if err := s.accounts.SetFactor(ctx, identity.AccountID, factor); err != nil {
		return err
	}
	if err := s.accounts.BumpSecurityStamp(ctx, identity.AccountID); err != nil {
		return err
	}

	s.record(ctx, audit.ActionSecondFactorEnrolled, "account", identity.AccountID, identity.AccountID, map[string]any{
		"provider": string(ProviderWebAuthn),
	})
	s.logger.Info("second factor enrolled", "account_id", identity.AccountID, "provider", ProviderWebAuthn)
	return nil
}

// webAuthnFactor returns the stored webauthn factor, or nil when the
// account has none enrolled.
func (s *LoginService) webAuthnFactor(ctx context.Context, accountID string) (*WebAuthnFactor, error) {
	factors, err := s.accounts.ListFactors(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, f := range factors {
		if f.Provider == ProviderWebAuthn {
			return f.WebAuthn, nil
		}
	}
	return nil, nil
}

// SetSecondFactor stores or replaces an email or push factor
// configuration and rotates the security stamp. TOTP and webauthn go
// through their two-step enrollments instead, so the server never
// stores an unproven secret or an unattested credential.
func (s *LoginService) SetSecondFactor(ctx context.Context, identity *Identity, factor Factor) error {
	switch factor.Provider {
	case ProviderTOTP:
		return fmt.Errorf("%w: totp requires code-confirmed enrollment", ErrFactorNotConfigured)
	case ProviderWebAuthn:
		return fmt.Errorf("%w: webauthn requires a registration ceremony", ErrFactorNotConfigured)
	}
	if !s.providerEnabled(factor.Provider) {
		return ErrFactorNotConfigured
	}
	if factor.Payload() == nil {
		return fmt.Errorf("%w: missing %s payload", ErrFactorNotConfigured, factor.Provider)
	}

	if err := s.accounts.SetFactor(ctx, identity.AccountID, factor); err != nil {
		return err
	}
	if err := s.accounts.BumpSecurityStamp(ctx, identity.AccountID); err != nil {
		return err
	}

	s.record(ctx, audit.ActionSecondFactorEnrolled, "account", identity.AccountID, identity.AccountID, map[string]any{
		"provider": string(factor.Provider),
	})
	s.logger.Info("second factor enrolled", "account_id", identity.AccountID, "provider", factor.Provider)
	return nil
}

// RemoveSecondFactor deletes an enrolled factor and rotates the
// security stamp.
func (s *LoginService) RemoveSecondFactor(ctx context.Context, identity *Identity, provider FactorProvider) error {
	factors, err := s.accounts.ListFactors(ctx, identity.AccountID)
	if err != nil {
		return err
	}
	enrolled := false
	for _, f := range factors {
		if f.Provider == provider {
			enrolled = true
			break
		}
	}
	if !enrolled {
		return ErrFactorNotConfigured
	}

	if err := s.accounts.RemoveFactor(ctx, identity.AccountID, provider); err != nil {
		return err
	}
	if err := s.accounts.BumpSecurityStamp(ctx, identity.AccountID); err != nil {
		return err
	}

	s.record(ctx, audit.ActionSecondFactorRemoved, "account", identity.AccountID, identity.AccountID, map[string]any{
		"provider": string(provider),
	})
	s.logger.Info("second factor removed", "account_id", identity.AccountID, "provider", provider)
	return nil
}

// RunCleanup periodically deletes expired refresh tokens and orphaned
// sessions until the context is cancelled.
func (s *LoginService) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sessions.DeleteExpired(ctx)
			if err != nil {
				s.logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("expired refresh tokens removed", "count", n)
			}
		}
	}
}

// issueTokens creates a session and mints the first token pair for it.
func (s *LoginService) issueTokens(ctx context.Context, account *Account, deviceName, fingerprint string) (*TokenPair, error) {
	session := &Session{
		AccountID:   account.ID,
		DeviceName:  deviceName,
		Fingerprint: fingerprint,
	}

	rawRefresh, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.Create(ctx, session, hashToken(rawRefresh), s.cfg.RefreshTokenTTL()); err != nil {
		return nil, err
	}

	access, err := GenerateAccessToken(account, session.ID, s.keys, s.cfg.AccessTokenTTL())
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL().Seconds()),
		Revision:     account.Revision,
		SessionID:    session.ID,
	}, nil
}

// finishLogin resets the failure counter and records a successful login.
func (s *LoginService) finishLogin(ctx context.Context, account *Account, sessionID string) {
	if err := s.accounts.ResetFailedLogins(ctx, account.ID); err != nil {
		s.logger.Warn("resetting failed login counter failed", "account_id", account.ID, "error", err)
	}
	s.record(ctx, audit.ActionLoginSuccess, "account", account.ID, account.ID, map[string]any{
		"session_id": sessionID,
	})
	s.logger.Info("login succeeded", "account_id", account.ID, "session_id", sessionID)
}

// factorFor returns the account's configured factor for a provider,
// filtered by deployment-level enablement.
func (s *LoginService) factorFor(ctx context.Context, accountID string, provider FactorProvider) (Factor, error) {
	factors, err := s.accounts.ListFactors(ctx, accountID)
	if err != nil {
		return Factor{}, err
	}
	for _, f := range s.enabledFactors(factors) {
		if f.Provider == provider {
			return f, nil
		}
	}
	return Factor{}, ErrFactorNotConfigured
}

// enabledFactors filters an account's factors down to the providers
// this deployment has enabled.
func (s *LoginService) enabledFactors(factors []Factor) []Factor {
	out := factors[:0:0]
	for _, f := range factors {
		if s.providerEnabled(f.Provider) {
			out = append(out, f)
		}
	}
	return out
}

// providerEnabled reports whether a provider is enabled in this
// deployment's configuration.
func (s *LoginService) providerEnabled(provider FactorProvider) bool {
	switch provider {
	case ProviderTOTP:
		return s.cfg.SecondFactor.TOTP.Enabled
	case ProviderWebAuthn:
		return s.cfg.SecondFactor.WebAuthn.Enabled
	case ProviderEmail:
		return s.cfg.SecondFactor.Email.Enabled
	case ProviderPush:
		return s.cfg.SecondFactor.Push.Enabled
	default:
		return false
	}
}

// allowAttempt consults the per-email rate limiter.
func (s *LoginService) allowAttempt(email string) bool {
	if !s.cfg.RateLimit.Enabled {
		return true
	}

	s.limiterMu.Lock()
	limiter, ok := s.limiters[email]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(float64(s.cfg.RateLimit.AttemptsPerMin)/60.0),
			s.cfg.RateLimit.Burst,
		)
		s.limiters[email] = limiter
	}
	s.limiterMu.Unlock()

	return limiter.Allow()
}

// record writes an audit entry, logging instead of failing the caller
// when the write does not land.
func (s *LoginService) record(ctx context.Context, action, entityType, entityID, accountID string, details map[string]any) {
	err := s.audit.Record(ctx, &audit.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		AccountID:  accountID,
		Source:     "auth",
		Details:    details,
	})
	if err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// hashToken returns the hex SHA-256 of a raw refresh token. Only the
// hash is stored.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
