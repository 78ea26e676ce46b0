package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
)

func testVerifier(t *testing.T) *Verifier {
	t.Helper()

	v, err := NewVerifier(config.SecondFactorConfig{
		MaxFailures:  5,
		ChallengeTTL: 120,
		TOTP:         config.TOTPConfig{Enabled: true, Skew: 1},
		Email:        config.EmailOTPConfig{Enabled: true, CodeTTL: 300},
	}, logging.Default())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return v
}

// TestVerifyTOTP verifies code validation against an enrolled secret.
func TestVerifyTOTP(t *testing.T) {
	v := testVerifier(t)
	account := &Account{ID: "acc-1", Email: "user@example.com"}

	secret, url, err := v.EnrollTOTP(account)
	if err != nil {
		t.Fatalf("EnrollTOTP() error = %v", err)
	}
	if secret == "" || url == "" {
		t.Fatal("EnrollTOTP() returned empty secret or URL")
	}

	factor := Factor{Provider: ProviderTOTP, TOTP: &TOTPFactor{Secret: secret}}
	ch := &Challenge{AccountID: account.ID, Provider: ProviderTOTP}

	t.Run("valid code", func(t *testing.T) {
		code, err := totp.GenerateCode(secret, time.Now().UTC())
		if err != nil {
			t.Fatalf("generating code: %v", err)
		}
		if err := v.Verify(context.Background(), account, factor, ch, code); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	})

	t.Run("wrong code", func(t *testing.T) {
		err := v.Verify(context.Background(), account, factor, ch, "000000")
		if !errors.Is(err, ErrSecondFactorInvalid) {
			t.Errorf("Verify() error = %v, want ErrSecondFactorInvalid", err)
		}
	})

	t.Run("garbage code", func(t *testing.T) {
		err := v.Verify(context.Background(), account, factor, ch, "not-a-code")
		if err == nil {
			t.Error("Verify() should reject non-numeric input")
		}
	})
}

// TestVerifyEmailCode verifies the emailed one-time code flow.
func TestVerifyEmailCode(t *testing.T) {
	v := testVerifier(t)
	account := &Account{ID: "acc-1", Email: "user@example.com"}
	factor := Factor{Provider: ProviderEmail, Email: &EmailFactor{Email: account.Email}}

	ch := &Challenge{AccountID: account.ID}
	if _, err := v.Begin(account, factor, ch); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if len(ch.EmailCode) != emailCodeLen {
		t.Fatalf("EmailCode length = %d, want %d", len(ch.EmailCode), emailCodeLen)
	}

	t.Run("correct code", func(t *testing.T) {
		if err := v.Verify(context.Background(), account, factor, ch, ch.EmailCode); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	})

	t.Run("wrong code", func(t *testing.T) {
		err := v.Verify(context.Background(), account, factor, ch, "999999")
		if !errors.Is(err, ErrSecondFactorInvalid) {
			t.Errorf("Verify() error = %v, want ErrSecondFactorInvalid", err)
		}
	})

	t.Run("challenge without code", func(t *testing.T) {
		bare := &Challenge{AccountID: account.ID}
		err := v.Verify(context.Background(), account, factor, bare, "123456")
		if !errors.Is(err, ErrChallengeExpired) {
			t.Errorf("Verify() error = %v, want ErrChallengeExpired", err)
		}
	})
}

// TestVerifyPushDisabled verifies push verification refuses to run
// without a configured relay.
func TestVerifyPushDisabled(t *testing.T) {
	v := testVerifier(t)
	account := &Account{ID: "acc-1"}
	factor := Factor{Provider: ProviderPush, Push: &PushFactor{DeviceToken: "tok"}}
	ch := &Challenge{AccountID: account.ID, Provider: ProviderPush}

	err := v.Verify(context.Background(), account, factor, ch, "approval-1")
	if !errors.Is(err, ErrFactorNotConfigured) {
		t.Errorf("Verify() error = %v, want ErrFactorNotConfigured", err)
	}
}

// TestVerifyWebAuthnDisabled verifies webauthn assertions are refused
// when the provider is disabled in config.
func TestVerifyWebAuthnDisabled(t *testing.T) {
	v := testVerifier(t)
	account := &Account{ID: "acc-1"}
	factor := Factor{Provider: ProviderWebAuthn, WebAuthn: &WebAuthnFactor{}}
	ch := &Challenge{AccountID: account.ID, Provider: ProviderWebAuthn}

	if _, err := v.Begin(account, factor, ch); !errors.Is(err, ErrFactorNotConfigured) {
		t.Errorf("Begin() error = %v, want ErrFactorNotConfigured", err)
	}
	if err := v.Verify(context.Background(), account, factor, ch, "{}"); !errors.Is(err, ErrFactorNotConfigured) {
		t.Errorf("Verify() error = %v, want ErrFactorNotConfigured", err)
	}
}

// TestFactorPayload verifies the variant accessor matches the tag.
func TestFactorPayload(t *testing.T) {
	tests := []struct {
		name   string
		factor Factor
		isNil  bool
	}{
		{"totp", Factor{Provider: ProviderTOTP, TOTP: &TOTPFactor{Secret: "s"}}, false},
		{"email", Factor{Provider: ProviderEmail, Email: &EmailFactor{Email: "e"}}, false},
		{"tag without payload", Factor{Provider: ProviderTOTP}, true},
		{"unknown provider", Factor{Provider: "sms"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.factor.Payload()
			if (got == nil) != tt.isNil {
				t.Errorf("Payload() = %v, want nil=%v", got, tt.isNil)
			}
		})
	}
}

// TestGenerateEmailCode verifies code shape.
func TestGenerateEmailCode(t *testing.T) {
	code := generateEmailCode()
	if len(code) != emailCodeLen {
		t.Fatalf("code length = %d, want %d", len(code), emailCodeLen)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code %q contains non-digit %q", code, c)
		}
	}
}
