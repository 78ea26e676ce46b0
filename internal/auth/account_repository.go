package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountRepository defines the interface for account persistence.
type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	BumpSecurityStamp(ctx context.Context, id string) error
	IncrementFailedLogins(ctx context.Context, id string) (int, error)
	ResetFailedLogins(ctx context.Context, id string) error
	ListFactors(ctx context.Context, accountID string) ([]Factor, error)
	SetFactor(ctx context.Context, accountID string, factor Factor) error
	RemoveFactor(ctx context.Context, accountID string, provider FactorProvider) error
}

// SQLiteAccountRepository implements AccountRepository using SQLite.
type SQLiteAccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new SQLite-backed account repository.
func NewAccountRepository(db *sql.DB) *SQLiteAccountRepository {
	return &SQLiteAccountRepository{db: db}
}

const accountColumns = "id, email, name, password_hash, kdf_iterations, security_stamp, revision, failed_logins, created_at, updated_at"

// Create inserts a new account. The ID and security stamp are generated
// if empty; the revision stamp starts at zero.
func (r *SQLiteAccountRepository) Create(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = "acc-" + uuid.NewString()[:8]
	}
	if account.SecurityStamp == "" {
		account.SecurityStamp = uuid.NewString()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	account.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled
	account.UpdatedAt = account.CreatedAt
	account.Revision = 0

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, password_hash, kdf_iterations, security_stamp, revision, failed_logins, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		account.ID, account.Email, nullString(account.Name),
		account.PasswordHash, account.KDFIterations, account.SecurityStamp,
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("creating account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by its unique ID.
func (r *SQLiteAccountRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	return r.getAccount(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
}

// GetByEmail retrieves an account by its email address.
func (r *SQLiteAccountRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.getAccount(ctx, "SELECT "+accountColumns+" FROM accounts WHERE email = ?", email)
}

// UpdatePassword changes the stored proof hash and bumps the security
// stamp in the same statement, so outstanding access tokens die with the
// old password.
func (r *SQLiteAccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET password_hash = ?, security_stamp = ?, updated_at = ? WHERE id = ?`,
		passwordHash, uuid.NewString(), now, id,
	)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// BumpSecurityStamp rotates the security stamp, invalidating all
// outstanding access tokens. Used on second-factor changes and forced
// logout.
func (r *SQLiteAccountRepository) BumpSecurityStamp(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET security_stamp = ?, updated_at = ? WHERE id = ?`,
		uuid.NewString(), now, id,
	)
	if err != nil {
		return fmt.Errorf("bumping security stamp: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IncrementFailedLogins advances the failure counter and returns the new value.
func (r *SQLiteAccountRepository) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	_, err := r.db.ExecContext(ctx,
		"UPDATE accounts SET failed_logins = failed_logins + 1 WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("incrementing failed logins: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx,
		"SELECT failed_logins FROM accounts WHERE id = ?", id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("reading failed logins: %w", err)
	}
	return count, nil
}

// ResetFailedLogins clears the failure counter after a successful login.
func (r *SQLiteAccountRepository) ResetFailedLogins(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE accounts SET failed_logins = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("resetting failed logins: %w", err)
	}
	return nil
}

// ListFactors returns the configured second factors for an account.
func (r *SQLiteAccountRepository) ListFactors(ctx context.Context, accountID string) ([]Factor, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT provider, secret FROM two_factors WHERE account_id = ? AND enabled = 1 ORDER BY provider",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("listing factors: %w", err)
	}
	defer rows.Close()

	var factors []Factor
	for rows.Next() {
		var provider, secret string
		if err := rows.Scan(&provider, &secret); err != nil {
			return nil, fmt.Errorf("scanning factor: %w", err)
		}
		f, err := decodeFactor(FactorProvider(provider), secret)
		if err != nil {
			return nil, err
		}
		factors = append(factors, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating factors: %w", err)
	}

	return factors, nil
}

// SetFactor inserts or replaces a second-factor configuration.
// The caller is responsible for bumping the security stamp afterwards.
func (r *SQLiteAccountRepository) SetFactor(ctx context.Context, accountID string, factor Factor) error {
	secret, err := encodeFactor(factor)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO two_factors (account_id, provider, secret, enabled, created_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(account_id, provider) DO UPDATE SET secret = excluded.secret, enabled = 1`,
		accountID, string(factor.Provider), secret, now,
	)
	if err != nil {
		return fmt.Errorf("setting factor: %w", err)
	}
	return nil
}

// RemoveFactor deletes a second-factor configuration.
func (r *SQLiteAccountRepository) RemoveFactor(ctx context.Context, accountID string, provider FactorProvider) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM two_factors WHERE account_id = ? AND provider = ?",
		accountID, string(provider))
	if err != nil {
		return fmt.Errorf("removing factor: %w", err)
	}
	return nil
}

// encodeFactor serialises the variant payload matching the provider tag.
func encodeFactor(f Factor) (string, error) {
	var payload any
	switch f.Provider {
	case ProviderTOTP:
		payload = f.TOTP
	case ProviderWebAuthn:
		payload = f.WebAuthn
	case ProviderEmail:
		payload = f.Email
	case ProviderPush:
		payload = f.Push
	default:
		return "", fmt.Errorf("unknown factor provider %q", f.Provider)
	}
	if payload == nil {
		return "", fmt.Errorf("factor %q has no payload", f.Provider)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding factor: %w", err)
	}
	return string(b), nil
}

// decodeFactor deserialises a stored secret into the matching variant.
func decodeFactor(provider FactorProvider, secret string) (Factor, error) {
	f := Factor{Provider: provider}
	var err error
	switch provider {
	case ProviderTOTP:
		f.TOTP = &TOTPFactor{}
		err = json.Unmarshal([]byte(secret), f.TOTP)
	case ProviderWebAuthn:
		f.WebAuthn = &WebAuthnFactor{}
		err = json.Unmarshal([]byte(secret), f.WebAuthn)
	case ProviderEmail:
		f.Email = &EmailFactor{}
		err = json.Unmarshal([]byte(secret), f.Email)
	case ProviderPush:
		f.Push = &PushFactor{}
		err = json.Unmarshal([]byte(secret), f.Push)
	default:
		return f, fmt.Errorf("unknown factor provider %q", provider)
	}
	if err != nil {
		return f, fmt.Errorf("decoding %s factor: %w", provider, err)
	}
	return f, nil
}

// getAccount executes a query and scans a single account result.
func (r *SQLiteAccountRepository) getAccount(ctx context.Context, query string, args ...any) (*Account, error) {
	var a Account
	var name sql.NullString
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &a.Email, &name, &a.PasswordHash, &a.KDFIterations,
		&a.SecurityStamp, &a.Revision, &a.FailedLogins,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	if name.Valid {
		a.Name = name.String
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &a, nil
}

// Helper functions.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint"))
}
