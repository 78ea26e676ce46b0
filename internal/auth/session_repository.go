package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coffer-vault/coffer/internal/infrastructure/database"
)

// SessionRepository defines the interface for device-session persistence.
// This is the durable half of the session registry; the in-memory index of
// connected live-update channels lives in the notify package and is
// rebuilt from scratch on restart.
type SessionRepository interface {
	Create(ctx context.Context, session *Session, tokenHash string, ttl time.Duration) (*RefreshToken, error)
	GetByID(ctx context.Context, id string) (*Session, error)
	GetTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	Rotate(ctx context.Context, presented *RefreshToken, newHash string, ttl time.Duration) (*RefreshToken, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAllForAccount(ctx context.Context, accountID string) error
	ListActiveByAccount(ctx context.Context, accountID string) ([]Session, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteSessionRepository implements SessionRepository using SQLite.
type SQLiteSessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a new SQLite-backed session repository.
func NewSessionRepository(db *database.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

// Create inserts a new session at generation 1 together with its first
// refresh token, in one transaction. The raw refresh token never reaches
// this layer — only its hash.
func (r *SQLiteSessionRepository) Create(ctx context.Context, session *Session, tokenHash string, ttl time.Duration) (*RefreshToken, error) {
	if session.ID == "" {
		session.ID = "ses-" + uuid.NewString()[:16]
	}
	session.Generation = 1

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	session.IssuedAt = now
	session.LastUsedAt = now
	session.CreatedAt = now

	token := &RefreshToken{
		ID:         "rt-" + uuid.NewString()[:16],
		SessionID:  session.ID,
		AccountID:  session.AccountID,
		TokenHash:  tokenHash,
		Generation: 1,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, account_id, device_name, fingerprint, generation, issued_at, last_used_at, revoked, created_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?, 0, ?)`,
			session.ID, session.AccountID,
			nullString(session.DeviceName), nullString(session.Fingerprint),
			nowStr, nowStr, nowStr,
		); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO refresh_tokens (id, session_id, account_id, token_hash, generation, expires_at, revoked, created_at)
			 VALUES (?, ?, ?, ?, 1, ?, 0, ?)`,
			token.ID, token.SessionID, token.AccountID, token.TokenHash,
			token.ExpiresAt.UTC().Format(time.RFC3339), nowStr,
		); err != nil {
			return fmt.Errorf("creating refresh token: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return token, nil
}

// GetByID retrieves a session by its ID.
func (r *SQLiteSessionRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	var s Session
	var deviceName, fingerprint sql.NullString
	var revoked int
	var issuedAt, lastUsedAt, createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, device_name, fingerprint, generation, issued_at, last_used_at, revoked, created_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.AccountID, &deviceName, &fingerprint, &s.Generation,
		&issuedAt, &lastUsedAt, &revoked, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	s.Revoked = revoked != 0
	if deviceName.Valid {
		s.DeviceName = deviceName.String
	}
	if fingerprint.Valid {
		s.Fingerprint = fingerprint.String
	}
	s.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)     //nolint:errcheck // format is controlled
	s.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsedAt) //nolint:errcheck // format is controlled
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)   //nolint:errcheck // format is controlled

	return &s, nil
}

// GetTokenByHash retrieves a refresh token row by its SHA-256 hash.
// Superseded generations remain in the table, so a replayed old token
// still resolves here — the caller detects the replay by comparing the
// row's generation against the session's current one.
func (r *SQLiteSessionRepository) GetTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	var revoked int
	var expiresAt, createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, account_id, token_hash, generation, expires_at, revoked, created_at
		 FROM refresh_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&t.ID, &t.SessionID, &t.AccountID, &t.TokenHash, &t.Generation,
		&expiresAt, &revoked, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("getting refresh token by hash: %w", err)
	}

	t.Revoked = revoked != 0
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &t, nil
}

// Rotate atomically advances the session's generation counter and swaps
// in the next refresh token. The UPDATE is guarded on the presented
// token's generation, so two concurrent refreshes with the same token
// cannot both succeed — the loser observes zero affected rows and
// reports reuse.
func (r *SQLiteSessionRepository) Rotate(ctx context.Context, presented *RefreshToken, newHash string, ttl time.Duration) (*RefreshToken, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	next := &RefreshToken{
		ID:         "rt-" + uuid.NewString()[:16],
		SessionID:  presented.SessionID,
		AccountID:  presented.AccountID,
		TokenHash:  newHash,
		Generation: presented.Generation + 1,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE sessions SET generation = generation + 1, last_used_at = ?
			 WHERE id = ? AND generation = ? AND revoked = 0`,
			nowStr, presented.SessionID, presented.Generation,
		)
		if err != nil {
			return fmt.Errorf("advancing session generation: %w", err)
		}
		rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
		if rows == 0 {
			return ErrTokenReuse
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked = 1 WHERE id = ?", presented.ID); err != nil {
			return fmt.Errorf("revoking consumed token: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO refresh_tokens (id, session_id, account_id, token_hash, generation, expires_at, revoked, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			next.ID, next.SessionID, next.AccountID, next.TokenHash,
			next.Generation, next.ExpiresAt.UTC().Format(time.RFC3339), nowStr,
		); err != nil {
			return fmt.Errorf("creating rotated token: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return next, nil
}

// Revoke marks a session and all its refresh tokens as revoked.
func (r *SQLiteSessionRepository) Revoke(ctx context.Context, sessionID string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET revoked = 1 WHERE id = ?", sessionID); err != nil {
			return fmt.Errorf("revoking session: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked = 1 WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("revoking session tokens: %w", err)
		}
		return nil
	})
}

// RevokeAllForAccount revokes every session for an account.
// Used for "log out everywhere" and administrative lockout.
func (r *SQLiteSessionRepository) RevokeAllForAccount(ctx context.Context, accountID string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET revoked = 1 WHERE account_id = ?", accountID); err != nil {
			return fmt.Errorf("revoking account sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked = 1 WHERE account_id = ?", accountID); err != nil {
			return fmt.Errorf("revoking account tokens: %w", err)
		}
		return nil
	})
}

// ListActiveByAccount returns all non-revoked sessions for an account,
// most recently used first.
func (r *SQLiteSessionRepository) ListActiveByAccount(ctx context.Context, accountID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, device_name, fingerprint, generation, issued_at, last_used_at, revoked, created_at
		 FROM sessions
		 WHERE account_id = ? AND revoked = 0
		 ORDER BY last_used_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var deviceName, fingerprint sql.NullString
		var revoked int
		var issuedAt, lastUsedAt, createdAt string

		if err := rows.Scan(&s.ID, &s.AccountID, &deviceName, &fingerprint, &s.Generation,
			&issuedAt, &lastUsedAt, &revoked, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}

		s.Revoked = revoked != 0
		if deviceName.Valid {
			s.DeviceName = deviceName.String
		}
		if fingerprint.Valid {
			s.Fingerprint = fingerprint.String
		}
		s.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)     //nolint:errcheck // format is controlled
		s.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsedAt) //nolint:errcheck // format is controlled
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)   //nolint:errcheck // format is controlled

		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// DeleteExpired removes refresh tokens past their expiry and sessions
// whose every token has expired. Returns the number of deleted tokens.
func (r *SQLiteSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (SELECT DISTINCT session_id FROM refresh_tokens)`); err != nil {
		return 0, fmt.Errorf("deleting orphaned sessions: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}
