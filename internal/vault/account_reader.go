package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteAccountReader reads the profile slice of the accounts table.
// Account lifecycle (creation, credentials, factors) lives in the auth
// package; the sync engine only needs identity and the revision stamp.
type SQLiteAccountReader struct {
	db *sql.DB
}

// NewAccountReader creates a profile reader.
func NewAccountReader(db *sql.DB) *SQLiteAccountReader {
	return &SQLiteAccountReader{db: db}
}

// GetProfile returns the account's profile and current revision stamp.
func (r *SQLiteAccountReader) GetProfile(ctx context.Context, accountID string) (*Profile, error) {
	var p Profile
	var name sql.NullString

	err := r.db.QueryRowContext(ctx,
		"SELECT id, email, name, revision FROM accounts WHERE id = ?", accountID,
	).Scan(&p.AccountID, &p.Email, &name, &p.Revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting account profile: %w", err)
	}

	if name.Valid {
		p.Name = name.String
	}
	return &p, nil
}
