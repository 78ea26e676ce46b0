package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CipherRepository defines the interface for cipher persistence.
type CipherRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, c *Cipher) error
	GetByID(ctx context.Context, id string) (*Cipher, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, c *Cipher) error
	DeleteTx(ctx context.Context, tx *sql.Tx, id string) error
	SetCollectionsTx(ctx context.Context, tx *sql.Tx, cipherID string, collectionIDs []string) error
	ListVisible(ctx context.Context, accountID string) ([]Cipher, error)
}

// SQLiteCipherRepository implements CipherRepository using SQLite.
type SQLiteCipherRepository struct {
	db *sql.DB
}

// NewCipherRepository creates a new cipher repository.
func NewCipherRepository(db *sql.DB) *SQLiteCipherRepository {
	return &SQLiteCipherRepository{db: db}
}

const cipherColumns = "id, account_id, organization_id, type, data, favorite, deleted, created_at, updated_at"

// CreateTx inserts a new cipher and its collection links.
func (r *SQLiteCipherRepository) CreateTx(ctx context.Context, tx *sql.Tx, c *Cipher) error {
	if (c.AccountID == "") == (c.OrganizationID == "") {
		return ErrInvalidOwnership
	}
	if c.ID == "" {
		c.ID = "cip-" + uuid.NewString()[:16]
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	nowStr := now.Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ciphers (id, account_id, organization_id, type, data, favorite, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, nullString(c.AccountID), nullString(c.OrganizationID),
		c.Type, c.Data, boolToInt(c.Favorite), nowStr, nowStr,
	)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	return r.SetCollectionsTx(ctx, tx, c.ID, c.CollectionIDs)
}

// GetByID retrieves a cipher by ID, including its collection links.
func (r *SQLiteCipherRepository) GetByID(ctx context.Context, id string) (*Cipher, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+cipherColumns+" FROM ciphers WHERE id = ?", id)

	c, err := scanCipher(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting cipher: %w", err)
	}

	if err := r.loadCollections(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateTx replaces a cipher's data and collection links.
// Last-committed-wins: no version check, the serialized write path
// already orders concurrent edits.
func (r *SQLiteCipherRepository) UpdateTx(ctx context.Context, tx *sql.Tx, c *Cipher) error {
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE ciphers SET type = ?, data = ?, favorite = ?, deleted = ?, updated_at = ? WHERE id = ?`,
		c.Type, c.Data, boolToInt(c.Favorite), boolToInt(c.Deleted), now.Format(time.RFC3339), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cipher: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	c.UpdatedAt = now

	return r.SetCollectionsTx(ctx, tx, c.ID, c.CollectionIDs)
}

// DeleteTx removes a cipher and its collection links.
func (r *SQLiteCipherRepository) DeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	result, err := tx.ExecContext(ctx, "DELETE FROM ciphers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting cipher: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCollectionsTx replaces a cipher's collection links.
func (r *SQLiteCipherRepository) SetCollectionsTx(ctx context.Context, tx *sql.Tx, cipherID string, collectionIDs []string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cipher_collections WHERE cipher_id = ?", cipherID); err != nil {
		return fmt.Errorf("clearing cipher collections: %w", err)
	}
	for _, colID := range collectionIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cipher_collections (cipher_id, collection_id) VALUES (?, ?)",
			cipherID, colID); err != nil {
			return fmt.Errorf("linking cipher to collection: %w", err)
		}
	}
	return nil
}

// ListVisible returns every cipher the account can see: its own, plus
// organization ciphers reachable through an active membership — all of
// them for owners and admins, granted collections only for managers
// and users.
func (r *SQLiteCipherRepository) ListVisible(ctx context.Context, accountID string) ([]Cipher, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT c.id, c.account_id, c.organization_id, c.type, c.data, c.favorite, c.deleted, c.created_at, c.updated_at
		FROM ciphers c
		LEFT JOIN memberships m
			ON m.organization_id = c.organization_id
			AND m.account_id = ? AND m.status = ?
		LEFT JOIN cipher_collections cc ON cc.cipher_id = c.id
		LEFT JOIN collection_grants g
			ON g.collection_id = cc.collection_id AND g.membership_id = m.id
		WHERE c.account_id = ?
			OR (m.id IS NOT NULL AND (m.role IN (?, ?) OR g.membership_id IS NOT NULL))
		ORDER BY c.created_at`,
		accountID, string(StatusActive), accountID,
		string(RoleOwner), string(RoleAdmin))
	if err != nil {
		return nil, fmt.Errorf("listing visible ciphers: %w", err)
	}
	defer rows.Close()

	var ciphers []Cipher
	ids := make([]string, 0)
	for rows.Next() {
		c, err := scanCipher(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cipher: %w", err)
		}
		ciphers = append(ciphers, *c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ciphers: %w", err)
	}

	if err := r.loadCollectionsBulk(ctx, ciphers, ids); err != nil {
		return nil, err
	}

	if ciphers == nil {
		ciphers = []Cipher{}
	}
	return ciphers, nil
}

// loadCollections populates a single cipher's collection links.
func (r *SQLiteCipherRepository) loadCollections(ctx context.Context, c *Cipher) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT collection_id FROM cipher_collections WHERE cipher_id = ?", c.ID)
	if err != nil {
		return fmt.Errorf("loading cipher collections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var colID string
		if err := rows.Scan(&colID); err != nil {
			return fmt.Errorf("scanning cipher collection: %w", err)
		}
		c.CollectionIDs = append(c.CollectionIDs, colID)
	}
	return rows.Err()
}

// loadCollectionsBulk populates collection links for a listed result
// set with one query.
func (r *SQLiteCipherRepository) loadCollectionsBulk(ctx context.Context, ciphers []Cipher, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	index := make(map[string]*Cipher, len(ciphers))
	for i := range ciphers {
		index[ciphers[i].ID] = &ciphers[i]
	}

	rows, err := r.db.QueryContext(ctx, "SELECT cipher_id, collection_id FROM cipher_collections")
	if err != nil {
		return fmt.Errorf("loading cipher collections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cipherID, colID string
		if err := rows.Scan(&cipherID, &colID); err != nil {
			return fmt.Errorf("scanning cipher collection: %w", err)
		}
		if c, ok := index[cipherID]; ok {
			c.CollectionIDs = append(c.CollectionIDs, colID)
		}
	}
	return rows.Err()
}

func scanCipher(row rowScanner) (*Cipher, error) {
	var c Cipher
	var accountID, orgID sql.NullString
	var favorite, deleted int
	var createdAt, updatedAt string

	if err := row.Scan(&c.ID, &accountID, &orgID, &c.Type, &c.Data,
		&favorite, &deleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if accountID.Valid {
		c.AccountID = accountID.String
	}
	if orgID.Valid {
		c.OrganizationID = orgID.String
	}
	c.Favorite = favorite != 0
	c.Deleted = deleted != 0
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &c, nil
}

// nullString returns a NULL-able representation for optional TEXT columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
