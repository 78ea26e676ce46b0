package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CollectionRepository defines the interface for collection and grant
// persistence.
type CollectionRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, c *Collection) error
	GetByID(ctx context.Context, id string) (*Collection, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, c *Collection) error
	DeleteTx(ctx context.Context, tx *sql.Tx, id string) error
	ListByOrg(ctx context.Context, orgID string) ([]Collection, error)
	SetGrantTx(ctx context.Context, tx *sql.Tx, g *CollectionGrant) error
	RemoveGrantTx(ctx context.Context, tx *sql.Tx, collectionID, membershipID string) error
	GetGrant(ctx context.Context, collectionID, membershipID string) (*CollectionGrant, error)
	ListGrantsByMembership(ctx context.Context, membershipID string) ([]CollectionGrant, error)
}

// SQLiteCollectionRepository implements CollectionRepository using SQLite.
type SQLiteCollectionRepository struct {
	db *sql.DB
}

// NewCollectionRepository creates a new collection repository.
func NewCollectionRepository(db *sql.DB) *SQLiteCollectionRepository {
	return &SQLiteCollectionRepository{db: db}
}

// CreateTx inserts a new collection.
func (r *SQLiteCollectionRepository) CreateTx(ctx context.Context, tx *sql.Tx, c *Collection) error {
	if c.ID == "" {
		c.ID = "col-" + uuid.NewString()[:16]
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	nowStr := now.Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO collections (id, organization_id, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, c.Name, nowStr, nowStr,
	)
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	return nil
}

// GetByID retrieves a collection by ID.
func (r *SQLiteCollectionRepository) GetByID(ctx context.Context, id string) (*Collection, error) {
	var c Collection
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx,
		"SELECT id, organization_id, name, created_at, updated_at FROM collections WHERE id = ?", id,
	).Scan(&c.ID, &c.OrganizationID, &c.Name, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting collection: %w", err)
	}

	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &c, nil
}

// UpdateTx renames a collection.
func (r *SQLiteCollectionRepository) UpdateTx(ctx context.Context, tx *sql.Tx, c *Collection) error {
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		"UPDATE collections SET name = ?, updated_at = ? WHERE id = ?",
		c.Name, now.Format(time.RFC3339), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating collection: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

// DeleteTx removes a collection. Grants and cipher links cascade;
// ciphers themselves survive and fall back to org-wide visibility
// rules.
func (r *SQLiteCollectionRepository) DeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	result, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting collection: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOrg returns all collections in an organization.
func (r *SQLiteCollectionRepository) ListByOrg(ctx context.Context, orgID string) ([]Collection, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, organization_id, name, created_at, updated_at FROM collections WHERE organization_id = ? ORDER BY name", orgID)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var collections []Collection
	for rows.Next() {
		var c Collection
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collections: %w", err)
	}

	if collections == nil {
		collections = []Collection{}
	}
	return collections, nil
}

// SetGrantTx creates or updates a collection grant.
func (r *SQLiteCollectionRepository) SetGrantTx(ctx context.Context, tx *sql.Tx, g *CollectionGrant) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO collection_grants (collection_id, membership_id, read_only)
		 VALUES (?, ?, ?)
		 ON CONFLICT(collection_id, membership_id) DO UPDATE SET read_only = excluded.read_only`,
		g.CollectionID, g.MembershipID, boolToInt(g.ReadOnly),
	)
	if err != nil {
		return fmt.Errorf("setting collection grant: %w", err)
	}
	return nil
}

// RemoveGrantTx deletes a collection grant.
func (r *SQLiteCollectionRepository) RemoveGrantTx(ctx context.Context, tx *sql.Tx, collectionID, membershipID string) error {
	result, err := tx.ExecContext(ctx,
		"DELETE FROM collection_grants WHERE collection_id = ? AND membership_id = ?",
		collectionID, membershipID)
	if err != nil {
		return fmt.Errorf("removing collection grant: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGrant retrieves the grant linking a collection to a membership.
func (r *SQLiteCollectionRepository) GetGrant(ctx context.Context, collectionID, membershipID string) (*CollectionGrant, error) {
	var g CollectionGrant
	var readOnly int

	err := r.db.QueryRowContext(ctx,
		"SELECT collection_id, membership_id, read_only FROM collection_grants WHERE collection_id = ? AND membership_id = ?",
		collectionID, membershipID,
	).Scan(&g.CollectionID, &g.MembershipID, &readOnly)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting collection grant: %w", err)
	}

	g.ReadOnly = readOnly != 0
	return &g, nil
}

// ListGrantsByMembership returns all grants held by a membership.
func (r *SQLiteCollectionRepository) ListGrantsByMembership(ctx context.Context, membershipID string) ([]CollectionGrant, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT collection_id, membership_id, read_only FROM collection_grants WHERE membership_id = ?", membershipID)
	if err != nil {
		return nil, fmt.Errorf("listing collection grants: %w", err)
	}
	defer rows.Close()

	var grants []CollectionGrant
	for rows.Next() {
		var g CollectionGrant
		var readOnly int
		if err := rows.Scan(&g.CollectionID, &g.MembershipID, &readOnly); err != nil {
			return nil, fmt.Errorf("scanning collection grant: %w", err)
		}
		g.ReadOnly = readOnly != 0
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collection grants: %w", err)
	}

	if grants == nil {
		grants = []CollectionGrant{}
	}
	return grants, nil
}

// boolToInt converts a bool to the 0/1 representation SQLite stores.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether an error is a SQLite UNIQUE
// constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
