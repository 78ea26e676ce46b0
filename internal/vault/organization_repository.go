package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrganizationRepository defines the interface for organization persistence.
// Mutating methods take a transaction so the sync engine can commit
// data changes and stamp advances as one unit.
type OrganizationRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, org *Organization) error
	GetByID(ctx context.Context, id string) (*Organization, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, org *Organization) error
	DeleteTx(ctx context.Context, tx *sql.Tx, id string) error
	ListByAccount(ctx context.Context, accountID string) ([]Organization, error)
}

// MembershipRepository defines the interface for membership persistence.
type MembershipRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, m *Membership) error
	GetByID(ctx context.Context, id string) (*Membership, error)
	GetByAccount(ctx context.Context, orgID, accountID string) (*Membership, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, m *Membership) error
	DeleteTx(ctx context.Context, tx *sql.Tx, id string) error
	ListByOrg(ctx context.Context, orgID string) ([]Membership, error)
	CountOwnersTx(ctx context.Context, tx *sql.Tx, orgID string) (int, error)
}

// SQLiteOrganizationRepository implements OrganizationRepository using SQLite.
type SQLiteOrganizationRepository struct {
	db *sql.DB
}

// NewOrganizationRepository creates a new organization repository.
func NewOrganizationRepository(db *sql.DB) *SQLiteOrganizationRepository {
	return &SQLiteOrganizationRepository{db: db}
}

// CreateTx inserts a new organization at revision 1.
func (r *SQLiteOrganizationRepository) CreateTx(ctx context.Context, tx *sql.Tx, org *Organization) error {
	if org.ID == "" {
		org.ID = "org-" + uuid.NewString()[:16]
	}
	now := time.Now().UTC()
	org.Revision = 1
	org.CreatedAt = now
	org.UpdatedAt = now

	nowStr := now.Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, revision, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)`,
		org.ID, org.Name, nowStr, nowStr,
	)
	if err != nil {
		return fmt.Errorf("creating organization: %w", err)
	}
	return nil
}

// GetByID retrieves an organization by ID.
func (r *SQLiteOrganizationRepository) GetByID(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, revision, created_at, updated_at FROM organizations WHERE id = ?", id,
	).Scan(&org.ID, &org.Name, &org.Revision, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting organization: %w", err)
	}

	org.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	org.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &org, nil
}

// UpdateTx updates an organization's name.
func (r *SQLiteOrganizationRepository) UpdateTx(ctx context.Context, tx *sql.Tx, org *Organization) error {
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		"UPDATE organizations SET name = ?, updated_at = ? WHERE id = ?",
		org.Name, now.Format(time.RFC3339), org.ID,
	)
	if err != nil {
		return fmt.Errorf("updating organization: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	org.UpdatedAt = now
	return nil
}

// DeleteTx removes an organization. Memberships, collections, grants,
// and cipher links go with it via foreign key cascades; org-owned
// ciphers are deleted explicitly.
func (r *SQLiteOrganizationRepository) DeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM ciphers WHERE organization_id = ?", id); err != nil {
		return fmt.Errorf("deleting organization ciphers: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM organizations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting organization: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByAccount returns the organizations the account holds an active
// membership in.
func (r *SQLiteOrganizationRepository) ListByAccount(ctx context.Context, accountID string) ([]Organization, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT o.id, o.name, o.revision, o.created_at, o.updated_at
		 FROM organizations o
		 JOIN memberships m ON m.organization_id = o.id
		 WHERE m.account_id = ? AND m.status = ?
		 ORDER BY o.name`, accountID, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var org Organization
		var createdAt, updatedAt string
		if err := rows.Scan(&org.ID, &org.Name, &org.Revision, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning organization: %w", err)
		}
		org.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		org.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating organizations: %w", err)
	}

	if orgs == nil {
		orgs = []Organization{}
	}
	return orgs, nil
}

// SQLiteMembershipRepository implements MembershipRepository using SQLite.
type SQLiteMembershipRepository struct {
	db *sql.DB
}

// NewMembershipRepository creates a new membership repository.
func NewMembershipRepository(db *sql.DB) *SQLiteMembershipRepository {
	return &SQLiteMembershipRepository{db: db}
}

const membershipColumns = "id, organization_id, account_id, role, status, created_at, updated_at"

// CreateTx inserts a new membership.
func (r *SQLiteMembershipRepository) CreateTx(ctx context.Context, tx *sql.Tx, m *Membership) error {
	if m.ID == "" {
		m.ID = "mem-" + uuid.NewString()[:16]
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	nowStr := now.Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (id, organization_id, account_id, role, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OrganizationID, m.AccountID, string(m.Role), string(m.Status), nowStr, nowStr,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrMembershipExists
		}
		return fmt.Errorf("creating membership: %w", err)
	}
	return nil
}

// GetByID retrieves a membership by ID.
func (r *SQLiteMembershipRepository) GetByID(ctx context.Context, id string) (*Membership, error) {
	return r.getMembership(ctx,
		"SELECT "+membershipColumns+" FROM memberships WHERE id = ?", id)
}

// GetByAccount retrieves the account's membership in an organization.
func (r *SQLiteMembershipRepository) GetByAccount(ctx context.Context, orgID, accountID string) (*Membership, error) {
	return r.getMembership(ctx,
		"SELECT "+membershipColumns+" FROM memberships WHERE organization_id = ? AND account_id = ?",
		orgID, accountID)
}

// UpdateTx updates a membership's role and status.
func (r *SQLiteMembershipRepository) UpdateTx(ctx context.Context, tx *sql.Tx, m *Membership) error {
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		"UPDATE memberships SET role = ?, status = ?, updated_at = ? WHERE id = ?",
		string(m.Role), string(m.Status), now.Format(time.RFC3339), m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating membership: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	m.UpdatedAt = now
	return nil
}

// DeleteTx removes a membership. Its collection grants cascade.
func (r *SQLiteMembershipRepository) DeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	result, err := tx.ExecContext(ctx, "DELETE FROM memberships WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting membership: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOrg returns all memberships in an organization.
func (r *SQLiteMembershipRepository) ListByOrg(ctx context.Context, orgID string) ([]Membership, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+membershipColumns+" FROM memberships WHERE organization_id = ? ORDER BY created_at", orgID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memberships: %w", err)
	}

	if members == nil {
		members = []Membership{}
	}
	return members, nil
}

// CountOwnersTx counts active owner memberships inside the caller's
// transaction. The last-owner invariant check must see the same
// snapshot the deletion will commit against.
func (r *SQLiteMembershipRepository) CountOwnersTx(ctx context.Context, tx *sql.Tx, orgID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memberships WHERE organization_id = ? AND role = ? AND status = ?",
		orgID, string(RoleOwner), string(StatusActive),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting owners: %w", err)
	}
	return count, nil
}

func (r *SQLiteMembershipRepository) getMembership(ctx context.Context, query string, args ...any) (*Membership, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	m, err := scanMembershipRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting membership: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembershipRow(row rowScanner) (*Membership, error) {
	var m Membership
	var role, status, createdAt, updatedAt string

	if err := row.Scan(&m.ID, &m.OrganizationID, &m.AccountID, &role, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m.Role = Role(role)
	m.Status = MembershipStatus(status)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &m, nil
}

func scanMembership(rows *sql.Rows) (*Membership, error) {
	m, err := scanMembershipRow(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning membership: %w", err)
	}
	return m, nil
}
