package vault

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coffer-vault/coffer/internal/audit"
	"github.com/coffer-vault/coffer/internal/infrastructure/database"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
	"github.com/coffer-vault/coffer/internal/notify"
)

// Actor is the authenticated caller of a sync operation. SessionID is
// forwarded to the notification hub so the mutating device does not
// receive an echo push.
type Actor struct {
	AccountID string
	SessionID string
}

// Stamps carries the revision stamps advanced by a mutation.
// Organization is zero for account-owned mutations.
type Stamps struct {
	Account      int64 `json:"account"`
	Organization int64 `json:"organization,omitempty"`
}

// Profile is the account summary included in a full state response.
type Profile struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Revision  int64  `json:"revision"`
}

// State is everything a client needs to rebuild its local vault.
type State struct {
	Profile       Profile        `json:"profile"`
	Ciphers       []Cipher       `json:"ciphers"`
	Collections   []Collection   `json:"collections"`
	Organizations []Organization `json:"organizations"`
}

// AccountReader is the slice of the accounts store the engine needs:
// profile fields and the revision stamp.
type AccountReader interface {
	GetProfile(ctx context.Context, accountID string) (*Profile, error)
}

// Engine performs vault mutations. Every mutation and its revision
// stamp advance commit in one transaction; the data change and the
// stamp can never diverge. Notifications go out only after the commit.
type Engine struct {
	db          *database.DB
	accounts    AccountReader
	orgs        OrganizationRepository
	memberships MembershipRepository
	collections CollectionRepository
	ciphers     CipherRepository
	resolver    *Resolver
	hub         *notify.Hub
	audit       audit.Recorder
	logger      *logging.Logger
}

// NewEngine creates a sync engine.
func NewEngine(
	db *database.DB,
	accounts AccountReader,
	orgs OrganizationRepository,
	memberships MembershipRepository,
	collections CollectionRepository,
	ciphers CipherRepository,
	resolver *Resolver,
	hub *notify.Hub,
	recorder audit.Recorder,
	logger *logging.Logger,
) *Engine {
	return &Engine{
		db:          db,
		accounts:    accounts,
		orgs:        orgs,
		memberships: memberships,
		collections: collections,
		ciphers:     ciphers,
		resolver:    resolver,
		hub:         hub,
		audit:       recorder,
		logger:      logger,
	}
}

// FullState returns everything visible to the actor plus the current
// revision stamps: the account's own stamp on the profile and each
// organization's stamp on its entry.
func (e *Engine) FullState(ctx context.Context, actor Actor) (*State, error) {
	profile, err := e.accounts.GetProfile(ctx, actor.AccountID)
	if err != nil {
		return nil, err
	}

	orgs, err := e.orgs.ListByAccount(ctx, actor.AccountID)
	if err != nil {
		return nil, err
	}

	collections := []Collection{}
	for _, org := range orgs {
		cols, err := e.collections.ListByOrg(ctx, org.ID)
		if err != nil {
			return nil, err
		}
		collections = append(collections, cols...)
	}

	ciphers, err := e.ciphers.ListVisible(ctx, actor.AccountID)
	if err != nil {
		return nil, err
	}

	return &State{
		Profile:       *profile,
		Ciphers:       ciphers,
		Collections:   collections,
		Organizations: orgs,
	}, nil
}

// SaveCipher creates or updates a cipher. An empty ID creates; a
// populated ID updates whatever is stored under it, last-committed-wins.
func (e *Engine) SaveCipher(ctx context.Context, actor Actor, cipher *Cipher) (*Stamps, error) {
	if cipher.ID != "" {
		existing, err := e.ciphers.GetByID(ctx, cipher.ID)
		if err != nil {
			return nil, err
		}
		if _, err := e.resolver.AuthorizeCipherWrite(ctx, actor.AccountID, existing); err != nil {
			return nil, err
		}
		// Ownership is fixed at creation.
		cipher.AccountID = existing.AccountID
		cipher.OrganizationID = existing.OrganizationID
	} else {
		if (cipher.AccountID == "") == (cipher.OrganizationID == "") {
			return nil, ErrInvalidOwnership
		}
		if _, err := e.resolver.AuthorizeCipherWrite(ctx, actor.AccountID, cipher); err != nil {
			return nil, err
		}
	}

	create := cipher.ID == ""
	stamps, err := e.mutate(ctx, actor, cipher.OrganizationID, func(tx *sql.Tx) error {
		if create {
			return e.ciphers.CreateTx(ctx, tx, cipher)
		}
		return e.ciphers.UpdateTx(ctx, tx, cipher)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, cipher.OrganizationID, notify.ChangeCipherSaved, cipher.ID, stamps)
	return stamps, nil
}

// DeleteCipher removes a cipher.
func (e *Engine) DeleteCipher(ctx context.Context, actor Actor, cipherID string) (*Stamps, error) {
	cipher, err := e.ciphers.GetByID(ctx, cipherID)
	if err != nil {
		return nil, err
	}
	if _, err := e.resolver.AuthorizeCipherWrite(ctx, actor.AccountID, cipher); err != nil {
		return nil, err
	}

	stamps, err := e.mutate(ctx, actor, cipher.OrganizationID, func(tx *sql.Tx) error {
		return e.ciphers.DeleteTx(ctx, tx, cipherID)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, cipher.OrganizationID, notify.ChangeCipherDeleted, cipherID, stamps)
	return stamps, nil
}

// SaveCollection creates or renames a collection.
func (e *Engine) SaveCollection(ctx context.Context, actor Actor, collection *Collection) (*Stamps, error) {
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, collection.OrganizationID, CapManageCollection); err != nil {
		return nil, err
	}

	create := collection.ID == ""
	stamps, err := e.mutate(ctx, actor, collection.OrganizationID, func(tx *sql.Tx) error {
		if create {
			return e.collections.CreateTx(ctx, tx, collection)
		}
		return e.collections.UpdateTx(ctx, tx, collection)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, collection.OrganizationID, notify.ChangeCollectionSaved, collection.ID, stamps)
	return stamps, nil
}

// DeleteCollection removes a collection. Ciphers linked to it survive.
func (e *Engine) DeleteCollection(ctx context.Context, actor Actor, collectionID string) (*Stamps, error) {
	collection, err := e.collections.GetByID(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, collection.OrganizationID, CapManageCollection); err != nil {
		return nil, err
	}

	stamps, err := e.mutate(ctx, actor, collection.OrganizationID, func(tx *sql.Tx) error {
		return e.collections.DeleteTx(ctx, tx, collectionID)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, collection.OrganizationID, notify.ChangeCollectionDeleted, collectionID, stamps)
	return stamps, nil
}

// SetCollectionGrant assigns a collection to a membership, optionally
// read-only.
func (e *Engine) SetCollectionGrant(ctx context.Context, actor Actor, grant *CollectionGrant) (*Stamps, error) {
	collection, err := e.collections.GetByID(ctx, grant.CollectionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, collection.OrganizationID, CapManageCollection); err != nil {
		return nil, err
	}
	member, err := e.memberships.GetByID(ctx, grant.MembershipID)
	if err != nil {
		return nil, err
	}
	if member.OrganizationID != collection.OrganizationID {
		return nil, ErrNotFound
	}

	stamps, err := e.mutate(ctx, actor, collection.OrganizationID, func(tx *sql.Tx) error {
		return e.collections.SetGrantTx(ctx, tx, grant)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, collection.OrganizationID, notify.ChangeCollectionSaved, grant.CollectionID, stamps)
	return stamps, nil
}

// RemoveCollectionGrant revokes a membership's access to a collection.
func (e *Engine) RemoveCollectionGrant(ctx context.Context, actor Actor, collectionID, membershipID string) (*Stamps, error) {
	collection, err := e.collections.GetByID(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, collection.OrganizationID, CapManageCollection); err != nil {
		return nil, err
	}

	stamps, err := e.mutate(ctx, actor, collection.OrganizationID, func(tx *sql.Tx) error {
		return e.collections.RemoveGrantTx(ctx, tx, collectionID, membershipID)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, collection.OrganizationID, notify.ChangeCollectionSaved, collectionID, stamps)
	return stamps, nil
}

// CreateOrganization creates an organization with the actor as its
// first owner.
func (e *Engine) CreateOrganization(ctx context.Context, actor Actor, name string) (*Organization, *Stamps, error) {
	org := &Organization{Name: name}

	stamps, err := e.mutate(ctx, actor, "", func(tx *sql.Tx) error {
		if err := e.orgs.CreateTx(ctx, tx, org); err != nil {
			return err
		}
		return e.memberships.CreateTx(ctx, tx, &Membership{
			OrganizationID: org.ID,
			AccountID:      actor.AccountID,
			Role:           RoleOwner,
			Status:         StatusActive,
		})
	})
	if err != nil {
		return nil, nil, err
	}

	e.record(ctx, audit.ActionOrgCreated, "organization", org.ID, actor.AccountID)
	e.publishAccount(actor, notify.ChangeOrgSaved, org.ID, stamps)
	return org, stamps, nil
}

// UpdateOrganization renames an organization.
func (e *Engine) UpdateOrganization(ctx context.Context, actor Actor, org *Organization) (*Stamps, error) {
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, org.ID, CapManageOrg); err != nil {
		return nil, err
	}

	stamps, err := e.mutate(ctx, actor, org.ID, func(tx *sql.Tx) error {
		return e.orgs.UpdateTx(ctx, tx, org)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, org.ID, notify.ChangeOrgSaved, org.ID, stamps)
	return stamps, nil
}

// DeleteOrganization removes an organization and everything it owns.
func (e *Engine) DeleteOrganization(ctx context.Context, actor Actor, orgID string) (*Stamps, error) {
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, orgID, CapManageOrg); err != nil {
		return nil, err
	}

	// Members are notified before the subject set disappears with the org.
	members, err := e.memberships.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	stamps, err := e.mutate(ctx, actor, "", func(tx *sql.Tx) error {
		return e.orgs.DeleteTx(ctx, tx, orgID)
	})
	if err != nil {
		return nil, err
	}

	e.record(ctx, audit.ActionOrgDeleted, "organization", orgID, actor.AccountID)
	e.hub.Publish(notify.Event{
		Subject:       notify.SubjectOrganization,
		SubjectID:     orgID,
		Change:        notify.ChangeOrgDeleted,
		EntityID:      orgID,
		OriginSession: actor.SessionID,
	})
	for _, m := range members {
		e.publishAccountID(actor, m.AccountID, notify.ChangeOrgDeleted, orgID, stamps)
	}
	return stamps, nil
}

// SaveMembership creates a membership or changes its role/status. The
// last-owner invariant is enforced inside the transaction: an owner
// cannot be demoted or suspended if no other active owner remains.
func (e *Engine) SaveMembership(ctx context.Context, actor Actor, m *Membership) (*Stamps, error) {
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, m.OrganizationID, CapManageMembers); err != nil {
		return nil, err
	}
	if !m.Role.Valid() {
		return nil, fmt.Errorf("%w: invalid role %q", ErrForbidden, m.Role)
	}

	var existing *Membership
	if m.ID != "" {
		var err error
		existing, err = e.memberships.GetByID(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if existing.OrganizationID != m.OrganizationID {
			return nil, ErrNotFound
		}
		m.AccountID = existing.AccountID
	}

	stamps, err := e.mutate(ctx, actor, m.OrganizationID, func(tx *sql.Tx) error {
		if existing == nil {
			if m.Status == "" {
				m.Status = StatusInvited
			}
			return e.memberships.CreateTx(ctx, tx, m)
		}

		losesOwner := existing.Role == RoleOwner && existing.Status == StatusActive &&
			(m.Role != RoleOwner || m.Status != StatusActive)
		if losesOwner {
			owners, err := e.memberships.CountOwnersTx(ctx, tx, m.OrganizationID)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}
		return e.memberships.UpdateTx(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}

	if m.Status == StatusSuspended && (existing == nil || existing.Status != StatusSuspended) {
		e.record(ctx, audit.ActionMemberSuspended, "membership", m.ID, actor.AccountID)
	}
	e.publish(actor, m.OrganizationID, notify.ChangeMembershipSaved, m.ID, stamps)
	e.publishAccountID(actor, m.AccountID, notify.ChangeMembershipSaved, m.ID, stamps)
	return stamps, nil
}

// DeleteMembership removes a member from an organization. Removing the
// sole active owner is rejected; removing one of two succeeds.
func (e *Engine) DeleteMembership(ctx context.Context, actor Actor, membershipID string) (*Stamps, error) {
	m, err := e.memberships.GetByID(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if _, err := e.resolver.AuthorizeOrg(ctx, actor.AccountID, m.OrganizationID, CapManageMembers); err != nil {
		return nil, err
	}

	stamps, err := e.mutate(ctx, actor, m.OrganizationID, func(tx *sql.Tx) error {
		if m.Role == RoleOwner && m.Status == StatusActive {
			owners, cerr := e.memberships.CountOwnersTx(ctx, tx, m.OrganizationID)
			if cerr != nil {
				return cerr
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}
		return e.memberships.DeleteTx(ctx, tx, membershipID)
	})
	if err != nil {
		return nil, err
	}

	e.publish(actor, m.OrganizationID, notify.ChangeMembershipDeleted, membershipID, stamps)
	e.publishAccountID(actor, m.AccountID, notify.ChangeMembershipDeleted, membershipID, stamps)
	return stamps, nil
}

// mutate runs fn plus the revision stamp advances in one transaction.
// The acting account's stamp always advances; the organization's stamp
// advances additionally when orgID is non-empty.
func (e *Engine) mutate(ctx context.Context, actor Actor, orgID string, fn func(tx *sql.Tx) error) (*Stamps, error) {
	var stamps Stamps

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}

		var err error
		stamps.Account, err = bumpRevision(ctx, tx, "accounts", actor.AccountID)
		if err != nil {
			return fmt.Errorf("advancing account revision: %w", err)
		}

		if orgID != "" {
			stamps.Organization, err = bumpRevision(ctx, tx, "organizations", orgID)
			if err != nil {
				return fmt.Errorf("advancing organization revision: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stamps, nil
}

// bumpRevision advances a row's revision counter inside the caller's
// transaction and returns the new value. The table name is one of two
// compile-time constants, never caller input.
func bumpRevision(ctx context.Context, tx *sql.Tx, table, id string) (int64, error) {
	result, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET revision = revision + 1 WHERE id = ?", table), id) //nolint:gosec // table is a package-internal constant
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return 0, ErrNotFound
	}

	var revision int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT revision FROM %s WHERE id = ?", table), id, //nolint:gosec // table is a package-internal constant
	).Scan(&revision)
	if err != nil {
		return 0, err
	}
	return revision, nil
}

// publish emits the change to the organization subject when the target
// is org-owned, otherwise to the actor's account subject.
func (e *Engine) publish(actor Actor, orgID string, change notify.ChangeKind, entityID string, stamps *Stamps) {
	if orgID != "" {
		e.hub.Publish(notify.Event{
			Subject:       notify.SubjectOrganization,
			SubjectID:     orgID,
			Change:        change,
			EntityID:      entityID,
			Revision:      stamps.Organization,
			OriginSession: actor.SessionID,
		})
		return
	}
	e.publishAccount(actor, change, entityID, stamps)
}

// publishAccount emits the change to the actor's own account subject.
func (e *Engine) publishAccount(actor Actor, change notify.ChangeKind, entityID string, stamps *Stamps) {
	e.publishAccountID(actor, actor.AccountID, change, entityID, stamps)
}

// publishAccountID emits the change to a specific account subject.
func (e *Engine) publishAccountID(actor Actor, accountID string, change notify.ChangeKind, entityID string, stamps *Stamps) {
	e.hub.Publish(notify.Event{
		Subject:       notify.SubjectAccount,
		SubjectID:     accountID,
		Change:        change,
		EntityID:      entityID,
		Revision:      stamps.Account,
		OriginSession: actor.SessionID,
	})
}

// record writes an audit entry without failing the mutation.
func (e *Engine) record(ctx context.Context, action, entityType, entityID, accountID string) {
	err := e.audit.Record(ctx, &audit.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		AccountID:  accountID,
		Source:     "sync",
	})
	if err != nil {
		e.logger.Warn("audit write failed", "action", action, "error", err)
	}
}
