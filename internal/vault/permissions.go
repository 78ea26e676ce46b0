package vault

import (
	"context"
	"errors"
	"fmt"
)

// Capability names the operations the resolver can authorize. The
// capability table maps each role to the capabilities it holds.
type Capability string

// Organization-scoped capabilities.
const (
	CapReadCipher       Capability = "cipher.read"
	CapWriteCipher      Capability = "cipher.write"
	CapManageCollection Capability = "collection.manage"
	CapManageMembers    Capability = "membership.manage"
	CapManageOrg        Capability = "organization.manage"
)

// roleCapabilities is the fixed capability table. Owner and Admin hold
// everything; Manager holds collection management plus read-write on
// assigned collections; User holds only cipher access, scoped further
// by per-grant read-only flags.
var roleCapabilities = map[Role]map[Capability]bool{
	RoleOwner: {
		CapReadCipher: true, CapWriteCipher: true,
		CapManageCollection: true, CapManageMembers: true, CapManageOrg: true,
	},
	RoleAdmin: {
		CapReadCipher: true, CapWriteCipher: true,
		CapManageCollection: true, CapManageMembers: true, CapManageOrg: true,
	},
	RoleManager: {
		CapReadCipher: true, CapWriteCipher: true,
		CapManageCollection: true,
	},
	RoleUser: {
		CapReadCipher: true, CapWriteCipher: true,
	},
}

// fullAccessRoles see every collection in the organization without
// explicit grants.
func fullAccess(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

// Resolver answers authorization questions for account-owned and
// organization-owned resources.
type Resolver struct {
	memberships MembershipRepository
	grants      CollectionRepository
}

// NewResolver creates an authorization resolver.
func NewResolver(memberships MembershipRepository, grants CollectionRepository) *Resolver {
	return &Resolver{memberships: memberships, grants: grants}
}

// AuthorizeAccountOwned permits an operation on an account-owned
// resource only for its owner. A mismatch reports NotFound, not
// Forbidden: confirming that another account's resource exists is
// itself a leak.
func (r *Resolver) AuthorizeAccountOwned(accountID, ownerID string) error {
	if accountID != ownerID {
		return ErrNotFound
	}
	return nil
}

// AuthorizeOrg checks that the account holds an active membership in
// the organization carrying the capability.
func (r *Resolver) AuthorizeOrg(ctx context.Context, accountID, orgID string, capability Capability) (*Membership, error) {
	m, err := r.memberships.GetByAccount(ctx, orgID, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Non-members learn nothing about the organization.
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.Status != StatusActive {
		return nil, ErrSuspendedMember
	}
	if !roleCapabilities[m.Role][capability] {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, capability)
	}
	return m, nil
}

// AuthorizeCollection checks capability plus collection assignment.
// Owners and admins see every collection; managers and users need an
// explicit grant, and users additionally need the grant to be
// read-write for write operations.
func (r *Resolver) AuthorizeCollection(ctx context.Context, accountID, orgID, collectionID string, write bool) (*Membership, error) {
	capability := CapReadCipher
	if write {
		capability = CapWriteCipher
	}
	m, err := r.AuthorizeOrg(ctx, accountID, orgID, capability)
	if err != nil {
		return nil, err
	}
	if fullAccess(m.Role) {
		return m, nil
	}

	grant, err := r.grants.GetGrant(ctx, collectionID, m.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrForbidden, capability)
		}
		return nil, err
	}
	if write && grant.ReadOnly && m.Role == RoleUser {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, capability)
	}
	return m, nil
}

// AuthorizeCipherWrite authorizes a write against an organization
// cipher through any of the collections it belongs to. A cipher in no
// collection is writable by owners, admins, and managers only.
func (r *Resolver) AuthorizeCipherWrite(ctx context.Context, accountID string, cipher *Cipher) (*Membership, error) {
	if cipher.OrganizationID == "" {
		if err := r.AuthorizeAccountOwned(accountID, cipher.AccountID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	m, err := r.AuthorizeOrg(ctx, accountID, cipher.OrganizationID, CapWriteCipher)
	if err != nil {
		return nil, err
	}
	if fullAccess(m.Role) || (m.Role == RoleManager && len(cipher.CollectionIDs) == 0) {
		return m, nil
	}

	for _, colID := range cipher.CollectionIDs {
		grant, gerr := r.grants.GetGrant(ctx, colID, m.ID)
		if gerr != nil {
			if errors.Is(gerr, ErrNotFound) {
				continue
			}
			return nil, gerr
		}
		if !grant.ReadOnly || m.Role == RoleManager {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrForbidden, CapWriteCipher)
}
