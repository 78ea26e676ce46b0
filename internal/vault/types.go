package vault

import (
	"errors"
	"fmt"
	"time"
)

// Role is a membership's capability level within an organization.
type Role string

// Roles in descending order of capability.
const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// Valid reports whether the role is one of the defined levels.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// MembershipStatus tracks whether a membership is usable.
type MembershipStatus string

// Membership statuses.
const (
	StatusInvited   MembershipStatus = "invited"
	StatusActive    MembershipStatus = "active"
	StatusSuspended MembershipStatus = "suspended"
)

// Organization is a shared vault scope. Its revision stamp advances on
// every mutation of organization-owned data.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership links an account to an organization with a role.
type Membership struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	AccountID      string           `json:"account_id"`
	Role           Role             `json:"role"`
	Status         MembershipStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Collection is a named grouping of ciphers within an organization.
type Collection struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CollectionGrant assigns a collection to a membership, optionally
// read-only.
type CollectionGrant struct {
	CollectionID string `json:"collection_id"`
	MembershipID string `json:"membership_id"`
	ReadOnly     bool   `json:"read_only"`
}

// Cipher is an encrypted vault entry. The server never reads Data; it
// is an opaque blob encrypted client-side. A cipher is owned by
// exactly one of AccountID or OrganizationID.
type Cipher struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Type           int       `json:"type"`
	Data           []byte    `json:"data"`
	Favorite       bool      `json:"favorite"`
	Deleted        bool      `json:"deleted"`
	CollectionIDs  []string  `json:"collection_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Sentinel errors for the vault domain.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrForbidden        = errors.New("operation not permitted")
	ErrLastOwner        = errors.New("organization must retain at least one owner")
	ErrMembershipExists = errors.New("account is already a member")
	ErrInvalidOwnership = errors.New("cipher must be owned by exactly one of account or organization")
	// ErrSuspendedMember wraps ErrForbidden so callers matching on the
	// broad sentinel still deny, while suspension stays distinguishable.
	ErrSuspendedMember = fmt.Errorf("%w: membership is suspended", ErrForbidden)
)
