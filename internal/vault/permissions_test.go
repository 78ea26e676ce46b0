package vault

import (
	"context"
	"errors"
	"testing"
)

// TestAuthorizeAccountOwned verifies existence hiding for account-owned
// resources.
func TestAuthorizeAccountOwned(t *testing.T) {
	r := &Resolver{}

	if err := r.AuthorizeAccountOwned("acc-1", "acc-1"); err != nil {
		t.Errorf("owner should be authorized: %v", err)
	}
	if err := r.AuthorizeAccountOwned("acc-2", "acc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("mismatch error = %v, want ErrNotFound (not Forbidden)", err)
	}
}

// TestAuthorizeOrg verifies role and status gating.
func TestAuthorizeOrg(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-owner", "owner@example.com")
	insertAccount(t, env.db, "acc-user", "user@example.com")
	insertAccount(t, env.db, "acc-suspended", "suspended@example.com")
	insertAccount(t, env.db, "acc-outsider", "outsider@example.com")

	owner := Actor{AccountID: "acc-owner", SessionID: "ses-1"}
	org := env.createOrg(t, owner, "Acme")
	env.addMember(t, owner, org.ID, "acc-user", RoleUser)

	suspended := env.addMember(t, owner, org.ID, "acc-suspended", RoleAdmin)
	suspended.Status = StatusSuspended
	if _, err := env.engine.SaveMembership(ctx, owner, suspended); err != nil {
		t.Fatalf("suspending member: %v", err)
	}

	tests := []struct {
		name       string
		accountID  string
		capability Capability
		wantErr    error
	}{
		{"owner manages org", "acc-owner", CapManageOrg, nil},
		{"owner manages members", "acc-owner", CapManageMembers, nil},
		{"user reads ciphers", "acc-user", CapReadCipher, nil},
		{"user writes ciphers", "acc-user", CapWriteCipher, nil},
		{"user cannot manage org", "acc-user", CapManageOrg, ErrForbidden},
		{"user cannot manage members", "acc-user", CapManageMembers, ErrForbidden},
		{"user cannot manage collections", "acc-user", CapManageCollection, ErrForbidden},
		{"suspended admin denied", "acc-suspended", CapReadCipher, ErrSuspendedMember},
		{"suspended denial is forbidden", "acc-suspended", CapReadCipher, ErrForbidden},
		{"non-member sees nothing", "acc-outsider", CapReadCipher, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.resolver.AuthorizeOrg(ctx, tt.accountID, org.ID, tt.capability)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("AuthorizeOrg() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AuthorizeOrg() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestAuthorizeCollection verifies grant requirements per role.
func TestAuthorizeCollection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-owner", "owner@example.com")
	insertAccount(t, env.db, "acc-manager", "manager@example.com")
	insertAccount(t, env.db, "acc-user", "user@example.com")

	owner := Actor{AccountID: "acc-owner", SessionID: "ses-1"}
	org := env.createOrg(t, owner, "Acme")
	manager := env.addMember(t, owner, org.ID, "acc-manager", RoleManager)
	user := env.addMember(t, owner, org.ID, "acc-user", RoleUser)

	granted := env.createCollection(t, owner, org.ID, "Engineering")
	ungranted := env.createCollection(t, owner, org.ID, "Finance")

	if _, err := env.engine.SetCollectionGrant(ctx, owner, &CollectionGrant{
		CollectionID: granted.ID, MembershipID: manager.ID,
	}); err != nil {
		t.Fatalf("granting manager: %v", err)
	}
	if _, err := env.engine.SetCollectionGrant(ctx, owner, &CollectionGrant{
		CollectionID: granted.ID, MembershipID: user.ID, ReadOnly: true,
	}); err != nil {
		t.Fatalf("granting user read-only: %v", err)
	}

	tests := []struct {
		name         string
		accountID    string
		collectionID string
		write        bool
		wantErr      error
	}{
		{"owner reads any collection", "acc-owner", ungranted.ID, false, nil},
		{"owner writes any collection", "acc-owner", ungranted.ID, true, nil},
		{"manager reads granted", "acc-manager", granted.ID, false, nil},
		{"manager writes granted", "acc-manager", granted.ID, true, nil},
		{"manager denied ungranted", "acc-manager", ungranted.ID, false, ErrForbidden},
		{"user reads granted", "acc-user", granted.ID, false, nil},
		{"user write blocked by read-only grant", "acc-user", granted.ID, true, ErrForbidden},
		{"user denied ungranted", "acc-user", ungranted.ID, false, ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.resolver.AuthorizeCollection(ctx, tt.accountID, org.ID, tt.collectionID, tt.write)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("AuthorizeCollection() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AuthorizeCollection() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestAuthorizeCipherWrite verifies the per-cipher write paths.
func TestAuthorizeCipherWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-owner", "owner@example.com")
	insertAccount(t, env.db, "acc-manager", "manager@example.com")
	insertAccount(t, env.db, "acc-user", "user@example.com")

	owner := Actor{AccountID: "acc-owner", SessionID: "ses-1"}
	org := env.createOrg(t, owner, "Acme")
	env.addMember(t, owner, org.ID, "acc-manager", RoleManager)
	user := env.addMember(t, owner, org.ID, "acc-user", RoleUser)

	col := env.createCollection(t, owner, org.ID, "Engineering")
	if _, err := env.engine.SetCollectionGrant(ctx, owner, &CollectionGrant{
		CollectionID: col.ID, MembershipID: user.ID, ReadOnly: true,
	}); err != nil {
		t.Fatalf("granting user: %v", err)
	}

	t.Run("personal cipher by owner", func(t *testing.T) {
		cipher := &Cipher{AccountID: "acc-user"}
		if _, err := env.resolver.AuthorizeCipherWrite(ctx, "acc-user", cipher); err != nil {
			t.Errorf("AuthorizeCipherWrite() error = %v", err)
		}
	})

	t.Run("personal cipher by stranger hides existence", func(t *testing.T) {
		cipher := &Cipher{AccountID: "acc-user"}
		if _, err := env.resolver.AuthorizeCipherWrite(ctx, "acc-manager", cipher); !errors.Is(err, ErrNotFound) {
			t.Errorf("AuthorizeCipherWrite() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("manager writes uncollected org cipher", func(t *testing.T) {
		cipher := &Cipher{OrganizationID: org.ID}
		if _, err := env.resolver.AuthorizeCipherWrite(ctx, "acc-manager", cipher); err != nil {
			t.Errorf("AuthorizeCipherWrite() error = %v", err)
		}
	})

	t.Run("user cannot write uncollected org cipher", func(t *testing.T) {
		cipher := &Cipher{OrganizationID: org.ID}
		if _, err := env.resolver.AuthorizeCipherWrite(ctx, "acc-user", cipher); !errors.Is(err, ErrForbidden) {
			t.Errorf("AuthorizeCipherWrite() error = %v, want ErrForbidden", err)
		}
	})

	t.Run("user read-only grant blocks write", func(t *testing.T) {
		cipher := &Cipher{OrganizationID: org.ID, CollectionIDs: []string{col.ID}}
		if _, err := env.resolver.AuthorizeCipherWrite(ctx, "acc-user", cipher); !errors.Is(err, ErrForbidden) {
			t.Errorf("AuthorizeCipherWrite() error = %v, want ErrForbidden", err)
		}
	})

	t.Run("owner writes everything", func(t *testing.T) {
		cipher := &Cipher{OrganizationID: org.ID, CollectionIDs: []string{col.ID}}
		if _, err := env.resolver.AuthorizeCipherWrite(ctx, "acc-owner", cipher); err != nil {
			t.Errorf("AuthorizeCipherWrite() error = %v", err)
		}
	})
}
