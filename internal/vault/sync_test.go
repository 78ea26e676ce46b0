package vault

import (
	"context"
	"errors"
	"testing"
)

// TestFullState verifies the full sync payload reflects ownership and
// membership.
func TestFullState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "user@example.com")
	insertAccount(t, env.db, "acc-2", "other@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}
	other := Actor{AccountID: "acc-2", SessionID: "ses-2"}

	// Personal cipher for the actor, one for somebody else.
	if _, err := env.engine.SaveCipher(ctx, actor, &Cipher{
		AccountID: "acc-1", Type: 1, Data: []byte("mine"),
	}); err != nil {
		t.Fatalf("SaveCipher() error = %v", err)
	}
	if _, err := env.engine.SaveCipher(ctx, other, &Cipher{
		AccountID: "acc-2", Type: 1, Data: []byte("theirs"),
	}); err != nil {
		t.Fatalf("SaveCipher() error = %v", err)
	}

	// An org the actor owns, with a collection and an org cipher.
	org := env.createOrg(t, actor, "Acme")
	col := env.createCollection(t, actor, org.ID, "Engineering")
	if _, err := env.engine.SaveCipher(ctx, actor, &Cipher{
		OrganizationID: org.ID, Type: 1, Data: []byte("shared"),
		CollectionIDs: []string{col.ID},
	}); err != nil {
		t.Fatalf("SaveCipher() error = %v", err)
	}

	state, err := env.engine.FullState(ctx, actor)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}

	if state.Profile.AccountID != "acc-1" {
		t.Errorf("Profile.AccountID = %q, want acc-1", state.Profile.AccountID)
	}
	if state.Profile.Revision == 0 {
		t.Error("Profile.Revision should have advanced past zero")
	}
	if len(state.Organizations) != 1 || state.Organizations[0].ID != org.ID {
		t.Errorf("Organizations = %+v, want just %s", state.Organizations, org.ID)
	}
	if len(state.Collections) != 1 || state.Collections[0].ID != col.ID {
		t.Errorf("Collections = %+v, want just %s", state.Collections, col.ID)
	}
	if len(state.Ciphers) != 2 {
		t.Fatalf("len(Ciphers) = %d, want 2 (own + org)", len(state.Ciphers))
	}
	for _, c := range state.Ciphers {
		if c.AccountID == "acc-2" {
			t.Error("FullState() must not leak another account's ciphers")
		}
	}

	// The other account sees only its own cipher.
	otherState, err := env.engine.FullState(ctx, other)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}
	if len(otherState.Ciphers) != 1 {
		t.Errorf("len(otherState.Ciphers) = %d, want 1", len(otherState.Ciphers))
	}
	if len(otherState.Organizations) != 0 {
		t.Errorf("non-member should see no organizations, got %d", len(otherState.Organizations))
	}
}

// TestRevisionStamps verifies stamps advance strictly with every
// mutation and surface in the full state.
func TestRevisionStamps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "user@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}

	var lastAccount int64
	for i := 0; i < 5; i++ {
		stamps, err := env.engine.SaveCipher(ctx, actor, &Cipher{
			AccountID: "acc-1", Type: 1, Data: []byte("entry"),
		})
		if err != nil {
			t.Fatalf("SaveCipher() #%d error = %v", i, err)
		}
		if stamps.Account <= lastAccount {
			t.Fatalf("account stamp %d did not advance past %d", stamps.Account, lastAccount)
		}
		lastAccount = stamps.Account
	}

	state, err := env.engine.FullState(ctx, actor)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}
	if state.Profile.Revision != lastAccount {
		t.Errorf("Profile.Revision = %d, want %d", state.Profile.Revision, lastAccount)
	}

	// Org mutations advance both stamps.
	org := env.createOrg(t, actor, "Acme")
	stamps, err := env.engine.SaveCipher(ctx, actor, &Cipher{
		OrganizationID: org.ID, Type: 1, Data: []byte("shared"),
	})
	if err != nil {
		t.Fatalf("SaveCipher() error = %v", err)
	}
	if stamps.Account <= lastAccount {
		t.Error("org mutation should advance the acting account's stamp")
	}
	if stamps.Organization == 0 {
		t.Error("org mutation should advance the organization's stamp")
	}

	got, err := env.orgs.GetByID(ctx, org.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Revision != stamps.Organization {
		t.Errorf("org revision = %d, want %d", got.Revision, stamps.Organization)
	}
}

// TestSaveCipher verifies creation, update, and ownership rules.
func TestSaveCipher(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "user@example.com")
	insertAccount(t, env.db, "acc-2", "other@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}

	t.Run("both owners rejected", func(t *testing.T) {
		_, err := env.engine.SaveCipher(ctx, actor, &Cipher{
			AccountID: "acc-1", OrganizationID: "org-x", Data: []byte("x"),
		})
		if !errors.Is(err, ErrInvalidOwnership) {
			t.Errorf("SaveCipher() error = %v, want ErrInvalidOwnership", err)
		}
	})

	t.Run("no owner rejected", func(t *testing.T) {
		_, err := env.engine.SaveCipher(ctx, actor, &Cipher{Data: []byte("x")})
		if !errors.Is(err, ErrInvalidOwnership) {
			t.Errorf("SaveCipher() error = %v, want ErrInvalidOwnership", err)
		}
	})

	t.Run("create and update", func(t *testing.T) {
		cipher := &Cipher{AccountID: "acc-1", Type: 1, Data: []byte("v1"), Favorite: true}
		if _, err := env.engine.SaveCipher(ctx, actor, cipher); err != nil {
			t.Fatalf("SaveCipher() create error = %v", err)
		}
		if cipher.ID == "" {
			t.Fatal("SaveCipher() should assign an ID")
		}

		cipher.Data = []byte("v2")
		if _, err := env.engine.SaveCipher(ctx, actor, cipher); err != nil {
			t.Fatalf("SaveCipher() update error = %v", err)
		}

		got, err := env.ciphers.GetByID(ctx, cipher.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if string(got.Data) != "v2" {
			t.Errorf("Data = %q, want v2 (last committed wins)", got.Data)
		}
	})

	t.Run("ownership fixed at creation", func(t *testing.T) {
		cipher := &Cipher{AccountID: "acc-1", Type: 1, Data: []byte("v1")}
		if _, err := env.engine.SaveCipher(ctx, actor, cipher); err != nil {
			t.Fatalf("SaveCipher() error = %v", err)
		}

		// An update attempting to move the cipher keeps the original owner.
		cipher.AccountID = "acc-2"
		if _, err := env.engine.SaveCipher(ctx, actor, cipher); err != nil {
			t.Fatalf("SaveCipher() error = %v", err)
		}
		got, err := env.ciphers.GetByID(ctx, cipher.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.AccountID != "acc-1" {
			t.Errorf("AccountID = %q, want acc-1 (ownership immutable)", got.AccountID)
		}
	})

	t.Run("stranger cannot update", func(t *testing.T) {
		cipher := &Cipher{AccountID: "acc-1", Type: 1, Data: []byte("secret")}
		if _, err := env.engine.SaveCipher(ctx, actor, cipher); err != nil {
			t.Fatalf("SaveCipher() error = %v", err)
		}

		stranger := Actor{AccountID: "acc-2", SessionID: "ses-2"}
		update := &Cipher{ID: cipher.ID, Data: []byte("stolen")}
		if _, err := env.engine.SaveCipher(ctx, stranger, update); !errors.Is(err, ErrNotFound) {
			t.Errorf("SaveCipher() by stranger error = %v, want ErrNotFound", err)
		}
	})
}

// TestDeleteCipher verifies removal and authorization.
func TestDeleteCipher(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "user@example.com")
	insertAccount(t, env.db, "acc-2", "other@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}

	cipher := &Cipher{AccountID: "acc-1", Type: 1, Data: []byte("x")}
	if _, err := env.engine.SaveCipher(ctx, actor, cipher); err != nil {
		t.Fatalf("SaveCipher() error = %v", err)
	}

	stranger := Actor{AccountID: "acc-2", SessionID: "ses-2"}
	if _, err := env.engine.DeleteCipher(ctx, stranger, cipher.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteCipher() by stranger error = %v, want ErrNotFound", err)
	}

	if _, err := env.engine.DeleteCipher(ctx, actor, cipher.ID); err != nil {
		t.Fatalf("DeleteCipher() error = %v", err)
	}
	if _, err := env.ciphers.GetByID(ctx, cipher.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := env.engine.DeleteCipher(ctx, actor, cipher.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete error = %v, want ErrNotFound", err)
	}
}

// TestOrganizationLifecycle verifies creation, rename, and cascade
// delete.
func TestOrganizationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "user@example.com")
	insertAccount(t, env.db, "acc-2", "member@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}

	org := env.createOrg(t, actor, "Acme")
	if org.ID == "" {
		t.Fatal("CreateOrganization() should assign an ID")
	}

	// Creator becomes an active owner.
	m, err := env.memberships.GetByAccount(ctx, org.ID, "acc-1")
	if err != nil {
		t.Fatalf("GetByAccount() error = %v", err)
	}
	if m.Role != RoleOwner || m.Status != StatusActive {
		t.Errorf("creator membership = %s/%s, want owner/active", m.Role, m.Status)
	}

	org.Name = "Acme Corp"
	if _, err := env.engine.UpdateOrganization(ctx, actor, org); err != nil {
		t.Fatalf("UpdateOrganization() error = %v", err)
	}
	got, err := env.orgs.GetByID(ctx, org.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "Acme Corp" {
		t.Errorf("Name = %q, want Acme Corp", got.Name)
	}

	// A plain member cannot delete the org.
	env.addMember(t, actor, org.ID, "acc-2", RoleUser)
	member := Actor{AccountID: "acc-2", SessionID: "ses-2"}
	if _, err := env.engine.DeleteOrganization(ctx, member, org.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("DeleteOrganization() by user error = %v, want ErrForbidden", err)
	}

	// Populate so the cascade has something to remove.
	col := env.createCollection(t, actor, org.ID, "Engineering")
	cipher := &Cipher{OrganizationID: org.ID, Type: 1, Data: []byte("shared"), CollectionIDs: []string{col.ID}}
	if _, err := env.engine.SaveCipher(ctx, actor, cipher); err != nil {
		t.Fatalf("SaveCipher() error = %v", err)
	}

	if _, err := env.engine.DeleteOrganization(ctx, actor, org.ID); err != nil {
		t.Fatalf("DeleteOrganization() error = %v", err)
	}

	if _, err := env.orgs.GetByID(ctx, org.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("org lookup after delete error = %v, want ErrNotFound", err)
	}
	if _, err := env.ciphers.GetByID(ctx, cipher.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("org cipher should be gone, error = %v, want ErrNotFound", err)
	}
	if _, err := env.collections.GetByID(ctx, col.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("org collection should be gone, error = %v, want ErrNotFound", err)
	}
}

// TestMembership_LastOwner verifies the last-owner invariant for
// demotion, suspension, and removal.
func TestMembership_LastOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "owner@example.com")
	insertAccount(t, env.db, "acc-2", "second@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}

	org := env.createOrg(t, actor, "Acme")
	ownerMembership, err := env.memberships.GetByAccount(ctx, org.ID, "acc-1")
	if err != nil {
		t.Fatalf("GetByAccount() error = %v", err)
	}

	t.Run("sole owner cannot demote", func(t *testing.T) {
		demoted := *ownerMembership
		demoted.Role = RoleAdmin
		if _, err := env.engine.SaveMembership(ctx, actor, &demoted); !errors.Is(err, ErrLastOwner) {
			t.Errorf("SaveMembership() error = %v, want ErrLastOwner", err)
		}
	})

	t.Run("sole owner cannot leave", func(t *testing.T) {
		if _, err := env.engine.DeleteMembership(ctx, actor, ownerMembership.ID); !errors.Is(err, ErrLastOwner) {
			t.Errorf("DeleteMembership() error = %v, want ErrLastOwner", err)
		}
	})

	t.Run("with a second owner both succeed", func(t *testing.T) {
		env.addMember(t, actor, org.ID, "acc-2", RoleOwner)

		demoted := *ownerMembership
		demoted.Role = RoleAdmin
		if _, err := env.engine.SaveMembership(ctx, actor, &demoted); err != nil {
			t.Fatalf("SaveMembership() with backup owner error = %v", err)
		}

		got, err := env.memberships.GetByID(ctx, ownerMembership.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.Role != RoleAdmin {
			t.Errorf("Role = %s, want admin after demotion", got.Role)
		}
	})
}

// TestMembership_Validation verifies role validation and duplicate
// rejection.
func TestMembership_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "owner@example.com")
	insertAccount(t, env.db, "acc-2", "member@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}
	org := env.createOrg(t, actor, "Acme")

	t.Run("invalid role rejected", func(t *testing.T) {
		_, err := env.engine.SaveMembership(ctx, actor, &Membership{
			OrganizationID: org.ID, AccountID: "acc-2", Role: "superuser",
		})
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("SaveMembership() error = %v, want ErrForbidden", err)
		}
	})

	t.Run("invite defaults to invited status", func(t *testing.T) {
		m := &Membership{OrganizationID: org.ID, AccountID: "acc-2", Role: RoleUser}
		if _, err := env.engine.SaveMembership(ctx, actor, m); err != nil {
			t.Fatalf("SaveMembership() error = %v", err)
		}
		got, err := env.memberships.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.Status != StatusInvited {
			t.Errorf("Status = %s, want invited", got.Status)
		}
	})

	t.Run("duplicate membership rejected", func(t *testing.T) {
		_, err := env.engine.SaveMembership(ctx, actor, &Membership{
			OrganizationID: org.ID, AccountID: "acc-2", Role: RoleUser,
		})
		if !errors.Is(err, ErrMembershipExists) {
			t.Errorf("SaveMembership() error = %v, want ErrMembershipExists", err)
		}
	})
}

// TestCollectionGrants verifies grant assignment plumbing through the
// engine.
func TestCollectionGrants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "owner@example.com")
	insertAccount(t, env.db, "acc-2", "user@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}

	org := env.createOrg(t, actor, "Acme")
	otherOrg := env.createOrg(t, actor, "Globex")
	user := env.addMember(t, actor, org.ID, "acc-2", RoleUser)
	col := env.createCollection(t, actor, org.ID, "Engineering")

	t.Run("grant and upgrade", func(t *testing.T) {
		if _, err := env.engine.SetCollectionGrant(ctx, actor, &CollectionGrant{
			CollectionID: col.ID, MembershipID: user.ID, ReadOnly: true,
		}); err != nil {
			t.Fatalf("SetCollectionGrant() error = %v", err)
		}

		grant, err := env.collections.GetGrant(ctx, col.ID, user.ID)
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if !grant.ReadOnly {
			t.Error("grant should be read-only")
		}

		// Re-granting flips the flag in place.
		if _, err := env.engine.SetCollectionGrant(ctx, actor, &CollectionGrant{
			CollectionID: col.ID, MembershipID: user.ID, ReadOnly: false,
		}); err != nil {
			t.Fatalf("SetCollectionGrant() upgrade error = %v", err)
		}
		grant, err = env.collections.GetGrant(ctx, col.ID, user.ID)
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if grant.ReadOnly {
			t.Error("grant should be read-write after upgrade")
		}
	})

	t.Run("cross-org membership rejected", func(t *testing.T) {
		otherCol := env.createCollection(t, actor, otherOrg.ID, "Misc")
		_, err := env.engine.SetCollectionGrant(ctx, actor, &CollectionGrant{
			CollectionID: otherCol.ID, MembershipID: user.ID,
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("SetCollectionGrant() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("remove grant", func(t *testing.T) {
		if _, err := env.engine.RemoveCollectionGrant(ctx, actor, col.ID, user.ID); err != nil {
			t.Fatalf("RemoveCollectionGrant() error = %v", err)
		}
		if _, err := env.collections.GetGrant(ctx, col.ID, user.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetGrant() after removal error = %v, want ErrNotFound", err)
		}
	})
}

// TestMutationAtomicity verifies a failing mutation leaves no partial
// state and no stamp advance.
func TestMutationAtomicity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insertAccount(t, env.db, "acc-1", "owner@example.com")
	actor := Actor{AccountID: "acc-1", SessionID: "ses-1"}
	org := env.createOrg(t, actor, "Acme")

	before, err := env.engine.FullState(ctx, actor)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}

	// Demoting the sole owner fails inside the transaction, after the
	// update statement would have run.
	ownerMembership, err := env.memberships.GetByAccount(ctx, org.ID, "acc-1")
	if err != nil {
		t.Fatalf("GetByAccount() error = %v", err)
	}
	demoted := *ownerMembership
	demoted.Role = RoleUser
	if _, err := env.engine.SaveMembership(ctx, actor, &demoted); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("SaveMembership() error = %v, want ErrLastOwner", err)
	}

	after, err := env.engine.FullState(ctx, actor)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}
	if after.Profile.Revision != before.Profile.Revision {
		t.Errorf("failed mutation advanced the account stamp: %d -> %d",
			before.Profile.Revision, after.Profile.Revision)
	}

	got, err := env.memberships.GetByID(ctx, ownerMembership.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Role != RoleOwner {
		t.Errorf("Role = %s, want owner (rollback)", got.Role)
	}
}
