package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/coffer-vault/coffer/migrations"

	"github.com/coffer-vault/coffer/internal/infrastructure/database"
)

// testDB opens a migrated temp-file database.
func testDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// createTestAccount inserts an account and returns it.
func createTestAccount(t *testing.T, repo AccountRepository, email string) *Account {
	t.Helper()

	hash, err := HashProof("proof-" + email)
	if err != nil {
		t.Fatalf("hashing proof: %v", err)
	}

	account := &Account{
		Email:         email,
		PasswordHash:  hash,
		KDFIterations: defaultKDFIterations,
	}
	if err := repo.Create(context.Background(), account); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	return account
}

// TestAccountRepository_CreateGet verifies round trips and uniqueness.
func TestAccountRepository_CreateGet(t *testing.T) {
	db := testDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	account := createTestAccount(t, repo, "user@example.com")
	if account.ID == "" {
		t.Fatal("Create() should assign an ID")
	}
	if account.SecurityStamp == "" {
		t.Fatal("Create() should assign a security stamp")
	}

	byID, err := repo.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if byID.Email != "user@example.com" {
		t.Errorf("Email = %q, want user@example.com", byID.Email)
	}

	byEmail, err := repo.GetByEmail(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if byEmail.ID != account.ID {
		t.Errorf("ID = %q, want %q", byEmail.ID, account.ID)
	}

	t.Run("duplicate email", func(t *testing.T) {
		dup := &Account{Email: "user@example.com", PasswordHash: "x", KDFIterations: 1}
		if err := repo.Create(ctx, dup); !errors.Is(err, ErrEmailExists) {
			t.Errorf("Create() error = %v, want ErrEmailExists", err)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, "acc-missing"); !errors.Is(err, ErrAccountNotFound) {
			t.Errorf("GetByID() error = %v, want ErrAccountNotFound", err)
		}
	})
}

// TestAccountRepository_UpdatePassword verifies the stamp rotates with
// the hash.
func TestAccountRepository_UpdatePassword(t *testing.T) {
	db := testDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	account := createTestAccount(t, repo, "user@example.com")
	oldStamp := account.SecurityStamp

	if err := repo.UpdatePassword(ctx, account.ID, "new-hash"); err != nil {
		t.Fatalf("UpdatePassword() error = %v", err)
	}

	updated, err := repo.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if updated.PasswordHash != "new-hash" {
		t.Errorf("PasswordHash = %q, want new-hash", updated.PasswordHash)
	}
	if updated.SecurityStamp == oldStamp {
		t.Error("UpdatePassword() should rotate the security stamp")
	}
}

// TestAccountRepository_FailedLogins verifies the counter round trip.
func TestAccountRepository_FailedLogins(t *testing.T) {
	db := testDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	account := createTestAccount(t, repo, "user@example.com")

	for want := 1; want <= 3; want++ {
		got, err := repo.IncrementFailedLogins(ctx, account.ID)
		if err != nil {
			t.Fatalf("IncrementFailedLogins() error = %v", err)
		}
		if got != want {
			t.Errorf("failed logins = %d, want %d", got, want)
		}
	}

	if err := repo.ResetFailedLogins(ctx, account.ID); err != nil {
		t.Fatalf("ResetFailedLogins() error = %v", err)
	}
	updated, err := repo.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if updated.FailedLogins != 0 {
		t.Errorf("FailedLogins = %d, want 0 after reset", updated.FailedLogins)
	}
}

// TestAccountRepository_Factors verifies factor storage round trips.
func TestAccountRepository_Factors(t *testing.T) {
	db := testDB(t)
	repo := NewAccountRepository(db.DB)
	ctx := context.Background()

	account := createTestAccount(t, repo, "user@example.com")

	if err := repo.SetFactor(ctx, account.ID, Factor{
		Provider: ProviderTOTP,
		TOTP:     &TOTPFactor{Secret: "JBSWY3DPEHPK3PXP"},
	}); err != nil {
		t.Fatalf("SetFactor() error = %v", err)
	}
	if err := repo.SetFactor(ctx, account.ID, Factor{
		Provider: ProviderEmail,
		Email:    &EmailFactor{Email: account.Email},
	}); err != nil {
		t.Fatalf("SetFactor() error = %v", err)
	}

	factors, err := repo.ListFactors(ctx, account.ID)
	if err != nil {
		t.Fatalf("ListFactors() error = %v", err)
	}
	if len(factors) != 2 {
		t.Fatalf("len(factors) = %d, want 2", len(factors))
	}

	// Replacing an existing provider keeps one row.
	if err := repo.SetFactor(ctx, account.ID, Factor{
		Provider: ProviderTOTP,
		TOTP:     &TOTPFactor{Secret: "NEWSECRET234567"},
	}); err != nil {
		t.Fatalf("SetFactor() replace error = %v", err)
	}
	factors, err = repo.ListFactors(ctx, account.ID)
	if err != nil {
		t.Fatalf("ListFactors() error = %v", err)
	}
	if len(factors) != 2 {
		t.Fatalf("len(factors) after replace = %d, want 2", len(factors))
	}

	if err := repo.RemoveFactor(ctx, account.ID, ProviderTOTP); err != nil {
		t.Fatalf("RemoveFactor() error = %v", err)
	}
	factors, err = repo.ListFactors(ctx, account.ID)
	if err != nil {
		t.Fatalf("ListFactors() error = %v", err)
	}
	if len(factors) != 1 || factors[0].Provider != ProviderEmail {
		t.Errorf("factors after removal = %+v, want only email", factors)
	}
}

// TestSessionRepository_CreateAndGet verifies session plus first token
// creation.
func TestSessionRepository_CreateAndGet(t *testing.T) {
	db := testDB(t)
	accounts := NewAccountRepository(db.DB)
	sessions := NewSessionRepository(db)
	ctx := context.Background()

	account := createTestAccount(t, accounts, "user@example.com")

	session := &Session{AccountID: account.ID, DeviceName: "laptop"}
	token, err := sessions.Create(ctx, session, "hash-1", time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if session.Generation != 1 {
		t.Errorf("session generation = %d, want 1", session.Generation)
	}
	if token.Generation != 1 {
		t.Errorf("token generation = %d, want 1", token.Generation)
	}

	got, err := sessions.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.DeviceName != "laptop" {
		t.Errorf("DeviceName = %q, want laptop", got.DeviceName)
	}

	byHash, err := sessions.GetTokenByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if byHash.SessionID != session.ID {
		t.Errorf("SessionID = %q, want %q", byHash.SessionID, session.ID)
	}

	if _, err := sessions.GetTokenByHash(ctx, "no-such-hash"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("GetTokenByHash() error = %v, want ErrTokenInvalid", err)
	}

	// Device name and fingerprint are optional in the login request;
	// a bare session must persist and read back with both empty.
	t.Run("anonymous device", func(t *testing.T) {
		bare := &Session{AccountID: account.ID}
		if _, err := sessions.Create(ctx, bare, "hash-bare", time.Hour); err != nil {
			t.Fatalf("Create() without device fields error = %v", err)
		}
		got, err := sessions.GetByID(ctx, bare.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.DeviceName != "" || got.Fingerprint != "" {
			t.Errorf("device fields = %q/%q, want both empty", got.DeviceName, got.Fingerprint)
		}
	})
}

// TestSessionRepository_Rotate verifies generation advance and reuse
// detection.
func TestSessionRepository_Rotate(t *testing.T) {
	db := testDB(t)
	accounts := NewAccountRepository(db.DB)
	sessions := NewSessionRepository(db)
	ctx := context.Background()

	account := createTestAccount(t, accounts, "user@example.com")
	session := &Session{AccountID: account.ID}
	first, err := sessions.Create(ctx, session, "hash-1", time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	second, err := sessions.Rotate(ctx, first, "hash-2", time.Hour)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if second.Generation != 2 {
		t.Errorf("rotated generation = %d, want 2", second.Generation)
	}

	got, err := sessions.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Generation != 2 {
		t.Errorf("session generation = %d, want 2", got.Generation)
	}

	// The consumed token stays in the table, revoked, so a replay can
	// be traced to its session.
	oldToken, err := sessions.GetTokenByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if !oldToken.Revoked {
		t.Error("consumed token should be revoked")
	}

	// Re-presenting the stale generation loses the guarded update.
	if _, err := sessions.Rotate(ctx, first, "hash-3", time.Hour); !errors.Is(err, ErrTokenReuse) {
		t.Errorf("Rotate() with stale generation error = %v, want ErrTokenReuse", err)
	}
}

// TestSessionRepository_Revoke verifies revocation cascades to tokens.
func TestSessionRepository_Revoke(t *testing.T) {
	db := testDB(t)
	accounts := NewAccountRepository(db.DB)
	sessions := NewSessionRepository(db)
	ctx := context.Background()

	account := createTestAccount(t, accounts, "user@example.com")
	session := &Session{AccountID: account.ID}
	if _, err := sessions.Create(ctx, session, "hash-1", time.Hour); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := sessions.Revoke(ctx, session.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	got, err := sessions.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !got.Revoked {
		t.Error("session should be revoked")
	}

	token, err := sessions.GetTokenByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if !token.Revoked {
		t.Error("token should be revoked with its session")
	}

	// A revoked session cannot rotate.
	if _, err := sessions.Rotate(ctx, token, "hash-2", time.Hour); !errors.Is(err, ErrTokenReuse) {
		t.Errorf("Rotate() on revoked session error = %v, want ErrTokenReuse", err)
	}
}

// TestSessionRepository_RevokeAllAndList verifies account-wide logout.
func TestSessionRepository_RevokeAllAndList(t *testing.T) {
	db := testDB(t)
	accounts := NewAccountRepository(db.DB)
	sessions := NewSessionRepository(db)
	ctx := context.Background()

	account := createTestAccount(t, accounts, "user@example.com")
	other := createTestAccount(t, accounts, "other@example.com")

	for i, hash := range []string{"hash-a", "hash-b"} {
		s := &Session{AccountID: account.ID, DeviceName: "device"}
		if _, err := sessions.Create(ctx, s, hash, time.Hour); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}
	otherSession := &Session{AccountID: other.ID}
	if _, err := sessions.Create(ctx, otherSession, "hash-other", time.Hour); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	active, err := sessions.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("ListActiveByAccount() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}

	if err := sessions.RevokeAllForAccount(ctx, account.ID); err != nil {
		t.Fatalf("RevokeAllForAccount() error = %v", err)
	}

	active, err = sessions.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("ListActiveByAccount() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("len(active) = %d, want 0 after revoke-all", len(active))
	}

	// The other account is untouched.
	otherActive, err := sessions.ListActiveByAccount(ctx, other.ID)
	if err != nil {
		t.Fatalf("ListActiveByAccount() error = %v", err)
	}
	if len(otherActive) != 1 {
		t.Errorf("len(otherActive) = %d, want 1", len(otherActive))
	}
}

// TestSessionRepository_DeleteExpired verifies cleanup of expired
// tokens and orphaned sessions.
func TestSessionRepository_DeleteExpired(t *testing.T) {
	db := testDB(t)
	accounts := NewAccountRepository(db.DB)
	sessions := NewSessionRepository(db)
	ctx := context.Background()

	account := createTestAccount(t, accounts, "user@example.com")

	expired := &Session{AccountID: account.ID}
	if _, err := sessions.Create(ctx, expired, "hash-expired", -time.Hour); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	live := &Session{AccountID: account.ID}
	if _, err := sessions.Create(ctx, live, "hash-live", time.Hour); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	n, err := sessions.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}

	if _, err := sessions.GetByID(ctx, expired.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired session lookup error = %v, want ErrSessionNotFound", err)
	}
	if _, err := sessions.GetByID(ctx, live.ID); err != nil {
		t.Errorf("live session lookup error = %v", err)
	}
}
