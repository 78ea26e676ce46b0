package vault

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/coffer-vault/coffer/migrations"

	"github.com/coffer-vault/coffer/internal/audit"
	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/database"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
	"github.com/coffer-vault/coffer/internal/notify"
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

// insertAccount seeds an account row directly; the auth package owns
// account creation and is not under test here.
func insertAccount(t *testing.T, db *database.DB, id, email string) {
	t.Helper()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO accounts (id, email, name, password_hash, kdf_iterations, security_stamp, revision, failed_logins, created_at, updated_at)
		 VALUES (?, ?, NULL, 'hash', 600000, 'stamp', 0, 0, ?, ?)`,
		id, email, now, now,
	)
	if err != nil {
		t.Fatalf("seeding account %s: %v", id, err)
	}
}

// testEnv bundles the engine with its repositories for direct
// repository-level assertions.
type testEnv struct {
	db          *database.DB
	engine      *Engine
	orgs        OrganizationRepository
	memberships MembershipRepository
	collections CollectionRepository
	ciphers     CipherRepository
	resolver    *Resolver
	hub         *notify.Hub
}

// newTestEnv wires a sync engine over a migrated temp database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testDB(t)
	logger := logging.Default()

	orgs := NewOrganizationRepository(db.DB)
	memberships := NewMembershipRepository(db.DB)
	collections := NewCollectionRepository(db.DB)
	ciphers := NewCipherRepository(db.DB)
	resolver := NewResolver(memberships, collections)
	hub := notify.NewHub(config.WebSocketConfig{
		MaxMessageSize: 8192,
		PingInterval:   30,
		PongTimeout:    10,
	}, logger)

	engine := NewEngine(
		db,
		NewAccountReader(db.DB),
		orgs,
		memberships,
		collections,
		ciphers,
		resolver,
		hub,
		audit.NewSQLiteRecorder(db.DB),
		logger,
	)

	return &testEnv{
		db:          db,
		engine:      engine,
		orgs:        orgs,
		memberships: memberships,
		collections: collections,
		ciphers:     ciphers,
		resolver:    resolver,
		hub:         hub,
	}
}

// createOrg creates an organization owned by the actor and returns it.
func (env *testEnv) createOrg(t *testing.T, actor Actor, name string) *Organization {
	t.Helper()

	org, _, err := env.engine.CreateOrganization(context.Background(), actor, name)
	if err != nil {
		t.Fatalf("CreateOrganization() error = %v", err)
	}
	return org
}

// addMember adds an active member with a role and returns the membership.
func (env *testEnv) addMember(t *testing.T, actor Actor, orgID, accountID string, role Role) *Membership {
	t.Helper()

	m := &Membership{
		OrganizationID: orgID,
		AccountID:      accountID,
		Role:           role,
		Status:         StatusActive,
	}
	if _, err := env.engine.SaveMembership(context.Background(), actor, m); err != nil {
		t.Fatalf("SaveMembership() error = %v", err)
	}
	return m
}

// createCollection creates a collection in an organization.
func (env *testEnv) createCollection(t *testing.T, actor Actor, orgID, name string) *Collection {
	t.Helper()

	c := &Collection{OrganizationID: orgID, Name: name}
	if _, err := env.engine.SaveCollection(context.Background(), actor, c); err != nil {
		t.Fatalf("SaveCollection() error = %v", err)
	}
	return c
}
