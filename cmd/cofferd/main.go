// Coffer - self-hosted password vault sync server
//
// This is the main entry point for the Coffer daemon. Coffer keeps a
// single SQLite-backed vault store and serves:
//   - Credential verification with optional second factors
//   - Signed access tokens and rotating refresh tokens
//   - Organization-scoped sharing with role and collection ACLs
//   - Revision-stamped sync and websocket live updates
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/coffer-vault/coffer/migrations"

	"github.com/coffer-vault/coffer/internal/api"
	"github.com/coffer-vault/coffer/internal/audit"
	"github.com/coffer-vault/coffer/internal/auth"
	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/database"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
	"github.com/coffer-vault/coffer/internal/keys"
	"github.com/coffer-vault/coffer/internal/mail"
	"github.com/coffer-vault/coffer/internal/notify"
	"github.com/coffer-vault/coffer/internal/vault"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Housekeeping intervals for background loops.
const (
	challengeSweepInterval = time.Minute
	sessionCleanupInterval = time.Hour
)

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Coffer",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Load the token signing key pair
	keyManager, err := keys.Load(cfg.Tokens.PrivateKeyFile, cfg.Tokens.PublicKeyFile)
	if err != nil {
		return fmt.Errorf("loading token keys: %w", err)
	}
	log.Info("token keys loaded", "private_key", cfg.Tokens.PrivateKeyFile)

	// Repositories
	accountRepo := auth.NewAccountRepository(db.DB)
	sessionRepo := auth.NewSessionRepository(db)
	orgRepo := vault.NewOrganizationRepository(db.DB)
	membershipRepo := vault.NewMembershipRepository(db.DB)
	collectionRepo := vault.NewCollectionRepository(db.DB)
	cipherRepo := vault.NewCipherRepository(db.DB)
	accountReader := vault.NewAccountReader(db.DB)
	auditRecorder := audit.NewSQLiteRecorder(db.DB)

	// Mail transport (nop when disabled)
	mailer := mail.NewSender(cfg.Mail, log)

	// Second-factor verification
	challenges := auth.NewChallengeStore(cfg.ChallengeTTL())
	go challenges.RunSweeper(ctx, challengeSweepInterval)

	verifier, err := auth.NewVerifier(cfg.SecondFactor, log)
	if err != nil {
		return fmt.Errorf("initialising second-factor verifier: %w", err)
	}

	// Login service
	loginService := auth.NewLoginService(
		accountRepo,
		sessionRepo,
		challenges,
		verifier,
		mailer,
		auditRecorder,
		keyManager,
		cfg,
		log,
	)
	go loginService.RunCleanup(ctx, sessionCleanupInterval)

	// Live-update hub
	hub := notify.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	// Sync engine
	resolver := vault.NewResolver(membershipRepo, collectionRepo)
	engine := vault.NewEngine(
		db,
		accountReader,
		orgRepo,
		membershipRepo,
		collectionRepo,
		cipherRepo,
		resolver,
		hub,
		auditRecorder,
		log,
	)

	// HTTP API server
	server, err := api.New(api.Deps{
		Config:  cfg,
		Logger:  log,
		Login:   loginService,
		Engine:  engine,
		Orgs:    orgRepo,
		Hub:     hub,
		Audit:   auditRecorder,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"tls", cfg.Server.TLS.Enabled,
	)

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. Database

	log.Info("Coffer stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses COFFER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("COFFER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
