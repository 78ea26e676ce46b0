package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coffer-vault/coffer/internal/audit"
	"github.com/coffer-vault/coffer/internal/auth"
	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
	"github.com/coffer-vault/coffer/internal/notify"
	"github.com/coffer-vault/coffer/internal/vault"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  *config.Config
	Logger  *logging.Logger
	Login   *auth.LoginService
	Engine  *vault.Engine
	Orgs    vault.OrganizationRepository
	Hub     *notify.Hub
	Audit   audit.Recorder
	Version string
}

// Server is the HTTP API server for Coffer.
//
// It manages the HTTP listener, routes, middleware, and the live-update
// hub. The server is created with New() and started with Start().
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	login   *auth.LoginService
	engine  *vault.Engine
	orgs    vault.OrganizationRepository
	hub     *notify.Hub
	audit   audit.Recorder
	version string
	server  *http.Server
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Login == nil {
		return nil, fmt.Errorf("login service is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("sync engine is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("notification hub is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		login:   deps.Login,
		engine:  deps.Engine,
		orgs:    deps.Orgs,
		hub:     deps.Hub,
		audit:   deps.Audit,
		version: deps.Version,
		tickets: newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, launches the ticket cleanup loop, and starts
// the HTTP listener in a background goroutine. The server is stopped
// with Close().
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.tickets.cleanLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.Server.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.Server.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections. Live-update channels are
// closed by the hub's own shutdown.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
