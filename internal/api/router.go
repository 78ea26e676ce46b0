package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Account bootstrap and login (no auth required)
		r.Post("/accounts/prelogin", s.handlePrelogin)
		r.Post("/accounts/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/two-factor/challenge", s.handleTwoFactorChallenge)
		r.Post("/auth/two-factor/complete", s.handleTwoFactorComplete)
		r.Post("/auth/refresh", s.handleRefresh)

		// Live updates. Browsers cannot set an Authorization header on
		// websocket upgrades, so auth is a single-use ticket minted by
		// POST /auth/ws-ticket and validated in the handler.
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/logout-all", s.handleLogoutAll)
			r.Get("/auth/sessions", s.handleListSessions)
			r.Post("/auth/password", s.handleChangePassword)

			// Second-factor enrollment. TOTP and webauthn use two-step
			// ceremonies so the server only stores proven material;
			// email and push configure directly via PUT.
			r.Get("/auth/two-factor", s.handleListSecondFactors)
			r.Post("/auth/two-factor/totp", s.handleBeginTOTPEnrollment)
			r.Post("/auth/two-factor/totp/confirm", s.handleConfirmTOTPEnrollment)
			r.Post("/auth/two-factor/webauthn", s.handleBeginWebAuthnEnrollment)
			r.Post("/auth/two-factor/webauthn/confirm", s.handleConfirmWebAuthnEnrollment)
			r.Put("/auth/two-factor/{provider}", s.handleSetSecondFactor)
			r.Delete("/auth/two-factor/{provider}", s.handleRemoveSecondFactor)

			// WS ticket requires authentication - the ticket keeps the
			// access token out of the websocket URL
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Full vault state
			r.Get("/sync", s.handleSync)

			// Cipher endpoints
			r.Route("/ciphers", func(r chi.Router) {
				r.Post("/", s.handleSaveCipher)
				r.Route("/{id}", func(r chi.Router) {
					r.Put("/", s.handleSaveCipher)
					r.Delete("/", s.handleDeleteCipher)
				})
			})

			// Organization endpoints
			r.Route("/organizations", func(r chi.Router) {
				r.Post("/", s.handleCreateOrganization)
				r.Route("/{id}", func(r chi.Router) {
					r.Put("/", s.handleUpdateOrganization)
					r.Delete("/", s.handleDeleteOrganization)

					r.Route("/collections", func(r chi.Router) {
						r.Post("/", s.handleSaveCollection)
						r.Route("/{collectionID}", func(r chi.Router) {
							r.Put("/", s.handleSaveCollection)
							r.Delete("/", s.handleDeleteCollection)
							r.Put("/grants/{membershipID}", s.handleSetCollectionGrant)
							r.Delete("/grants/{membershipID}", s.handleRemoveCollectionGrant)
						})
					})

					r.Route("/memberships", func(r chi.Router) {
						r.Post("/", s.handleSaveMembership)
						r.Put("/{membershipID}", s.handleSaveMembership)
						r.Delete("/{membershipID}", s.handleDeleteMembership)
					})
				})
			})

			// Audit trail (own account only)
			r.Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
