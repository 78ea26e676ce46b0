package api

import (
	"encoding/json"
	"net/http"

	"github.com/coffer-vault/coffer/internal/auth"
)

// preloginRequest is the request body for POST /accounts/prelogin.
type preloginRequest struct {
	Email string `json:"email"`
}

// handlePrelogin returns the client-side KDF parameters for an email.
func (s *Server) handlePrelogin(w http.ResponseWriter, r *http.Request) {
	var req preloginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	iterations, err := s.login.Prelogin(r.Context(), req.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kdf_iterations": iterations,
	})
}

// registerRequest is the request body for POST /accounts/register.
// MasterProof is the client-side slow-hash of the master password,
// never the password itself.
type registerRequest struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	MasterProof   string `json:"master_proof"`
	KDFIterations int    `json:"kdf_iterations"`
}

// handleRegister creates a new account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Email == "" || req.MasterProof == "" {
		writeBadRequest(w, "email and master_proof are required")
		return
	}

	account, err := s.login.Register(r.Context(), req.Email, req.Name, req.MasterProof, req.KDFIterations)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": account.ID,
		"email":      account.Email,
	})
}

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Email       string `json:"email"`
	MasterProof string `json:"master_proof"`
	DeviceName  string `json:"device_name"`
	Fingerprint string `json:"fingerprint"`
}

// handleLogin runs the password leg. The response either carries a
// token pair or a second-factor challenge listing available providers.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Email == "" || req.MasterProof == "" {
		writeBadRequest(w, "email and master_proof are required")
		return
	}

	result, err := s.login.Login(r.Context(), req.Email, req.MasterProof, req.DeviceName, req.Fingerprint)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// challengeRequest is the request body for POST /auth/two-factor/challenge.
type challengeRequest struct {
	ChallengeID string `json:"challenge_id"`
	Provider    string `json:"provider"`
}

// handleTwoFactorChallenge prepares the chosen provider's challenge
// material for a pending login.
func (s *Server) handleTwoFactorChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ChallengeID == "" || req.Provider == "" {
		writeBadRequest(w, "challenge_id and provider are required")
		return
	}

	options, err := s.login.RequestChallenge(r.Context(), req.ChallengeID, auth.FactorProvider(req.Provider))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, options)
}

// completeRequest is the request body for POST /auth/two-factor/complete.
type completeRequest struct {
	ChallengeID string `json:"challenge_id"`
	Provider    string `json:"provider"`
	Proof       string `json:"proof"`
}

// handleTwoFactorComplete verifies the second-factor proof and issues
// tokens.
func (s *Server) handleTwoFactorComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ChallengeID == "" || req.Provider == "" || req.Proof == "" {
		writeBadRequest(w, "challenge_id, provider, and proof are required")
		return
	}

	tokens, err := s.login.CompleteSecondFactor(r.Context(), req.ChallengeID, auth.FactorProvider(req.Provider), req.Proof)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// refreshRequest is the request body for POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh rotates a refresh token and returns a fresh pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	tokens, err := s.login.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// handleLogout revokes the calling session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	if err := s.login.Logout(r.Context(), identity); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleLogoutAll revokes every session for the calling account.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	if err := s.login.LogoutAll(r.Context(), identity); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out_everywhere"})
}

// handleListSessions lists the calling account's active sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	sessions, err := s.login.Sessions(r.Context(), identity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// changePasswordRequest is the request body for POST /auth/password.
type changePasswordRequest struct {
	CurrentProof string `json:"current_proof"`
	NewProof     string `json:"new_proof"`
}

// handleChangePassword rotates the master password and security stamp.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.CurrentProof == "" || req.NewProof == "" {
		writeBadRequest(w, "current_proof and new_proof are required")
		return
	}

	if err := s.login.ChangePassword(r.Context(), identity, req.CurrentProof, req.NewProof); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}
