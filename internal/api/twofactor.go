package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coffer-vault/coffer/internal/auth"
)

// handleListSecondFactors returns the calling account's enrolled
// providers.
func (s *Server) handleListSecondFactors(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	providers, err := s.login.SecondFactors(r.Context(), identity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// handleBeginTOTPEnrollment provisions a fresh TOTP secret. The client
// holds the secret and proves possession through the confirm endpoint;
// nothing is stored until then.
func (s *Server) handleBeginTOTPEnrollment(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	secret, url, err := s.login.BeginTOTPEnrollment(r.Context(), identity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret": secret,
		"url":    url,
	})
}

// confirmTOTPRequest is the request body for POST /auth/two-factor/totp/confirm.
type confirmTOTPRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

// handleConfirmTOTPEnrollment verifies a code against the pending
// secret and enables the TOTP factor.
func (s *Server) handleConfirmTOTPEnrollment(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req confirmTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Secret == "" || req.Code == "" {
		writeBadRequest(w, "secret and code are required")
		return
	}

	if err := s.login.ConfirmTOTPEnrollment(r.Context(), identity, req.Secret, req.Code); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enrolled"})
}

// handleBeginWebAuthnEnrollment starts a credential registration
// ceremony and returns the creation options for the authenticator.
func (s *Server) handleBeginWebAuthnEnrollment(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	challengeID, options, err := s.login.BeginWebAuthnEnrollment(r.Context(), identity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": challengeID,
		"options":      options,
	})
}

// confirmWebAuthnRequest is the request body for POST /auth/two-factor/webauthn/confirm.
type confirmWebAuthnRequest struct {
	ChallengeID string `json:"challenge_id"`
	Attestation string `json:"attestation"`
}

// handleConfirmWebAuthnEnrollment validates the attestation and stores
// the new credential.
func (s *Server) handleConfirmWebAuthnEnrollment(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req confirmWebAuthnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ChallengeID == "" || req.Attestation == "" {
		writeBadRequest(w, "challenge_id and attestation are required")
		return
	}

	if err := s.login.ConfirmWebAuthnEnrollment(r.Context(), identity, req.ChallengeID, req.Attestation); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enrolled"})
}

// setFactorRequest is the request body for PUT /auth/two-factor/{provider}.
type setFactorRequest struct {
	Email       string `json:"email"`
	DeviceToken string `json:"device_token"`
}

// handleSetSecondFactor stores an email or push factor configuration.
// TOTP and webauthn have their own ceremony endpoints.
func (s *Server) handleSetSecondFactor(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req setFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	factor := auth.Factor{Provider: auth.FactorProvider(chi.URLParam(r, "provider"))}
	switch factor.Provider {
	case auth.ProviderEmail:
		if req.Email == "" {
			writeBadRequest(w, "email is required")
			return
		}
		factor.Email = &auth.EmailFactor{Email: req.Email}
	case auth.ProviderPush:
		if req.DeviceToken == "" {
			writeBadRequest(w, "device_token is required")
			return
		}
		factor.Push = &auth.PushFactor{DeviceToken: req.DeviceToken}
	}

	if err := s.login.SetSecondFactor(r.Context(), identity, factor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enrolled"})
}

// handleRemoveSecondFactor deletes an enrolled factor.
func (s *Server) handleRemoveSecondFactor(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	provider := auth.FactorProvider(chi.URLParam(r, "provider"))
	if err := s.login.RemoveSecondFactor(r.Context(), identity, provider); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
