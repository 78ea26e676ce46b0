package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coffer-vault/coffer/internal/auth"
	"github.com/coffer-vault/coffer/internal/infrastructure/database"
	"github.com/coffer-vault/coffer/internal/vault"
)

// actorFrom converts the authenticated identity into a sync actor.
func actorFrom(identity *auth.Identity) vault.Actor {
	return vault.Actor{AccountID: identity.AccountID, SessionID: identity.SessionID}
}

// handleSync returns the full vault state visible to the caller plus
// all current revision stamps.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	// Full syncs are read-only, so transient store contention is safe
	// to absorb here rather than surfacing to the client.
	var state *vault.State
	err := database.WithRetry(r.Context(), func(ctx context.Context) error {
		var ferr error
		state, ferr = s.engine.FullState(ctx, actorFrom(identity))
		return ferr
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// cipherRequest is the request body for cipher create/update.
type cipherRequest struct {
	OrganizationID string   `json:"organization_id,omitempty"`
	Type           int      `json:"type"`
	Data           []byte   `json:"data"`
	Favorite       bool     `json:"favorite"`
	Deleted        bool     `json:"deleted"`
	CollectionIDs  []string `json:"collection_ids,omitempty"`
}

// handleSaveCipher creates (POST) or updates (PUT with id) a cipher and
// returns the advanced revision stamps.
func (s *Server) handleSaveCipher(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req cipherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Data) == 0 {
		writeBadRequest(w, "data is required")
		return
	}

	cipher := &vault.Cipher{
		ID:             chi.URLParam(r, "id"),
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		Data:           req.Data,
		Favorite:       req.Favorite,
		Deleted:        req.Deleted,
		CollectionIDs:  req.CollectionIDs,
	}
	if cipher.ID == "" && cipher.OrganizationID == "" {
		cipher.AccountID = identity.AccountID
	}

	stamps, err := s.engine.SaveCipher(r.Context(), actorFrom(identity), cipher)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cipher_id": cipher.ID,
		"stamps":    stamps,
	})
}

// handleDeleteCipher removes a cipher.
func (s *Server) handleDeleteCipher(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	stamps, err := s.engine.DeleteCipher(r.Context(), actorFrom(identity), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamps": stamps})
}

// organizationRequest is the request body for organization create/update.
type organizationRequest struct {
	Name string `json:"name"`
}

// handleCreateOrganization creates an organization with the caller as
// its first owner.
func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req organizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	org, stamps, err := s.engine.CreateOrganization(r.Context(), actorFrom(identity), req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"organization": org,
		"stamps":       stamps,
	})
}

// handleUpdateOrganization renames an organization.
func (s *Server) handleUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req organizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	org := &vault.Organization{ID: chi.URLParam(r, "id"), Name: req.Name}
	stamps, err := s.engine.UpdateOrganization(r.Context(), actorFrom(identity), org)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamps": stamps})
}

// handleDeleteOrganization removes an organization and everything it owns.
func (s *Server) handleDeleteOrganization(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	stamps, err := s.engine.DeleteOrganization(r.Context(), actorFrom(identity), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamps": stamps})
}

// collectionRequest is the request body for collection create/update.
type collectionRequest struct {
	Name string `json:"name"`
}

// handleSaveCollection creates (POST) or renames (PUT with id) a collection.
func (s *Server) handleSaveCollection(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req collectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	collection := &vault.Collection{
		ID:             chi.URLParam(r, "collectionID"),
		OrganizationID: chi.URLParam(r, "id"),
		Name:           req.Name,
	}
	stamps, err := s.engine.SaveCollection(r.Context(), actorFrom(identity), collection)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"collection_id": collection.ID,
		"stamps":        stamps,
	})
}

// handleDeleteCollection removes a collection.
func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	stamps, err := s.engine.DeleteCollection(r.Context(), actorFrom(identity), chi.URLParam(r, "collectionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamps": stamps})
}

// grantRequest is the request body for PUT .../grants/{membershipID}.
type grantRequest struct {
	ReadOnly bool `json:"read_only"`
}

// handleSetCollectionGrant assigns a collection to a membership.
func (s *Server) handleSetCollectionGrant(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	grant := &vault.CollectionGrant{
		CollectionID: chi.URLParam(r, "collectionID"),
		MembershipID: chi.URLParam(r, "membershipID"),
		ReadOnly:     req.ReadOnly,
	}
	stamps, err := s.engine.SetCollectionGrant(r.Context(), actorFrom(identity), grant)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamps": stamps})
}

// handleRemoveCollectionGrant revokes a membership's collection access.
func (s *Server) handleRemoveCollectionGrant(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	stamps, err := s.engine.RemoveCollectionGrant(r.Context(), actorFrom(identity),
		chi.URLParam(r, "collectionID"), chi.URLParam(r, "membershipID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamps": stamps})
}

// membershipRequest is the request body for membership create/update.
type membershipRequest struct {
	AccountID string `json:"account_id,omitempty"`
	Role      string `json:"role"`
	Status    string `json:"status,omitempty"`
}

// handleSaveMembership creates (POST) or updates (PUT with id) a membership.
func (s *Server) handleSaveMembership(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	m := &vault.Membership{
		ID:             chi.URLParam(r, "membershipID"),
		OrganizationID: chi.URLParam(r, "id"),
		AccountID:      req.AccountID,
		Role:           vault.Role(req.Role),
		Status:         vault.MembershipStatus(req.Status),
	}
	if m.ID == "" && m.AccountID == "" {
		writeBadRequest(w, "account_id is required")
		return
	}

	stamps, err := s.engine.SaveMembership(r.Context(), actorFrom(identity), m)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"membership_id": m.ID,
		"stamps":        stamps,
	})
}

// handleDeleteMembership removes a member from an organization.
func (s *Server) handleDeleteMembership(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	stamps, err := s.engine.DeleteMembership(r.Context(), actorFrom(identity), chi.URLParam(r, "membershipID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamps": stamps})
}
