package api

import (
	"net/http"
	"strconv"

	"github.com/coffer-vault/coffer/internal/audit"
)

// handleListAudit returns the caller's own audit trail, newest first.
// The account filter is forced to the authenticated identity; there is
// no cross-account audit access through this endpoint.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	filter := audit.Filter{
		AccountID: identity.AccountID,
		Action:    r.URL.Query().Get("action"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil {
			filter.Offset = offset
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
