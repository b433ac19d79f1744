package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/serenity/serenity/internal/core"
)

const maxAuditLimit = 500

// handleProfileAudit lists the user's consent changes and deletions,
// newest first
func (s *Server) handleProfileAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err == nil && (limit <= 0 || limit > maxAuditLimit) {
		err = fmt.Errorf("%w: limit must be between 1 and %d", core.ErrInvalidInput, maxAuditLimit)
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	entries, err := s.audit.History(r.Context(), s.ids.SecureID(chi.URLParam(r, "userID")), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if entries == nil {
		s.respondJSON(w, http.StatusOK, []struct{}{})
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

// handleVerifyAudit checks the hash chain. A broken chain is reported in
// the body, not as an error status.
func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	summary, err := s.audit.Summarize(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}
