package handlers

import (
	"net/http"

	"github.com/pysugar/teams-sync/internal/identity"
)

// ResolveIdentity handles GET /api/identities/{email}.
func (a *API) ResolveIdentity(w http.ResponseWriter, r *http.Request) {
	email, err := identity.Normalize(pathParam(r, "email"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	objectID, err := a.Identities.Resolve(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"email": email, "object_id": objectID}
	if m, err := a.Identities.Lookup(r.Context(), email); err == nil && m != nil {
		resp["display_name"] = m.DisplayName
		resp["resolved_at"] = m.ResolvedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReconcileIdentities handles POST /api/identities/reconcile.
func (a *API) ReconcileIdentities(w http.ResponseWriter, r *http.Request) {
	summary, err := a.Identities.ReconcileAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
