package handlers

import (
	"net/http"

	"github.com/pysugar/teams-sync/internal/db"
	log "github.com/sirupsen/logrus"
)

// AuthStatus handles GET /api/auth/status.
func (a *API) AuthStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Auth.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"status": status}
	if !status.Authenticated {
		resp["login_url"] = LoginPath
	}
	writeJSON(w, http.StatusOK, resp)
}

// RevokeAuth handles POST /api/auth/revoke.
func (a *API) RevokeAuth(w http.ResponseWriter, r *http.Request) {
	if err := a.Auth.Revoke(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "login_url": LoginPath})
}

// GetAPIKey handles GET /api/config/apikey. The key is masked unless
// ?reveal=true is passed.
func (a *API) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	apiKey := db.GetAPIKey(a.DB)
	masked := r.URL.Query().Get("reveal") != "true"
	if masked {
		apiKey = db.MaskKey(apiKey)
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_key": apiKey, "masked": masked})
}

// RegenerateAPIKey handles POST /api/config/apikey/regenerate. The new key
// is returned once in full.
func (a *API) RegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	apiKey, err := db.RegenerateAPIKey(a.DB)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info("🔑 API key regenerated via API")
	writeJSON(w, http.StatusOK, map[string]any{"api_key": apiKey, "masked": false})
}
