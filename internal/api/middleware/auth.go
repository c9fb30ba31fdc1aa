// Package middleware holds HTTP middleware for the management API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/teams-sync/internal/db"
	"github.com/pysugar/teams-sync/internal/logging"
	"gorm.io/gorm"
)

// APIKeyAuth validates the API key from the Authorization (Bearer) or
// x-api-key header against the stored key.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				logging.FromContext(r.Context()).Error("❌ No API key configured; refusing request")
				unauthorized(w)
				return
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				if keyMatches(strings.TrimPrefix(auth, "Bearer "), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if keyMatches(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			unauthorized(w)
		})
	}
}

func keyMatches(got, want string) bool {
	got = strings.TrimSpace(got)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
}
