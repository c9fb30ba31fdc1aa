// Package handlers implements the management API and the Graph webhook.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/records"
	log "github.com/sirupsen/logrus"
)

// LoginPath starts the Microsoft authorization flow.
const LoginPath = "/auth/microsoft/login"

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("⚠️ Failed to encode response")
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindAuthExpired:
		return http.StatusUnauthorized
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindInsufficientParticipants:
		return http.StatusUnprocessableEntity
	case domain.KindNoMeetingExists, domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	body := map[string]any{
		"message": domain.UserMessage(err),
	}
	if kind != "" {
		body["kind"] = kind
	}
	switch kind {
	case domain.KindAuthExpired:
		body["login_url"] = LoginPath
	case domain.KindRateLimited:
		if d := domain.RetryAfterOf(err); d > 0 {
			secs := formatSeconds(d.Seconds())
			w.Header().Set("Retry-After", secs)
			body["retry_after_seconds"] = secs
		}
	}

	entry := logging.FromContext(r.Context()).WithError(err).WithFields(log.Fields{"status": status, "path": r.URL.Path})
	if status >= http.StatusInternalServerError {
		entry.Error("❌ Request failed")
	} else {
		entry.Warn("⚠️ Request rejected")
	}
	writeJSON(w, status, map[string]any{"error": body})
}

// decodeJSON reads a bounded JSON body into v and validates it. An empty
// body leaves v at its zero value.
func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return domain.Wrap(domain.KindValidation, "api.decode", err)
	}
	if len(data) > maxBodyBytes {
		return domain.New(domain.KindValidation, "api.decode", "request body too large")
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return domain.New(domain.KindValidation, "api.decode", "malformed JSON body: %v", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return domain.New(domain.KindValidation, "api.decode", "%s", strings.Join(msgs, "; "))
		}
		return domain.Wrap(domain.KindValidation, "api.decode", err)
	}
	return nil
}

// pathParam returns an unescaped URL parameter.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// recordKey reads the {doctype}/{name} route parameters.
func recordKey(r *http.Request) (records.Key, error) {
	return records.ParseKey(pathParam(r, "doctype") + "/" + pathParam(r, "name"))
}

// formatSeconds renders a Retry-After value, rounded up to whole seconds.
func formatSeconds(secs float64) string {
	return strconv.Itoa(int(math.Ceil(secs)))
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.New(domain.KindValidation, "api.query", "%s must be an integer", name)
	}
	return n, nil
}
