package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/subscription"
	log "github.com/sirupsen/logrus"
)

type notificationBatch struct {
	Value []subscription.Notification `json:"value"`
}

// GraphWebhook handles POST /webhooks/graph. A validationToken query is the
// provider's endpoint handshake and is echoed back as plain text. Otherwise
// the notifications are queued and the call answers 202 at once.
func (a *API) GraphWebhook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	var batch notificationBatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("⚠️ Malformed change notification")
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}

	accepted, rejected := a.Subscriptions.Dispatch(r.Context(), batch.Value)
	logging.FromContext(r.Context()).WithFields(log.Fields{
		"accepted": accepted,
		"rejected": rejected,
	}).Debug("📨 Change notifications received")
	w.WriteHeader(http.StatusAccepted)
}

// CreateSubscription handles POST /api/subscription.
func (a *API) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := a.Subscriptions.Subscribe(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub.ClientState = ""
	writeJSON(w, http.StatusCreated, sub)
}

// RenewSubscription handles POST /api/subscription/renew.
func (a *API) RenewSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := a.Subscriptions.Renew(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub.ClientState = ""
	writeJSON(w, http.StatusOK, sub)
}

// GetSubscription handles GET /api/subscription.
func (a *API) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := a.Subscriptions.SubscriptionID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription_id": id, "active": id != ""})
}
