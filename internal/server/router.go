// Package server assembles the HTTP surface.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/teams-sync/internal/api/handlers"
	"github.com/pysugar/teams-sync/internal/api/middleware"
	"github.com/pysugar/teams-sync/internal/logging"
	log "github.com/sirupsen/logrus"
)

// LoginFlow serves the OAuth browser endpoints.
type LoginFlow interface {
	HandleLogin(w http.ResponseWriter, r *http.Request)
	HandleCallback(w http.ResponseWriter, r *http.Request)
}

// NewRouter wires every route. Only the OAuth endpoints, the webhook and the
// health check are reachable without the API key.
func NewRouter(api *handlers.API, flow LoginFlow) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// ============================================
	// Public Routes (No Auth Required)
	// ============================================

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// OAuth flow
	r.Get(handlers.LoginPath, flow.HandleLogin)
	r.Get("/auth/microsoft/callback", flow.HandleCallback)

	// Graph change notifications; client state is checked per notification
	r.Post("/webhooks/graph", api.GraphWebhook)

	// ============================================
	// Protected Routes (API Key Required)
	// ============================================

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(api.DB))

		// Authorization
		r.Get("/auth/status", api.AuthStatus)
		r.Post("/auth/revoke", api.RevokeAuth)

		// API Key management
		r.Get("/config/apikey", api.GetAPIKey)
		r.Post("/config/apikey/regenerate", api.RegenerateAPIKey)

		// Record-bound chats and meetings
		r.Route("/records/{doctype}/{name}", func(r chi.Router) {
			r.Get("/chat", api.GetConversation)
			r.Post("/chat", api.EnsureChat)
			r.Get("/meeting", api.MeetingDetails)
			r.Post("/meeting", api.CreateMeeting)
			r.Patch("/meeting", api.RescheduleMeeting)
			r.Delete("/meeting", api.DeleteMeeting)
			r.Get("/meeting/attendees", api.MeetingAttendees)
		})
		r.Post("/meetings/validate", api.ValidateWindow)

		// Messages
		r.Post("/chats/{chatID}/messages", api.SendMessage)
		r.Post("/chats/{chatID}/fetch", api.FetchMessages)
		r.Get("/chats/stats", api.ChatStatistics)
		r.Get("/chats/{chatID}/stats", api.ChatStatistics)
		r.Post("/teams/{teamID}/channels/{channelID}/messages", api.PostToChannel)
		r.Post("/sync", api.SyncAll)
		r.Post("/cleanup", api.Cleanup)

		// Identities
		r.Get("/identities/{email}", api.ResolveIdentity)
		r.Post("/identities/reconcile", api.ReconcileIdentities)

		// Calendar subscription
		r.Get("/subscription", api.GetSubscription)
		r.Post("/subscription", api.CreateSubscription)
		r.Post("/subscription/renew", api.RenewSubscription)
	})

	return r
}

// Serve runs handler on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("🚀 Teams sync listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("🛑 Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
