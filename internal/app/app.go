// Package app builds the service graph from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/teams-sync/internal/api/handlers"
	"github.com/pysugar/teams-sync/internal/auth/microsoft"
	"github.com/pysugar/teams-sync/internal/auth/token"
	"github.com/pysugar/teams-sync/internal/chat"
	"github.com/pysugar/teams-sync/internal/config"
	"github.com/pysugar/teams-sync/internal/db"
	"github.com/pysugar/teams-sync/internal/graph"
	"github.com/pysugar/teams-sync/internal/identity"
	"github.com/pysugar/teams-sync/internal/meeting"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/sanitize"
	"github.com/pysugar/teams-sync/internal/server"
	"github.com/pysugar/teams-sync/internal/subscription"
	"github.com/pysugar/teams-sync/internal/tenant"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RenewInterval is how often serve mode renews the calendar subscription.
const RenewInterval = 24 * time.Hour

// App holds every component of one tenant's deployment.
type App struct {
	Config        *config.Config
	Tenant        *tenant.Context
	DB            *gorm.DB
	Tokens        *token.Manager
	Graph         *graph.Client
	Records       *records.SQLStore
	Registry      *records.Registry
	Identities    *identity.Resolver
	Chat          *chat.Engine
	Meetings      *meeting.Scheduler
	Subscriptions *subscription.Manager
	Flow          *microsoft.Flow
}

// New opens the database and wires the components.
func New(cfg *config.Config) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tc, err := tenant.New(cfg.Tenant.ID, loc)
	if err != nil {
		return nil, err
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	oauthConfig := microsoft.OAuthConfig(cfg.Tenant)
	httpClient := &http.Client{Timeout: cfg.Graph.Timeout}
	tokens := token.NewManager(tc, token.NewStore(database), oauthConfig, httpClient)

	graphClient, err := graph.NewClient(tokens, graph.Options{
		BaseURL:           cfg.Graph.BaseURL,
		Timeout:           cfg.Graph.Timeout,
		RequestsPerSecond: cfg.Graph.RequestsPerSecond,
		Burst:             cfg.Graph.Burst,
	})
	if err != nil {
		if sqlDB, dbErr := database.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	store := records.NewSQLStore(database)
	registry := cfg.Registry()
	resolver := identity.NewResolver(tc, database, graphClient, records.NewParticipants(store, registry), cfg.Sync.Concurrency)

	engine := chat.NewEngine(tc, chat.Deps{
		DB:          database,
		Graph:       graphClient,
		Identities:  resolver,
		Owner:       tokens,
		Sanitizer:   sanitize.New(),
		Records:     store,
		Registry:    registry,
		Concurrency: cfg.Sync.Concurrency,
		FetchLimit:  cfg.Sync.FetchLimit,
	})

	return &App{
		Config:     cfg,
		Tenant:     tc,
		DB:         database,
		Tokens:     tokens,
		Graph:      graphClient,
		Records:    store,
		Registry:   registry,
		Identities: resolver,
		Chat:       engine,
		Meetings:   meeting.NewScheduler(tc, graphClient, resolver, store, registry, engine),
		Subscriptions: subscription.NewManager(tc, database, graphClient, store, registry, subscription.Options{
			NotificationURL: cfg.Webhook.NotificationURL,
			ClientState:     cfg.Webhook.ClientState,
		}),
		Flow: microsoft.NewFlow(oauthConfig, tokens, resolver, microsoft.FlowOptions{
			GraphBaseURL: cfg.Graph.BaseURL,
			HTTPClient:   httpClient,
		}),
	}, nil
}

// API exposes the components to the HTTP handlers.
func (a *App) API() *handlers.API {
	return &handlers.API{
		Tenant:        a.Tenant,
		DB:            a.DB,
		Chat:          a.Chat,
		Meetings:      a.Meetings,
		Identities:    a.Identities,
		Auth:          a.Tokens,
		Subscriptions: a.Subscriptions,
	}
}

// Router is the complete HTTP handler.
func (a *App) Router() http.Handler {
	return server.NewRouter(a.API(), a.Flow)
}

// Serve runs the HTTP server and the background loops until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	a.Tokens.StartRefreshLoop(ctx, 0)
	a.Subscriptions.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Subscriptions.Stop(stopCtx)
	}()

	if a.Config.Webhook.NotificationURL != "" {
		a.Subscriptions.StartRenewLoop(ctx, RenewInterval)
	}
	if a.Config.Sync.Interval > 0 {
		go a.syncLoop(ctx, a.Config.Sync.Interval)
	}

	return server.Serve(ctx, a.Config.Addr(), a.Router())
}

// SyncOnce runs one synchronization pass followed by the retention cleanup
// when one is configured.
func (a *App) SyncOnce(ctx context.Context) (*chat.SyncSummary, error) {
	summary, err := a.Chat.SyncAll(ctx)
	if err != nil {
		return summary, err
	}
	if days := a.Config.Sync.RetentionDays; days > 0 {
		deleted, err := a.Chat.CleanupOlderThan(ctx, days)
		if err != nil {
			return summary, err
		}
		if deleted > 0 {
			log.WithFields(log.Fields{"deleted": deleted, "days": days}).Info("🧹 Old messages removed")
		}
	}
	return summary, nil
}

func (a *App) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.WithField("interval", interval).Info("🔄 Sync loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := a.SyncOnce(ctx)
			if err != nil {
				log.WithError(err).Error("❌ Scheduled sync failed")
				continue
			}
			log.WithFields(log.Fields{
				"synced":   summary.Synced,
				"failed":   summary.Failed,
				"deferred": summary.Deferred,
				"inserted": summary.Inserted,
			}).Info("✅ Scheduled sync finished")
		}
	}
}

// Close releases the database.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
