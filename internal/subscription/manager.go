// Package subscription keeps a Graph change-notification subscription on the
// principal's calendar and syncs attendee replies back into records.
package subscription

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/pysugar/teams-sync/internal/db"
	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/tenant"
	"github.com/pysugar/teams-sync/internal/workpool"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// Lifetime of a subscription; calendar subscriptions allow at most 4230 minutes.
	Lifetime = 48 * time.Hour

	watchedResource = "/me/events"
	changeType      = "updated"
)

// Replies mapped to the values stored in a record's attendance field.
var responseValues = map[string]string{
	"accepted":            "Yes",
	"declined":            "No",
	"tentativelyaccepted": "Maybe",
	"tentative":           "Maybe",
}

// Graph is the subset of the Graph client the manager uses.
type Graph interface {
	CallJSON(ctx context.Context, method, path string, in, out any) error
}

// Options configure a Manager.
type Options struct {
	NotificationURL string
	ClientState     string
	Workers         int
	QueueSize       int
	JobTimeout      time.Duration
}

// Manager owns the calendar subscription and processes its notifications.
type Manager struct {
	tenant   *tenant.Context
	db       *gorm.DB
	graph    Graph
	records  records.Store
	registry *records.Registry
	opts     Options
	pool     *workpool.Pool[string]
}

// Subscription is a Graph subscription resource.
type Subscription struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

// Notification is one entry of a webhook delivery.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

// RSVPResult reports what ProcessChange did.
type RSVPResult struct {
	EventID   string            `json:"event_id"`
	Records   []string          `json:"records,omitempty"`
	Responses map[string]string `json:"responses,omitempty"`
	Updated   bool              `json:"updated"`
}

// NewManager creates a manager. Call Start before dispatching notifications.
func NewManager(tc *tenant.Context, database *gorm.DB, g Graph, store records.Store, registry *records.Registry, opts Options) *Manager {
	if registry == nil {
		registry = records.NewRegistry(nil)
	}
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 100
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Minute
	}
	m := &Manager{tenant: tc, db: database, graph: g, records: store, registry: registry, opts: opts}
	m.pool = workpool.NewPool("rsvp", opts.Workers, opts.QueueSize, opts.JobTimeout, func(ctx context.Context, resource string) error {
		_, err := m.ProcessChange(ctx, resource)
		return err
	})
	return m
}

// Start launches the notification workers.
func (m *Manager) Start(ctx context.Context) {
	m.pool.Start(ctx)
}

// Stop drains queued notifications.
func (m *Manager) Stop(ctx context.Context) {
	m.pool.Stop(ctx)
}

// SubscriptionID returns the stored subscription id, or "".
func (m *Manager) SubscriptionID(ctx context.Context) (string, error) {
	return db.GetConfigValue(m.db.WithContext(ctx), models.ConfigKeySubscriptionID)
}

// Subscribe creates a subscription for updates to the principal's events
// and stores its id.
func (m *Manager) Subscribe(ctx context.Context) (*Subscription, error) {
	if m.opts.NotificationURL == "" {
		return nil, domain.New(domain.KindValidation, "subscription.create", "webhook notification url is not configured")
	}
	req := Subscription{
		Resource:           watchedResource,
		ChangeType:         changeType,
		NotificationURL:    m.opts.NotificationURL,
		ExpirationDateTime: m.expiry(),
		ClientState:        m.opts.ClientState,
	}
	var sub Subscription
	if err := m.graph.CallJSON(ctx, http.MethodPost, "/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, domain.New(domain.KindProvider, "subscription.create", "subscription created without an id")
	}
	if err := db.SetConfigValue(m.db.WithContext(ctx), models.ConfigKeySubscriptionID, sub.ID); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"subscription_id": sub.ID, "expires": sub.ExpirationDateTime}).Info("📡 Calendar subscription created")
	return &sub, nil
}

// Renew extends the stored subscription, creating a new one when there is
// none or the provider refuses the renewal.
func (m *Manager) Renew(ctx context.Context) (*Subscription, error) {
	id, err := m.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}
	if id != "" {
		var sub Subscription
		err := m.graph.CallJSON(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), map[string]string{"expirationDateTime": m.expiry()}, &sub)
		if err == nil {
			if sub.ID == "" {
				sub.ID = id
			}
			log.WithFields(log.Fields{"subscription_id": id, "expires": sub.ExpirationDateTime}).Info("📡 Calendar subscription renewed")
			return &sub, nil
		}
		if domain.KindOf(err) == domain.KindAuthExpired || domain.KindOf(err) == domain.KindRateLimited {
			return nil, err
		}
		logging.FromContext(ctx).WithError(err).WithField("subscription_id", id).Warn("⚠️ Subscription renewal failed, subscribing again")
	}
	return m.Subscribe(ctx)
}

// StartRenewLoop renews the subscription every interval until ctx ends.
func (m *Manager) StartRenewLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Renew(ctx); err != nil {
					log.WithError(err).Error("❌ Scheduled subscription renewal failed")
				}
			}
		}
	}()
}

// Dispatch queues the resources of notifications carrying the configured
// client state. It returns how many were accepted and rejected.
func (m *Manager) Dispatch(ctx context.Context, notes []Notification) (accepted, rejected int) {
	for _, n := range notes {
		if !m.ValidClientState(n.ClientState) || n.Resource == "" {
			rejected++
			continue
		}
		if !m.pool.Submit(n.Resource) {
			rejected++
			continue
		}
		accepted++
	}
	if rejected > 0 {
		logging.FromContext(ctx).WithFields(log.Fields{"accepted": accepted, "rejected": rejected}).Warn("⚠️ Some change notifications were not queued")
	}
	return accepted, rejected
}

// ValidClientState compares a notification's client state with the
// configured one in constant time.
func (m *Manager) ValidClientState(state string) bool {
	return subtle.ConstantTimeCompare([]byte(state), []byte(m.opts.ClientState)) == 1
}

// ProcessChange reads a changed event and writes its attendees' replies to
// every record linked to it. Records are only written when a reply changed.
func (m *Manager) ProcessChange(ctx context.Context, resource string) (*RSVPResult, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return nil, err
	}
	var ev graph.Event
	if err := m.graph.CallJSON(ctx, http.MethodGet, path, nil, &ev); err != nil {
		return nil, err
	}

	result := &RSVPResult{EventID: ev.ID, Responses: map[string]string{}}
	for _, a := range ev.Attendees {
		if a.Status == nil || a.Email() == "" {
			continue
		}
		if v, ok := responseValues[strings.ToLower(a.Status.Response)]; ok {
			result.Responses[a.Email()] = v
		}
	}
	if ev.ID == "" || len(result.Responses) == 0 {
		return result, nil
	}

	for _, name := range m.registry.Names() {
		dt, _ := m.registry.Lookup(name)
		if dt.AttendanceField == "" || dt.EventIDField == "" {
			continue
		}
		keys, err := m.records.FindByField(ctx, name, dt.EventIDField, ev.ID)
		if err != nil {
			return result, err
		}
		for _, key := range keys {
			result.Records = append(result.Records, key.String())
			updated, err := m.applyResponses(ctx, dt, key, result.Responses)
			if err != nil {
				return result, err
			}
			result.Updated = result.Updated || updated
		}
	}

	if result.Updated {
		logging.FromContext(ctx).WithFields(log.Fields{"event_id": ev.ID, "records": result.Records}).Info("✅ Attendee replies synced")
	}
	return result, nil
}

func (m *Manager) applyResponses(ctx context.Context, dt records.Doctype, key records.Key, responses map[string]string) (bool, error) {
	fields, err := m.records.ReadFields(ctx, key, dt.ParticipantsField, dt.AttendanceField)
	if err != nil {
		return false, err
	}

	current := map[string]any{}
	if existing, ok := fields[dt.AttendanceField].(map[string]any); ok {
		for k, v := range existing {
			current[k] = v
		}
	}
	next := map[string]any{}
	for k, v := range current {
		next[k] = v
	}
	for _, email := range dt.ParticipantEmails(fields) {
		if v, ok := responses[email]; ok {
			next[email] = v
		}
	}
	if reflect.DeepEqual(current, next) {
		return false, nil
	}
	if err := m.records.WriteFields(ctx, key, map[string]any{dt.AttendanceField: next}); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) expiry() string {
	return m.tenant.Now().UTC().Add(Lifetime).Format(time.RFC3339)
}

// resourcePath turns a notification resource into a request path that
// selects the fields ProcessChange needs.
func resourcePath(resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", domain.New(domain.KindValidation, "subscription.resource", "empty resource")
	}
	if !strings.HasPrefix(resource, "https://") {
		resource = "/" + strings.TrimLeft(resource, "/")
	}
	if strings.Contains(resource, "?") {
		return resource, nil
	}
	return fmt.Sprintf("%s?$select=id,attendees", resource), nil
}
