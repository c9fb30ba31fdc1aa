package subscription

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/teams-sync/internal/db"
	"github.com/pysugar/teams-sync/internal/db/dbtest"
	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph/graphtest"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var now = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newManager(t *testing.T, notificationURL string) (*Manager, *graphtest.Server, *records.SQLStore, *gorm.DB) {
	t.Helper()
	srv, client := graphtest.New(t)
	database := dbtest.Open(t)
	tc, err := tenant.New("contoso", time.UTC)
	require.NoError(t, err)
	tc = tc.WithClock(func() time.Time { return now })
	store := records.NewSQLStore(database)
	m := NewManager(tc, database, client, store, records.NewRegistry(nil), Options{
		NotificationURL: notificationURL,
		ClientState:     "TeamsSyncV1",
		Workers:         1,
		QueueSize:       4,
	})
	return m, srv, store, database
}

func TestSubscribe_StoresID(t *testing.T) {
	m, srv, _, database := newManager(t, "https://erp.example.com/webhooks/graph")
	srv.Handle(http.MethodPost, "/subscriptions", graphtest.JSON(http.StatusCreated, map[string]string{"id": "sub-1", "expirationDateTime": "2024-06-03T08:00:00Z"}))

	sub, err := m.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)

	var body Subscription
	require.NoError(t, srv.Requests(http.MethodPost, "/subscriptions")[0].DecodeBody(&body))
	assert.Equal(t, Subscription{
		Resource:           "/me/events",
		ChangeType:         "updated",
		NotificationURL:    "https://erp.example.com/webhooks/graph",
		ExpirationDateTime: "2024-06-03T08:00:00Z",
		ClientState:        "TeamsSyncV1",
	}, body)

	stored, err := db.GetConfigValue(database, models.ConfigKeySubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", stored)
}

func TestSubscribe_RequiresNotificationURL(t *testing.T) {
	m, srv, _, _ := newManager(t, "")
	_, err := m.Subscribe(context.Background())
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, srv.Requests("", "/"))
}

func TestRenew(t *testing.T) {
	m, srv, _, database := newManager(t, "https://erp.example.com/webhooks/graph")
	ctx := context.Background()
	require.NoError(t, db.SetConfigValue(database, models.ConfigKeySubscriptionID, "sub-1"))
	srv.Handle(http.MethodPatch, "/subscriptions/sub-1", graphtest.JSON(http.StatusOK, map[string]string{"id": "sub-1", "expirationDateTime": "2024-06-03T08:00:00Z"}))

	sub, err := m.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Empty(t, srv.Requests(http.MethodPost, "/subscriptions"))

	// An expired subscription is replaced.
	srv.Handle(http.MethodPatch, "/subscriptions/sub-1", graphtest.Error(http.StatusNotFound, "ResourceNotFound", "gone"))
	srv.Handle(http.MethodPost, "/subscriptions", graphtest.JSON(http.StatusCreated, map[string]string{"id": "sub-2"}))
	sub, err = m.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sub-2", sub.ID)

	id, err := m.SubscriptionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sub-2", id)
}

func seedRecord(t *testing.T, store *records.SQLStore, key records.Key, eventID string, attendance map[string]any) {
	t.Helper()
	fields := map[string]any{
		"event_participants":      []map[string]string{{"email": "alice@contoso.com"}, {"email": "bob@contoso.com"}},
		"custom_outlook_event_id": eventID,
	}
	if attendance != nil {
		fields["custom_teams_attendance"] = attendance
	}
	require.NoError(t, store.WriteFields(context.Background(), key, fields))
}

func eventWithReplies(id string) http.HandlerFunc {
	return graphtest.JSON(http.StatusOK, map[string]any{
		"id": id,
		"attendees": []map[string]any{
			{"emailAddress": map[string]string{"address": "Alice@contoso.com"}, "status": map[string]string{"response": "accepted"}},
			{"emailAddress": map[string]string{"address": "bob@contoso.com"}, "status": map[string]string{"response": "tentativelyAccepted"}},
			{"emailAddress": map[string]string{"address": "carol@contoso.com"}, "status": map[string]string{"response": "declined"}},
			{"emailAddress": map[string]string{"address": "dave@contoso.com"}, "status": map[string]string{"response": "none"}},
		},
	})
}

func TestProcessChange_WritesReplies(t *testing.T) {
	m, srv, store, _ := newManager(t, "")
	ctx := context.Background()
	key := records.Key{Doctype: "Event", Name: "EV-1"}
	seedRecord(t, store, key, "evt-1", nil)
	srv.Handle(http.MethodGet, "/Users/u1/Events/evt-1", eventWithReplies("evt-1"))

	res, err := m.ProcessChange(ctx, "Users/u1/Events/evt-1")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, []string{"Event/EV-1"}, res.Records)
	assert.Equal(t, map[string]string{
		"alice@contoso.com": "Yes",
		"bob@contoso.com":   "Maybe",
		"carol@contoso.com": "No",
	}, res.Responses)
	assert.Contains(t, srv.Requests(http.MethodGet, "/Users/u1/Events/evt-1")[0].Query, "attendees")

	fields, err := store.ReadFields(ctx, key, "custom_teams_attendance")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"alice@contoso.com": "Yes", "bob@contoso.com": "Maybe"}, fields["custom_teams_attendance"],
		"only the record's own participants are written")

	again, err := m.ProcessChange(ctx, "Users/u1/Events/evt-1")
	require.NoError(t, err)
	assert.False(t, again.Updated, "unchanged replies are not rewritten")
}

func TestProcessChange_UnlinkedEvent(t *testing.T) {
	m, srv, store, _ := newManager(t, "")
	seedRecord(t, store, records.Key{Doctype: "Event", Name: "EV-1"}, "evt-other", nil)
	srv.Handle(http.MethodGet, "/Users/u1/Events/evt-1", eventWithReplies("evt-1"))

	res, err := m.ProcessChange(context.Background(), "/Users/u1/Events/evt-1")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Empty(t, res.Records)
}

func TestProcessChange_ProviderError(t *testing.T) {
	m, srv, _, _ := newManager(t, "")
	srv.Handle(http.MethodGet, "/Users/u1/Events/evt-1", graphtest.Error(http.StatusForbidden, "ErrorAccessDenied", "denied"))

	_, err := m.ProcessChange(context.Background(), "Users/u1/Events/evt-1")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = m.ProcessChange(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDispatch_ChecksClientState(t *testing.T) {
	m, srv, store, _ := newManager(t, "")
	key := records.Key{Doctype: "Event", Name: "EV-1"}
	seedRecord(t, store, key, "evt-1", nil)

	var hits atomic.Int32
	srv.Handle(http.MethodGet, "/Users/u1/Events/evt-1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		eventWithReplies("evt-1")(w, r)
	})

	ctx := context.Background()
	m.Start(ctx)
	accepted, rejected := m.Dispatch(ctx, []Notification{
		{ClientState: "TeamsSyncV1", Resource: "Users/u1/Events/evt-1", ChangeType: "updated"},
		{ClientState: "forged", Resource: "Users/u1/Events/evt-1", ChangeType: "updated"},
		{ClientState: "TeamsSyncV1"},
	})
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m.Stop(stopCtx)

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 2, rejected)
	assert.EqualValues(t, 1, hits.Load())

	fields, err := store.ReadFields(ctx, key, "custom_teams_attendance")
	require.NoError(t, err)
	assert.NotEmpty(t, fields["custom_teams_attendance"])
}
