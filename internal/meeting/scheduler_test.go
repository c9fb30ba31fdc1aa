package meeting

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/teams-sync/internal/db/dbtest"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph"
	"github.com/pysugar/teams-sync/internal/graph/graphtest"
	"github.com/pysugar/teams-sync/internal/identity"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const joinURL = "https://teams.microsoft.com/l/meetup-join/19%3ameeting_abc%40thread.v2/0"

type touchedConversations struct {
	mu   sync.Mutex
	keys []string
}

func (c *touchedConversations) TouchConversation(_ context.Context, key records.Key, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key.String()+"|"+topic)
	return nil
}

type fixture struct {
	ctx       context.Context
	srv       *graphtest.Server
	store     *records.SQLStore
	sched     *Scheduler
	convs     *touchedConversations
	mu        sync.Mutex
	attendees []graph.Attendee
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv, client := graphtest.New(t)
	database := dbtest.Open(t)
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	tc, err := tenant.New("contoso", ist)
	require.NoError(t, err)
	tc = tc.WithClock(func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) })

	f := &fixture{
		ctx:   context.Background(),
		srv:   srv,
		store: records.NewSQLStore(database),
		convs: &touchedConversations{},
	}
	resolver := identity.NewResolver(tc, database, client, nil, 2)
	f.sched = NewScheduler(tc, client, resolver, f.store, records.NewRegistry(nil), f.convs)

	srv.HandlePrefix(http.MethodGet, "/users/", func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimPrefix(r.URL.Path, graphtest.BasePath+"/users/")
		if strings.HasPrefix(email, "ghost") {
			graphtest.Error(http.StatusNotFound, "Request_ResourceNotFound", "no such user")(w, r)
			return
		}
		graphtest.JSON(http.StatusOK, map[string]string{"id": "oid-" + strings.Split(email, "@")[0], "mail": email})(w, r)
	})
	srv.Handle(http.MethodPost, "/me/events", func(w http.ResponseWriter, r *http.Request) {
		var ev graph.Event
		assert.NoError(t, (&graph.Response{Body: readBody(r)}).Decode(&ev))
		f.mu.Lock()
		f.attendees = ev.Attendees
		f.mu.Unlock()
		graphtest.JSON(http.StatusCreated, map[string]any{
			"id":            "evt-1",
			"subject":       ev.Subject,
			"onlineMeeting": map[string]string{"joinUrl": joinURL},
		})(w, r)
	})
	srv.Handle(http.MethodGet, "/me/events/evt-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		graphtest.JSON(http.StatusOK, map[string]any{
			"id":            "evt-1",
			"subject":       "Kickoff",
			"start":         map[string]string{"dateTime": "2024-06-01T03:30:00.0000000", "timeZone": "UTC"},
			"end":           map[string]string{"dateTime": "2024-06-01T04:30:00.0000000", "timeZone": "UTC"},
			"attendees":     f.attendees,
			"onlineMeeting": map[string]string{"joinUrl": joinURL},
		})(w, r)
	})
	srv.Handle(http.MethodPatch, "/me/events/evt-1", func(w http.ResponseWriter, r *http.Request) {
		var ev graph.Event
		assert.NoError(t, (&graph.Response{Body: readBody(r)}).Decode(&ev))
		if ev.Attendees != nil {
			f.mu.Lock()
			f.attendees = ev.Attendees
			f.mu.Unlock()
		}
		graphtest.JSON(http.StatusOK, map[string]string{"id": "evt-1"})(w, r)
	})
	srv.Handle(http.MethodDelete, "/me/events/evt-1", graphtest.JSON(http.StatusNoContent, nil))
	return f
}

func readBody(r *http.Request) []byte {
	data, _ := io.ReadAll(r.Body)
	return data
}

var kickoff = records.Key{Doctype: "Event", Name: "EV-1"}

func (f *fixture) seedEvent(t *testing.T, key records.Key, extra map[string]any) {
	t.Helper()
	fields := map[string]any{
		"subject":            "Kickoff",
		"starts_on":          "2024-06-01",
		"event_participants": []map[string]string{{"email": "bob@contoso.com"}, {"email": "alice@contoso.com"}},
	}
	for k, v := range extra {
		fields[k] = v
	}
	require.NoError(t, f.store.WriteFields(f.ctx, key, fields))
}

func TestCreateMeeting_SchedulesEvent(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, kickoff, nil)

	res, err := f.sched.CreateMeeting(f.ctx, kickoff)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, res.State)
	assert.Equal(t, joinURL, res.MeetingURL)
	assert.Equal(t, "evt-1", res.EventID)

	posts := f.srv.Requests(http.MethodPost, "/me/events")
	require.Len(t, posts, 1)
	var body map[string]any
	require.NoError(t, posts[0].DecodeBody(&body))
	assert.Equal(t, "Kickoff", body["subject"])
	assert.Equal(t, map[string]any{"dateTime": "2024-06-01T03:30:00", "timeZone": "UTC"}, body["start"])
	assert.Equal(t, map[string]any{"dateTime": "2024-06-01T04:30:00", "timeZone": "UTC"}, body["end"])
	assert.Equal(t, true, body["isOnlineMeeting"])
	assert.Equal(t, "teamsForBusiness", body["onlineMeetingProvider"])
	assert.Len(t, body["attendees"], 2)

	fields, err := f.store.ReadFields(f.ctx, kickoff, "custom_teams_meeting_url", "custom_outlook_event_id")
	require.NoError(t, err)
	assert.Equal(t, joinURL, fields["custom_teams_meeting_url"])
	assert.Equal(t, "evt-1", fields["custom_outlook_event_id"])
	assert.Equal(t, []string{"Event/EV-1|Kickoff"}, f.convs.keys)
}

func TestCreateMeeting_SecondCallOnlyAddsAttendees(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, kickoff, nil)
	_, err := f.sched.CreateMeeting(f.ctx, kickoff)
	require.NoError(t, err)

	again, err := f.sched.CreateMeeting(f.ctx, kickoff)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, again.State)
	assert.Equal(t, "No new participants to add.", again.Message)
	assert.Empty(t, f.srv.Requests(http.MethodPatch, "/me/events"))

	f.seedEvent(t, kickoff, map[string]any{
		"event_participants": []map[string]string{{"email": "alice@contoso.com"}, {"email": "Carol@contoso.com"}},
	})
	updated, err := f.sched.CreateMeeting(f.ctx, kickoff)
	require.NoError(t, err)
	assert.Equal(t, StateAttendeesUpdated, updated.State)
	assert.Equal(t, []string{"carol@contoso.com"}, updated.Added)

	patches := f.srv.Requests(http.MethodPatch, "/me/events/evt-1")
	require.Len(t, patches, 1)
	var ev graph.Event
	require.NoError(t, patches[0].DecodeBody(&ev))
	assert.Len(t, ev.Attendees, 3, "existing attendees are kept")
	assert.Len(t, f.srv.Requests(http.MethodPost, "/me/events"), 1, "a record never gets a second meeting")
}

func TestCreateMeeting_NoResolvableParticipants(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, kickoff, map[string]any{"event_participants": []string{"ghost@contoso.com"}})

	_, err := f.sched.CreateMeeting(f.ctx, kickoff)
	assert.ErrorIs(t, err, domain.ErrInsufficientParticipants)
	assert.Empty(t, f.srv.Requests(http.MethodPost, "/me/events"))
}

func TestCreateMeeting_UnsupportedDoctype(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.CreateMeeting(f.ctx, records.Key{Doctype: "Invoice", Name: "INV-1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRescheduleMeeting(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, kickoff, nil)

	_, err := f.sched.RescheduleMeeting(f.ctx, kickoff, "2024-06-05 15:00", "")
	assert.ErrorIs(t, err, domain.ErrNoMeetingExists)

	_, err = f.sched.CreateMeeting(f.ctx, kickoff)
	require.NoError(t, err)

	res, err := f.sched.RescheduleMeeting(f.ctx, kickoff, "2024-06-05 15:00", "")
	require.NoError(t, err)
	assert.Equal(t, StateRescheduled, res.State)
	assert.Equal(t, "2024-06-05T09:30:00Z", res.Window.Start.Format(time.RFC3339))

	patches := f.srv.Requests(http.MethodPatch, "/me/events/evt-1")
	require.Len(t, patches, 1)
	var body map[string]any
	require.NoError(t, patches[0].DecodeBody(&body))
	assert.Equal(t, map[string]any{"dateTime": "2024-06-05T09:30:00", "timeZone": "UTC"}, body["start"])
	assert.Equal(t, map[string]any{"dateTime": "2024-06-05T10:30:00", "timeZone": "UTC"}, body["end"])
	assert.NotContains(t, body, "attendees")

	res, err = f.sched.RescheduleMeeting(f.ctx, kickoff, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T03:30:00Z", res.Window.Start.Format(time.RFC3339), "empty values fall back to the record")
}

func TestLegacyLinkLooksUpEventID(t *testing.T) {
	f := newFixture(t)
	legacy := records.Key{Doctype: "Project", Name: "PRJ-1"}
	require.NoError(t, f.store.WriteFields(f.ctx, legacy, map[string]any{"custom_teams_meeting_url": joinURL}))

	var filter string
	f.srv.Handle(http.MethodGet, "/me/events", func(w http.ResponseWriter, r *http.Request) {
		filter = r.URL.Query().Get("$filter")
		graphtest.JSON(http.StatusOK, map[string]any{"value": []map[string]string{{"id": "evt-1"}}})(w, r)
	})

	details, err := f.sched.GetMeetingDetails(f.ctx, legacy)
	require.NoError(t, err)
	assert.Equal(t, "onlineMeeting/joinUrl eq '"+joinURL+"'", filter)
	assert.Equal(t, "evt-1", details.EventID)
	assert.Equal(t, "Kickoff", details.Subject)
	assert.Equal(t, "2024-06-01T03:30:00Z", details.Start.Format(time.RFC3339))

	fields, err := f.store.ReadFields(f.ctx, legacy, "custom_outlook_event_id")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", fields["custom_outlook_event_id"])

	_, err = f.sched.GetMeetingDetails(f.ctx, legacy)
	require.NoError(t, err)
	assert.Len(t, f.srv.Requests(http.MethodGet, "/me/events"), 3, "one lookup plus two reads")
}

func TestDeleteMeeting_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, kickoff, nil)

	res, err := f.sched.DeleteMeeting(f.ctx, kickoff)
	require.NoError(t, err)
	assert.Equal(t, StateNoMeeting, res.State)

	_, err = f.sched.CreateMeeting(f.ctx, kickoff)
	require.NoError(t, err)

	res, err = f.sched.DeleteMeeting(f.ctx, kickoff)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, res.State)
	assert.Len(t, f.srv.Requests(http.MethodDelete, "/me/events/evt-1"), 1)

	fields, err := f.store.ReadFields(f.ctx, kickoff, "custom_teams_meeting_url", "custom_outlook_event_id")
	require.NoError(t, err)
	assert.Empty(t, fields)

	res, err = f.sched.DeleteMeeting(f.ctx, kickoff)
	require.NoError(t, err)
	assert.Equal(t, StateNoMeeting, res.State)
	assert.Len(t, f.srv.Requests(http.MethodDelete, "/me/events/evt-1"), 1)
}

func TestDeleteMeeting_RemoteAlreadyGone(t *testing.T) {
	f := newFixture(t)
	gone := records.Key{Doctype: "Event", Name: "EV-9"}
	require.NoError(t, f.store.WriteFields(f.ctx, gone, map[string]any{
		"custom_teams_meeting_url": joinURL,
		"custom_outlook_event_id":  "evt-gone",
	}))

	res, err := f.sched.DeleteMeeting(f.ctx, gone)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, res.State)

	fields, err := f.store.ReadFields(f.ctx, gone)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestGetAttendees(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, kickoff, nil)

	_, err := f.sched.GetAttendees(f.ctx, kickoff)
	assert.ErrorIs(t, err, domain.ErrNoMeetingExists)
	_, err = f.sched.GetMeetingDetails(f.ctx, kickoff)
	assert.ErrorIs(t, err, domain.ErrNoMeetingExists)

	_, err = f.sched.CreateMeeting(f.ctx, kickoff)
	require.NoError(t, err)
	f.mu.Lock()
	f.attendees[0].Status = &graph.ResponseStatus{Response: "accepted"}
	f.attendees[0].EmailAddress.Name = "Alice"
	f.mu.Unlock()

	attendees, err := f.sched.GetAttendees(f.ctx, kickoff)
	require.NoError(t, err)
	assert.Equal(t, []AttendeeInfo{
		{Email: "alice@contoso.com", DisplayName: "Alice", Response: "accepted"},
		{Email: "bob@contoso.com", DisplayName: "Unknown"},
	}, attendees)
}
