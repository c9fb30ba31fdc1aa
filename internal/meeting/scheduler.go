// Package meeting schedules Teams online meetings as Outlook calendar events
// linked to business records.
package meeting

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph"
	"github.com/pysugar/teams-sync/internal/identity"
	"github.com/pysugar/teams-sync/internal/keylock"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/tenant"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle position of a record's meeting.
type State string

const (
	StateNoMeeting        State = "no_meeting"
	StateScheduled        State = "scheduled"
	StateRescheduled      State = "rescheduled"
	StateAttendeesUpdated State = "attendees_updated"
	StateDeleted          State = "deleted"
)

// Graph is the subset of the Graph client the scheduler uses.
type Graph interface {
	Call(ctx context.Context, method, path string, body any) (*graph.Response, error)
	CallJSON(ctx context.Context, method, path string, in, out any) error
}

// Identities resolves participant emails.
type Identities interface {
	BulkResolve(ctx context.Context, emails []string) (*identity.BulkResult, error)
}

// Conversations records that a record has a conversation.
type Conversations interface {
	TouchConversation(ctx context.Context, key records.Key, topic string) error
}

// Result describes a record's meeting after an operation.
type Result struct {
	State      State             `json:"state"`
	MeetingURL string            `json:"meeting_url,omitempty"`
	EventID    string            `json:"event_id,omitempty"`
	Window     *Window           `json:"window,omitempty"`
	Added      []string          `json:"added,omitempty"`
	Omitted    []string          `json:"omitted,omitempty"`
	Failures   map[string]string `json:"failures,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// AttendeeInfo is one attendee of a scheduled meeting.
type AttendeeInfo struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Response    string `json:"response,omitempty"`
}

// Details summarizes a scheduled meeting.
type Details struct {
	State        State     `json:"state"`
	MeetingURL   string    `json:"meeting_url"`
	EventID      string    `json:"event_id"`
	Subject      string    `json:"subject"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Participants int       `json:"participants"`
}

// Scheduler manages the meeting linked to each record.
type Scheduler struct {
	tenant        *tenant.Context
	graph         Graph
	identities    Identities
	records       records.Store
	registry      *records.Registry
	conversations Conversations
	locks         *keylock.Map
}

// NewScheduler creates a scheduler. conversations may be nil.
func NewScheduler(tc *tenant.Context, g Graph, identities Identities, store records.Store, registry *records.Registry, conversations Conversations) *Scheduler {
	if registry == nil {
		registry = records.NewRegistry(nil)
	}
	return &Scheduler{
		tenant:        tc,
		graph:         g,
		identities:    identities,
		records:       store,
		registry:      registry,
		conversations: conversations,
		locks:         keylock.New(),
	}
}

// link is a record's view of its meeting.
type link struct {
	doctype records.Doctype
	fields  map[string]any
	url     string
	eventID string
}

func (l *link) exists() bool {
	return l.url != "" || l.eventID != ""
}

func (s *Scheduler) load(ctx context.Context, key records.Key) (*link, error) {
	dt, err := s.registry.Lookup(key.Doctype)
	if err != nil {
		return nil, err
	}
	fields, err := s.records.ReadFields(ctx, key)
	if err != nil {
		return nil, err
	}
	return &link{
		doctype: dt,
		fields:  fields,
		url:     stringField(fields, dt.MeetingURLField),
		eventID: stringField(fields, dt.EventIDField),
	}, nil
}

// CreateMeeting schedules a Teams meeting for key. When the record already
// links a meeting, only missing attendees are added.
func (s *Scheduler) CreateMeeting(ctx context.Context, key records.Key) (*Result, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	l, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}

	resolved, err := s.identities.BulkResolve(ctx, l.doctype.ParticipantEmails(l.fields))
	if err != nil {
		return nil, err
	}
	result := &Result{Omitted: resolved.Omitted()}
	if len(resolved.Failed) > 0 {
		result.Failures = resolved.FailureReasons()
	}
	emails := make([]string, 0, len(resolved.Resolved))
	for email := range resolved.Resolved {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	if l.exists() {
		return s.updateAttendees(ctx, key, l, emails, result)
	}
	if len(emails) == 0 {
		return nil, domain.New(domain.KindInsufficientParticipants, "meeting.create", "none of the participants of %s could be resolved", key)
	}

	window, err := ResolveWindow(l.doctype, l.fields[l.doctype.StartField], l.fields[l.doctype.EndField], s.tenant.Location, s.tenant.Now())
	if err != nil {
		return nil, err
	}
	subject := meetingSubject(key, l)

	attendees := make([]graph.Attendee, 0, len(emails))
	for _, email := range emails {
		attendees = append(attendees, graph.Attendee{EmailAddress: graph.EmailAddress{Address: email}, Type: "required"})
	}
	start, end := graph.NewUTCDateTime(window.Start), graph.NewUTCDateTime(window.End)
	req := graph.Event{
		Subject:               subject,
		Start:                 &start,
		End:                   &end,
		Attendees:             attendees,
		IsOnlineMeeting:       true,
		OnlineMeetingProvider: "teamsForBusiness",
	}

	var created graph.Event
	if err := s.graph.CallJSON(ctx, http.MethodPost, "/me/events", req, &created); err != nil {
		return nil, err
	}
	joinURL := created.JoinURL()
	if joinURL == "" || created.ID == "" {
		return nil, domain.New(domain.KindProvider, "meeting.create", "event created but no Teams link was returned")
	}

	if err := s.records.WriteFields(ctx, key, map[string]any{
		l.doctype.MeetingURLField: joinURL,
		l.doctype.EventIDField:    created.ID,
	}); err != nil {
		return nil, err
	}
	if s.conversations != nil {
		if err := s.conversations.TouchConversation(ctx, key, subject); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("record", key.String()).Warn("⚠️ Failed to record conversation for meeting")
		}
	}

	logging.FromContext(ctx).WithFields(log.Fields{
		"record":    key.String(),
		"event_id":  created.ID,
		"attendees": len(attendees),
		"start":     window.Start.Format(time.RFC3339),
	}).Info("📅 Teams meeting scheduled")

	result.State = StateScheduled
	result.MeetingURL = joinURL
	result.EventID = created.ID
	result.Window = &window
	result.Message = "Outlook calendar blocked and Teams meeting created."
	return result, nil
}

func (s *Scheduler) updateAttendees(ctx context.Context, key records.Key, l *link, emails []string, result *Result) (*Result, error) {
	eventID, err := s.eventID(ctx, key, l)
	if err != nil {
		return nil, err
	}
	result.MeetingURL = l.url
	result.EventID = eventID

	var current graph.Event
	if err := s.graph.CallJSON(ctx, http.MethodGet, eventPath(eventID)+"?$select=attendees", nil, &current); err != nil {
		return nil, err
	}

	present := map[string]bool{}
	for _, a := range current.Attendees {
		present[a.Email()] = true
	}
	merged := append([]graph.Attendee(nil), current.Attendees...)
	for _, email := range emails {
		if present[email] {
			continue
		}
		merged = append(merged, graph.Attendee{EmailAddress: graph.EmailAddress{Address: email}, Type: "required"})
		result.Added = append(result.Added, email)
	}

	if len(result.Added) == 0 {
		result.State = StateScheduled
		result.Message = "No new participants to add."
		return result, nil
	}
	if _, err := s.graph.Call(ctx, http.MethodPatch, eventPath(eventID), graph.Event{Attendees: merged}); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(log.Fields{"record": key.String(), "added": len(result.Added)}).Info("👥 Meeting attendees updated")
	result.State = StateAttendeesUpdated
	result.Message = "Meeting attendees updated."
	return result, nil
}

// RescheduleMeeting moves the linked meeting. Empty values fall back to the
// record's own start and end.
func (s *Scheduler) RescheduleMeeting(ctx context.Context, key records.Key, newStart, newEnd any) (*Result, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	l, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !l.exists() {
		return nil, domain.New(domain.KindNoMeetingExists, "meeting.reschedule", "%s has no meeting", key)
	}

	startVal, endVal := newStart, newEnd
	if isBlank(startVal) && isBlank(endVal) {
		startVal, endVal = l.fields[l.doctype.StartField], l.fields[l.doctype.EndField]
	} else if isBlank(startVal) {
		startVal = l.fields[l.doctype.StartField]
	}
	window, err := ResolveWindow(l.doctype, startVal, endVal, s.tenant.Location, s.tenant.Now())
	if err != nil {
		return nil, err
	}

	eventID, err := s.eventID(ctx, key, l)
	if err != nil {
		return nil, err
	}
	start, end := graph.NewUTCDateTime(window.Start), graph.NewUTCDateTime(window.End)
	if _, err := s.graph.Call(ctx, http.MethodPatch, eventPath(eventID), graph.Event{Start: &start, End: &end}); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(log.Fields{
		"record": key.String(),
		"start":  window.Start.Format(time.RFC3339),
		"end":    window.End.Format(time.RFC3339),
	}).Info("🗓️ Meeting rescheduled")
	return &Result{
		State:      StateRescheduled,
		MeetingURL: l.url,
		EventID:    eventID,
		Window:     &window,
		Message:    "Outlook calendar updated.",
	}, nil
}

// DeleteMeeting cancels the linked meeting and clears the record's link.
// Deleting a record without a meeting, or whose event is already gone,
// succeeds.
func (s *Scheduler) DeleteMeeting(ctx context.Context, key records.Key) (*Result, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	l, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !l.exists() {
		return &Result{State: StateNoMeeting, Message: "No meeting linked."}, nil
	}

	eventID, err := s.eventID(ctx, key, l)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		eventID = ""
	case err != nil:
		return nil, err
	}
	if eventID != "" {
		if _, err := s.graph.Call(ctx, http.MethodDelete, eventPath(eventID), nil); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if err := s.records.WriteFields(ctx, key, map[string]any{
		l.doctype.MeetingURLField: nil,
		l.doctype.EventIDField:    nil,
	}); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithFields(log.Fields{"record": key.String(), "event_id": eventID}).Info("🗑️ Meeting deleted")
	return &Result{State: StateDeleted, EventID: eventID, Message: "Meeting deleted."}, nil
}

// GetAttendees lists the attendees of the linked meeting.
func (s *Scheduler) GetAttendees(ctx context.Context, key records.Key) ([]AttendeeInfo, error) {
	_, ev, err := s.linkedEvent(ctx, key, "attendees")
	if err != nil {
		return nil, err
	}
	out := make([]AttendeeInfo, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		info := AttendeeInfo{Email: a.Email(), DisplayName: a.EmailAddress.Name}
		if info.DisplayName == "" {
			info.DisplayName = "Unknown"
		}
		if a.Status != nil {
			info.Response = a.Status.Response
		}
		out = append(out, info)
	}
	return out, nil
}

// GetMeetingDetails reads the linked meeting from the provider.
func (s *Scheduler) GetMeetingDetails(ctx context.Context, key records.Key) (*Details, error) {
	l, ev, err := s.linkedEvent(ctx, key, "subject,start,end,attendees,onlineMeeting,webLink")
	if err != nil {
		return nil, err
	}
	d := &Details{
		State:        StateScheduled,
		MeetingURL:   l.url,
		EventID:      ev.ID,
		Subject:      ev.Subject,
		Participants: len(ev.Attendees),
	}
	if d.MeetingURL == "" {
		d.MeetingURL = ev.JoinURL()
	}
	if ev.Start != nil {
		if t, err := ev.Start.Time(); err == nil {
			d.Start = t.UTC()
		}
	}
	if ev.End != nil {
		if t, err := ev.End.Time(); err == nil {
			d.End = t.UTC()
		}
	}
	return d, nil
}

func (s *Scheduler) linkedEvent(ctx context.Context, key records.Key, fields string) (*link, *graph.Event, error) {
	l, err := s.load(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !l.exists() {
		return nil, nil, domain.New(domain.KindNoMeetingExists, "meeting.read", "%s has no meeting", key)
	}
	eventID, err := s.eventID(ctx, key, l)
	if err != nil {
		return nil, nil, err
	}
	var ev graph.Event
	if err := s.graph.CallJSON(ctx, http.MethodGet, eventPath(eventID)+"?$select="+fields, nil, &ev); err != nil {
		return nil, nil, err
	}
	if ev.ID == "" {
		ev.ID = eventID
	}
	return l, &ev, nil
}

// eventID returns the record's event id, looking it up by join URL for
// records that only stored the link. A found id is written back.
func (s *Scheduler) eventID(ctx context.Context, key records.Key, l *link) (string, error) {
	if l.eventID != "" {
		return l.eventID, nil
	}
	q := url.Values{}
	q.Set("$filter", "onlineMeeting/joinUrl eq '"+strings.ReplaceAll(l.url, "'", "''")+"'")
	q.Set("$select", "id")

	var page graph.Page[graph.Event]
	if err := s.graph.CallJSON(ctx, http.MethodGet, "/me/events?"+q.Encode(), nil, &page); err != nil {
		return "", err
	}
	if len(page.Value) == 0 || page.Value[0].ID == "" {
		return "", domain.New(domain.KindNotFound, "meeting.lookup", "no calendar event carries the meeting link of %s", key)
	}

	id := page.Value[0].ID
	l.eventID = id
	if err := s.records.WriteFields(ctx, key, map[string]any{l.doctype.EventIDField: id}); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("record", key.String()).Warn("⚠️ Failed to store looked-up event id")
	}
	return id, nil
}

func meetingSubject(key records.Key, l *link) string {
	if s := stringField(l.fields, l.doctype.SubjectField); s != "" {
		return s
	}
	return key.Doctype + " Meeting: " + key.Name
}

func eventPath(id string) string {
	return "/me/events/" + url.PathEscape(id)
}

func stringField(fields map[string]any, name string) string {
	if name == "" {
		return ""
	}
	s, _ := fields[name].(string)
	return strings.TrimSpace(s)
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case time.Time:
		return t.IsZero()
	}
	return false
}
