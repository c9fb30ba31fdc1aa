package handlers

import (
	"net/http"

	"github.com/pysugar/teams-sync/internal/meeting"
)

type rescheduleRequest struct {
	// Start and End are RFC3339 or naive local times; null uses the record's value.
	Start any `json:"start"`
	End   any `json:"end"`
}

type validateWindowRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

// CreateMeeting handles POST /api/records/{doctype}/{name}/meeting.
func (a *API) CreateMeeting(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Meetings.CreateMeeting(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.State == meeting.StateScheduled {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// RescheduleMeeting handles PATCH /api/records/{doctype}/{name}/meeting.
func (a *API) RescheduleMeeting(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req rescheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Meetings.RescheduleMeeting(r.Context(), key, req.Start, req.End)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteMeeting handles DELETE /api/records/{doctype}/{name}/meeting.
func (a *API) DeleteMeeting(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Meetings.DeleteMeeting(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MeetingDetails handles GET /api/records/{doctype}/{name}/meeting.
func (a *API) MeetingDetails(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	details, err := a.Meetings.GetMeetingDetails(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// MeetingAttendees handles GET /api/records/{doctype}/{name}/meeting/attendees.
func (a *API) MeetingAttendees(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	attendees, err := a.Meetings.GetAttendees(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attendees": attendees})
}

// ValidateWindow handles POST /api/meetings/validate. It never calls the provider.
func (a *API) ValidateWindow(w http.ResponseWriter, r *http.Request) {
	var req validateWindowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// Unparseable values are reported in the validation result, not as an error.
	res, err := meeting.ValidateWindowValues(req.Start, req.End, a.Tenant.Location, a.Tenant.Now())
	if err != nil && len(res.Errors) == 0 {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
