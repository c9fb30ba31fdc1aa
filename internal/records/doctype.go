package records

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pysugar/teams-sync/internal/domain"
)

// Doctype maps a kind of business record onto the fields the sync engine
// reads and writes.
type Doctype struct {
	Name string `yaml:"-" json:"name"`

	// ParticipantsField holds a list of emails or of rows with EmailField.
	ParticipantsField string `yaml:"participants_field" json:"participants_field" validate:"required"`
	EmailField        string `yaml:"email_field" json:"email_field"`
	SubjectField      string `yaml:"subject_field" json:"subject_field"`
	StartField        string `yaml:"start_field" json:"start_field"`
	EndField          string `yaml:"end_field" json:"end_field"`

	MeetingURLField string `yaml:"meeting_url_field" json:"meeting_url_field" validate:"required"`
	EventIDField    string `yaml:"event_id_field" json:"event_id_field" validate:"required"`
	ChatIDField     string `yaml:"chat_id_field" json:"chat_id_field"`
	AttendanceField string `yaml:"attendance_field" json:"attendance_field"`

	// DefaultStartTime is applied to a date-only start ("HH:MM").
	DefaultStartTime string `yaml:"default_start_time" json:"default_start_time" validate:"omitempty,datetime=15:04"`
	// DefaultEndTime is applied to a date-only end; empty means DefaultStartTime.
	DefaultEndTime string `yaml:"default_end_time" json:"default_end_time" validate:"omitempty,datetime=15:04"`
	// MissingStart is "now" or an "HH:MM" on the current day.
	MissingStart string `yaml:"missing_start" json:"missing_start"`
}

// StartTimeOfDay returns the time applied to a date-only start.
func (d Doctype) StartTimeOfDay() string {
	if d.DefaultStartTime != "" {
		return d.DefaultStartTime
	}
	return "09:00"
}

// EndTimeOfDay returns the time applied to a date-only end.
func (d Doctype) EndTimeOfDay() string {
	if d.DefaultEndTime != "" {
		return d.DefaultEndTime
	}
	return d.StartTimeOfDay()
}

// ParticipantEmails extracts lower-cased, de-duplicated emails from the
// participants field value. Both ["a@x"] and [{"email": "a@x"}] are accepted.
func (d Doctype) ParticipantEmails(fields map[string]any) []string {
	raw, ok := fields[d.ParticipantsField]
	if !ok || raw == nil {
		return nil
	}
	emailField := d.EmailField
	if emailField == "" {
		emailField = "email"
	}

	var out []string
	seen := make(map[string]bool)
	add := func(v any) {
		s, ok := v.(string)
		if !ok {
			return
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || !strings.Contains(s, "@") || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	switch v := raw.(type) {
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, item := range v {
			switch row := item.(type) {
			case map[string]any:
				add(row[emailField])
			default:
				add(row)
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' || r == '\n' }) {
			add(s)
		}
	}
	return out
}

// Subject returns the record's subject, falling back to the record name.
func (d Doctype) Subject(key Key, fields map[string]any) string {
	if d.SubjectField != "" {
		if s, ok := fields[d.SubjectField].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return fmt.Sprintf("%s %s", key.Doctype, key.Name)
}

// Registry is the static set of supported doctypes.
type Registry struct {
	doctypes map[string]Doctype
}

// DefaultDoctypes returns the built-in Event and Project mappings.
func DefaultDoctypes() map[string]Doctype {
	return map[string]Doctype{
		"Event": {
			ParticipantsField: "event_participants",
			EmailField:        "email",
			SubjectField:      "subject",
			StartField:        "starts_on",
			EndField:          "ends_on",
			MeetingURLField:   "custom_teams_meeting_url",
			EventIDField:      "custom_outlook_event_id",
			ChatIDField:       "custom_teams_chat_id",
			AttendanceField:   "custom_teams_attendance",
			DefaultStartTime:  "09:00",
			MissingStart:      "now",
		},
		"Project": {
			ParticipantsField: "users",
			EmailField:        "email",
			SubjectField:      "project_name",
			StartField:        "expected_start_date",
			EndField:          "expected_end_date",
			MeetingURLField:   "custom_teams_meeting_url",
			EventIDField:      "custom_outlook_event_id",
			ChatIDField:       "custom_teams_chat_id",
			AttendanceField:   "custom_teams_attendance",
			DefaultStartTime:  "09:00",
			DefaultEndTime:    "17:30",
			MissingStart:      "now",
		},
	}
}

// NewRegistry builds a registry from the defaults overlaid with overrides.
func NewRegistry(overrides map[string]Doctype) *Registry {
	doctypes := DefaultDoctypes()
	for name, dt := range overrides {
		doctypes[name] = dt
	}
	for name, dt := range doctypes {
		dt.Name = name
		doctypes[name] = dt
	}
	return &Registry{doctypes: doctypes}
}

// Lookup returns the mapping for a doctype.
func (r *Registry) Lookup(name string) (Doctype, error) {
	dt, ok := r.doctypes[name]
	if !ok {
		return Doctype{}, domain.New(domain.KindValidation, "records.lookup", "unsupported doctype %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return dt, nil
}

// Names lists the registered doctypes in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.doctypes))
	for name := range r.doctypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
