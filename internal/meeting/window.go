package meeting

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/records"
)

// DefaultDuration is used when a record has no usable end.
const DefaultDuration = time.Hour

// Window is a meeting's start and end in UTC.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration is End minus Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Accepted layouts for naive record values, most specific first.
var layouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime reads a record value. Strings without an offset are interpreted
// in loc. A nil or blank value yields the zero time and no error.
func ParseTime(value any, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch v := value.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return time.Time{}, nil
		}
		return *v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, domain.New(domain.KindValidation, "meeting.parse", "unrecognized date/time %q", v)
	default:
		return time.Time{}, domain.New(domain.KindValidation, "meeting.parse", "unsupported date/time value of type %T", value)
	}
}

// ResolveWindow computes a meeting window from a record's start and end
// values. A start at midnight is treated as date-only and moved to the
// doctype's default start time; a date-only end gets the default end time.
// A missing start follows the doctype's MissingStart rule, and an end that is
// missing or not after the start becomes start plus one hour.
func ResolveWindow(dt records.Doctype, startVal, endVal any, loc *time.Location, now time.Time) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}

	start, err := ParseTime(startVal, loc)
	if err != nil {
		return Window{}, err
	}
	if start.IsZero() {
		start, err = missingStart(dt.MissingStart, loc, now)
		if err != nil {
			return Window{}, err
		}
	} else if isMidnight(start, loc) {
		if start, err = atTimeOfDay(start, dt.StartTimeOfDay(), loc); err != nil {
			return Window{}, err
		}
	}

	end, err := ParseTime(endVal, loc)
	if err != nil {
		return Window{}, err
	}
	if !end.IsZero() && isMidnight(end, loc) {
		if end, err = atTimeOfDay(end, dt.EndTimeOfDay(), loc); err != nil {
			return Window{}, err
		}
	}
	if end.IsZero() || !end.After(start) {
		end = start.Add(DefaultDuration)
	}

	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

func missingStart(rule string, loc *time.Location, now time.Time) (time.Time, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" || strings.EqualFold(rule, "now") {
		return now.Truncate(time.Minute), nil
	}
	return atTimeOfDay(now, rule, loc)
}

func isMidnight(t time.Time, loc *time.Location) bool {
	l := t.In(loc)
	return l.Hour() == 0 && l.Minute() == 0 && l.Second() == 0 && l.Nanosecond() == 0
}

// atTimeOfDay returns the wall-clock time hhmm on t's date in loc, using the
// offset in effect on that date.
func atTimeOfDay(t time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, domain.New(domain.KindValidation, "meeting.window", "invalid time of day %q", hhmm)
	}
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

// WindowValidation is the outcome of ValidateWindow.
type WindowValidation struct {
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors"`
	DurationHours float64  `json:"duration_hours"`
}

// Duration bounds enforced by ValidateWindow.
const (
	MinDuration = 15 * time.Minute
	MaxDuration = 24 * time.Hour
)

// ValidateWindow checks a proposed window without calling the provider.
func ValidateWindow(start, end, now time.Time) WindowValidation {
	v := WindowValidation{Errors: []string{}}
	d := end.Sub(start)
	if !end.After(start) {
		v.Errors = append(v.Errors, "End time must be after start time.")
	}
	if d > MaxDuration {
		v.Errors = append(v.Errors, "Meeting duration cannot exceed 24 hours.")
	}
	if d < MinDuration {
		v.Errors = append(v.Errors, "Meeting duration should be at least 15 minutes.")
	}
	if start.Before(now) {
		v.Errors = append(v.Errors, "Meeting cannot be scheduled in the past.")
	}
	v.Valid = len(v.Errors) == 0
	v.DurationHours = math.Round(d.Hours()*100) / 100
	return v
}

// ValidateWindowValues parses start and end in loc and validates them.
func ValidateWindowValues(startVal, endVal any, loc *time.Location, now time.Time) (WindowValidation, error) {
	start, err := ParseTime(startVal, loc)
	if err != nil {
		return WindowValidation{Valid: false, Errors: []string{fmt.Sprintf("Invalid date/time format: %s", domain.UserMessage(err))}}, err
	}
	end, err := ParseTime(endVal, loc)
	if err != nil {
		return WindowValidation{Valid: false, Errors: []string{fmt.Sprintf("Invalid date/time format: %s", domain.UserMessage(err))}}, err
	}
	if start.IsZero() || end.IsZero() {
		err := domain.New(domain.KindValidation, "meeting.validate", "start and end are required")
		return WindowValidation{Valid: false, Errors: []string{"Start and end are required."}}, err
	}
	return ValidateWindow(start, end, now), nil
}
