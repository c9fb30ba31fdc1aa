package graph

import (
	"strings"
	"time"
)

// User is the subset of a Graph user resource the service reads.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Email returns the user's mail address, falling back to the UPN.
func (u User) Email() string {
	if u.Mail != "" {
		return u.Mail
	}
	return u.UserPrincipalName
}

// ItemBody is Graph's rich-text body.
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Identity is a participant reference inside an identitySet.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// IdentitySet names who sent a message.
type IdentitySet struct {
	User        *Identity `json:"user,omitempty"`
	Application *Identity `json:"application,omitempty"`
}

// ChatMessage is a chat or channel message.
type ChatMessage struct {
	ID              string       `json:"id"`
	MessageType     string       `json:"messageType"`
	CreatedDateTime time.Time    `json:"createdDateTime"`
	DeletedDateTime *time.Time   `json:"deletedDateTime"`
	From            *IdentitySet `json:"from"`
	Body            ItemBody     `json:"body"`
}

// Sender returns the sending user's object id and display name, if any.
func (m ChatMessage) Sender() (id, name string) {
	if m.From == nil || m.From.User == nil {
		return "", ""
	}
	return m.From.User.ID, m.From.User.DisplayName
}

// Page is one page of a Graph collection.
type Page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// DateTimeLayout is the wall-clock format of Graph's dateTimeTimeZone.
const DateTimeLayout = "2006-01-02T15:04:05"

// DateTimeTimeZone is a wall-clock time with a named zone.
type DateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// NewUTCDateTime renders t as a UTC dateTimeTimeZone.
func NewUTCDateTime(t time.Time) DateTimeTimeZone {
	return DateTimeTimeZone{DateTime: t.UTC().Format(DateTimeLayout), TimeZone: "UTC"}
}

// Time parses the value. Unknown zones are read as UTC.
func (d DateTimeTimeZone) Time() (time.Time, error) {
	loc, err := time.LoadLocation(d.TimeZone)
	if err != nil || d.TimeZone == "" {
		loc = time.UTC
	}
	return time.ParseInLocation("2006-01-02T15:04:05.9999999", d.DateTime, loc)
}

// EmailAddress names a calendar participant.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// ResponseStatus is an attendee's reply to an invitation.
type ResponseStatus struct {
	Response string `json:"response"`
	Time     string `json:"time,omitempty"`
}

// Attendee is an event attendee.
type Attendee struct {
	EmailAddress EmailAddress    `json:"emailAddress"`
	Type         string          `json:"type"`
	Status       *ResponseStatus `json:"status,omitempty"`
}

// Email returns the lower-cased attendee address.
func (a Attendee) Email() string {
	return strings.ToLower(strings.TrimSpace(a.EmailAddress.Address))
}

// OnlineMeetingInfo carries the Teams join link of an event.
type OnlineMeetingInfo struct {
	JoinURL string `json:"joinUrl"`
}

// Event is a calendar event.
type Event struct {
	ID                    string             `json:"id,omitempty"`
	Subject               string             `json:"subject,omitempty"`
	Start                 *DateTimeTimeZone  `json:"start,omitempty"`
	End                   *DateTimeTimeZone  `json:"end,omitempty"`
	Attendees             []Attendee         `json:"attendees,omitempty"`
	IsOnlineMeeting       bool               `json:"isOnlineMeeting,omitempty"`
	OnlineMeetingProvider string             `json:"onlineMeetingProvider,omitempty"`
	OnlineMeeting         *OnlineMeetingInfo `json:"onlineMeeting,omitempty"`
	WebLink               string             `json:"webLink,omitempty"`
}

// JoinURL returns the Teams join link, falling back to the web link.
func (e Event) JoinURL() string {
	if e.OnlineMeeting != nil && e.OnlineMeeting.JoinURL != "" {
		return e.OnlineMeeting.JoinURL
	}
	return e.WebLink
}
