// Package domain holds the error taxonomy shared by every sync component.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure so callers can decide whether to retry,
// back off, re-authorize, or report.
type Kind string

const (
	KindAuthExpired              Kind = "auth_expired"
	KindTransient                Kind = "transient"
	KindRateLimited              Kind = "rate_limited"
	KindPermissionDenied         Kind = "permission_denied"
	KindNotFound                 Kind = "not_found"
	KindValidation               Kind = "validation"
	KindInsufficientParticipants Kind = "insufficient_participants"
	KindNoMeetingExists          Kind = "no_meeting_exists"
	KindProvider                 Kind = "provider_error"
)

// Sentinel values for errors.Is. Any *Error of the same Kind matches.
var (
	ErrAuthExpired              = &Error{Kind: KindAuthExpired}
	ErrTransient                = &Error{Kind: KindTransient}
	ErrRateLimited              = &Error{Kind: KindRateLimited}
	ErrPermissionDenied         = &Error{Kind: KindPermissionDenied}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrValidation               = &Error{Kind: KindValidation}
	ErrInsufficientParticipants = &Error{Kind: KindInsufficientParticipants}
	ErrNoMeetingExists          = &Error{Kind: KindNoMeetingExists}
	ErrProvider                 = &Error{Kind: KindProvider}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "graph.call" or "chat.ensure".
	Op string
	// Msg is a short human-readable description.
	Msg string
	// Status is the provider HTTP status, when there was one.
	Status int
	// RetryAfter is the provider's backoff hint for KindRateLimited.
	RetryAfter time.Duration
	// Payload is the (truncated) provider error body, kept for diagnostics.
	// It never contains credentials.
	Payload string
	Err     error
}

// New creates a classified error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// RetryAfterOf returns the backoff hint carried by a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// StatusOf returns the provider HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Status
	}
	return 0
}

// UserMessage renders err for people. It never includes payloads or tokens.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindAuthExpired:
		return "Microsoft Teams authorization has expired. Please authenticate again."
	case KindTransient:
		return "Microsoft Teams could not be reached. Please try again shortly."
	case KindRateLimited:
		if d := RetryAfterOf(err); d > 0 {
			return fmt.Sprintf("Microsoft Teams is throttling requests. Try again in %s.", d.Round(time.Second))
		}
		return "Microsoft Teams is throttling requests. Try again later."
	case KindPermissionDenied:
		return "The Teams application lacks permission for this action. Re-authorize with the required scopes."
	case KindNotFound:
		return "The Teams resource no longer exists."
	case KindValidation:
		var de *Error
		if errors.As(err, &de) && de.Msg != "" {
			return "Invalid request: " + de.Msg
		}
		return "Invalid request."
	case KindInsufficientParticipants:
		return "None of the participants could be matched to a Microsoft account."
	case KindNoMeetingExists:
		return "No Teams meeting is linked to this record."
	case KindProvider:
		return "Microsoft Teams returned an unexpected error."
	default:
		return "Unexpected error."
	}
}
