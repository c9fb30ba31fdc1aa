// Package sanitize cleans message bodies crossing the Teams boundary.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer converts message bodies at the boundary with Teams.
type Sanitizer interface {
	// SanitizeInbound makes provider HTML safe for local storage and display.
	SanitizeInbound(body string) string
	// EscapeOutbound turns user text into HTML the provider renders verbatim.
	EscapeOutbound(text string) string
}

// HTML is the default Sanitizer.
type HTML struct {
	policy *bluemonday.Policy
}

// New returns a sanitizer using bluemonday's user-generated-content policy.
func New() *HTML {
	return &HTML{policy: bluemonday.UGCPolicy()}
}

func (h *HTML) SanitizeInbound(body string) string {
	return strings.TrimSpace(h.policy.Sanitize(body))
}

func (h *HTML) EscapeOutbound(text string) string {
	escaped := html.EscapeString(strings.ReplaceAll(text, "\r\n", "\n"))
	return strings.ReplaceAll(escaped, "\n", "<br>")
}
