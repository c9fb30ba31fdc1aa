package records

import (
	"strings"

	"github.com/pysugar/teams-sync/internal/domain"
)

// Key identifies a business record as doctype plus record name.
type Key struct {
	Doctype string
	Name    string
}

// String renders the key as "Doctype/Name", the form used as Conversation.RecordKey.
func (k Key) String() string {
	return k.Doctype + "/" + k.Name
}

// ParseKey parses "Doctype/Name". The name may itself contain slashes.
func ParseKey(s string) (Key, error) {
	doctype, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || doctype == "" || name == "" {
		return Key{}, domain.New(domain.KindValidation, "records.key", "record key %q must look like Doctype/Name", s)
	}
	return Key{Doctype: doctype, Name: name}, nil
}
