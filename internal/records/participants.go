package records

import (
	"context"
	"sort"
)

// Participants enumerates participant emails across every registered doctype.
type Participants struct {
	store    Store
	registry *Registry
}

// NewParticipants creates a participant source.
func NewParticipants(store Store, registry *Registry) *Participants {
	return &Participants{store: store, registry: registry}
}

// ParticipantEmails returns the sorted, de-duplicated set of emails found in
// the participant fields of all known records.
func (p *Participants) ParticipantEmails(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, name := range p.registry.Names() {
		dt, _ := p.registry.Lookup(name)
		keys, err := p.store.Keys(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			fields, err := p.store.ReadFields(ctx, key, dt.ParticipantsField)
			if err != nil {
				return nil, err
			}
			for _, email := range dt.ParticipantEmails(fields) {
				seen[email] = true
			}
		}
	}

	emails := make([]string, 0, len(seen))
	for email := range seen {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails, nil
}
