package models

import "time"

// IdentityMapping caches the Azure AD object id for a lower-cased email.
// A row with an empty RemoteObjectID records the last failed lookup.
type IdentityMapping struct {
	Email          string `gorm:"primaryKey"`
	RemoteObjectID string `gorm:"index"`
	DisplayName    string
	ResolvedAt     *time.Time
	LastError      string `gorm:"type:text"`
	UpdatedAt      time.Time
}

// Resolved reports whether the mapping holds an object id.
func (m *IdentityMapping) Resolved() bool {
	return m.RemoteObjectID != ""
}
