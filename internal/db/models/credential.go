package models

import "time"

// Credential holds the OAuth tokens for one tenant's authenticated principal.
//
// AccessToken and ExpiresAt are always written together in a single
// statement. A cleared credential has empty tokens and a nil ExpiresAt.
type Credential struct {
	TenantID      string `gorm:"primaryKey"`
	AccessToken   string `gorm:"type:text"`
	RefreshToken  string `gorm:"type:text"`
	ExpiresAt     *time.Time
	OwnerObjectID string
	OwnerEmail    string
	Scopes        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasRefreshToken reports whether the credential can be refreshed.
func (c *Credential) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// ValidAt reports whether the access token is usable until at least t.
func (c *Credential) ValidAt(t time.Time) bool {
	if c == nil || c.AccessToken == "" || c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.After(t)
}
