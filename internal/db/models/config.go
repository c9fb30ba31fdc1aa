package models

import "time"

// Config is a key/value table for service-level settings such as the API key
// and the active Graph subscription id.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Well-known Config keys.
const (
	ConfigKeyAPIKey         = "api_key"
	ConfigKeySubscriptionID = "graph_subscription_id"
)
