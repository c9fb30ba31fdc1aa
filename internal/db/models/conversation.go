package models

import "time"

// Conversation links a business record to its Teams group chat.
// RecordKey is unique so a record can never own two chats.
type Conversation struct {
	ID           string  `gorm:"primaryKey"`
	RecordKey    string  `gorm:"uniqueIndex;not null"`
	RemoteChatID *string `gorm:"index"`
	Topic        string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChatID returns the remote chat id, or "" when none has been created yet.
func (c *Conversation) ChatID() string {
	if c.RemoteChatID == nil {
		return ""
	}
	return *c.RemoteChatID
}
