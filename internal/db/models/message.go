package models

import "time"

// Direction of a stored message relative to the authenticated principal.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is a locally stored copy of a Teams chat or channel message.
// RemoteMessageID is unique; inserts that collide are ignored.
type Message struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	RemoteMessageID string    `gorm:"uniqueIndex;not null" json:"remote_message_id"`
	ChatID          string    `gorm:"index;not null" json:"chat_id"`
	Direction       Direction `gorm:"index" json:"direction"`
	SenderObjectID  string    `json:"sender_object_id"`
	SenderName      string    `json:"sender_name"`
	Body            string    `gorm:"type:text" json:"body"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"` // provider timestamp, UTC
}
