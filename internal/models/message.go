package models

import "time"

// SystemMessage is the chat-side trace of an engine transition, posted into
// the conversation the negotiation is attached to.
type SystemMessage struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	OutboxEventID   uint   `gorm:"not null;uniqueIndex"`
	ConversationRef string `gorm:"size:128;not null;index"`
	EntityType      string `gorm:"size:16;not null"`
	EntityID        string `gorm:"size:40;not null;index"`
	EventKey        string `gorm:"size:64;not null"`
	Body            string `gorm:"type:text"`
	Acknowledged    bool   `gorm:"default:false;index"`
	CreatedAt       time.Time
}
