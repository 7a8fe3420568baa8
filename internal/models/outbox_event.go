package models

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox event statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEvent records a side effect that must run after its transition
// commits. Rows are written in the same transaction as the transition.
type OutboxEvent struct {
	ID            uint           `gorm:"primaryKey;autoIncrement"`
	AggregateType string         `gorm:"size:16;not null"`
	AggregateID   string         `gorm:"size:40;not null;index"`
	RoutingKey    string         `gorm:"size:64;not null"`
	DedupeKey     *string        `gorm:"size:120;uniqueIndex"`
	Payload       datatypes.JSON `gorm:"type:json"`
	Status        string         `gorm:"size:16;default:pending;index:idx_outbox_due"`
	RetryCount    int            `gorm:"default:0"`
	NextRetryAt   *time.Time     `gorm:"index:idx_outbox_due"`
	LastError     string         `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
