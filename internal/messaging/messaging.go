// Package messaging posts the chat-side system messages that trace engine
// transitions into a conversation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/outbox"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostOpts identifies the transition a system message reports.
type PostOpts struct {
	OutboxEventID uint
	EntityType    string
	EntityID      string
	EventKey      string
}

// Post stores a system message in a conversation. Posting the same outbox
// event twice stores it once.
func Post(db *gorm.DB, conversationRef, body string, opts PostOpts) (*models.SystemMessage, error) {
	if conversationRef == "" {
		return nil, fmt.Errorf("messaging: conversation ref is required")
	}
	if opts.OutboxEventID == 0 {
		return nil, fmt.Errorf("messaging: outbox event id is required")
	}
	if body == "" {
		return nil, fmt.Errorf("messaging: body is required")
	}

	msg := models.SystemMessage{
		OutboxEventID:   opts.OutboxEventID,
		ConversationRef: conversationRef,
		EntityType:      opts.EntityType,
		EntityID:        opts.EntityID,
		EventKey:        opts.EventKey,
		Body:            body,
		CreatedAt:       time.Now(),
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "outbox_event_id"}},
		DoNothing: true,
	}).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("messaging: post: %w", err)
	}
	return &msg, nil
}

// Inbox returns unacknowledged messages of a conversation, oldest first.
func Inbox(db *gorm.DB, conversationRef string) ([]models.SystemMessage, error) {
	if conversationRef == "" {
		return nil, fmt.Errorf("messaging: conversation ref is required")
	}

	var msgs []models.SystemMessage
	if err := db.Where("conversation_ref = ? AND acknowledged = ?", conversationRef, false).
		Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messaging: inbox %s: %w", conversationRef, err)
	}
	return msgs, nil
}

// Acknowledge marks a message of a conversation as read, dropping it from
// the inbox. Acknowledging it again is a no-op.
func Acknowledge(db *gorm.DB, conversationRef string, messageID uint) error {
	var msg models.SystemMessage
	err := db.Where("id = ? AND conversation_ref = ?", messageID, conversationRef).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("message", strconv.FormatUint(uint64(messageID), 10))
	}
	if err != nil {
		return fmt.Errorf("messaging: acknowledge %d: %w", messageID, err)
	}
	if msg.Acknowledged {
		return nil
	}
	if err := db.Model(&msg).Update("acknowledged", true).Error; err != nil {
		return fmt.Errorf("messaging: acknowledge %d: %w", messageID, err)
	}
	return nil
}

// Handler returns the outbox handler that posts each event's summary into
// its conversation. Events without a conversation are skipped.
func Handler(db *gorm.DB) outbox.Handler {
	return outbox.HandlerFunc(func(ctx context.Context, ev models.OutboxEvent, env outbox.Envelope) error {
		if env.ConversationRef == "" || env.Summary == "" {
			return nil
		}
		_, err := Post(db.WithContext(ctx), env.ConversationRef, env.Summary, PostOpts{
			OutboxEventID: ev.ID,
			EntityType:    ev.AggregateType,
			EntityID:      ev.AggregateID,
			EventKey:      ev.RoutingKey,
		})
		return err
	})
}
