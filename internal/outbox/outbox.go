// Package outbox records side effects in the same transaction as the state
// transition that caused them, and dispatches them after commit.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/milepost/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Aggregate types.
const (
	AggregateProposal  = "proposal"
	AggregateContract  = "contract"
	AggregateMilestone = "milestone"
)

// Routing keys.
const (
	ProposalCreated    = "proposal.created"
	ProposalCountered  = "proposal.countered"
	ProposalPending    = "proposal.pending"
	ProposalAccepted   = "proposal.accepted"
	ProposalRejected   = "proposal.rejected"
	ProposalCancelled  = "proposal.cancelled"
	ProposalWithdrawn  = "proposal.withdrawn"
	ContractCreated    = "contract.created"
	ContractCompleted  = "contract.completed"
	MilestoneSubmitted = "milestone.submitted"
	MilestoneRejected  = "milestone.rejected"
	MilestoneReleased  = "milestone.released"
)

// Envelope is the JSON payload stored with every event.
type Envelope struct {
	Event           string    `json:"event"`
	AggregateID     string    `json:"aggregate_id"`
	ConversationRef string    `json:"conversation_ref,omitempty"`
	ActorID         string    `json:"actor_id,omitempty"`
	Summary         string    `json:"summary"`
	Release         *Release  `json:"release,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Release carries what the payment processor needs to pay out a milestone.
type Release struct {
	MilestoneID  string          `json:"milestone_id"`
	ContractID   string          `json:"contract_id"`
	FreelancerID string          `json:"freelancer_id"`
	Currency     string          `json:"currency"`
	Gross        decimal.Decimal `json:"gross"`
	Fee          decimal.Decimal `json:"fee"`
	Net          decimal.Decimal `json:"net"`
}

// ReleaseDedupeKey is the outbox dedupe key of a milestone's payment release.
func ReleaseDedupeKey(milestoneID string) string {
	return "release:" + milestoneID
}

// Enqueue inserts an event. It must be called with the transaction that
// commits the transition. dedupeKey may be empty.
func Enqueue(tx *gorm.DB, aggregateType string, env Envelope, dedupeKey string) (*models.OutboxEvent, error) {
	if env.Event == "" {
		return nil, fmt.Errorf("outbox: event routing key is required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal %s: %w", env.Event, err)
	}
	ev := models.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   env.AggregateID,
		RoutingKey:    env.Event,
		Payload:       datatypes.JSON(body),
		Status:        models.OutboxPending,
	}
	if dedupeKey != "" {
		ev.DedupeKey = &dedupeKey
	}
	if err := tx.Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("outbox: enqueue %s %s: %w", env.Event, env.AggregateID, err)
	}
	return &ev, nil
}

// Decode unmarshals an event's payload.
func Decode(ev models.OutboxEvent) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		return env, fmt.Errorf("outbox: decode event %d: %w", ev.ID, err)
	}
	return env, nil
}

// Due returns pending events whose retry time has passed, oldest first.
func Due(db *gorm.DB, now time.Time, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := db.Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.OutboxPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: load due events: %w", err)
	}
	return events, nil
}

// MarkSent marks an event delivered.
func MarkSent(db *gorm.DB, id uint) error {
	result := db.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     models.OutboxSent,
		"last_error": "",
	})
	if result.Error != nil {
		return fmt.Errorf("outbox: mark sent %d: %w", id, result.Error)
	}
	return nil
}

// RetryDelay is the linear backoff applied after each failed attempt.
const RetryDelay = 5 * time.Second

// MarkFailed records a failed attempt. The event is rescheduled after
// retryCount × RetryDelay, or moved to failed once maxRetries attempts have
// been made. It reports whether the event is now permanently failed.
func MarkFailed(db *gorm.DB, ev *models.OutboxEvent, cause error, maxRetries int, now time.Time) (bool, error) {
	retries := ev.RetryCount + 1
	updates := map[string]interface{}{
		"retry_count": retries,
		"last_error":  cause.Error(),
	}
	final := retries >= maxRetries
	if final {
		updates["status"] = models.OutboxFailed
		updates["next_retry_at"] = nil
	} else {
		updates["next_retry_at"] = now.Add(time.Duration(retries) * RetryDelay)
	}
	if err := db.Model(&models.OutboxEvent{}).Where("id = ?", ev.ID).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("outbox: mark failed %d: %w", ev.ID, err)
	}
	ev.RetryCount = retries
	return final, nil
}

// Failed lists permanently failed events, newest first.
func Failed(db *gorm.DB, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	if err := db.Where("status = ?", models.OutboxFailed).Order("id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("outbox: list failed: %w", err)
	}
	return events, nil
}

// Replay resets a failed event to pending with a fresh retry budget.
func Replay(db *gorm.DB, id uint) error {
	result := db.Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxFailed).
		Updates(map[string]interface{}{
			"status":        models.OutboxPending,
			"retry_count":   0,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("outbox: replay %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("outbox: event %d not found or not failed", id)
	}
	return nil
}
