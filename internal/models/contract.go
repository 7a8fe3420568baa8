package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contract statuses.
const (
	ContractActive    = "active"
	ContractCompleted = "completed"
	ContractDisputed  = "disputed"
)

// Contract is the binding agreement materialized from an accepted proposal.
// Currency and fee fields are a snapshot taken at creation and never change.
type Contract struct {
	ID                 string          `gorm:"primaryKey;size:40"`
	ProposalID         string          `gorm:"size:40;not null;uniqueIndex"`
	RootID             string          `gorm:"size:40;not null"`
	JobID              string          `gorm:"size:64;not null;index"`
	ClientID           string          `gorm:"size:64;not null;index"`
	FreelancerID       string          `gorm:"size:64;not null;index"`
	Currency           string          `gorm:"size:3;not null"`
	FeesTotal          decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	PlatformFeePercent decimal.Decimal `gorm:"type:decimal(5,2);not null"`
	PlatformFeeAmount  decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Status             string          `gorm:"size:16;default:active;index"`
	ConversationRef    string          `gorm:"size:128"`
	Version            int             `gorm:"not null;default:1"`
	CreatedAt          time.Time
	CompletedAt        *time.Time

	Milestones []Milestone `gorm:"foreignKey:ContractID"`
}

// JobLock pins a job to the single contract allowed for it.
type JobLock struct {
	JobID      string `gorm:"primaryKey;size:64"`
	ContractID string `gorm:"size:40;not null"`
	CreatedAt  time.Time
}
