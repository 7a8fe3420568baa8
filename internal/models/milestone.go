package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Milestone statuses.
const (
	MilestonePending   = "pending"
	MilestoneSubmitted = "submitted"
	MilestoneRejected  = "rejected"
	MilestoneApproved  = "approved"
	MilestoneReleased  = "released"
	MilestoneRefunded  = "refunded"
)

// Submission statuses.
const (
	SubmissionSubmitted = "submitted"
	SubmissionApproved  = "approved"
	SubmissionRejected  = "rejected"
)

// Milestone is a payable unit of contracted work.
type Milestone struct {
	ID                 string          `gorm:"primaryKey;size:40"`
	ContractID         string          `gorm:"size:40;not null;uniqueIndex:idx_contract_position"`
	Position           int             `gorm:"not null;uniqueIndex:idx_contract_position"`
	Title              string          `gorm:"size:256;not null"`
	Description        string          `gorm:"type:text"`
	AmountGross        decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	DurationDays       int             `gorm:"not null;default:0"`
	DueAt              time.Time
	Status             string  `gorm:"size:16;default:pending;index"`
	LatestSubmissionID *string `gorm:"size:40"`
	LastVersion        int     `gorm:"not null;default:0"`
	Version            int     `gorm:"not null;default:1"`
	SubmittedAt        *time.Time
	ApprovedAt         *time.Time
	RejectedAt         *time.Time
	ReleasedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MilestoneSubmission is a freelancer's claim of delivered work. It is
// immutable once decided.
type MilestoneSubmission struct {
	ID          string  `gorm:"primaryKey;size:40"`
	MilestoneID string  `gorm:"size:40;not null;uniqueIndex:idx_milestone_version"`
	Version     int     `gorm:"not null;uniqueIndex:idx_milestone_version"`
	URL         string  `gorm:"size:1024"`
	Notes       string  `gorm:"type:text"`
	Status      string  `gorm:"size:16;default:submitted"`
	SubmittedBy string  `gorm:"size:64;not null"`
	Reason      *string `gorm:"type:text"`
	DecidedBy   *string `gorm:"size:64"`
	SubmittedAt time.Time
	DecidedAt   *time.Time
}
