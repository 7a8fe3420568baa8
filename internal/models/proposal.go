package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Party identifies which side of a negotiation an actor occupies.
type Party string

const (
	PartyClient     Party = "client"
	PartyFreelancer Party = "freelancer"
)

// Counterpart returns the other side of the negotiation.
func (p Party) Counterpart() Party {
	if p == PartyClient {
		return PartyFreelancer
	}
	return PartyClient
}

// Valid reports whether p is one of the two negotiating parties.
func (p Party) Valid() bool {
	return p == PartyClient || p == PartyFreelancer
}

// Proposal display statuses. The authoritative state is derived from the
// status together with the acceptance flags; see negotiation.StateOf.
const (
	ProposalSent       = "sent"
	ProposalCountered  = "countered"
	ProposalPending    = "pending"
	ProposalAccepted   = "accepted"
	ProposalRejected   = "rejected"
	ProposalSuperseded = "superseded"
	ProposalCancelled  = "cancelled"
	ProposalWithdrawn  = "withdrawn"
)

// Proposal is one revision in a negotiation chain.
type Proposal struct {
	ID                   string          `gorm:"primaryKey;size:40"`
	RootID               string          `gorm:"size:40;not null;index"`
	SupersedesID         *string         `gorm:"size:40"`
	JobID                string          `gorm:"size:64;not null;index:idx_proposal_tuple"`
	ClientID             string          `gorm:"size:64;not null;index:idx_proposal_tuple"`
	FreelancerID         string          `gorm:"size:64;not null;index:idx_proposal_tuple"`
	OfferedBy            Party           `gorm:"size:16;not null"`
	Origin               string          `gorm:"size:32;default:direct"`
	Currency             string          `gorm:"size:3;not null"`
	TotalGross           decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	PlatformFeePercent   decimal.Decimal `gorm:"type:decimal(5,2);not null"`
	Message              string          `gorm:"type:text"`
	Status               string          `gorm:"size:16;default:sent;index"`
	AcceptedByClient     bool            `gorm:"default:false"`
	AcceptedByFreelancer bool            `gorm:"default:false"`
	ConversationRef      string          `gorm:"size:128"`
	ValidUntil           *time.Time
	DecidedAt            *time.Time
	CreatedAt            time.Time

	Milestones []ProposalMilestone `gorm:"foreignKey:ProposalID"`
}

// AcceptedBy reports the acceptance flag of the given party.
func (p *Proposal) AcceptedBy(party Party) bool {
	if party == PartyClient {
		return p.AcceptedByClient
	}
	return p.AcceptedByFreelancer
}

// PartyOf returns the slot actorID occupies on the proposal.
func (p *Proposal) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case p.ClientID:
		return PartyClient, true
	case p.FreelancerID:
		return PartyFreelancer, true
	}
	return "", false
}

// ProposalMilestone is a payable unit offered inside a proposal.
type ProposalMilestone struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	ProposalID   string          `gorm:"size:40;not null;uniqueIndex:idx_proposal_position"`
	Position     int             `gorm:"not null;uniqueIndex:idx_proposal_position"`
	Title        string          `gorm:"size:256;not null"`
	Description  string          `gorm:"type:text"`
	AmountGross  decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	DurationDays int             `gorm:"not null;default:0"`
}

// Chain statuses.
const (
	ChainOpen       = "open"
	ChainClosed     = "closed"
	ChainContracted = "contracted"
)

// NegotiationChain is the materialized head pointer of one negotiation
// thread. OpenKey is set only while the chain is open, so the unique index
// admits a single open chain per (job, client, freelancer).
type NegotiationChain struct {
	RootID       string  `gorm:"primaryKey;size:40"`
	JobID        string  `gorm:"size:64;not null;index"`
	ClientID     string  `gorm:"size:64;not null"`
	FreelancerID string  `gorm:"size:64;not null"`
	HeadID       string  `gorm:"size:40;not null"`
	Status       string  `gorm:"size:16;default:open;index"`
	OpenKey      *string `gorm:"size:200;uniqueIndex"`
	Version      int     `gorm:"not null;default:1"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChainOpenKey builds the uniqueness key for an open chain.
func ChainOpenKey(jobID, clientID, freelancerID string) string {
	return jobID + "|" + clientID + "|" + freelancerID
}
