package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/negotiation"
)

type proposalMilestoneResponse struct {
	Position     int             `json:"position"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	AmountGross  decimal.Decimal `json:"amount_gross"`
	DurationDays int             `json:"duration_days"`
}

type proposalResponse struct {
	ID                   string                      `json:"id"`
	RootID               string                      `json:"root_id"`
	SupersedesID         *string                     `json:"supersedes_id,omitempty"`
	JobID                string                      `json:"job_id"`
	ClientID             string                      `json:"client_id"`
	FreelancerID         string                      `json:"freelancer_id"`
	OfferedBy            string                      `json:"offered_by"`
	Status               string                      `json:"status"`
	AcceptedByClient     bool                        `json:"accepted_by_client"`
	AcceptedByFreelancer bool                        `json:"accepted_by_freelancer"`
	Currency             string                      `json:"currency"`
	Total                decimal.Decimal             `json:"total"`
	PlatformFeePercent   decimal.Decimal             `json:"platform_fee_percent"`
	Message              string                      `json:"message,omitempty"`
	Origin               string                      `json:"origin"`
	ConversationRef      string                      `json:"conversation_ref,omitempty"`
	ValidUntil           *time.Time                  `json:"valid_until,omitempty"`
	DecidedAt            *time.Time                  `json:"decided_at,omitempty"`
	CreatedAt            time.Time                   `json:"created_at"`
	Milestones           []proposalMilestoneResponse `json:"milestones"`
}

type milestoneResponse struct {
	ID                 string          `json:"id"`
	Position           int             `json:"position"`
	Title              string          `json:"title"`
	AmountGross        decimal.Decimal `json:"amount_gross"`
	DueAt              time.Time       `json:"due_at"`
	Status             string          `json:"status"`
	LatestSubmissionID *string         `json:"latest_submission_id,omitempty"`
	ReleasedAt         *time.Time      `json:"released_at,omitempty"`
}

type contractResponse struct {
	ID                 string              `json:"id"`
	ProposalID         string              `json:"proposal_id"`
	JobID              string              `json:"job_id"`
	ClientID           string              `json:"client_id"`
	FreelancerID       string              `json:"freelancer_id"`
	Currency           string              `json:"currency"`
	Total              decimal.Decimal     `json:"total"`
	PlatformFeePercent decimal.Decimal     `json:"platform_fee_percent"`
	PlatformFeeAmount  decimal.Decimal     `json:"platform_fee_amount"`
	Status             string              `json:"status"`
	CreatedAt          time.Time           `json:"created_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	Milestones         []milestoneResponse `json:"milestones"`
}

type respondResponse struct {
	Proposal proposalResponse  `json:"proposal"`
	Contract *contractResponse `json:"contract,omitempty"`
}

type chainResponse struct {
	RootID       string             `json:"root_id"`
	JobID        string             `json:"job_id"`
	ClientID     string             `json:"client_id"`
	FreelancerID string             `json:"freelancer_id"`
	HeadID       string             `json:"head_id"`
	Status       string             `json:"status"`
	Version      int                `json:"version"`
	Revisions    []proposalResponse `json:"revisions"`
}

type submissionResponse struct {
	ID          string     `json:"id"`
	MilestoneID string     `json:"milestone_id"`
	Version     int        `json:"version"`
	URL         string     `json:"url,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Status      string     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	Reason      *string    `json:"reason,omitempty"`
}

type messageResponse struct {
	ID         uint      `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Event      string    `json:"event"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

func toProposal(p *models.Proposal) proposalResponse {
	return proposalResponse{
		ID:                   p.ID,
		RootID:               p.RootID,
		SupersedesID:         p.SupersedesID,
		JobID:                p.JobID,
		ClientID:             p.ClientID,
		FreelancerID:         p.FreelancerID,
		OfferedBy:            string(p.OfferedBy),
		Status:               negotiation.DisplayStatus(p),
		AcceptedByClient:     p.AcceptedByClient,
		AcceptedByFreelancer: p.AcceptedByFreelancer,
		Currency:             p.Currency,
		Total:                p.TotalGross,
		PlatformFeePercent:   p.PlatformFeePercent,
		Message:              p.Message,
		Origin:               p.Origin,
		ConversationRef:      p.ConversationRef,
		ValidUntil:           p.ValidUntil,
		DecidedAt:            p.DecidedAt,
		CreatedAt:            p.CreatedAt,
		Milestones: lo.Map(p.Milestones, func(m models.ProposalMilestone, _ int) proposalMilestoneResponse {
			return proposalMilestoneResponse{
				Position:     m.Position,
				Title:        m.Title,
				Description:  m.Description,
				AmountGross:  m.AmountGross,
				DurationDays: m.DurationDays,
			}
		}),
	}
}

func toMilestone(m models.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:                 m.ID,
		Position:           m.Position,
		Title:              m.Title,
		AmountGross:        m.AmountGross,
		DueAt:              m.DueAt,
		Status:             m.Status,
		LatestSubmissionID: m.LatestSubmissionID,
		ReleasedAt:         m.ReleasedAt,
	}
}

func toContract(c *models.Contract) contractResponse {
	return contractResponse{
		ID:                 c.ID,
		ProposalID:         c.ProposalID,
		JobID:              c.JobID,
		ClientID:           c.ClientID,
		FreelancerID:       c.FreelancerID,
		Currency:           c.Currency,
		Total:              c.FeesTotal,
		PlatformFeePercent: c.PlatformFeePercent,
		PlatformFeeAmount:  c.PlatformFeeAmount,
		Status:             c.Status,
		CreatedAt:          c.CreatedAt,
		CompletedAt:        c.CompletedAt,
		Milestones:         lo.Map(c.Milestones, func(m models.Milestone, _ int) milestoneResponse { return toMilestone(m) }),
	}
}

func toSubmission(s models.MilestoneSubmission) submissionResponse {
	return submissionResponse{
		ID:          s.ID,
		MilestoneID: s.MilestoneID,
		Version:     s.Version,
		URL:         s.URL,
		Notes:       s.Notes,
		Status:      s.Status,
		SubmittedAt: s.SubmittedAt,
		DecidedAt:   s.DecidedAt,
		Reason:      s.Reason,
	}
}
