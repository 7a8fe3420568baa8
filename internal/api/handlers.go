package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/auth"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/negotiation"
	"github.com/zulandar/milepost/internal/settlement"
)

type handlers struct {
	engine Engine
}

type milestoneRequest struct {
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	AmountGross  decimal.Decimal `json:"amount_gross"`
	DurationDays int             `json:"duration_days"`
}

type createProposalRequest struct {
	JobID              string             `json:"job_id"`
	ClientID           string             `json:"client_id"`
	FreelancerID       string             `json:"freelancer_id"`
	OfferedBy          string             `json:"offered_by"`
	Milestones         []milestoneRequest `json:"milestones"`
	Total              decimal.Decimal    `json:"total"`
	Currency           string             `json:"currency"`
	PlatformFeePercent decimal.Decimal    `json:"platform_fee_percent"`
	Message            string             `json:"message"`
	Origin             string             `json:"origin"`
	ConversationRef    string             `json:"conversation_ref"`
	ValidUntil         *time.Time         `json:"valid_until"`
}

type counterRequest struct {
	Milestones []milestoneRequest `json:"milestones"`
	Total      decimal.Decimal    `json:"total"`
	Message    string             `json:"message"`
	ValidUntil *time.Time         `json:"valid_until"`
}

type respondRequest struct {
	Action string `json:"action"`
}

type submitRequest struct {
	URL   string `json:"url"`
	Notes string `json:"notes"`
}

type decideRequest struct {
	SubmissionID string `json:"submission_id"`
	Decision     string `json:"decision"`
	Reason       string `json:"reason"`
}

func milestoneInputs(in []milestoneRequest) []negotiation.MilestoneInput {
	return lo.Map(in, func(m milestoneRequest, _ int) negotiation.MilestoneInput {
		return negotiation.MilestoneInput{
			Title:        m.Title,
			Description:  m.Description,
			AmountGross:  m.AmountGross,
			DurationDays: m.DurationDays,
		}
	})
}

// bind decodes the JSON body into dst, reporting malformed bodies as
// validation errors.
func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func actorOf(c *gin.Context) auth.Actor {
	actor, _ := auth.FromContext(c)
	return actor
}

func (h *handlers) createProposal(c *gin.Context) {
	var req createProposalRequest
	if !bind(c, &req) {
		return
	}
	p, err := h.engine.CreateProposal(c.Request.Context(), actorOf(c), negotiation.CreateOpts{
		JobID:              req.JobID,
		ClientID:           req.ClientID,
		FreelancerID:       req.FreelancerID,
		OfferedBy:          models.Party(req.OfferedBy),
		Milestones:         milestoneInputs(req.Milestones),
		Total:              req.Total,
		Currency:           req.Currency,
		PlatformFeePercent: req.PlatformFeePercent,
		Message:            req.Message,
		Origin:             req.Origin,
		ConversationRef:    req.ConversationRef,
		ValidUntil:         req.ValidUntil,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toProposal(p))
}

func (h *handlers) getProposal(c *gin.Context) {
	p, err := h.engine.GetProposal(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProposal(p))
}

func (h *handlers) respondProposal(c *gin.Context) {
	var req respondRequest
	if !bind(c, &req) {
		return
	}
	action, err := negotiation.ParseAction(req.Action)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := h.engine.RespondProposal(c.Request.Context(), actorOf(c), c.Param("id"), action)
	if err != nil {
		writeError(c, err)
		return
	}
	out := respondResponse{Proposal: toProposal(res.Proposal)}
	if res.Contract != nil {
		ct := toContract(res.Contract)
		out.Contract = &ct
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) counterProposal(c *gin.Context) {
	var req counterRequest
	if !bind(c, &req) {
		return
	}
	p, err := h.engine.CounterProposal(c.Request.Context(), actorOf(c), negotiation.CounterOpts{
		ProposalID: c.Param("id"),
		Milestones: milestoneInputs(req.Milestones),
		Total:      req.Total,
		Message:    req.Message,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toProposal(p))
}

func (h *handlers) getChain(c *gin.Context) {
	view, err := h.engine.GetChain(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chainResponse{
		RootID:       view.Chain.RootID,
		JobID:        view.Chain.JobID,
		ClientID:     view.Chain.ClientID,
		FreelancerID: view.Chain.FreelancerID,
		HeadID:       view.Chain.HeadID,
		Status:       view.Chain.Status,
		Version:      view.Chain.Version,
		Revisions: lo.Map(view.Revisions, func(p models.Proposal, _ int) proposalResponse {
			return toProposal(&p)
		}),
	})
}

func (h *handlers) getContract(c *gin.Context) {
	ct, err := h.engine.GetContract(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toContract(ct))
}

func (h *handlers) syncContract(c *gin.Context) {
	ms, err := h.engine.SyncContractMilestones(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": lo.Map(ms, func(m models.Milestone, _ int) milestoneResponse {
		return toMilestone(m)
	})})
}

func (h *handlers) submitMilestone(c *gin.Context) {
	var req submitRequest
	if !bind(c, &req) {
		return
	}
	sub, err := h.engine.SubmitMilestone(c.Request.Context(), actorOf(c), settlement.SubmitOpts{
		MilestoneID: c.Param("id"),
		URL:         req.URL,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSubmission(*sub))
}

func (h *handlers) listSubmissions(c *gin.Context) {
	subs, err := h.engine.ListSubmissions(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": lo.Map(subs, func(s models.MilestoneSubmission, _ int) submissionResponse {
		return toSubmission(s)
	})})
}

func (h *handlers) decideMilestone(c *gin.Context) {
	var req decideRequest
	if !bind(c, &req) {
		return
	}
	decision, err := settlement.ParseDecision(req.Decision)
	if err != nil {
		writeError(c, err)
		return
	}
	m, err := h.engine.DecideMilestone(c.Request.Context(), actorOf(c), settlement.DecideOpts{
		MilestoneID:  c.Param("id"),
		SubmissionID: req.SubmissionID,
		Decision:     decision,
		Reason:       req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMilestone(*m))
}

func (h *handlers) inbox(c *gin.Context) {
	msgs, err := h.engine.Inbox(c.Request.Context(), actorOf(c), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": lo.Map(msgs, func(m models.SystemMessage, _ int) messageResponse {
		return messageResponse{
			ID:         m.ID,
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Event:      m.EventKey,
			Body:       m.Body,
			CreatedAt:  m.CreatedAt,
		}
	})})
}

func (h *handlers) ackMessage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(c, apperr.Validation("message id %q is not a positive integer", c.Param("id")))
		return
	}
	if err := h.engine.AcknowledgeMessage(c.Request.Context(), actorOf(c), c.Param("ref"), uint(id)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "acknowledged": true})
}
