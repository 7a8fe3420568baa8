// Package negotiation implements the proposal ledger: offers, counter-offers
// and the dual-acceptance state machine over negotiation chains.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/contract"
	"github.com/zulandar/milepost/internal/db"
	"github.com/zulandar/milepost/internal/lock"
	"github.com/zulandar/milepost/internal/logging"
	"github.com/zulandar/milepost/internal/metrics"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MilestoneInput is one milestone of an offer.
type MilestoneInput struct {
	Title        string
	Description  string
	AmountGross  decimal.Decimal
	DurationDays int
}

// CreateOpts holds parameters for a new offer.
type CreateOpts struct {
	ActorID            string
	JobID              string
	ClientID           string
	FreelancerID       string
	OfferedBy          models.Party
	Milestones         []MilestoneInput
	Total              decimal.Decimal
	Currency           string
	PlatformFeePercent decimal.Decimal
	Message            string
	Origin             string // defaults to "direct"
	ConversationRef    string
	ValidUntil         *time.Time
}

// CounterOpts holds parameters for a counter-offer.
type CounterOpts struct {
	ActorID    string
	ProposalID string
	Milestones []MilestoneInput
	Total      decimal.Decimal
	Message    string
	ValidUntil *time.Time
}

// Result is the outcome of a ledger write. Contract is set when the write
// completed a dual acceptance.
type Result struct {
	Proposal *models.Proposal
	Contract *models.Contract
}

// Ledger applies negotiation actions against chain heads.
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(db *gorm.DB, log *zap.Logger) *Ledger {
	return &Ledger{db: db, log: logging.OrNop(log), now: time.Now}
}

// WithClock overrides the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Create records a new offer. On a tuple with an open chain the offer
// supersedes the chain head; otherwise it starts a new chain.
func (l *Ledger) Create(ctx context.Context, opts CreateOpts) (*models.Proposal, error) {
	currency, err := validateCreate(&opts, l.now())
	if err != nil {
		return nil, err
	}

	var out *models.Proposal
	err = db.Transact(ctx, l.db, func(tx *gorm.DB) error {
		now := l.now()
		if err := lock.EnsureUnlocked(tx, opts.JobID); err != nil {
			return err
		}

		p := &models.Proposal{
			ID:                 models.NewID("prop"),
			JobID:              opts.JobID,
			ClientID:           opts.ClientID,
			FreelancerID:       opts.FreelancerID,
			OfferedBy:          opts.OfferedBy,
			Origin:             opts.Origin,
			Currency:           currency,
			TotalGross:         opts.Total,
			PlatformFeePercent: opts.PlatformFeePercent,
			Message:            opts.Message,
			ConversationRef:    opts.ConversationRef,
			ValidUntil:         opts.ValidUntil,
			CreatedAt:          now,
			Milestones:         buildMilestones(opts.Milestones),
		}
		Apply(p, State{Kind: Open})

		openKey := models.ChainOpenKey(opts.JobID, opts.ClientID, opts.FreelancerID)
		var chain models.NegotiationChain
		err := tx.Where("open_key = ?", openKey).First(&chain).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p.RootID = p.ID
			if err := tx.Create(&models.NegotiationChain{
				RootID:       p.ID,
				JobID:        opts.JobID,
				ClientID:     opts.ClientID,
				FreelancerID: opts.FreelancerID,
				HeadID:       p.ID,
				Status:       models.ChainOpen,
				OpenKey:      &openKey,
				Version:      1,
			}).Error; err != nil {
				return fmt.Errorf("negotiation: open chain %s: %w", p.ID, err)
			}
		case err != nil:
			return fmt.Errorf("negotiation: load chain %s: %w", openKey, err)
		default:
			head, err := loadProposal(tx, chain.HeadID)
			if err != nil {
				return err
			}
			next, err := Transition(StateOf(head), head.OfferedBy, opts.OfferedBy, ActionSupersede)
			if err != nil {
				return err
			}
			if err := l.supersede(tx, &chain, head, next, p.ID, now); err != nil {
				return err
			}
			p.RootID = chain.RootID
			p.SupersedesID = &head.ID
		}

		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("negotiation: create proposal: %w", err)
		}

		event := outbox.ProposalCreated
		summary := fmt.Sprintf("New offer from the %s: %s %s over %d milestones.",
			p.OfferedBy, p.TotalGross.StringFixed(2), p.Currency, len(p.Milestones))
		if p.SupersedesID != nil {
			event = outbox.ProposalCountered
			summary = fmt.Sprintf("Revised offer from the %s: %s %s over %d milestones.",
				p.OfferedBy, p.TotalGross.StringFixed(2), p.Currency, len(p.Milestones))
		}
		if err := enqueue(tx, p, event, opts.ActorID, summary, now); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordNegotiation("create", out.Status)
	l.log.Info("proposal created",
		zap.String("proposal_id", out.ID),
		zap.String("root_id", out.RootID),
		zap.String("job_id", out.JobID),
		zap.String("offered_by", string(out.OfferedBy)),
	)
	return out, nil
}

// Counter answers the chain head with a new revision offered by the
// receiving party.
func (l *Ledger) Counter(ctx context.Context, opts CounterOpts) (*models.Proposal, error) {
	if opts.ProposalID == "" {
		return nil, apperr.Validation("proposal_id is required")
	}
	if err := validateTerms(opts.Milestones, opts.Total); err != nil {
		return nil, err
	}
	if opts.ValidUntil != nil && !opts.ValidUntil.After(l.now()) {
		return nil, apperr.Validation("valid_until must be in the future")
	}

	var out *models.Proposal
	err := db.Transact(ctx, l.db, func(tx *gorm.DB) error {
		now := l.now()
		target, party, chain, err := loadHead(tx, opts.ProposalID, opts.ActorID)
		if err != nil {
			return err
		}
		if err := lock.EnsureUnlocked(tx, target.JobID); err != nil {
			return err
		}
		next, err := Transition(StateOf(target), target.OfferedBy, party, ActionCounter)
		if err != nil {
			return err
		}

		p := &models.Proposal{
			ID:                 models.NewID("prop"),
			RootID:             target.RootID,
			SupersedesID:       &target.ID,
			JobID:              target.JobID,
			ClientID:           target.ClientID,
			FreelancerID:       target.FreelancerID,
			OfferedBy:          party,
			Origin:             target.Origin,
			Currency:           target.Currency,
			TotalGross:         opts.Total,
			PlatformFeePercent: target.PlatformFeePercent,
			Message:            opts.Message,
			ConversationRef:    target.ConversationRef,
			ValidUntil:         opts.ValidUntil,
			CreatedAt:          now,
			Milestones:         buildMilestones(opts.Milestones),
		}
		Apply(p, State{Kind: Open})

		if err := l.supersede(tx, chain, target, next, p.ID, now); err != nil {
			return err
		}
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("negotiation: create counter to %s: %w", target.ID, err)
		}
		summary := fmt.Sprintf("Counter-offer from the %s: %s %s over %d milestones.",
			party, p.TotalGross.StringFixed(2), p.Currency, len(p.Milestones))
		if err := enqueue(tx, p, outbox.ProposalCountered, opts.ActorID, summary, now); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordNegotiation(string(ActionCounter), out.Status)
	l.log.Info("proposal countered",
		zap.String("proposal_id", out.ID),
		zap.String("supersedes_id", *out.SupersedesID),
		zap.String("offered_by", string(out.OfferedBy)),
	)
	return out, nil
}

// Respond applies accept, confirm, reject, cancel or withdraw to the chain
// head. A dual acceptance materializes the contract in the same transaction.
func (l *Ledger) Respond(ctx context.Context, actorID, proposalID string, action Action) (*Result, error) {
	if proposalID == "" {
		return nil, apperr.Validation("proposal_id is required")
	}
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}

	var res Result
	err := db.Transact(ctx, l.db, func(tx *gorm.DB) error {
		now := l.now()
		p, party, chain, err := loadHead(tx, proposalID, actorID)
		if err != nil {
			return err
		}
		if (action == ActionAccept || action == ActionConfirm) && p.ValidUntil != nil && now.After(*p.ValidUntil) {
			return apperr.State("offer expired")
		}
		next, err := Transition(StateOf(p), p.OfferedBy, party, action)
		if err != nil {
			return err
		}

		chainUpdates := map[string]interface{}{}
		switch next.Kind {
		case Accepted:
			chainUpdates["status"] = models.ChainContracted
			chainUpdates["open_key"] = nil
		case Rejected, Cancelled, Withdrawn:
			chainUpdates["status"] = models.ChainClosed
			chainUpdates["open_key"] = nil
		}
		if err := db.UpdateVersioned(tx, &models.NegotiationChain{}, "root_id", chain.RootID, chain.Version, chainUpdates); err != nil {
			return err
		}

		Apply(p, next)
		updates := map[string]interface{}{
			"status":                 p.Status,
			"accepted_by_client":     p.AcceptedByClient,
			"accepted_by_freelancer": p.AcceptedByFreelancer,
		}
		if next.Terminal() {
			p.DecidedAt = &now
			updates["decided_at"] = now
		}
		if err := tx.Model(&models.Proposal{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("negotiation: update proposal %s: %w", p.ID, err)
		}

		if err := enqueue(tx, p, "proposal."+p.Status, actorID, respondSummary(party, action, next), now); err != nil {
			return err
		}

		if next.Kind == Accepted {
			c, _, err := contract.Materialize(tx, p, now)
			if err != nil {
				return err
			}
			res.Contract = c
		}
		res.Proposal = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordNegotiation(string(action), res.Proposal.Status)
	fields := []zap.Field{
		zap.String("proposal_id", res.Proposal.ID),
		zap.String("action", string(action)),
		zap.String("status", res.Proposal.Status),
	}
	if res.Contract != nil {
		fields = append(fields, zap.String("contract_id", res.Contract.ID))
	}
	l.log.Info("proposal updated", fields...)
	return &res, nil
}

// Get loads a proposal with its milestones.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Proposal, error) {
	return loadProposal(l.db.WithContext(ctx), id)
}

// Chain returns a chain and its revisions, oldest first.
func (l *Ledger) Chain(ctx context.Context, rootID string) (*models.NegotiationChain, []models.Proposal, error) {
	tx := l.db.WithContext(ctx)
	var chain models.NegotiationChain
	if err := tx.Where("root_id = ?", rootID).First(&chain).Error; err != nil {
		return nil, nil, db.NotFound(err, "chain", rootID)
	}
	var revisions []models.Proposal
	if err := tx.Preload("Milestones", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Where("root_id = ?", rootID).
		Order("created_at ASC, id ASC").
		Find(&revisions).Error; err != nil {
		return nil, nil, fmt.Errorf("negotiation: load revisions of %s: %w", rootID, err)
	}
	return &chain, revisions, nil
}

// supersede retires head in favour of newHeadID and bumps the chain version.
func (l *Ledger) supersede(tx *gorm.DB, chain *models.NegotiationChain, head *models.Proposal, next State, newHeadID string, now time.Time) error {
	if err := db.UpdateVersioned(tx, &models.NegotiationChain{}, "root_id", chain.RootID, chain.Version,
		map[string]interface{}{"head_id": newHeadID}); err != nil {
		return err
	}
	status, byClient, byFreelancer := Columns(next)
	if err := tx.Model(&models.Proposal{}).Where("id = ?", head.ID).Updates(map[string]interface{}{
		"status":                 status,
		"accepted_by_client":     byClient,
		"accepted_by_freelancer": byFreelancer,
		"decided_at":             now,
	}).Error; err != nil {
		return fmt.Errorf("negotiation: supersede %s: %w", head.ID, err)
	}
	return nil
}

// loadHead loads proposalID, resolves the actor's party and checks that the
// proposal is the live head of its chain.
func loadHead(tx *gorm.DB, proposalID, actorID string) (*models.Proposal, models.Party, *models.NegotiationChain, error) {
	p, err := loadProposal(tx, proposalID)
	if err != nil {
		return nil, "", nil, err
	}
	party, ok := p.PartyOf(actorID)
	if !ok {
		return nil, "", nil, apperr.Forbidden("%s is not a party to proposal %s", actorID, proposalID)
	}
	var chain models.NegotiationChain
	if err := tx.Where("root_id = ?", p.RootID).First(&chain).Error; err != nil {
		return nil, "", nil, db.NotFound(err, "chain", p.RootID)
	}
	if chain.HeadID != p.ID {
		return nil, "", nil, apperr.Stale("proposal %s is not the head of its chain, %s is", p.ID, chain.HeadID)
	}
	return p, party, &chain, nil
}

func loadProposal(tx *gorm.DB, id string) (*models.Proposal, error) {
	var p models.Proposal
	err := tx.Preload("Milestones", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, db.NotFound(err, "proposal", id)
	}
	return &p, nil
}

func enqueue(tx *gorm.DB, p *models.Proposal, event, actorID, summary string, now time.Time) error {
	_, err := outbox.Enqueue(tx, outbox.AggregateProposal, outbox.Envelope{
		Event:           event,
		AggregateID:     p.ID,
		ConversationRef: p.ConversationRef,
		ActorID:         actorID,
		Summary:         summary,
		OccurredAt:      now,
	}, "")
	return err
}

func respondSummary(party models.Party, action Action, next State) string {
	switch next.Kind {
	case HalfAccepted:
		return fmt.Sprintf("The %s accepted the offer. Waiting for the %s to confirm.", party, party.Counterpart())
	case Accepted:
		return fmt.Sprintf("The %s confirmed the offer. A contract has been created.", party)
	}
	return fmt.Sprintf("The %s %s the offer.", party, pastTense[action])
}

var pastTense = map[Action]string{
	ActionReject:   "rejected",
	ActionCancel:   "cancelled",
	ActionWithdraw: "withdrew",
}

func buildMilestones(in []MilestoneInput) []models.ProposalMilestone {
	return lo.Map(in, func(m MilestoneInput, i int) models.ProposalMilestone {
		return models.ProposalMilestone{
			Position:     i + 1,
			Title:        strings.TrimSpace(m.Title),
			Description:  m.Description,
			AmountGross:  m.AmountGross,
			DurationDays: m.DurationDays,
		}
	})
}
