// Package service is the application facade over the negotiation, contract
// and settlement packages. It authorizes the caller's role against the
// entity, retries optimistic conflicts, and nudges the outbox dispatcher
// once a write has committed.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/auth"
	"github.com/zulandar/milepost/internal/contract"
	"github.com/zulandar/milepost/internal/db"
	"github.com/zulandar/milepost/internal/logging"
	"github.com/zulandar/milepost/internal/messaging"
	"github.com/zulandar/milepost/internal/metrics"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/negotiation"
	"github.com/zulandar/milepost/internal/settlement"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Nudger wakes the outbox dispatcher.
type Nudger interface {
	Nudge()
}

// Options configures a Service.
type Options struct {
	Retry  db.RetryPolicy
	Nudger Nudger
	Now    func() time.Time
}

// Service exposes every engine operation to the transport layer.
type Service struct {
	db       *gorm.DB
	ledger   *negotiation.Ledger
	workflow *settlement.Workflow
	policy   db.RetryPolicy
	nudger   Nudger
	log      *zap.Logger
}

// New creates a Service over gdb.
func New(gdb *gorm.DB, log *zap.Logger, opts Options) *Service {
	log = logging.OrNop(log)
	ledger := negotiation.NewLedger(gdb, log)
	workflow := settlement.New(gdb, log)
	if opts.Now != nil {
		ledger.WithClock(opts.Now)
		workflow.WithClock(opts.Now)
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = db.DefaultRetryPolicy()
	}
	return &Service{
		db:       gdb,
		ledger:   ledger,
		workflow: workflow,
		policy:   opts.Retry,
		nudger:   opts.Nudger,
		log:      log,
	}
}

// ChainView is a negotiation chain with its revisions, oldest first.
type ChainView struct {
	Chain     *models.NegotiationChain
	Revisions []models.Proposal
}

// CreateProposal records an offer by actor, who must be offering from the
// party slot named by their role.
func (s *Service) CreateProposal(ctx context.Context, actor auth.Actor, opts negotiation.CreateOpts) (*models.Proposal, error) {
	if opts.OfferedBy != actor.Role {
		return nil, apperr.Forbidden("a %s cannot offer as %s", actor.Role, opts.OfferedBy)
	}
	opts.ActorID = actor.ID

	var p *models.Proposal
	err := s.retry(ctx, "create_proposal", func() error {
		var err error
		p, err = s.ledger.Create(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.nudge()
	return p, nil
}

// RespondProposal applies accept, confirm, reject, cancel or withdraw.
func (s *Service) RespondProposal(ctx context.Context, actor auth.Actor, proposalID string, action negotiation.Action) (*negotiation.Result, error) {
	var res *negotiation.Result
	err := s.retry(ctx, "respond_proposal", func() error {
		p, err := s.ledger.Get(ctx, proposalID)
		if err != nil {
			return err
		}
		if err := checkRole(actor, p.ClientID, p.FreelancerID); err != nil {
			return err
		}
		res, err = s.ledger.Respond(ctx, actor.ID, proposalID, action)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.nudge()
	return res, nil
}

// CounterProposal supersedes the head with a receiver's counter-offer.
func (s *Service) CounterProposal(ctx context.Context, actor auth.Actor, opts negotiation.CounterOpts) (*models.Proposal, error) {
	opts.ActorID = actor.ID

	var next *models.Proposal
	err := s.retry(ctx, "counter_proposal", func() error {
		p, err := s.ledger.Get(ctx, opts.ProposalID)
		if err != nil {
			return err
		}
		if err := checkRole(actor, p.ClientID, p.FreelancerID); err != nil {
			return err
		}
		next, err = s.ledger.Counter(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.nudge()
	return next, nil
}

// SubmitMilestone records a freelancer's submission.
func (s *Service) SubmitMilestone(ctx context.Context, actor auth.Actor, opts settlement.SubmitOpts) (*models.MilestoneSubmission, error) {
	opts.ActorID = actor.ID

	var sub *models.MilestoneSubmission
	err := s.retry(ctx, "submit_milestone", func() error {
		if _, err := s.milestoneContract(ctx, actor, opts.MilestoneID); err != nil {
			return err
		}
		var err error
		sub, err = s.workflow.Submit(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.nudge()
	return sub, nil
}

// DecideMilestone approves or rejects the latest submission.
func (s *Service) DecideMilestone(ctx context.Context, actor auth.Actor, opts settlement.DecideOpts) (*models.Milestone, error) {
	opts.ActorID = actor.ID

	var m *models.Milestone
	err := s.retry(ctx, "decide_milestone", func() error {
		if _, err := s.milestoneContract(ctx, actor, opts.MilestoneID); err != nil {
			return err
		}
		var err error
		m, err = s.workflow.Decide(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.nudge()
	return m, nil
}

// SyncContractMilestones re-derives a contract's milestones when the
// batch never landed.
func (s *Service) SyncContractMilestones(ctx context.Context, actor auth.Actor, contractID string) ([]models.Milestone, error) {
	c, err := contract.Get(s.db.WithContext(ctx), contractID)
	if err != nil {
		return nil, err
	}
	if !isParty(actor.ID, c.ClientID, c.FreelancerID) {
		return nil, apperr.NotFound("contract", contractID)
	}
	if err := checkRole(actor, c.ClientID, c.FreelancerID); err != nil {
		return nil, err
	}

	var ms []models.Milestone
	err = s.retry(ctx, "sync_contract_milestones", func() error {
		var err error
		ms, err = contract.SyncMilestones(ctx, s.db, contractID)
		return err
	})
	return ms, err
}

// GetProposal returns a proposal visible to actor.
func (s *Service) GetProposal(ctx context.Context, actor auth.Actor, id string) (*models.Proposal, error) {
	p, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParty(actor.ID, p.ClientID, p.FreelancerID) {
		return nil, apperr.NotFound("proposal", id)
	}
	return p, nil
}

// GetChain returns a negotiation chain's revision history.
func (s *Service) GetChain(ctx context.Context, actor auth.Actor, rootID string) (*ChainView, error) {
	chain, revisions, err := s.ledger.Chain(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if !isParty(actor.ID, chain.ClientID, chain.FreelancerID) {
		return nil, apperr.NotFound("chain", rootID)
	}
	return &ChainView{Chain: chain, Revisions: revisions}, nil
}

// GetContract returns a contract with its milestones.
func (s *Service) GetContract(ctx context.Context, actor auth.Actor, id string) (*models.Contract, error) {
	c, err := contract.Get(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if !isParty(actor.ID, c.ClientID, c.FreelancerID) {
		return nil, apperr.NotFound("contract", id)
	}
	return c, nil
}

// ListSubmissions returns a milestone's submissions, latest first.
func (s *Service) ListSubmissions(ctx context.Context, actor auth.Actor, milestoneID string) ([]models.MilestoneSubmission, error) {
	return s.workflow.Submissions(ctx, actor.ID, milestoneID)
}

// Inbox returns the system messages of a conversation the actor takes
// part in.
func (s *Service) Inbox(ctx context.Context, actor auth.Actor, conversationRef string) ([]models.SystemMessage, error) {
	tx := s.db.WithContext(ctx)
	if err := conversationParty(tx, actor, conversationRef); err != nil {
		return nil, err
	}
	return messaging.Inbox(tx, conversationRef)
}

// AcknowledgeMessage drops a message from the actor's conversation inbox.
func (s *Service) AcknowledgeMessage(ctx context.Context, actor auth.Actor, conversationRef string, messageID uint) error {
	tx := s.db.WithContext(ctx)
	if err := conversationParty(tx, actor, conversationRef); err != nil {
		return err
	}
	return messaging.Acknowledge(tx, conversationRef, messageID)
}

// Ready reports whether the database is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return db.Ping(s.db.WithContext(ctx))
}

// milestoneContract loads the contract enclosing a milestone and checks the
// actor's role against it.
func (s *Service) milestoneContract(ctx context.Context, actor auth.Actor, milestoneID string) (*models.Contract, error) {
	tx := s.db.WithContext(ctx)
	var m models.Milestone
	if err := tx.Where("id = ?", milestoneID).First(&m).Error; err != nil {
		return nil, db.NotFound(err, "milestone", milestoneID)
	}
	var c models.Contract
	if err := tx.Where("id = ?", m.ContractID).First(&c).Error; err != nil {
		return nil, db.NotFound(err, "contract", m.ContractID)
	}
	if !isParty(actor.ID, c.ClientID, c.FreelancerID) {
		return nil, apperr.NotFound("milestone", milestoneID)
	}
	if err := checkRole(actor, c.ClientID, c.FreelancerID); err != nil {
		return nil, err
	}
	return &c, nil
}

// conversationParty reports NotFound unless the actor is a party to a
// proposal attached to the conversation.
func conversationParty(tx *gorm.DB, actor auth.Actor, conversationRef string) error {
	var n int64
	err := tx.Model(&models.Proposal{}).
		Where("conversation_ref = ? AND (client_id = ? OR freelancer_id = ?)", conversationRef, actor.ID, actor.ID).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("service: check conversation %s: %w", conversationRef, err)
	}
	if n == 0 {
		return apperr.NotFound("conversation", conversationRef)
	}
	return nil
}

func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	policy := s.policy
	policy.OnRetry = func(attempt int, err error) {
		metrics.RecordConflict(op, "retried")
		s.log.Warn("optimistic conflict, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	err := policy.Retry(ctx, fn)
	if apperr.IsRetryable(err) {
		metrics.RecordConflict(op, "exhausted")
		s.log.Warn("optimistic conflict not resolved", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (s *Service) nudge() {
	if s.nudger != nil {
		s.nudger.Nudge()
	}
}

func isParty(actorID, clientID, freelancerID string) bool {
	return actorID == clientID || actorID == freelancerID
}

// checkRole requires the actor's role to match the slot their id occupies.
// Callers outside both slots are left to the domain checks.
func checkRole(actor auth.Actor, clientID, freelancerID string) error {
	switch actor.ID {
	case clientID:
		if actor.Role != models.PartyClient {
			return apperr.Forbidden("%s holds the client slot", actor.ID)
		}
	case freelancerID:
		if actor.Role != models.PartyFreelancer {
			return apperr.Forbidden("%s holds the freelancer slot", actor.ID)
		}
	}
	return nil
}
