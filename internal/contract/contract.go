// Package contract turns an accepted proposal into a contract and its
// milestones, exactly once per proposal.
package contract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/db"
	"github.com/zulandar/milepost/internal/lock"
	"github.com/zulandar/milepost/internal/metrics"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/money"
	"github.com/zulandar/milepost/internal/outbox"
	"gorm.io/gorm"
)

// Materialize creates the contract for an accepted proposal inside tx. If a
// contract already exists for the proposal it is returned unchanged and
// created is false.
func Materialize(tx *gorm.DB, p *models.Proposal, now time.Time) (c *models.Contract, created bool, err error) {
	if p.Status != models.ProposalAccepted {
		return nil, false, apperr.State("proposal %s is %s, not accepted", p.ID, p.Status)
	}

	existing, err := byProposal(tx, p.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		metrics.RecordContract("existing")
		return existing, false, nil
	}

	source, err := proposalMilestones(tx, p)
	if err != nil {
		return nil, false, err
	}
	if len(source) == 0 {
		return nil, false, apperr.State("proposal %s has no milestones", p.ID)
	}

	contract := models.Contract{
		ID:                 models.NewID("ctr"),
		ProposalID:         p.ID,
		RootID:             p.RootID,
		JobID:              p.JobID,
		ClientID:           p.ClientID,
		FreelancerID:       p.FreelancerID,
		Currency:           p.Currency,
		FeesTotal:          p.TotalGross,
		PlatformFeePercent: p.PlatformFeePercent,
		PlatformFeeAmount:  money.Fee(p.TotalGross, p.PlatformFeePercent),
		Status:             models.ContractActive,
		ConversationRef:    p.ConversationRef,
		Version:            1,
		CreatedAt:          now,
	}
	if err := tx.Omit("Milestones").Create(&contract).Error; err != nil {
		return nil, false, fmt.Errorf("contract: create for proposal %s: %w", p.ID, err)
	}

	contract.Milestones = BuildMilestones(contract.ID, source, now)
	if err := tx.Create(&contract.Milestones).Error; err != nil {
		return nil, false, fmt.Errorf("contract: create milestones for %s: %w", contract.ID, err)
	}

	if _, err := lock.LockJob(tx, p.JobID, contract.ID, p.RootID, now); err != nil {
		return nil, false, err
	}

	if _, err := outbox.Enqueue(tx, outbox.AggregateContract, outbox.Envelope{
		Event:           outbox.ContractCreated,
		AggregateID:     contract.ID,
		ConversationRef: contract.ConversationRef,
		Summary: fmt.Sprintf("Contract started: %d milestones, %s %s total.",
			len(contract.Milestones), contract.FeesTotal.StringFixed(2), contract.Currency),
		OccurredAt: now,
	}, ""); err != nil {
		return nil, false, err
	}

	metrics.RecordContract("created")
	return &contract, true, nil
}

// BuildMilestones derives contract milestones from proposal milestones in
// position order. Each due date is start plus the running sum of durations.
func BuildMilestones(contractID string, source []models.ProposalMilestone, start time.Time) []models.Milestone {
	ordered := append([]models.ProposalMilestone(nil), source...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	days := 0
	return lo.Map(ordered, func(pm models.ProposalMilestone, _ int) models.Milestone {
		days += pm.DurationDays
		return models.Milestone{
			ID:           models.NewID("ms"),
			ContractID:   contractID,
			Position:     pm.Position,
			Title:        pm.Title,
			Description:  pm.Description,
			AmountGross:  pm.AmountGross,
			DurationDays: pm.DurationDays,
			DueAt:        start.AddDate(0, 0, days),
			Status:       models.MilestonePending,
			Version:      1,
			CreatedAt:    start,
			UpdatedAt:    start,
		}
	})
}

// SyncMilestones re-derives the milestones of a contract whose milestone
// batch never landed. It is a no-op when the contract already has milestones.
func SyncMilestones(ctx context.Context, gdb *gorm.DB, contractID string) ([]models.Milestone, error) {
	var out []models.Milestone
	err := db.Transact(ctx, gdb, func(tx *gorm.DB) error {
		var c models.Contract
		if err := tx.Where("id = ?", contractID).First(&c).Error; err != nil {
			return db.NotFound(err, "contract", contractID)
		}

		existing, err := Milestones(tx, contractID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing
			metrics.RecordContract("existing")
			return nil
		}

		var p models.Proposal
		if err := tx.Where("id = ?", c.ProposalID).First(&p).Error; err != nil {
			return db.NotFound(err, "proposal", c.ProposalID)
		}
		source, err := proposalMilestones(tx, &p)
		if err != nil {
			return err
		}
		if len(source) == 0 {
			return apperr.State("source proposal %s has no milestones", p.ID)
		}

		// Claim the repair so a concurrent sync collides here.
		if err := db.UpdateVersioned(tx, &models.Contract{}, "id", c.ID, c.Version, map[string]interface{}{}); err != nil {
			return err
		}

		out = BuildMilestones(c.ID, source, c.CreatedAt)
		if err := tx.Create(&out).Error; err != nil {
			return fmt.Errorf("contract: sync milestones for %s: %w", c.ID, err)
		}
		metrics.RecordContract("synced")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads a contract with its milestones in position order.
func Get(gdb *gorm.DB, id string) (*models.Contract, error) {
	var c models.Contract
	err := gdb.Preload("Milestones", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Where("id = ?", id).First(&c).Error
	if err != nil {
		return nil, db.NotFound(err, "contract", id)
	}
	return &c, nil
}

// ForProposal returns the contract materialized from proposalID.
func ForProposal(gdb *gorm.DB, proposalID string) (*models.Contract, error) {
	c, err := byProposal(gdb, proposalID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.NotFound("contract for proposal", proposalID)
	}
	return Get(gdb, c.ID)
}

// Milestones returns a contract's milestones in position order.
func Milestones(tx *gorm.DB, contractID string) ([]models.Milestone, error) {
	var ms []models.Milestone
	if err := tx.Where("contract_id = ?", contractID).Order("position ASC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("contract: load milestones for %s: %w", contractID, err)
	}
	return ms, nil
}

func byProposal(tx *gorm.DB, proposalID string) (*models.Contract, error) {
	var c models.Contract
	err := tx.Where("proposal_id = ?", proposalID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contract: load by proposal %s: %w", proposalID, err)
	}
	return &c, nil
}

func proposalMilestones(tx *gorm.DB, p *models.Proposal) ([]models.ProposalMilestone, error) {
	if len(p.Milestones) > 0 {
		return p.Milestones, nil
	}
	var pms []models.ProposalMilestone
	if err := tx.Where("proposal_id = ?", p.ID).Order("position ASC").Find(&pms).Error; err != nil {
		return nil, fmt.Errorf("contract: load proposal milestones for %s: %w", p.ID, err)
	}
	return pms, nil
}
