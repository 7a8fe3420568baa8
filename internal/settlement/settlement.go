// Package settlement governs milestone delivery: versioned submissions,
// client review and payout release.
package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/db"
	"github.com/zulandar/milepost/internal/logging"
	"github.com/zulandar/milepost/internal/metrics"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/money"
	"github.com/zulandar/milepost/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Decision is the client's verdict on a submission.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision validates a decision name.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Approve, Reject:
		return d, nil
	}
	return "", apperr.Validation("unknown decision %q", s)
}

// closedForSubmission are milestone statuses that accept no further work.
var closedForSubmission = map[string]bool{
	models.MilestoneApproved: true,
	models.MilestoneReleased: true,
	models.MilestoneRefunded: true,
}

// SubmitOpts holds parameters for a submission.
type SubmitOpts struct {
	ActorID     string
	MilestoneID string
	URL         string
	Notes       string
}

// DecideOpts holds parameters for a review decision.
type DecideOpts struct {
	ActorID      string
	MilestoneID  string
	SubmissionID string
	Decision     Decision
	Reason       string
}

// Workflow applies submissions and decisions to milestones.
type Workflow struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// New creates a Workflow.
func New(db *gorm.DB, log *zap.Logger) *Workflow {
	return &Workflow{db: db, log: logging.OrNop(log), now: time.Now}
}

// WithClock overrides the workflow clock.
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// Submit records a new submission version and moves the milestone to submitted.
func (w *Workflow) Submit(ctx context.Context, opts SubmitOpts) (*models.MilestoneSubmission, error) {
	url, notes := strings.TrimSpace(opts.URL), strings.TrimSpace(opts.Notes)
	if url == "" && notes == "" {
		return nil, apperr.Validation("a url or notes are required")
	}

	var sub *models.MilestoneSubmission
	err := db.Transact(ctx, w.db, func(tx *gorm.DB) error {
		now := w.now()
		m, c, err := load(tx, opts.MilestoneID, opts.ActorID)
		if err != nil {
			return err
		}
		if opts.ActorID != c.FreelancerID {
			return apperr.Forbidden("only the freelancer can submit work")
		}
		if c.Status != models.ContractActive {
			return apperr.State("contract %s is %s", c.ID, c.Status)
		}
		if closedForSubmission[m.Status] {
			return apperr.State("milestone %s is %s", m.ID, m.Status)
		}

		sub = &models.MilestoneSubmission{
			ID:          models.NewID("sub"),
			MilestoneID: m.ID,
			Version:     m.LastVersion + 1,
			URL:         url,
			Notes:       notes,
			Status:      models.SubmissionSubmitted,
			SubmittedBy: opts.ActorID,
			SubmittedAt: now,
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("settlement: create submission for %s: %w", m.ID, err)
		}
		if err := db.UpdateVersioned(tx, &models.Milestone{}, "id", m.ID, m.Version, map[string]interface{}{
			"status":               models.MilestoneSubmitted,
			"submitted_at":         now,
			"latest_submission_id": sub.ID,
			"last_version":         sub.Version,
		}); err != nil {
			return err
		}

		_, err = outbox.Enqueue(tx, outbox.AggregateMilestone, outbox.Envelope{
			Event:           outbox.MilestoneSubmitted,
			AggregateID:     m.ID,
			ConversationRef: c.ConversationRef,
			ActorID:         opts.ActorID,
			Summary:         fmt.Sprintf("Work submitted for %q (version %d).", m.Title, sub.Version),
			OccurredAt:      now,
		}, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordMilestone("submit")
	w.log.Info("milestone submitted",
		zap.String("milestone_id", sub.MilestoneID),
		zap.String("submission_id", sub.ID),
		zap.Int("version", sub.Version),
	)
	return sub, nil
}

// Decide approves or rejects the latest submission of a milestone. Approval
// releases the milestone and queues the payment release; releasing the last
// open milestone completes the contract.
func (w *Workflow) Decide(ctx context.Context, opts DecideOpts) (*models.Milestone, error) {
	if _, err := ParseDecision(string(opts.Decision)); err != nil {
		return nil, err
	}
	if opts.SubmissionID == "" {
		return nil, apperr.Validation("submission_id is required")
	}

	var out *models.Milestone
	err := db.Transact(ctx, w.db, func(tx *gorm.DB) error {
		now := w.now()
		m, c, err := load(tx, opts.MilestoneID, opts.ActorID)
		if err != nil {
			return err
		}
		if opts.ActorID != c.ClientID {
			return apperr.Forbidden("only the client can review submissions")
		}
		if c.Status != models.ContractActive {
			return apperr.State("contract %s is %s", c.ID, c.Status)
		}

		latest, err := latestSubmission(tx, m)
		if err != nil {
			return err
		}
		if latest == nil {
			return apperr.State("milestone %s has no submission", m.ID)
		}
		if latest.ID != opts.SubmissionID {
			return apperr.Stale("submission %s is not the latest for milestone %s, %s is", opts.SubmissionID, m.ID, latest.ID)
		}
		if latest.Status != models.SubmissionSubmitted {
			return apperr.State("submission %s is already %s", latest.ID, latest.Status)
		}

		subUpdates := map[string]interface{}{
			"decided_at": now,
			"decided_by": opts.ActorID,
		}
		msUpdates := map[string]interface{}{}
		var event, summary, dedupe string
		var release *outbox.Release

		switch opts.Decision {
		case Approve:
			subUpdates["status"] = models.SubmissionApproved
			msUpdates["status"] = models.MilestoneReleased
			msUpdates["approved_at"] = now
			msUpdates["released_at"] = now
			msUpdates["rejected_at"] = nil
			fee, net := money.Split(m.AmountGross, c.PlatformFeePercent)
			release = &outbox.Release{
				MilestoneID:  m.ID,
				ContractID:   c.ID,
				FreelancerID: c.FreelancerID,
				Currency:     c.Currency,
				Gross:        m.AmountGross,
				Fee:          fee,
				Net:          net,
			}
			event, dedupe = outbox.MilestoneReleased, outbox.ReleaseDedupeKey(m.ID)
			summary = fmt.Sprintf("%q approved. %s %s released to the freelancer.", m.Title, net.StringFixed(2), c.Currency)
		case Reject:
			subUpdates["status"] = models.SubmissionRejected
			msUpdates["status"] = models.MilestoneRejected
			msUpdates["rejected_at"] = now
			msUpdates["approved_at"] = nil
			event = outbox.MilestoneRejected
			summary = fmt.Sprintf("Submission for %q was rejected.", m.Title)
			if reason := strings.TrimSpace(opts.Reason); reason != "" {
				subUpdates["reason"] = reason
				summary += " Reason: " + reason
			}
		}

		if err := tx.Model(&models.MilestoneSubmission{}).
			Where("id = ? AND status = ?", latest.ID, models.SubmissionSubmitted).
			Updates(subUpdates).Error; err != nil {
			return fmt.Errorf("settlement: decide submission %s: %w", latest.ID, err)
		}
		if err := db.UpdateVersioned(tx, &models.Milestone{}, "id", m.ID, m.Version, msUpdates); err != nil {
			return err
		}
		if _, err := outbox.Enqueue(tx, outbox.AggregateMilestone, outbox.Envelope{
			Event:           event,
			AggregateID:     m.ID,
			ConversationRef: c.ConversationRef,
			ActorID:         opts.ActorID,
			Summary:         summary,
			Release:         release,
			OccurredAt:      now,
		}, dedupe); err != nil {
			return err
		}

		if opts.Decision == Approve {
			if err := completeIfSettled(tx, c, now); err != nil {
				return err
			}
		}

		var reloaded models.Milestone
		if err := tx.Where("id = ?", m.ID).First(&reloaded).Error; err != nil {
			return fmt.Errorf("settlement: reload milestone %s: %w", m.ID, err)
		}
		out = &reloaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordMilestone(string(opts.Decision))
	w.log.Info("milestone decided",
		zap.String("milestone_id", out.ID),
		zap.String("submission_id", opts.SubmissionID),
		zap.String("decision", string(opts.Decision)),
		zap.String("status", out.Status),
	)
	return out, nil
}

// Submissions lists a milestone's submissions, latest first, for a party to
// its contract.
func (w *Workflow) Submissions(ctx context.Context, actorID, milestoneID string) ([]models.MilestoneSubmission, error) {
	tx := w.db.WithContext(ctx)
	if _, _, err := load(tx, milestoneID, actorID); err != nil {
		return nil, err
	}
	var subs []models.MilestoneSubmission
	if err := tx.Where("milestone_id = ?", milestoneID).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("settlement: list submissions of %s: %w", milestoneID, err)
	}
	SortLatestFirst(subs)
	return subs, nil
}

// SortLatestFirst orders submissions by submitted_at descending, breaking
// ties by version descending. Version wins under clock skew.
func SortLatestFirst(subs []models.MilestoneSubmission) {
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].SubmittedAt.Equal(subs[j].SubmittedAt) {
			return subs[i].SubmittedAt.After(subs[j].SubmittedAt)
		}
		return subs[i].Version > subs[j].Version
	})
}

// SelectLatest returns the latest submission, or nil for an empty set.
func SelectLatest(subs []models.MilestoneSubmission) *models.MilestoneSubmission {
	if len(subs) == 0 {
		return nil
	}
	ordered := append([]models.MilestoneSubmission(nil), subs...)
	SortLatestFirst(ordered)
	return &ordered[0]
}

// latestSubmission follows the milestone's pointer. Rows written without a
// pointer fall back to the ordering rule.
func latestSubmission(tx *gorm.DB, m *models.Milestone) (*models.MilestoneSubmission, error) {
	if m.LatestSubmissionID != nil {
		var sub models.MilestoneSubmission
		if err := tx.Where("id = ?", *m.LatestSubmissionID).First(&sub).Error; err != nil {
			return nil, db.NotFound(err, "submission", *m.LatestSubmissionID)
		}
		return &sub, nil
	}
	var subs []models.MilestoneSubmission
	if err := tx.Where("milestone_id = ?", m.ID).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("settlement: load submissions of %s: %w", m.ID, err)
	}
	return SelectLatest(subs), nil
}

// load fetches a milestone and its contract. Callers who are not a party to
// the contract cannot see the milestone.
func load(tx *gorm.DB, milestoneID, actorID string) (*models.Milestone, *models.Contract, error) {
	var m models.Milestone
	if err := tx.Where("id = ?", milestoneID).First(&m).Error; err != nil {
		return nil, nil, db.NotFound(err, "milestone", milestoneID)
	}
	var c models.Contract
	if err := tx.Where("id = ?", m.ContractID).First(&c).Error; err != nil {
		return nil, nil, db.NotFound(err, "contract", m.ContractID)
	}
	if actorID != c.ClientID && actorID != c.FreelancerID {
		return nil, nil, apperr.NotFound("milestone", milestoneID)
	}
	return &m, &c, nil
}

// completeIfSettled moves the contract to completed once every milestone
// has been released.
func completeIfSettled(tx *gorm.DB, c *models.Contract, now time.Time) error {
	var ms []models.Milestone
	if err := tx.Where("contract_id = ?", c.ID).Find(&ms).Error; err != nil {
		return fmt.Errorf("settlement: load milestones of %s: %w", c.ID, err)
	}
	settled := lo.EveryBy(ms, func(m models.Milestone) bool { return m.Status == models.MilestoneReleased })
	if len(ms) == 0 || !settled {
		return nil
	}
	if err := db.UpdateVersioned(tx, &models.Contract{}, "id", c.ID, c.Version, map[string]interface{}{
		"status":       models.ContractCompleted,
		"completed_at": now,
	}); err != nil {
		return err
	}
	_, err := outbox.Enqueue(tx, outbox.AggregateContract, outbox.Envelope{
		Event:           outbox.ContractCompleted,
		AggregateID:     c.ID,
		ConversationRef: c.ConversationRef,
		Summary:         "All milestones released. The contract is complete.",
		OccurredAt:      now,
	}, "")
	return err
}
