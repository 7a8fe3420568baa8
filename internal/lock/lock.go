// Package lock enforces at most one contract per job and keeps new offers
// off a job once it is contracted.
package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/db"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/outbox"
	"gorm.io/gorm"
)

// lockingStatuses are the contract statuses that hold a job.
var lockingStatuses = []string{models.ContractActive, models.ContractCompleted, models.ContractDisputed}

// EnsureUnlocked fails with StateError("job locked") when a contract holds jobID.
func EnsureUnlocked(tx *gorm.DB, jobID string) error {
	var n int64
	if err := tx.Model(&models.JobLock{}).Where("job_id = ?", jobID).Count(&n).Error; err != nil {
		return fmt.Errorf("lock: check job %s: %w", jobID, err)
	}
	if n == 0 {
		if err := tx.Model(&models.Contract{}).
			Where("job_id = ? AND status IN ?", jobID, lockingStatuses).
			Count(&n).Error; err != nil {
			return fmt.Errorf("lock: check contracts for job %s: %w", jobID, err)
		}
	}
	if n > 0 {
		return apperr.State("job locked")
	}
	return nil
}

// Holder returns the lock held on jobID, or nil when the job is free.
func Holder(tx *gorm.DB, jobID string) (*models.JobLock, error) {
	var l models.JobLock
	err := tx.Where("job_id = ?", jobID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: load job %s: %w", jobID, err)
	}
	return &l, nil
}

// LockJob pins jobID to contractID and force-cancels every other open chain
// on the job, so no second contract can be materialized for it. The chain
// identified by keepRootID is left alone. It returns the cancelled heads.
func LockJob(tx *gorm.DB, jobID, contractID, keepRootID string, now time.Time) ([]models.Proposal, error) {
	held, err := Holder(tx, jobID)
	if err != nil {
		return nil, err
	}
	if held != nil && held.ContractID != contractID {
		return nil, apperr.State("job locked")
	}
	if held == nil {
		if err := tx.Create(&models.JobLock{JobID: jobID, ContractID: contractID, CreatedAt: now}).Error; err != nil {
			return nil, fmt.Errorf("lock: lock job %s: %w", jobID, err)
		}
	}

	var chains []models.NegotiationChain
	if err := tx.Where("job_id = ? AND status = ? AND root_id <> ?", jobID, models.ChainOpen, keepRootID).
		Find(&chains).Error; err != nil {
		return nil, fmt.Errorf("lock: load open chains for job %s: %w", jobID, err)
	}

	cancelled := make([]models.Proposal, 0, len(chains))
	for _, chain := range chains {
		head, err := cancelHead(tx, chain, now)
		if err != nil {
			return nil, err
		}
		cancelled = append(cancelled, *head)
	}
	return cancelled, nil
}

func cancelHead(tx *gorm.DB, chain models.NegotiationChain, now time.Time) (*models.Proposal, error) {
	if err := db.UpdateVersioned(tx, &models.NegotiationChain{}, "root_id", chain.RootID, chain.Version,
		map[string]interface{}{"status": models.ChainClosed, "open_key": nil}); err != nil {
		return nil, err
	}

	var head models.Proposal
	if err := tx.Where("id = ?", chain.HeadID).First(&head).Error; err != nil {
		return nil, fmt.Errorf("lock: load head %s: %w", chain.HeadID, err)
	}
	if err := tx.Model(&models.Proposal{}).Where("id = ?", head.ID).Updates(map[string]interface{}{
		"status":                 models.ProposalCancelled,
		"accepted_by_client":     false,
		"accepted_by_freelancer": false,
		"decided_at":             now,
	}).Error; err != nil {
		return nil, fmt.Errorf("lock: cancel head %s: %w", head.ID, err)
	}
	head.Status = models.ProposalCancelled
	head.AcceptedByClient, head.AcceptedByFreelancer = false, false
	head.DecidedAt = &now

	if _, err := outbox.Enqueue(tx, outbox.AggregateProposal, outbox.Envelope{
		Event:           outbox.ProposalCancelled,
		AggregateID:     head.ID,
		ConversationRef: head.ConversationRef,
		Summary:         "Offer cancelled: the job was contracted through another negotiation.",
		OccurredAt:      now,
	}, ""); err != nil {
		return nil, err
	}
	return &head, nil
}
