package db

import (
	"fmt"

	"github.com/zulandar/milepost/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.NegotiationChain{},
		&models.Proposal{},
		&models.ProposalMilestone{},
		&models.Contract{},
		&models.JobLock{},
		&models.Milestone{},
		&models.MilestoneSubmission{},
		&models.OutboxEvent{},
		&models.SystemMessage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
