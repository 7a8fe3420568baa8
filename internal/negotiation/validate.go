package negotiation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/money"
)

// validateCreate checks a new offer and returns its normalized currency.
func validateCreate(opts *CreateOpts, now time.Time) (string, error) {
	switch {
	case opts.JobID == "":
		return "", apperr.Validation("job_id is required")
	case opts.ClientID == "" || opts.FreelancerID == "":
		return "", apperr.Validation("client_id and freelancer_id are required")
	case opts.ClientID == opts.FreelancerID:
		return "", apperr.Validation("client and freelancer must differ")
	case !opts.OfferedBy.Valid():
		return "", apperr.Validation("offered_by must be client or freelancer, got %q", opts.OfferedBy)
	}

	slot := opts.ClientID
	if opts.OfferedBy == models.PartyFreelancer {
		slot = opts.FreelancerID
	}
	if opts.ActorID != slot {
		return "", apperr.Forbidden("%s cannot offer as the %s", opts.ActorID, opts.OfferedBy)
	}

	currency, ok := money.NormalizeCurrency(opts.Currency)
	if !ok {
		return "", apperr.Validation("currency %q is not a three-letter code", opts.Currency)
	}
	if !money.ValidPercent(opts.PlatformFeePercent) {
		return "", apperr.Validation("platform_fee_percent must be between 0 and 100")
	}
	if !money.WholeCents(opts.PlatformFeePercent) {
		return "", apperr.Validation("platform_fee_percent %s has more than two decimal places", opts.PlatformFeePercent)
	}
	if opts.ValidUntil != nil && !opts.ValidUntil.After(now) {
		return "", apperr.Validation("valid_until must be in the future")
	}
	if err := validateTerms(opts.Milestones, opts.Total); err != nil {
		return "", err
	}
	if opts.Origin == "" {
		opts.Origin = "direct"
	}
	return currency, nil
}

// validateTerms checks the milestone set against the offered total.
func validateTerms(milestones []MilestoneInput, total decimal.Decimal) error {
	if len(milestones) == 0 {
		return apperr.Validation("at least one milestone is required")
	}
	if !total.IsPositive() {
		return apperr.Validation("total must be positive")
	}
	if !money.WholeCents(total) {
		return apperr.Validation("total %s has more than two decimal places", total)
	}
	amounts := make([]decimal.Decimal, 0, len(milestones))
	for i, m := range milestones {
		if strings.TrimSpace(m.Title) == "" {
			return apperr.Validation("milestone %d: title is required", i+1)
		}
		if !m.AmountGross.IsPositive() {
			return apperr.Validation("milestone %d: amount must be positive", i+1)
		}
		if !money.WholeCents(m.AmountGross) {
			return apperr.Validation("milestone %d: amount %s has more than two decimal places", i+1, m.AmountGross)
		}
		if m.DurationDays < 0 {
			return apperr.Validation("milestone %d: duration_days must not be negative", i+1)
		}
		amounts = append(amounts, m.AmountGross)
	}
	if !money.Reconciles(amounts, total) {
		return apperr.Validation("milestone amounts sum to %s, total is %s",
			money.Sum(amounts).StringFixed(2), total.StringFixed(2))
	}
	return nil
}
