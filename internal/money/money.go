// Package money holds the decimal arithmetic shared by the ledger and the
// settlement workflow.
package money

import (
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Tolerance is the largest allowed gap between a proposal total and the sum
// of its milestone amounts.
var Tolerance = decimal.NewFromFloat(0.01)

var hundred = decimal.NewFromInt(100)

// Sum adds amounts.
func Sum(amounts []decimal.Decimal) decimal.Decimal {
	return lo.Reduce(amounts, func(acc decimal.Decimal, d decimal.Decimal, _ int) decimal.Decimal {
		return acc.Add(d)
	}, decimal.Zero)
}

// Reconciles reports whether the amounts add up to total within Tolerance.
func Reconciles(amounts []decimal.Decimal, total decimal.Decimal) bool {
	return Sum(amounts).Sub(total).Abs().LessThanOrEqual(Tolerance)
}

// WholeCents reports whether d has no digits past the second decimal place.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// Fee returns gross × percent / 100 rounded to cents.
func Fee(gross, percent decimal.Decimal) decimal.Decimal {
	return gross.Mul(percent).Div(hundred).Round(2)
}

// Split returns the platform fee and the net payout for a gross amount.
func Split(gross, percent decimal.Decimal) (fee, net decimal.Decimal) {
	fee = Fee(gross, percent)
	return fee, gross.Sub(fee)
}

// ValidPercent reports whether p lies in [0, 100].
func ValidPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}

// NormalizeCurrency upper-cases a currency code and reports whether it is a
// three-letter code.
func NormalizeCurrency(code string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return c, false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return c, false
		}
	}
	return c, true
}
