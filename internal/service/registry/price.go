package registry

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
)

// EffectivePrice applies the highest tier whose threshold is <= calls served so far.
// The result is rounded to the currency precision with banker's rounding.
func EffectivePrice(e models.Endpoint, callsSoFar int64) decimal.Decimal {
	multiplier := decimal.NewFromInt(1)
	for _, tier := range e.Tiers {
		if tier.Threshold > callsSoFar {
			break
		}
		multiplier = tier.Multiplier
	}

	return e.Currency.Round(e.BasePrice.Mul(multiplier))
}

// Sort tiers by threshold and make sure they make sense
func normalizeTiers(tiers []models.DiscountTier) ([]models.DiscountTier, error) {
	tiers = slices.Clone(tiers)
	slices.SortFunc(tiers, func(a, b models.DiscountTier) int {
		switch {
		case a.Threshold < b.Threshold:
			return -1
		case a.Threshold > b.Threshold:
			return 1
		default:
			return 0
		}
	})

	for i, tier := range tiers {
		if tier.Threshold < 0 || !tier.Multiplier.IsPositive() {
			return nil, apperrors.ErrInvalidDiscount
		}
		if i > 0 && tiers[i-1].Threshold == tier.Threshold {
			return nil, apperrors.ErrInvalidDiscount
		}
	}

	return tiers, nil
}
