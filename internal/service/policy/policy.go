package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
)

type Outcome string

const (
	Approved         Outcome = "approved"
	RequiresApproval Outcome = "requires_approval"
)

// Candidate is a payment the wallet is about to make
type Candidate struct {
	Counterparty string
	Category     string
	Amount       decimal.Decimal

	// Set when a parked payment is being approved: threshold is not checked again
	SkipThreshold bool
}

type Decision struct {
	Outcome Outcome

	// Source policy with windows recomputed and, for approved payments, the amount added.
	// Nil for unrestricted wallets.
	Counters *models.SpendingPolicy

	// Snapshot after the payment is applied
	Remaining Remaining
}

// Evaluate runs the wallet spending rules against the candidate payment.
// Rules are checked in fixed order and the first failing one is returned.
// Evaluate never touches storage: persisting counters is up to the caller.
func Evaluate(now time.Time, w models.Wallet, c Candidate) (Decision, error) {
	switch w.Status {
	case models.WalletActive:
	case models.WalletFrozen:
		return Decision{}, apperrors.ErrWalletFrozen
	default:
		return Decision{}, apperrors.ErrWalletNotActive
	}

	if w.Policy == nil {
		return Decision{Outcome: Approved}, nil
	}

	if !w.Policy.CounterpartyAllowed(c.Counterparty) {
		return Decision{}, &apperrors.PolicyError{Code: apperrors.CodeCounterpartyNotApproved, Rule: apperrors.RuleCounterparties}
	}

	if !w.Policy.CategoryAllowed(c.Category) {
		return Decision{}, &apperrors.PolicyError{Code: apperrors.CodeCategoryNotApproved, Rule: apperrors.RuleCategories}
	}

	p := Windows(now, *w.Policy)

	if err := checkLimit(apperrors.RuleDailyLimit, p.DailyLimit, p.DailySpent, c.Amount); err != nil {
		return Decision{}, err
	}
	if err := checkLimit(apperrors.RuleMonthlyLimit, p.MonthlyLimit, p.MonthlySpent, c.Amount); err != nil {
		return Decision{}, err
	}

	if !c.SkipThreshold && p.ApprovalThreshold.Valid && c.Amount.GreaterThan(p.ApprovalThreshold.Decimal) {
		return Decision{
			Outcome:   RequiresApproval,
			Remaining: Remaining{Daily: remaining(p.DailyLimit, p.DailySpent), Monthly: remaining(p.MonthlyLimit, p.MonthlySpent)},
		}, nil
	}

	p.DailySpent = p.DailySpent.Add(c.Amount)
	p.MonthlySpent = p.MonthlySpent.Add(c.Amount)

	return Decision{
		Outcome:   Approved,
		Counters:  &p,
		Remaining: Remaining{Daily: remaining(p.DailyLimit, p.DailySpent), Monthly: remaining(p.MonthlyLimit, p.MonthlySpent)},
	}, nil
}

// PreCheck tells whether the total fits the current windows without counting it as spent.
// Used for mandate carts, before any payment exists.
func PreCheck(now time.Time, w models.Wallet, total decimal.Decimal) error {
	if w.Policy == nil {
		return nil
	}

	p := Windows(now, *w.Policy)
	if err := checkLimit(apperrors.RuleDailyLimit, p.DailyLimit, p.DailySpent, total); err != nil {
		return err
	}
	return checkLimit(apperrors.RuleMonthlyLimit, p.MonthlyLimit, p.MonthlySpent, total)
}

func checkLimit(rule string, limit decimal.NullDecimal, spent decimal.Decimal, amount decimal.Decimal) error {
	if !limit.Valid {
		return nil
	}

	left := limit.Decimal.Sub(spent)
	if amount.GreaterThan(left) {
		return apperrors.NewLimitError(rule, limit.Decimal, left)
	}
	return nil
}
