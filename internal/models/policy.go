package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// Daily window is exactly 24 hours; monthly window is one calendar month
	DailyPeriod = 24 * time.Hour
)

// SpendingPolicy gates autonomous payments from a wallet.
// Zero-valued (not Valid) limits and threshold mean "no restriction".
type SpendingPolicy struct {
	WalletID uuid.UUID

	DailyLimit     decimal.NullDecimal
	DailySpent     decimal.Decimal
	DailyResetAt   time.Time
	MonthlyLimit   decimal.NullDecimal
	MonthlySpent   decimal.Decimal
	MonthlyResetAt time.Time

	AllowedCounterparties []string
	AllowedCategories     []string

	ApprovalThreshold decimal.NullDecimal

	// nil if auto-replenishment is off
	Replenish *Replenishment
}

type Replenishment struct {
	TriggerBalance decimal.Decimal
	TopUpAmount    decimal.Decimal
	FundingWallet  uuid.UUID
}

func (p *SpendingPolicy) CounterpartyAllowed(counterparty string) bool {
	return len(p.AllowedCounterparties) == 0 || slices.Contains(p.AllowedCounterparties, counterparty)
}

func (p *SpendingPolicy) CategoryAllowed(category string) bool {
	return len(p.AllowedCategories) == 0 || slices.Contains(p.AllowedCategories, category)
}
