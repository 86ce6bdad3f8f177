package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MandateState string

const (
	MandateIntent  MandateState = "intent"
	MandateCart    MandateState = "cart"
	MandatePayment MandateState = "payment"
	MandateRevoked MandateState = "revoked"
)

// Order of the forward-only states; revoked is outside of it
var mandateOrder = map[MandateState]int{
	MandateIntent:  0,
	MandateCart:    1,
	MandatePayment: 2,
}

// CanAdvance reports whether a mandate may move from one state to another
func (s MandateState) CanAdvance(to MandateState) bool {
	switch {
	case s == MandatePayment || s == MandateRevoked:
		return false
	case to == MandateRevoked:
		return true
	default:
		return mandateOrder[to] == mandateOrder[s]+1
	}
}

type Mandate struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	WalletID     uuid.UUID
	Counterparty uuid.UUID // destination wallet all payments go to
	Description  string
	Category     string
	MaxAmount    decimal.NullDecimal // intent bound, optional
	Currency     Currency
	State        MandateState
	Items        []MandateItem
	TransferIDs  []uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExecutedAt   *time.Time
	RevokedAt    *time.Time
}

type MandateItem struct {
	Position    int
	Description string
	Amount      decimal.Decimal
	EndpointID  *uuid.UUID
}

func (m Mandate) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range m.Items {
		total = total.Add(item.Amount)
	}
	return total
}
