package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "active"
	EndpointPaused   EndpointStatus = "paused"
	EndpointDisabled EndpointStatus = "disabled"
)

// DiscountTier applies Multiplier to the base price once the endpoint served Threshold calls
type DiscountTier struct {
	Threshold  int64           `json:"threshold"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

type Endpoint struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	WalletID    uuid.UUID // owning wallet, receives payments
	Path        string
	Method      string
	Description string
	BasePrice   decimal.Decimal
	Currency    Currency
	Tiers       []DiscountTier // ordered by threshold ascending
	Category    string

	// Denormalized counters, eventually consistent with confirmed transfers
	CallCount int64
	Revenue   decimal.Decimal

	Status    EndpointStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
