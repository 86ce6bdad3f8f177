package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Challenge is an issued "payment required" offer for one call of an endpoint.
// The nonce is single use: it becomes the idempotency key of the paying transfer.
type Challenge struct {
	Nonce      string
	PaymentID  uuid.UUID // id the paying transfer will get
	TenantID   uuid.UUID
	EndpointID uuid.UUID
	Resource   string
	Amount     decimal.Decimal
	Currency   Currency
	PayTo      uuid.UUID
	Network    string
	CreatedAt  time.Time
	ExpiresAt  time.Time

	// Set once a paid call was served for the challenge
	ConsumedAt *time.Time
}

func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c Challenge) Consumed() bool {
	return c.ConsumedAt != nil
}
