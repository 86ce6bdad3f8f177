package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferPending         TransferStatus = "pending"
	TransferPendingApproval TransferStatus = "pending_approval"
	TransferConfirmed       TransferStatus = "confirmed"
	TransferFailed          TransferStatus = "failed"
)

// Protocol tells what kind of value movement the transfer is.
// Idempotency keys are unique per (tenant, protocol).
type Protocol string

const (
	ProtocolMachinePayment Protocol = "machine_payment"
	ProtocolFunding        Protocol = "funding"
	ProtocolReplenishment  Protocol = "replenishment"
)

// Transfer is an immutable ledger entry recording one value movement.
// Only the status (and its timestamps) changes after creation.
type Transfer struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	SourceID      uuid.UUID
	DestinationID uuid.UUID
	Amount        decimal.Decimal
	Currency      Currency
	Status        TransferStatus
	Protocol      Protocol
	Category      string

	// Protocol metadata
	IdempotencyKey string
	EndpointID     *uuid.UUID
	MandateID      *uuid.UUID
	Proof          string
	ExternalRef    string // funding reference or external settlement receipt

	CreatedAt         time.Time
	ExpiresAt         time.Time  // unconfirmed transfer is void after
	ApprovalExpiresAt *time.Time // set for parked transfers only
	ConfirmedAt       *time.Time
	FailedAt          *time.Time
	FailureReason     string
}

func (t Transfer) IsConfirmed() bool {
	return t.Status == TransferConfirmed
}
