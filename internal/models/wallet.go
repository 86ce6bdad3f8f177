package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletActive   WalletStatus = "active"
	WalletFrozen   WalletStatus = "frozen"
	WalletDepleted WalletStatus = "depleted"
)

type Wallet struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	OwnerID   string // account or agent the wallet belongs to
	Currency  Currency
	Balance   decimal.Decimal
	Custody   Custody
	Status    WalletStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// nil if wallet is unrestricted
	Policy *SpendingPolicy
}

// Custody classification of a wallet balance.
// The set of implementations is closed: DirectlyManaged, ExternallyVerified, DelegatedCustody.
type Custody interface {
	Kind() CustodyKind
	custody()
}

type CustodyKind string

const (
	CustodyDirect    CustodyKind = "directly_managed"
	CustodyExternal  CustodyKind = "externally_verified"
	CustodyDelegated CustodyKind = "delegated_custody"
)

// Balance is fully managed by the ledger
type DirectlyManaged struct{}

// Balance is mirrored from an external address on some chain
type ExternallyVerified struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

// Balance is held by a third party custody provider
type DelegatedCustody struct {
	ProviderRef string `json:"provider_ref"`
}

func (DirectlyManaged) Kind() CustodyKind    { return CustodyDirect }
func (ExternallyVerified) Kind() CustodyKind { return CustodyExternal }
func (DelegatedCustody) Kind() CustodyKind   { return CustodyDelegated }

func (DirectlyManaged) custody()    {}
func (ExternallyVerified) custody() {}
func (DelegatedCustody) custody()   {}
