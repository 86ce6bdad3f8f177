package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/models"
)

// Leg is a value movement that touches balances held outside of the ledger
type Leg struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	TransferID  uuid.UUID       `json:"transfer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    models.Currency `json:"currency"`
	Source      Party           `json:"source"`
	Destination Party           `json:"destination"`
}

type Party struct {
	WalletID uuid.UUID          `json:"wallet_id"`
	Custody  models.CustodyKind `json:"custody"`
	Chain    string             `json:"chain,omitempty"`
	Address  string             `json:"address,omitempty"`
	Provider string             `json:"provider_ref,omitempty"`
}

type Receipt struct {
	Reference string `json:"reference"`
}

// Adapter settles legs with an external system.
// It is called inside the ledger transaction: an error aborts the whole transfer.
type Adapter interface {
	Settle(ctx context.Context, leg Leg) (Receipt, error)
}

// NoopAdapter accepts every leg; for deployments where external custody is mirrored only
type NoopAdapter struct{}

func (NoopAdapter) Settle(_ context.Context, leg Leg) (Receipt, error) {
	return Receipt{Reference: "noop:" + leg.TransferID.String()}, nil
}

// External reports whether the leg has to go through the adapter
func External(source, destination models.Wallet) bool {
	return !directlyManaged(source.Custody) || !directlyManaged(destination.Custody)
}

func directlyManaged(c models.Custody) bool {
	switch c.(type) {
	case models.DirectlyManaged, nil:
		return true
	case models.ExternallyVerified, models.DelegatedCustody:
		return false
	default:
		return false
	}
}

func partyOf(w models.Wallet) Party {
	p := Party{WalletID: w.ID, Custody: models.CustodyDirect}

	switch c := w.Custody.(type) {
	case models.ExternallyVerified:
		p.Custody, p.Chain, p.Address = c.Kind(), c.Chain, c.Address
	case models.DelegatedCustody:
		p.Custody, p.Provider = c.Kind(), c.ProviderRef
	case models.DirectlyManaged:
	}

	return p
}
