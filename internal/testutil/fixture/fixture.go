// Package fixture seeds records for service and handler tests
package fixture

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/repository/postgres"
)

type Fixture struct {
	t       *testing.T
	db      postgres.DBTX
	Storage repository.Storage
}

// New binds fixture to the connection; pass a pgx.Tx to get records rolled back with it
func New(t *testing.T, db postgres.DBTX) *Fixture {
	return &Fixture{t: t, db: db, Storage: postgres.NewStorage(db)}
}

func (f *Fixture) Tenant() models.Tenant {
	f.t.Helper()

	id := uuid.New()
	tenant, err := f.Storage.Tenant().CreateTenant(f.t.Context(), models.Tenant{
		ID:         id,
		Name:       "tenant-" + id.String()[:8],
		APIKeyID:   id.String()[:12],
		APIKeyHash: "not-a-hash",
		CreatedAt:  time.Now(),
	})
	require.NoError(f.t, err)
	return tenant
}

// Wallet creates USDC wallet holding the balance
func (f *Fixture) Wallet(tenantID uuid.UUID, balance string) models.Wallet {
	return f.WalletOf(tenantID, models.CurrencyUSDC, models.DirectlyManaged{}, balance)
}

func (f *Fixture) WalletOf(tenantID uuid.UUID, currency models.Currency, custody models.Custody, balance string) models.Wallet {
	f.t.Helper()

	w, err := f.Storage.Wallet().CreateWallet(f.t.Context(), models.Wallet{
		ID:        uuid.New(),
		TenantID:  tenantID,
		OwnerID:   "owner",
		Currency:  currency,
		Custody:   custody,
		Status:    models.WalletActive,
		CreatedAt: time.Now(),
	})
	require.NoError(f.t, err)

	// Seed balance directly: ledger has no "mint" operation
	_, err = f.db.Exec(f.t.Context(), "UPDATE wallets SET balance = $2 WHERE id = $1", w.ID, decimal.RequireFromString(balance))
	require.NoError(f.t, err)

	return f.Reload(w)
}

func (f *Fixture) Reload(w models.Wallet) models.Wallet {
	f.t.Helper()

	got, err := f.Storage.Wallet().GetWallet(f.t.Context(), w.TenantID, w.ID)
	require.NoError(f.t, err)
	return got
}

// Policy attaches policy to the wallet; zero reset boundaries are opened from now
func (f *Fixture) Policy(w models.Wallet, p models.SpendingPolicy) models.Wallet {
	f.t.Helper()

	now := time.Now()
	p.WalletID = w.ID
	if p.DailyResetAt.IsZero() {
		p.DailyResetAt = now.Add(models.DailyPeriod)
	}
	if p.MonthlyResetAt.IsZero() {
		p.MonthlyResetAt = now.AddDate(0, 1, 0)
	}

	err := f.Storage.Wallet().SavePolicy(f.t.Context(), w.TenantID, p)
	require.NoError(f.t, err)
	return f.Reload(w)
}

func (f *Fixture) Endpoint(owner models.Wallet, method string, path string, price string, tiers ...models.DiscountTier) models.Endpoint {
	f.t.Helper()

	e, err := f.Storage.Endpoint().CreateEndpoint(f.t.Context(), models.Endpoint{
		ID:        uuid.New(),
		TenantID:  owner.TenantID,
		WalletID:  owner.ID,
		Path:      path,
		Method:    method,
		BasePrice: decimal.RequireFromString(price),
		Currency:  owner.Currency,
		Tiers:     tiers,
		Status:    models.EndpointActive,
		CreatedAt: time.Now(),
	})
	require.NoError(f.t, err)
	return e
}

// Sum of balances of the wallets as stored right now
func (f *Fixture) Total(wallets ...models.Wallet) decimal.Decimal {
	f.t.Helper()

	total := decimal.Zero
	for _, w := range wallets {
		total = total.Add(f.Reload(w).Balance)
	}
	return total
}
