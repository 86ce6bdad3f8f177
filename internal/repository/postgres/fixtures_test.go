package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/testutil"
)

func inTx(t *testing.T, outer DBTX, fn func(pgx.Tx, repository.Storage)) {
	testutil.WithTx(outer, t, func(tx pgx.Tx) {
		fn(tx, NewStorage(tx))
	})
}

func makeTenant(t *testing.T, s repository.Storage) models.Tenant {
	t.Helper()

	id := uuid.New()
	tenant, err := s.Tenant().CreateTenant(t.Context(), models.Tenant{
		ID:         id,
		Name:       "acme",
		APIKeyID:   id.String()[:8],
		APIKeyHash: "hash",
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	return tenant
}

// Create wallet and credit it straight in the table, bypassing the ledger
func makeWallet(t *testing.T, tx pgx.Tx, s repository.Storage, tenantID uuid.UUID, balance string) models.Wallet {
	t.Helper()

	w, err := s.Wallet().CreateWallet(t.Context(), models.Wallet{
		ID:        uuid.New(),
		TenantID:  tenantID,
		OwnerID:   "owner",
		Currency:  models.CurrencyUSDC,
		Custody:   models.DirectlyManaged{},
		Status:    models.WalletActive,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = tx.Exec(t.Context(), "UPDATE wallets SET balance = $2 WHERE id = $1", w.ID, decimal.RequireFromString(balance))
	require.NoError(t, err)

	w, err = s.Wallet().GetWallet(t.Context(), tenantID, w.ID)
	require.NoError(t, err)
	return w
}

func createPendingTransfer(t *testing.T, s repository.Storage, tenantID uuid.UUID, src, dst uuid.UUID, amount string, key string) models.Transfer {
	t.Helper()

	now := time.Now()
	transfer, created, err := s.Transfer().CreateTransfer(t.Context(), models.Transfer{
		ID:             uuid.New(),
		TenantID:       tenantID,
		SourceID:       src,
		DestinationID:  dst,
		Amount:         decimal.RequireFromString(amount),
		Currency:       models.CurrencyUSDC,
		Status:         models.TransferPending,
		Protocol:       models.ProtocolMachinePayment,
		IdempotencyKey: key,
		CreatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.True(t, created)
	return transfer
}
