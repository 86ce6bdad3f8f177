package postgres

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
)

type LedgerRepo struct {
	DB DBTX
}

// Rows are locked in id order, so two transfers between the same wallets never deadlock
const lockWallets = `-- name: LockWallets
SELECT` + walletColumns + `
FROM wallets w
LEFT JOIN wallet_policies p ON p.wallet_id = w.id
WHERE w.tenant_id = $1 AND w.id = ANY($2)
ORDER BY w.id
FOR UPDATE OF w
`

func (r *LedgerRepo) LockWallets(ctx context.Context, tenantID uuid.UUID, ids ...uuid.UUID) (map[uuid.UUID]models.Wallet, error) {
	unique := slices.Clone(ids)
	slices.SortFunc(unique, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	unique = slices.Compact(unique)

	rows, _ := r.DB.Query(ctx, lockWallets, tenantID, unique)
	wallets, err := pgx.CollectRows(rows, rowToWallet)
	if err != nil {
		return nil, dbError(err)
	}

	if len(wallets) != len(unique) {
		return nil, apperrors.ErrNotFound
	}

	locked := make(map[uuid.UUID]models.Wallet, len(wallets))
	for _, w := range wallets {
		locked[w.ID] = w
	}

	return locked, nil
}

// Balance guard is part of the statement: no row updated means insufficient funds
const debitWallet = `-- name: DebitWallet
UPDATE wallets SET
	balance = balance - $3,
	status = CASE WHEN balance - $3 = 0 AND status = 'active' THEN 'depleted' ELSE status END,
	updated_at = $4
WHERE tenant_id = $1 AND id = $2 AND balance >= $3
`

const creditWallet = `-- name: CreditWallet
UPDATE wallets SET
	balance = balance + $3,
	status = CASE WHEN status = 'depleted' THEN 'active' ELSE status END,
	updated_at = $4
WHERE tenant_id = $1 AND id = $2
`

const saveCounters = `-- name: SaveCounters
UPDATE wallet_policies SET
	daily_spent = $2,
	daily_reset_at = $3,
	monthly_spent = $4,
	monthly_reset_at = $5
WHERE wallet_id = $1
`

const confirmTransfer = `-- name: ConfirmTransfer
UPDATE transfers SET
	status = 'confirmed',
	confirmed_at = $3,
	proof = $4,
	external_ref = CASE WHEN $5::text = '' THEN external_ref ELSE $5::text END,
	approval_expires_at = NULL
WHERE tenant_id = $1 AND id = $2 AND status IN ('pending', 'pending_approval')
RETURNING ` + transferColumns

// ApplyTransfer moves the value and confirms the transfer.
// Callers must run it in the same transaction the wallets were locked in.
func (r *LedgerRepo) ApplyTransfer(ctx context.Context, p repository.ApplyTransferParams) (repository.LedgerResult, error) {
	var result repository.LedgerResult

	if !p.Amount.IsPositive() {
		return result, apperrors.ErrInvalidAmount
	}

	tag, err := r.DB.Exec(ctx, debitWallet, p.TenantID, p.SourceID, p.Amount, p.ConfirmedAt)
	switch {
	case err != nil:
		return result, dbError(err)
	case tag.RowsAffected() == 0:
		return result, apperrors.ErrInsufficientFunds
	}

	tag, err = r.DB.Exec(ctx, creditWallet, p.TenantID, p.DestinationID, p.Amount, p.ConfirmedAt)
	switch {
	case err != nil:
		return result, dbError(err)
	case tag.RowsAffected() == 0:
		return result, apperrors.ErrNotFound
	}

	if c := p.Counters; c != nil {
		_, err = r.DB.Exec(ctx, saveCounters, p.SourceID, c.DailySpent, c.DailyResetAt, c.MonthlySpent, c.MonthlyResetAt)
		if err != nil {
			return result, dbError(err)
		}
	}

	rows, _ := r.DB.Query(ctx, confirmTransfer, p.TenantID, p.TransferID, p.ConfirmedAt, p.Proof, p.ExternalRef)
	result.Transfer, err = pgx.CollectOneRow(rows, rowToTransfer)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		// Transfer was confirmed or failed by someone else
		return result, apperrors.ErrConflict
	default:
		return result, dbError(err)
	}

	wallets := &WalletRepo{DB: r.DB}
	if result.Source, err = wallets.GetWallet(ctx, p.TenantID, p.SourceID); err != nil {
		return result, err
	}
	if result.Destination, err = wallets.GetWallet(ctx, p.TenantID, p.DestinationID); err != nil {
		return result, err
	}

	return result, nil
}
