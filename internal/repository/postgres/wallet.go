package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
)

type WalletRepo struct {
	DB DBTX
}

// Wallet columns joined with its optional policy
const walletColumns = `
	w.id, w.tenant_id, w.owner_id, w.currency, w.balance, w.custody_kind, w.custody_details, w.status, w.created_at, w.updated_at,
	p.wallet_id, p.daily_limit, p.daily_spent, p.daily_reset_at, p.monthly_limit, p.monthly_spent, p.monthly_reset_at,
	p.allowed_counterparties, p.allowed_categories, p.approval_threshold,
	p.replenish_trigger, p.replenish_amount, p.replenish_wallet_id`

const createWallet = `-- name: CreateWallet
INSERT INTO wallets (id, tenant_id, owner_id, currency, balance, custody_kind, custody_details, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
`

// Create wallet with zero balance
// Balance can only be changed by ledger transfers afterwards
func (r *WalletRepo) CreateWallet(ctx context.Context, w models.Wallet) (models.Wallet, error) {
	kind, details, err := encodeCustody(w.Custody)
	if err != nil {
		return w, err
	}

	_, err = r.DB.Exec(ctx, createWallet, w.ID, w.TenantID, w.OwnerID, w.Currency, kind, details, w.Status, w.CreatedAt)
	if err != nil {
		return w, dbError(err)
	}

	return r.GetWallet(ctx, w.TenantID, w.ID)
}

const getWallet = `-- name: GetWallet
SELECT` + walletColumns + `
FROM wallets w
LEFT JOIN wallet_policies p ON p.wallet_id = w.id
WHERE w.tenant_id = $1 AND w.id = $2
`

func (r *WalletRepo) GetWallet(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error) {
	rows, _ := r.DB.Query(ctx, getWallet, tenantID, id)
	wallet, err := pgx.CollectOneRow(rows, rowToWallet)
	return wallet, dbError(err)
}

const setWalletStatus = `-- name: SetWalletStatus
UPDATE wallets SET status = $3, updated_at = now()
WHERE tenant_id = $1 AND id = $2
`

func (r *WalletRepo) SetStatus(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, status models.WalletStatus) (models.Wallet, error) {
	tag, err := r.DB.Exec(ctx, setWalletStatus, tenantID, id, status)
	switch {
	case err != nil:
		return models.Wallet{}, dbError(err)
	case tag.RowsAffected() == 0:
		return models.Wallet{}, apperrors.ErrNotFound
	}

	return r.GetWallet(ctx, tenantID, id)
}

const savePolicy = `-- name: SavePolicy
INSERT INTO wallet_policies (
	wallet_id, daily_limit, daily_spent, daily_reset_at, monthly_limit, monthly_spent, monthly_reset_at,
	allowed_counterparties, allowed_categories, approval_threshold,
	replenish_trigger, replenish_amount, replenish_wallet_id
)
SELECT w.id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
FROM wallets w
WHERE w.tenant_id = $1 AND w.id = $2
ON CONFLICT (wallet_id) DO UPDATE SET
	daily_limit = EXCLUDED.daily_limit,
	daily_spent = EXCLUDED.daily_spent,
	daily_reset_at = EXCLUDED.daily_reset_at,
	monthly_limit = EXCLUDED.monthly_limit,
	monthly_spent = EXCLUDED.monthly_spent,
	monthly_reset_at = EXCLUDED.monthly_reset_at,
	allowed_counterparties = EXCLUDED.allowed_counterparties,
	allowed_categories = EXCLUDED.allowed_categories,
	approval_threshold = EXCLUDED.approval_threshold,
	replenish_trigger = EXCLUDED.replenish_trigger,
	replenish_amount = EXCLUDED.replenish_amount,
	replenish_wallet_id = EXCLUDED.replenish_wallet_id
`

func (r *WalletRepo) SavePolicy(ctx context.Context, tenantID uuid.UUID, p models.SpendingPolicy) error {
	var (
		trigger, amount decimal.NullDecimal
		fundingID       *uuid.UUID
	)
	if p.Replenish != nil {
		trigger = decimal.NewNullDecimal(p.Replenish.TriggerBalance)
		amount = decimal.NewNullDecimal(p.Replenish.TopUpAmount)
		fundingID = &p.Replenish.FundingWallet
	}

	tag, err := r.DB.Exec(ctx, savePolicy,
		tenantID, p.WalletID,
		p.DailyLimit, p.DailySpent, p.DailyResetAt,
		p.MonthlyLimit, p.MonthlySpent, p.MonthlyResetAt,
		nonNil(p.AllowedCounterparties), nonNil(p.AllowedCategories), p.ApprovalThreshold,
		trigger, amount, fundingID,
	)
	switch {
	case err != nil:
		return dbError(err)
	case tag.RowsAffected() == 0:
		return apperrors.ErrNotFound
	default:
		return nil
	}
}

const deletePolicy = `-- name: DeletePolicy
DELETE FROM wallet_policies p
USING wallets w
WHERE w.id = p.wallet_id AND w.tenant_id = $1 AND w.id = $2
`

func (r *WalletRepo) DeletePolicy(ctx context.Context, tenantID uuid.UUID, walletID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, deletePolicy, tenantID, walletID)
	return dbError(err)
}

func rowToWallet(row pgx.CollectableRow) (models.Wallet, error) {
	var (
		w              models.Wallet
		custodyKind    models.CustodyKind
		custodyDetails []byte

		policyWalletID                    *uuid.UUID
		dailySpent, monthlySpent          decimal.NullDecimal
		dailyResetAt, monthlyResetAt      *time.Time
		replenishTrigger, replenishAmount decimal.NullDecimal
		replenishWalletID                 *uuid.UUID
		p                                 models.SpendingPolicy
	)

	err := row.Scan(
		&w.ID, &w.TenantID, &w.OwnerID, &w.Currency, &w.Balance, &custodyKind, &custodyDetails, &w.Status, &w.CreatedAt, &w.UpdatedAt,
		&policyWalletID, &p.DailyLimit, &dailySpent, &dailyResetAt, &p.MonthlyLimit, &monthlySpent, &monthlyResetAt,
		&p.AllowedCounterparties, &p.AllowedCategories, &p.ApprovalThreshold,
		&replenishTrigger, &replenishAmount, &replenishWalletID,
	)
	if err != nil {
		return w, err
	}

	w.Custody, err = decodeCustody(custodyKind, custodyDetails)
	if err != nil {
		return w, err
	}

	// Wallet is unrestricted
	if policyWalletID == nil {
		return w, nil
	}

	p.WalletID = *policyWalletID
	p.DailySpent = dailySpent.Decimal
	p.MonthlySpent = monthlySpent.Decimal
	if dailyResetAt != nil {
		p.DailyResetAt = *dailyResetAt
	}
	if monthlyResetAt != nil {
		p.MonthlyResetAt = *monthlyResetAt
	}
	if replenishWalletID != nil && replenishTrigger.Valid && replenishAmount.Valid {
		p.Replenish = &models.Replenishment{
			TriggerBalance: replenishTrigger.Decimal,
			TopUpAmount:    replenishAmount.Decimal,
			FundingWallet:  *replenishWalletID,
		}
	}
	w.Policy = &p

	return w, nil
}

func encodeCustody(c models.Custody) (models.CustodyKind, []byte, error) {
	if c == nil {
		c = models.DirectlyManaged{}
	}

	var details any
	switch c := c.(type) {
	case models.DirectlyManaged:
		details = struct{}{}
	case models.ExternallyVerified:
		details = c
	case models.DelegatedCustody:
		details = c
	default:
		return "", nil, fmt.Errorf("unknown custody %T", c)
	}

	b, err := json.Marshal(details)
	if err != nil {
		return "", nil, fmt.Errorf("custody encoding error: %w", err)
	}

	return c.Kind(), b, nil
}

func decodeCustody(kind models.CustodyKind, details []byte) (models.Custody, error) {
	switch kind {
	case models.CustodyDirect:
		return models.DirectlyManaged{}, nil
	case models.CustodyExternal:
		var c models.ExternallyVerified
		err := json.Unmarshal(details, &c)
		return c, err
	case models.CustodyDelegated:
		var c models.DelegatedCustody
		err := json.Unmarshal(details, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown custody kind %q", kind)
	}
}

// Postgres text[] columns are NOT NULL
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
