package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
)

type TransferRepo struct {
	DB DBTX
}

const transferColumns = `id, tenant_id, source_id, destination_id, amount, currency, status, protocol, category,
	idempotency_key, endpoint_id, mandate_id, proof, external_ref,
	created_at, expires_at, approval_expires_at, confirmed_at, failed_at, failure_reason
`

// Concurrent insert with the same key waits for the first transaction to finish
// and then does nothing; the winner is read by the following statement
const createTransfer = `-- name: CreateTransfer
INSERT INTO transfers (
	id, tenant_id, source_id, destination_id, amount, currency, status, protocol, category,
	idempotency_key, endpoint_id, mandate_id, proof, external_ref, created_at, expires_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (tenant_id, protocol, idempotency_key) DO NOTHING
RETURNING ` + transferColumns

const getTransferByKey = `-- name: GetTransferByKey
SELECT ` + transferColumns + `FROM transfers
WHERE tenant_id = $1 AND protocol = $2 AND idempotency_key = $3
`

func (r *TransferRepo) CreateTransfer(ctx context.Context, t models.Transfer) (models.Transfer, bool, error) {
	rows, _ := r.DB.Query(ctx, createTransfer,
		t.ID, t.TenantID, t.SourceID, t.DestinationID, t.Amount, t.Currency, t.Status, t.Protocol, t.Category,
		t.IdempotencyKey, t.EndpointID, t.MandateID, t.Proof, t.ExternalRef, t.CreatedAt, t.ExpiresAt,
	)
	created, err := pgx.CollectOneRow(rows, rowToTransfer)

	switch {
	case err == nil:
		return created, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Key is taken
	default:
		return created, false, dbError(err)
	}

	rows, _ = r.DB.Query(ctx, getTransferByKey, t.TenantID, t.Protocol, t.IdempotencyKey)
	existing, err := pgx.CollectOneRow(rows, rowToTransfer)
	return existing, false, dbError(err)
}

const getTransfer = `-- name: GetTransfer
SELECT ` + transferColumns + `FROM transfers
WHERE tenant_id = $1 AND id = $2
`

func (r *TransferRepo) GetTransfer(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Transfer, error) {
	rows, _ := r.DB.Query(ctx, getTransfer, tenantID, id)
	t, err := pgx.CollectOneRow(rows, rowToTransfer)
	return t, dbError(err)
}

const lockTransfer = `-- name: LockTransfer
SELECT ` + transferColumns + `FROM transfers
WHERE tenant_id = $1 AND id = $2
FOR UPDATE
`

func (r *TransferRepo) LockTransfer(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Transfer, error) {
	rows, _ := r.DB.Query(ctx, lockTransfer, tenantID, id)
	t, err := pgx.CollectOneRow(rows, rowToTransfer)
	return t, dbError(err)
}

const parkTransfer = `-- name: ParkTransfer
UPDATE transfers SET status = 'pending_approval', approval_expires_at = $3
WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
RETURNING ` + transferColumns

func (r *TransferRepo) Park(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, approvalExpiresAt time.Time) (models.Transfer, error) {
	rows, _ := r.DB.Query(ctx, parkTransfer, tenantID, id, approvalExpiresAt)
	t, err := pgx.CollectOneRow(rows, rowToTransfer)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperrors.ErrConflict
	}
	return t, dbError(err)
}

const markTransferFailed = `-- name: MarkTransferFailed
UPDATE transfers SET status = 'failed', failed_at = $4, failure_reason = $3, approval_expires_at = NULL
WHERE tenant_id = $1 AND id = $2 AND status IN ('pending', 'pending_approval')
RETURNING ` + transferColumns

func (r *TransferRepo) MarkFailed(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, reason string, at time.Time) (models.Transfer, error) {
	rows, _ := r.DB.Query(ctx, markTransferFailed, tenantID, id, reason, at)
	t, err := pgx.CollectOneRow(rows, rowToTransfer)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperrors.ErrTransferNotParked
	}
	return t, dbError(err)
}

// SKIP LOCKED: a transfer being approved right now is left to the approver
const expireParked = `-- name: ExpireParked
UPDATE transfers SET status = 'failed', failed_at = $1, failure_reason = 'approval expired', approval_expires_at = NULL
WHERE id IN (
	SELECT id FROM transfers
	WHERE status = 'pending_approval' AND approval_expires_at <= $1
	ORDER BY approval_expires_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + transferColumns

func (r *TransferRepo) ExpireParked(ctx context.Context, now time.Time, limit int) ([]models.Transfer, error) {
	rows, _ := r.DB.Query(ctx, expireParked, now, limit)
	transfers, err := pgx.CollectRows(rows, rowToTransfer)
	return transfers, dbError(err)
}

const listTransfers = `-- name: ListTransfers
SELECT ` + transferColumns + `FROM transfers
WHERE tenant_id = $1 AND (source_id = $2 OR destination_id = $2)
ORDER BY created_at DESC, id
LIMIT $3
`

func (r *TransferRepo) ListTransfers(ctx context.Context, tenantID uuid.UUID, walletID uuid.UUID, limit int) ([]models.Transfer, error) {
	rows, _ := r.DB.Query(ctx, listTransfers, tenantID, walletID, limit)
	transfers, err := pgx.CollectRows(rows, rowToTransfer)
	return transfers, dbError(err)
}

func rowToTransfer(row pgx.CollectableRow) (models.Transfer, error) {
	var t models.Transfer
	err := row.Scan(
		&t.ID, &t.TenantID, &t.SourceID, &t.DestinationID, &t.Amount, &t.Currency, &t.Status, &t.Protocol, &t.Category,
		&t.IdempotencyKey, &t.EndpointID, &t.MandateID, &t.Proof, &t.ExternalRef,
		&t.CreatedAt, &t.ExpiresAt, &t.ApprovalExpiresAt, &t.ConfirmedAt, &t.FailedAt, &t.FailureReason,
	)
	return t, err
}
