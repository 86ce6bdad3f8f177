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

type MandateRepo struct {
	DB DBTX
}

const mandateColumns = `id, tenant_id, wallet_id, counterparty, description, category, max_amount, currency, state,
	created_at, updated_at, executed_at, revoked_at
`

// Both wallets must belong to the tenant
const createMandate = `-- name: CreateMandate
INSERT INTO mandates (id, tenant_id, wallet_id, counterparty, description, category, max_amount, currency, state, created_at, updated_at)
SELECT $1, $2, w.id, c.id, $5, $6, $7, $8, $9, $10, $10
FROM wallets w, wallets c
WHERE w.tenant_id = $2 AND w.id = $3 AND c.tenant_id = $2 AND c.id = $4
RETURNING ` + mandateColumns

func (r *MandateRepo) CreateMandate(ctx context.Context, m models.Mandate) (models.Mandate, error) {
	rows, _ := r.DB.Query(ctx, createMandate,
		m.ID, m.TenantID, m.WalletID, m.Counterparty, m.Description, m.Category, m.MaxAmount, m.Currency, m.State, m.CreatedAt,
	)
	created, err := pgx.CollectOneRow(rows, rowToMandate)
	return created, dbError(err)
}

const getMandate = `-- name: GetMandate
SELECT ` + mandateColumns + `FROM mandates
WHERE tenant_id = $1 AND id = $2
`

func (r *MandateRepo) GetMandate(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error) {
	return r.get(ctx, getMandate, tenantID, id)
}

const lockMandate = `-- name: LockMandate
SELECT ` + mandateColumns + `FROM mandates
WHERE tenant_id = $1 AND id = $2
FOR UPDATE
`

func (r *MandateRepo) LockMandate(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error) {
	return r.get(ctx, lockMandate, tenantID, id)
}

const listMandateItems = `-- name: ListMandateItems
SELECT position, description, amount, endpoint_id FROM mandate_items
WHERE mandate_id = $1
ORDER BY position
`

const listMandateTransfers = `-- name: ListMandateTransfers
SELECT id FROM transfers
WHERE mandate_id = $1
ORDER BY created_at, id
`

func (r *MandateRepo) get(ctx context.Context, query string, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error) {
	rows, _ := r.DB.Query(ctx, query, tenantID, id)
	m, err := pgx.CollectOneRow(rows, rowToMandate)
	if err != nil {
		return m, dbError(err)
	}

	rows, _ = r.DB.Query(ctx, listMandateItems, id)
	m.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MandateItem, error) {
		var item models.MandateItem
		err := row.Scan(&item.Position, &item.Description, &item.Amount, &item.EndpointID)
		return item, err
	})
	if err != nil {
		return m, dbError(err)
	}

	rows, _ = r.DB.Query(ctx, listMandateTransfers, id)
	m.TransferIDs, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return m, dbError(err)
	}

	return m, nil
}

const insertMandateItem = `-- name: InsertMandateItem
INSERT INTO mandate_items (mandate_id, position, description, amount, endpoint_id)
VALUES ($1, $2, $3, $4, $5)
`

func (r *MandateRepo) SaveItems(ctx context.Context, mandateID uuid.UUID, items []models.MandateItem) error {
	for _, item := range items {
		_, err := r.DB.Exec(ctx, insertMandateItem, mandateID, item.Position, item.Description, item.Amount, item.EndpointID)
		if err != nil {
			return dbError(err)
		}
	}
	return nil
}

const setMandateState = `-- name: SetMandateState
UPDATE mandates SET
	state = $4::text,
	updated_at = $5,
	executed_at = CASE WHEN $4::text = 'payment' THEN $5 ELSE executed_at END,
	revoked_at = CASE WHEN $4::text = 'revoked' THEN $5 ELSE revoked_at END
WHERE tenant_id = $1 AND id = $2 AND state = $3
RETURNING id
`

func (r *MandateRepo) SetState(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, from models.MandateState, to models.MandateState, at time.Time) (models.Mandate, error) {
	rows, _ := r.DB.Query(ctx, setMandateState, tenantID, id, from, to, at)
	_, err := pgx.CollectOneRow(rows, pgx.RowTo[uuid.UUID])

	switch {
	case err == nil:
		return r.GetMandate(ctx, tenantID, id)
	case errors.Is(err, pgx.ErrNoRows):
		return models.Mandate{}, apperrors.ErrMandateTransition
	default:
		return models.Mandate{}, dbError(err)
	}
}

func rowToMandate(row pgx.CollectableRow) (models.Mandate, error) {
	var m models.Mandate
	err := row.Scan(
		&m.ID, &m.TenantID, &m.WalletID, &m.Counterparty, &m.Description, &m.Category, &m.MaxAmount, &m.Currency, &m.State,
		&m.CreatedAt, &m.UpdatedAt, &m.ExecutedAt, &m.RevokedAt,
	)
	return m, err
}
