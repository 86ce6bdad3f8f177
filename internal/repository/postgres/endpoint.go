package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
)

type EndpointRepo struct {
	DB DBTX
}

const endpointColumns = `id, tenant_id, wallet_id, path, method, description, base_price, currency, tiers, category,
	call_count, revenue, status, created_at, updated_at
`

// Owning wallet must belong to the tenant
const createEndpoint = `-- name: CreateEndpoint
INSERT INTO endpoints (id, tenant_id, wallet_id, path, method, description, base_price, currency, tiers, category, status, created_at, updated_at)
SELECT $1, $2, w.id, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12
FROM wallets w
WHERE w.tenant_id = $2 AND w.id = $3
RETURNING ` + endpointColumns

func (r *EndpointRepo) CreateEndpoint(ctx context.Context, e models.Endpoint) (models.Endpoint, error) {
	tiers, err := json.Marshal(nonNilTiers(e.Tiers))
	if err != nil {
		return e, fmt.Errorf("tiers encoding error: %w", err)
	}

	rows, _ := r.DB.Query(ctx, createEndpoint,
		e.ID, e.TenantID, e.WalletID, e.Path, e.Method, e.Description, e.BasePrice, e.Currency, tiers, e.Category, e.Status, e.CreatedAt,
	)
	created, err := pgx.CollectOneRow(rows, rowToEndpoint)
	return created, dbError(err)
}

const getEndpoint = `-- name: GetEndpoint
SELECT ` + endpointColumns + `FROM endpoints
WHERE tenant_id = $1 AND id = $2
`

func (r *EndpointRepo) GetEndpoint(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error) {
	rows, _ := r.DB.Query(ctx, getEndpoint, tenantID, id)
	e, err := pgx.CollectOneRow(rows, rowToEndpoint)
	return e, dbError(err)
}

const getEndpointByRoute = `-- name: GetEndpointByRoute
SELECT ` + endpointColumns + `FROM endpoints
WHERE tenant_id = $1 AND method = $2 AND path = $3
`

func (r *EndpointRepo) GetEndpointByRoute(ctx context.Context, tenantID uuid.UUID, method string, path string) (models.Endpoint, error) {
	rows, _ := r.DB.Query(ctx, getEndpointByRoute, tenantID, method, path)
	e, err := pgx.CollectOneRow(rows, rowToEndpoint)
	return e, dbError(err)
}

const listEndpoints = `-- name: ListEndpoints
SELECT ` + endpointColumns + `FROM endpoints
WHERE tenant_id = $1
ORDER BY path, method
`

func (r *EndpointRepo) ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]models.Endpoint, error) {
	rows, _ := r.DB.Query(ctx, listEndpoints, tenantID)
	endpoints, err := pgx.CollectRows(rows, rowToEndpoint)
	return endpoints, dbError(err)
}

const updateEndpoint = `-- name: UpdateEndpoint
UPDATE endpoints SET
	description = $3,
	base_price = $4,
	currency = $5,
	tiers = $6,
	category = $7,
	status = $8,
	updated_at = now()
WHERE tenant_id = $1 AND id = $2
RETURNING ` + endpointColumns

func (r *EndpointRepo) UpdateEndpoint(ctx context.Context, e models.Endpoint) (models.Endpoint, error) {
	tiers, err := json.Marshal(nonNilTiers(e.Tiers))
	if err != nil {
		return e, fmt.Errorf("tiers encoding error: %w", err)
	}

	rows, _ := r.DB.Query(ctx, updateEndpoint, e.TenantID, e.ID, e.Description, e.BasePrice, e.Currency, tiers, e.Category, e.Status)
	updated, err := pgx.CollectOneRow(rows, rowToEndpoint)
	return updated, dbError(err)
}

const recordCall = `-- name: RecordCall
UPDATE endpoints SET call_count = call_count + 1, revenue = revenue + $3
WHERE tenant_id = $1 AND id = $2
`

func (r *EndpointRepo) RecordCall(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, amount decimal.Decimal) error {
	tag, err := r.DB.Exec(ctx, recordCall, tenantID, id, amount)
	switch {
	case err != nil:
		return dbError(err)
	case tag.RowsAffected() == 0:
		return apperrors.ErrNotFound
	default:
		return nil
	}
}

func rowToEndpoint(row pgx.CollectableRow) (models.Endpoint, error) {
	var (
		e     models.Endpoint
		tiers []byte
	)

	err := row.Scan(
		&e.ID, &e.TenantID, &e.WalletID, &e.Path, &e.Method, &e.Description, &e.BasePrice, &e.Currency, &tiers, &e.Category,
		&e.CallCount, &e.Revenue, &e.Status, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}

	err = json.Unmarshal(tiers, &e.Tiers)
	return e, err
}

func nonNilTiers(tiers []models.DiscountTier) []models.DiscountTier {
	if tiers == nil {
		return []models.DiscountTier{}
	}
	return tiers
}
