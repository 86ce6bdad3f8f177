package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/machinepay/internal/models"
)

type TenantRepo struct {
	DB DBTX
}

const createTenant = `-- name: CreateTenant
INSERT INTO tenants (id, name, api_key_id, api_key_hash, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, name, api_key_id, api_key_hash, created_at
`

func (r *TenantRepo) CreateTenant(ctx context.Context, t models.Tenant) (models.Tenant, error) {
	rows, _ := r.DB.Query(ctx, createTenant, t.ID, t.Name, t.APIKeyID, t.APIKeyHash, t.CreatedAt)
	tenant, err := pgx.CollectOneRow(rows, rowToTenant)
	return tenant, dbError(err)
}

const getTenant = `-- name: GetTenant
SELECT id, name, api_key_id, api_key_hash, created_at FROM tenants
WHERE id = $1
`

func (r *TenantRepo) GetTenant(ctx context.Context, id uuid.UUID) (models.Tenant, error) {
	rows, _ := r.DB.Query(ctx, getTenant, id)
	tenant, err := pgx.CollectOneRow(rows, rowToTenant)
	return tenant, dbError(err)
}

const getTenantByKeyID = `-- name: GetTenantByKeyID
SELECT id, name, api_key_id, api_key_hash, created_at FROM tenants
WHERE api_key_id = $1
`

func (r *TenantRepo) GetTenantByKeyID(ctx context.Context, keyID string) (models.Tenant, error) {
	rows, _ := r.DB.Query(ctx, getTenantByKeyID, keyID)
	tenant, err := pgx.CollectOneRow(rows, rowToTenant)
	return tenant, dbError(err)
}

func rowToTenant(row pgx.CollectableRow) (models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyID, &t.APIKeyHash, &t.CreatedAt)
	return t, err
}

type AgentRepo struct {
	DB DBTX
}

const createAgent = `-- name: CreateAgent
INSERT INTO agents (id, tenant_id, name, wallet_id, created_at)
SELECT $1, $2, $3, w.id, $5
FROM wallets w
WHERE w.id = $4 AND w.tenant_id = $2
RETURNING id, tenant_id, name, wallet_id, created_at
`

// Create agent governed by the wallet
// Wallet must belong to the same tenant, otherwise apperrors.ErrNotFound returned
func (r *AgentRepo) CreateAgent(ctx context.Context, a models.Agent) (models.Agent, error) {
	rows, _ := r.DB.Query(ctx, createAgent, a.ID, a.TenantID, a.Name, a.WalletID, a.CreatedAt)
	agent, err := pgx.CollectOneRow(rows, rowToAgent)
	return agent, dbError(err)
}

const getAgent = `-- name: GetAgent
SELECT id, tenant_id, name, wallet_id, created_at FROM agents
WHERE tenant_id = $1 AND id = $2
`

func (r *AgentRepo) GetAgent(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Agent, error) {
	rows, _ := r.DB.Query(ctx, getAgent, tenantID, id)
	agent, err := pgx.CollectOneRow(rows, rowToAgent)
	return agent, dbError(err)
}

func rowToAgent(row pgx.CollectableRow) (models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.WalletID, &a.CreatedAt)
	return a, err
}
