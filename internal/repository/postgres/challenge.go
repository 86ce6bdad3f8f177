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

type ChallengeRepo struct {
	DB DBTX
}

const challengeColumns = `nonce, payment_id, tenant_id, endpoint_id, resource, amount, currency, pay_to, network, created_at, expires_at, consumed_at
`

const createChallenge = `-- name: CreateChallenge
INSERT INTO challenges (nonce, payment_id, tenant_id, endpoint_id, resource, amount, currency, pay_to, network, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + challengeColumns

func (r *ChallengeRepo) CreateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error) {
	rows, _ := r.DB.Query(ctx, createChallenge,
		c.Nonce, c.PaymentID, c.TenantID, c.EndpointID, c.Resource, c.Amount, c.Currency, c.PayTo, c.Network, c.CreatedAt, c.ExpiresAt,
	)
	created, err := pgx.CollectOneRow(rows, rowToChallenge)
	return created, dbError(err)
}

const getChallenge = `-- name: GetChallenge
SELECT ` + challengeColumns + `FROM challenges
WHERE tenant_id = $1 AND nonce = $2
`

func (r *ChallengeRepo) GetChallenge(ctx context.Context, tenantID uuid.UUID, nonce string) (models.Challenge, error) {
	rows, _ := r.DB.Query(ctx, getChallenge, tenantID, nonce)
	c, err := pgx.CollectOneRow(rows, rowToChallenge)
	return c, dbError(err)
}

const consumeChallenge = `-- name: ConsumeChallenge
UPDATE challenges SET consumed_at = $3
WHERE tenant_id = $1 AND nonce = $2 AND consumed_at IS NULL
RETURNING ` + challengeColumns

// ConsumeChallenge marks the challenge used. Only the first caller succeeds.
func (r *ChallengeRepo) ConsumeChallenge(ctx context.Context, tenantID uuid.UUID, nonce string, at time.Time) (models.Challenge, error) {
	rows, _ := r.DB.Query(ctx, consumeChallenge, tenantID, nonce, at)
	c, err := pgx.CollectOneRow(rows, rowToChallenge)
	if !errors.Is(err, pgx.ErrNoRows) {
		return c, dbError(err)
	}

	// Nothing updated: either unknown or already used
	if _, err := r.GetChallenge(ctx, tenantID, nonce); err != nil {
		return models.Challenge{}, err
	}
	return models.Challenge{}, apperrors.ErrChallengeConsumed
}

func rowToChallenge(row pgx.CollectableRow) (models.Challenge, error) {
	var c models.Challenge
	err := row.Scan(&c.Nonce, &c.PaymentID, &c.TenantID, &c.EndpointID, &c.Resource, &c.Amount, &c.Currency, &c.PayTo, &c.Network, &c.CreatedAt, &c.ExpiresAt, &c.ConsumedAt)
	return c, err
}
