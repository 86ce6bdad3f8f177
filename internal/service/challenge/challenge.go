package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/service/registry"
)

const (
	DefaultTTL     = 5 * time.Minute
	DefaultNetwork = "machinepay:ledger"
)

type Builder struct {
	storage repository.Storage
	logger  logger.Logger

	ttl     time.Duration
	network string
	now     func() time.Time
}

type Option func(*Builder)

func WithTTL(ttl time.Duration) Option {
	return func(b *Builder) { b.ttl = ttl }
}

func WithNetwork(network string) Option {
	return func(b *Builder) { b.network = network }
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func New(storage repository.Storage, l logger.Logger, opts ...Option) *Builder {
	b := &Builder{
		storage: storage,
		logger:  l,
		ttl:     DefaultTTL,
		network: DefaultNetwork,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build issues a fresh single-use payment challenge for the route.
// Paused and disabled endpoints get apperrors.ErrResourceUnavailable, never a price.
func (b *Builder) Build(ctx context.Context, tenantID uuid.UUID, method string, path string) (models.Challenge, error) {
	e, err := b.storage.Endpoint().GetEndpointByRoute(ctx, tenantID, strings.ToUpper(method), path)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return models.Challenge{}, fmt.Errorf("%w: %s %s", apperrors.ErrResourceNotPayable, method, path)
	case err != nil:
		return models.Challenge{}, err
	case e.Status != models.EndpointActive:
		return models.Challenge{}, fmt.Errorf("%w: endpoint is %s", apperrors.ErrResourceUnavailable, e.Status)
	}

	now := b.now()
	c, err := b.storage.Challenge().CreateChallenge(ctx, models.Challenge{
		Nonce:      uuid.NewString(),
		PaymentID:  uuid.New(),
		TenantID:   tenantID,
		EndpointID: e.ID,
		Resource:   e.Path,
		Amount:     registry.EffectivePrice(e, e.CallCount),
		Currency:   e.Currency,
		PayTo:      e.WalletID,
		Network:    b.network,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.ttl),
	})
	if err != nil {
		return c, fmt.Errorf("can't store challenge: %w", err)
	}

	b.logger.Debug("Challenge issued", "tenant", tenantID, "endpoint_id", e.ID, "nonce", c.Nonce, "amount", c.Amount)
	return c, nil
}

// Get returns a previously issued challenge
func (b *Builder) Get(ctx context.Context, tenantID uuid.UUID, nonce string) (models.Challenge, error) {
	return b.storage.Challenge().GetChallenge(ctx, tenantID, nonce)
}

// Consume spends the challenge on one served call.
// A second call gets apperrors.ErrChallengeConsumed.
func (b *Builder) Consume(ctx context.Context, tenantID uuid.UUID, nonce string) (models.Challenge, error) {
	c, err := b.storage.Challenge().ConsumeChallenge(ctx, tenantID, nonce, b.now())
	if err != nil {
		return c, fmt.Errorf("can't consume challenge %s: %w", nonce, err)
	}

	b.logger.Debug("Challenge consumed", "tenant", tenantID, "endpoint_id", c.EndpointID, "nonce", nonce)
	return c, nil
}
