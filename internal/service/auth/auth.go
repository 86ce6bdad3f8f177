package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
)

// Interface to create or compare api key secret hashes
type SecretHasher interface {
	Hash(secret string) (string, error)

	// Must be protected against timing attacks
	Compare(hashedSecret string, secret string) error
}

// Service issues tenant API keys and resolves keys back to tenants
type Service struct {
	storage repository.Storage
	hasher  SecretHasher
	logger  logger.Logger

	// Keys that passed bcrypt once; bcrypt is too slow to run on every paid call
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]models.Tenant
}

func NewService(storage repository.Storage, hasher SecretHasher, l logger.Logger) *Service {
	if hasher == nil {
		hasher = BcryptHasher{}
	}

	return &Service{
		storage:  storage,
		hasher:   hasher,
		logger:   l,
		verified: make(map[[sha256.Size]byte]models.Tenant),
	}
}

// CreateTenant registers a tenant and returns its API key.
// The key is shown only once: it can't be restored from the stored hash.
func (s *Service) CreateTenant(ctx context.Context, name string) (models.Tenant, string, error) {
	key, err := GenerateKey()
	if err != nil {
		return models.Tenant{}, "", err
	}

	hash, err := s.hasher.Hash(key.Secret)
	if err != nil {
		return models.Tenant{}, "", fmt.Errorf("can't hash api key: %w", err)
	}

	tenant, err := s.storage.Tenant().CreateTenant(ctx, models.Tenant{
		ID:         uuid.New(),
		Name:       name,
		APIKeyID:   key.ID,
		APIKeyHash: hash,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return tenant, "", fmt.Errorf("can't create tenant: %w", err)
	}

	s.logger.Info("Tenant created", "tenant", tenant.ID, "name", name, "key_id", key.ID)
	return tenant, key.String(), nil
}

// Authenticate returns tenant the key belongs to or apperrors.ErrUnauthorized
func (s *Service) Authenticate(ctx context.Context, rawKey string) (models.Tenant, error) {
	sum := sha256.Sum256([]byte(rawKey))

	s.mu.RLock()
	tenant, ok := s.verified[sum]
	s.mu.RUnlock()
	if ok {
		return tenant, nil
	}

	key, err := ParseKey(rawKey)
	if err != nil {
		return models.Tenant{}, err
	}

	tenant, err = s.storage.Tenant().GetTenantByKeyID(ctx, key.ID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return models.Tenant{}, fmt.Errorf("%w: unknown api key", apperrors.ErrUnauthorized)
	case err != nil:
		return models.Tenant{}, err
	}

	if err := s.hasher.Compare(tenant.APIKeyHash, key.Secret); err != nil {
		return models.Tenant{}, fmt.Errorf("%w: wrong api key", apperrors.ErrUnauthorized)
	}

	s.mu.Lock()
	s.verified[sum] = tenant
	s.mu.Unlock()

	return tenant, nil
}
