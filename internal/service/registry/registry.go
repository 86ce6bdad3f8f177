package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
)

type RegisterParams struct {
	WalletID    uuid.UUID
	Path        string
	Method      string
	Description string
	Price       decimal.Decimal
	Currency    models.Currency
	Tiers       []models.DiscountTier
	Category    string
}

// Nil fields are left as they are
type UpdateParams struct {
	Description *string
	Price       *decimal.Decimal
	Currency    *models.Currency
	Tiers       *[]models.DiscountTier
	Category    *string
}

type Registry struct {
	storage repository.Storage
	logger  logger.Logger
	now     func() time.Time
}

func New(storage repository.Storage, l logger.Logger) *Registry {
	return &Registry{
		storage: storage,
		logger:  l,
		now:     time.Now,
	}
}

func (r *Registry) Register(ctx context.Context, tenantID uuid.UUID, p RegisterParams) (models.Endpoint, error) {
	method, path, err := normalizeRoute(p.Method, p.Path)
	if err != nil {
		return models.Endpoint{}, err
	}
	if err := validatePrice(p.Price, p.Currency); err != nil {
		return models.Endpoint{}, err
	}
	tiers, err := normalizeTiers(p.Tiers)
	if err != nil {
		return models.Endpoint{}, err
	}

	var endpoint models.Endpoint
	err = r.storage.InTx(ctx, func(s repository.Storage) error {
		owner, err := s.Wallet().GetWallet(ctx, tenantID, p.WalletID)
		if err != nil {
			return err
		}
		if owner.Currency != p.Currency {
			return apperrors.ErrCurrencyMismatch
		}

		endpoint, err = s.Endpoint().CreateEndpoint(ctx, models.Endpoint{
			ID:          uuid.New(),
			TenantID:    tenantID,
			WalletID:    owner.ID,
			Path:        path,
			Method:      method,
			Description: p.Description,
			BasePrice:   p.Price,
			Currency:    p.Currency,
			Tiers:       tiers,
			Category:    p.Category,
			Status:      models.EndpointActive,
			CreatedAt:   r.now(),
		})
		return err
	})
	if err != nil {
		return endpoint, fmt.Errorf("can't register endpoint %s %s: %w", method, path, err)
	}

	r.logger.Info("Endpoint registered", "tenant", tenantID, "endpoint_id", endpoint.ID, "method", method, "path", path, "price", p.Price)
	return endpoint, nil
}

func (r *Registry) Update(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, p UpdateParams) (models.Endpoint, error) {
	return r.modify(ctx, tenantID, id, func(e *models.Endpoint) error {
		if p.Description != nil {
			e.Description = *p.Description
		}
		if p.Category != nil {
			e.Category = *p.Category
		}
		if p.Currency != nil {
			e.Currency = *p.Currency
		}
		if p.Price != nil {
			e.BasePrice = *p.Price
		}
		if p.Tiers != nil {
			tiers, err := normalizeTiers(*p.Tiers)
			if err != nil {
				return err
			}
			e.Tiers = tiers
		}
		return validatePrice(e.BasePrice, e.Currency)
	})
}

func (r *Registry) Pause(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error) {
	return r.setStatus(ctx, tenantID, id, models.EndpointPaused)
}

func (r *Registry) Resume(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error) {
	return r.setStatus(ctx, tenantID, id, models.EndpointActive)
}

// Disable is final: disabled endpoint can not be resumed or paused
func (r *Registry) Disable(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error) {
	return r.setStatus(ctx, tenantID, id, models.EndpointDisabled)
}

func (r *Registry) setStatus(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, status models.EndpointStatus) (models.Endpoint, error) {
	return r.modify(ctx, tenantID, id, func(e *models.Endpoint) error {
		switch {
		case e.Status == status:
			return errUnchanged
		case e.Status == models.EndpointDisabled:
			return apperrors.ErrResourceUnavailable
		}
		e.Status = status
		return nil
	})
}

var errUnchanged = errors.New("unchanged")

func (r *Registry) modify(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, fn func(*models.Endpoint) error) (models.Endpoint, error) {
	var endpoint models.Endpoint

	err := r.storage.InTx(ctx, func(s repository.Storage) error {
		var err error
		endpoint, err = s.Endpoint().GetEndpoint(ctx, tenantID, id)
		if err != nil {
			return err
		}

		switch err := fn(&endpoint); err {
		case nil:
		case errUnchanged:
			return nil
		default:
			return err
		}

		owner, err := s.Wallet().GetWallet(ctx, tenantID, endpoint.WalletID)
		if err != nil {
			return err
		}
		if owner.Currency != endpoint.Currency {
			return apperrors.ErrCurrencyMismatch
		}

		endpoint, err = s.Endpoint().UpdateEndpoint(ctx, endpoint)
		return err
	})
	if err != nil {
		return endpoint, fmt.Errorf("can't update endpoint %s: %w", id, err)
	}

	return endpoint, nil
}

func (r *Registry) Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error) {
	return r.storage.Endpoint().GetEndpoint(ctx, tenantID, id)
}

func (r *Registry) GetByRoute(ctx context.Context, tenantID uuid.UUID, method string, path string) (models.Endpoint, error) {
	method, path, err := normalizeRoute(method, path)
	if err != nil {
		return models.Endpoint{}, err
	}
	return r.storage.Endpoint().GetEndpointByRoute(ctx, tenantID, method, path)
}

func (r *Registry) List(ctx context.Context, tenantID uuid.UUID) ([]models.Endpoint, error) {
	return r.storage.Endpoint().ListEndpoints(ctx, tenantID)
}

// ResolvePrice returns the price of the next call given how many calls were served so far
func (r *Registry) ResolvePrice(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, callsSoFar int64) (decimal.Decimal, error) {
	e, err := r.storage.Endpoint().GetEndpoint(ctx, tenantID, id)
	if err != nil {
		return decimal.Zero, err
	}
	return EffectivePrice(e, callsSoFar), nil
}

// RecordCall bumps endpoint counters after a confirmed payment
func (r *Registry) RecordCall(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, amount decimal.Decimal) error {
	return r.storage.Endpoint().RecordCall(ctx, tenantID, id, amount)
}

func normalizeRoute(method string, path string) (string, string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return "", "", fmt.Errorf("%w: method %q", apperrors.ErrResourceNotPayable, method)
	}

	if !strings.HasPrefix(path, "/") {
		return "", "", fmt.Errorf("%w: path %q", apperrors.ErrResourceNotPayable, path)
	}

	return method, path, nil
}

func validatePrice(price decimal.Decimal, currency models.Currency) error {
	switch {
	case !currency.Valid():
		return apperrors.ErrUnknownCurrency
	case price.IsNegative(), !currency.HasValidPrecision(price):
		return apperrors.ErrInvalidAmount
	default:
		return nil
	}
}
