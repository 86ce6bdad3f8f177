package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/service/policy"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type CreateParams struct {
	OwnerID  string
	Currency models.Currency
	Custody  models.Custody // directly managed if nil
}

// PolicyParams replace the whole rule set; spent counters of the current windows are kept
type PolicyParams struct {
	DailyLimit            decimal.NullDecimal
	MonthlyLimit          decimal.NullDecimal
	AllowedCounterparties []string
	AllowedCategories     []string
	ApprovalThreshold     decimal.NullDecimal
	Replenish             *models.Replenishment
}

type Service struct {
	storage repository.Storage
	logger  logger.Logger
	now     func() time.Time
}

func New(storage repository.Storage, l logger.Logger) *Service {
	return &Service{storage: storage, logger: l, now: time.Now}
}

func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, p CreateParams) (models.Wallet, error) {
	if !p.Currency.Valid() {
		return models.Wallet{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownCurrency, p.Currency)
	}

	custody := p.Custody
	switch c := custody.(type) {
	case nil:
		custody = models.DirectlyManaged{}
	case models.DirectlyManaged:
	case models.ExternallyVerified:
		if c.Chain == "" || c.Address == "" {
			return models.Wallet{}, fmt.Errorf("%w: chain and address are required", apperrors.ErrInvalidCustody)
		}
	case models.DelegatedCustody:
		if c.ProviderRef == "" {
			return models.Wallet{}, fmt.Errorf("%w: provider reference is required", apperrors.ErrInvalidCustody)
		}
	}

	w, err := s.storage.Wallet().CreateWallet(ctx, models.Wallet{
		ID:        uuid.New(),
		TenantID:  tenantID,
		OwnerID:   p.OwnerID,
		Currency:  p.Currency,
		Custody:   custody,
		Status:    models.WalletActive,
		CreatedAt: s.now(),
	})
	if err != nil {
		return w, fmt.Errorf("can't create wallet: %w", err)
	}

	s.logger.Info("Wallet created", "tenant", tenantID, "wallet_id", w.ID, "currency", w.Currency, "custody", custody.Kind())
	return w, nil
}

// Get returns the wallet with what it may still spend in the current windows
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, policy.Remaining, error) {
	w, err := s.storage.Wallet().GetWallet(ctx, tenantID, id)
	if err != nil {
		return w, policy.Remaining{}, err
	}
	return w, policy.RemainingOf(s.now(), w), nil
}

// Freeze stops all debits from the wallet; credits still land
func (s *Service) Freeze(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error) {
	return s.setStatus(ctx, tenantID, id, func(w models.Wallet) models.WalletStatus {
		return models.WalletFrozen
	})
}

func (s *Service) Unfreeze(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error) {
	return s.setStatus(ctx, tenantID, id, func(w models.Wallet) models.WalletStatus {
		switch {
		case w.Status != models.WalletFrozen:
			return w.Status
		case w.Balance.IsZero():
			return models.WalletDepleted
		default:
			return models.WalletActive
		}
	})
}

func (s *Service) setStatus(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, next func(models.Wallet) models.WalletStatus) (models.Wallet, error) {
	var w models.Wallet

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		wallets, err := st.Ledger().LockWallets(ctx, tenantID, id)
		if err != nil {
			return err
		}
		w = wallets[id]

		status := next(w)
		if status == w.Status {
			return nil
		}

		w, err = st.Wallet().SetStatus(ctx, tenantID, id, status)
		return err
	})
	if err != nil {
		return models.Wallet{}, fmt.Errorf("can't change wallet %s status: %w", id, err)
	}

	s.logger.Info("Wallet status set", "tenant", tenantID, "wallet_id", id, "status", w.Status)
	return w, nil
}

func (s *Service) SetPolicy(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, p PolicyParams) (models.Wallet, error) {
	var w models.Wallet

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		wallets, err := st.Ledger().LockWallets(ctx, tenantID, id)
		if err != nil {
			return err
		}
		w = wallets[id]

		if err := validatePolicy(w, p); err != nil {
			return err
		}
		if p.Replenish != nil {
			funding, err := st.Wallet().GetWallet(ctx, tenantID, p.Replenish.FundingWallet)
			switch {
			case errors.Is(err, apperrors.ErrNotFound):
				return fmt.Errorf("%w: funding wallet not found", apperrors.ErrInvalidPolicy)
			case err != nil:
				return err
			case funding.Currency != w.Currency:
				return apperrors.ErrCurrencyMismatch
			case funding.Policy != nil && funding.Policy.Replenish != nil && funding.Policy.Replenish.FundingWallet == w.ID:
				return fmt.Errorf("%w: funding wallet is replenished from this wallet", apperrors.ErrInvalidPolicy)
			}
		}

		next := models.SpendingPolicy{
			WalletID:              id,
			DailyLimit:            p.DailyLimit,
			MonthlyLimit:          p.MonthlyLimit,
			AllowedCounterparties: p.AllowedCounterparties,
			AllowedCategories:     p.AllowedCategories,
			ApprovalThreshold:     p.ApprovalThreshold,
			Replenish:             p.Replenish,
		}
		if w.Policy != nil {
			next.DailySpent, next.DailyResetAt = w.Policy.DailySpent, w.Policy.DailyResetAt
			next.MonthlySpent, next.MonthlyResetAt = w.Policy.MonthlySpent, w.Policy.MonthlyResetAt
		}
		next = policy.Windows(s.now(), next)

		if err := st.Wallet().SavePolicy(ctx, tenantID, next); err != nil {
			return err
		}
		w, err = st.Wallet().GetWallet(ctx, tenantID, id)
		return err
	})
	if err != nil {
		return models.Wallet{}, fmt.Errorf("can't set wallet %s policy: %w", id, err)
	}

	s.logger.Info("Wallet policy set", "tenant", tenantID, "wallet_id", id)
	return w, nil
}

// RemovePolicy makes the wallet unrestricted
func (s *Service) RemovePolicy(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error) {
	if err := s.storage.Wallet().DeletePolicy(ctx, tenantID, id); err != nil {
		return models.Wallet{}, err
	}
	return s.storage.Wallet().GetWallet(ctx, tenantID, id)
}

// ListTransfers returns newest transfers first
func (s *Service) ListTransfers(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, limit int) ([]models.Transfer, error) {
	if _, err := s.storage.Wallet().GetWallet(ctx, tenantID, id); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	return s.storage.Transfer().ListTransfers(ctx, tenantID, id, limit)
}

func (s *Service) GetTransfer(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Transfer, error) {
	return s.storage.Transfer().GetTransfer(ctx, tenantID, id)
}

// CreateAgent binds a new agent identity to one wallet of the tenant
func (s *Service) CreateAgent(ctx context.Context, tenantID uuid.UUID, name string, walletID uuid.UUID) (models.Agent, error) {
	a, err := s.storage.Agent().CreateAgent(ctx, models.Agent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		WalletID:  walletID,
		CreatedAt: s.now(),
	})
	if err != nil {
		return a, fmt.Errorf("can't create agent: %w", err)
	}

	s.logger.Info("Agent created", "tenant", tenantID, "agent_id", a.ID, "wallet_id", walletID)
	return a, nil
}

func (s *Service) GetAgent(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Agent, error) {
	return s.storage.Agent().GetAgent(ctx, tenantID, id)
}

func validatePolicy(w models.Wallet, p PolicyParams) error {
	for rule, v := range map[string]decimal.NullDecimal{
		"daily_limit":        p.DailyLimit,
		"monthly_limit":      p.MonthlyLimit,
		"approval_threshold": p.ApprovalThreshold,
	} {
		if v.Valid && (v.Decimal.IsNegative() || !w.Currency.HasValidPrecision(v.Decimal)) {
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidPolicy, rule)
		}
	}

	if r := p.Replenish; r != nil {
		switch {
		case !r.TopUpAmount.IsPositive() || !w.Currency.HasValidPrecision(r.TopUpAmount):
			return fmt.Errorf("%w: top up amount must be positive", apperrors.ErrInvalidPolicy)
		case r.TriggerBalance.IsNegative():
			return fmt.Errorf("%w: trigger balance must not be negative", apperrors.ErrInvalidPolicy)
		case r.FundingWallet == w.ID:
			return fmt.Errorf("%w: wallet can't replenish itself", apperrors.ErrInvalidPolicy)
		}
	}

	return nil
}
