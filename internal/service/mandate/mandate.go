package mandate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/service/policy"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
)

type batchExecutor interface {
	ExecuteBatch(ctx context.Context, req settlement.BatchRequest, fn func(s repository.Storage, results []settlement.Result) error) ([]settlement.Result, error)
}

type IntentParams struct {
	WalletID     uuid.UUID
	Counterparty uuid.UUID
	Description  string
	Category     string
	MaxAmount    decimal.NullDecimal
}

type Item struct {
	Description string
	Amount      decimal.Decimal
	EndpointID  *uuid.UUID
}

// Service moves mandates forward: intent, cart, payment.
// Revoking is possible until the payment happened.
type Service struct {
	storage  repository.Storage
	executor batchExecutor
	logger   logger.Logger
	now      func() time.Time
}

func New(storage repository.Storage, executor batchExecutor, l logger.Logger) *Service {
	return &Service{storage: storage, executor: executor, logger: l, now: time.Now}
}

func (s *Service) CreateIntent(ctx context.Context, tenantID uuid.UUID, p IntentParams) (models.Mandate, error) {
	if p.MaxAmount.Valid && !p.MaxAmount.Decimal.IsPositive() {
		return models.Mandate{}, apperrors.ErrInvalidAmount
	}
	if p.WalletID == p.Counterparty {
		return models.Mandate{}, apperrors.ErrSameWallet
	}

	wallet, err := s.storage.Wallet().GetWallet(ctx, tenantID, p.WalletID)
	if err != nil {
		return models.Mandate{}, fmt.Errorf("wallet: %w", err)
	}
	counterparty, err := s.storage.Wallet().GetWallet(ctx, tenantID, p.Counterparty)
	if err != nil {
		return models.Mandate{}, fmt.Errorf("counterparty: %w", err)
	}
	if wallet.Currency != counterparty.Currency {
		return models.Mandate{}, apperrors.ErrCurrencyMismatch
	}
	if p.MaxAmount.Valid && !wallet.Currency.HasValidPrecision(p.MaxAmount.Decimal) {
		return models.Mandate{}, apperrors.ErrInvalidAmount
	}

	m, err := s.storage.Mandate().CreateMandate(ctx, models.Mandate{
		ID:           uuid.New(),
		TenantID:     tenantID,
		WalletID:     wallet.ID,
		Counterparty: counterparty.ID,
		Description:  p.Description,
		Category:     p.Category,
		MaxAmount:    p.MaxAmount,
		Currency:     wallet.Currency,
		State:        models.MandateIntent,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return m, fmt.Errorf("can't create mandate: %w", err)
	}

	s.logger.Info("Mandate intent created", "tenant", tenantID, "mandate_id", m.ID, "wallet_id", m.WalletID)
	return m, nil
}

// AttachCart prices the intent with concrete items.
// The total must fit the intent bound and the wallet limits as they are right now.
func (s *Service) AttachCart(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, items []Item) (models.Mandate, error) {
	if len(items) == 0 {
		return models.Mandate{}, fmt.Errorf("%w: cart is empty", apperrors.ErrInvalidAmount)
	}

	var m models.Mandate
	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		var err error
		m, err = st.Mandate().LockMandate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if err := transition(m.State, models.MandateCart); err != nil {
			return err
		}

		cart := make([]models.MandateItem, 0, len(items))
		for i, item := range items {
			if !item.Amount.IsPositive() || !m.Currency.HasValidPrecision(item.Amount) {
				return fmt.Errorf("item %d: %w", i, apperrors.ErrInvalidAmount)
			}
			if item.EndpointID != nil {
				if err := checkEndpoint(ctx, st, m, *item.EndpointID); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
			cart = append(cart, models.MandateItem{
				Position:    i,
				Description: item.Description,
				Amount:      item.Amount,
				EndpointID:  item.EndpointID,
			})
		}
		m.Items = cart

		total := m.Total()
		if m.MaxAmount.Valid && total.GreaterThan(m.MaxAmount.Decimal) {
			return apperrors.NewLimitError(apperrors.RuleMandateMax, m.MaxAmount.Decimal, m.MaxAmount.Decimal)
		}

		wallet, err := st.Wallet().GetWallet(ctx, tenantID, m.WalletID)
		if err != nil {
			return err
		}
		if err := policy.PreCheck(s.now(), wallet, total); err != nil {
			return err
		}

		if err := st.Mandate().SaveItems(ctx, m.ID, cart); err != nil {
			return err
		}
		m, err = st.Mandate().SetState(ctx, tenantID, m.ID, models.MandateIntent, models.MandateCart, s.now())
		return err
	})
	if err != nil {
		return models.Mandate{}, fmt.Errorf("can't attach cart to mandate %s: %w", id, err)
	}

	return m, nil
}

// Execute pays every cart item in one batch. On any failure nothing is paid and the mandate stays in cart.
func (s *Service) Execute(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, []settlement.Result, error) {
	m, err := s.storage.Mandate().GetMandate(ctx, tenantID, id)
	if err != nil {
		return m, nil, err
	}
	if err := transition(m.State, models.MandatePayment); err != nil {
		return m, nil, err
	}

	items := make([]settlement.BatchItem, 0, len(m.Items))
	for _, item := range m.Items {
		items = append(items, settlement.BatchItem{Amount: item.Amount, EndpointID: item.EndpointID})
	}

	results, err := s.executor.ExecuteBatch(ctx, settlement.BatchRequest{
		TenantID:      tenantID,
		SourceID:      m.WalletID,
		DestinationID: m.Counterparty,
		Currency:      m.Currency,
		Category:      m.Category,
		MandateID:     &m.ID,
		KeyPrefix:     "mandate:" + m.ID.String(),
		Items:         items,
	}, func(st repository.Storage, _ []settlement.Result) error {
		_, err := st.Mandate().SetState(ctx, tenantID, m.ID, models.MandateCart, models.MandatePayment, s.now())
		return err
	})
	if err != nil {
		return m, nil, fmt.Errorf("can't execute mandate %s: %w", id, err)
	}

	m, err = s.storage.Mandate().GetMandate(ctx, tenantID, id)
	if err != nil {
		return m, results, err
	}

	s.logger.Info("Mandate executed", "tenant", tenantID, "mandate_id", m.ID, "total", m.Total(), "transfers", len(results))
	return m, results, nil
}

func (s *Service) Revoke(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error) {
	var m models.Mandate
	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		locked, err := st.Mandate().LockMandate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if err := transition(locked.State, models.MandateRevoked); err != nil {
			return err
		}

		m, err = st.Mandate().SetState(ctx, tenantID, id, locked.State, models.MandateRevoked, s.now())
		return err
	})
	if err != nil {
		return models.Mandate{}, fmt.Errorf("can't revoke mandate %s: %w", id, err)
	}

	s.logger.Info("Mandate revoked", "tenant", tenantID, "mandate_id", id)
	return m, nil
}

func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error) {
	return s.storage.Mandate().GetMandate(ctx, tenantID, id)
}

func transition(from models.MandateState, to models.MandateState) error {
	switch {
	case from == models.MandatePayment:
		return apperrors.ErrMandateImmutable
	case !from.CanAdvance(to):
		return fmt.Errorf("%w: %s to %s", apperrors.ErrMandateTransition, from, to)
	default:
		return nil
	}
}

// Item endpoint must be paid to the mandate counterparty
func checkEndpoint(ctx context.Context, st repository.Storage, m models.Mandate, endpointID uuid.UUID) error {
	e, err := st.Endpoint().GetEndpoint(ctx, m.TenantID, endpointID)
	switch {
	case err != nil:
		return err
	case e.WalletID != m.Counterparty:
		return fmt.Errorf("%w: endpoint is paid to another wallet", apperrors.ErrEndpointMismatch)
	case e.Status != models.EndpointActive:
		return fmt.Errorf("%w: endpoint is %s", apperrors.ErrResourceUnavailable, e.Status)
	default:
		return nil
	}
}
