package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/wallet"
)

type custodyRequest struct {
	Kind        string `json:"kind" validate:"required,oneof=directly_managed externally_verified delegated_custody"`
	Chain       string `json:"chain" validate:"max=100"`
	Address     string `json:"address" validate:"max=200"`
	ProviderRef string `json:"provider_ref" validate:"max=200"`
}

func (c *custodyRequest) custody() models.Custody {
	if c == nil {
		return nil
	}

	switch models.CustodyKind(c.Kind) {
	case models.CustodyExternal:
		return models.ExternallyVerified{Chain: c.Chain, Address: c.Address}
	case models.CustodyDelegated:
		return models.DelegatedCustody{ProviderRef: c.ProviderRef}
	default:
		return models.DirectlyManaged{}
	}
}

func handleCreateWallet(s walletService, l logger.Logger) http.Handler {
	type request struct {
		OwnerID  string          `json:"owner_id" validate:"max=200"`
		Currency string          `json:"currency" validate:"required,currency"`
		Custody  *custodyRequest `json:"custody"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		currency, _ := models.ParseCurrency(data.Currency)
		created, err := s.Create(r.Context(), tenantID(r), wallet.CreateParams{
			OwnerID:  data.OwnerID,
			Currency: currency,
			Custody:  data.Custody.custody(),
		})
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSONWithStatus(w, newWalletView(created), http.StatusCreated)
	})
}

func handleGetWallet(s walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		found, remaining, err := s.Get(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		view := newWalletView(found)
		view.Remaining = newRemainingView(remaining)
		render.JSON(w, view)
	})
}

func handleFreezeWallet(s walletService, l logger.Logger) http.Handler {
	return handleWalletAction(s.Freeze, l)
}

func handleUnfreezeWallet(s walletService, l logger.Logger) http.Handler {
	return handleWalletAction(s.Unfreeze, l)
}

func handleRemovePolicy(s walletService, l logger.Logger) http.Handler {
	return handleWalletAction(s.RemovePolicy, l)
}

type walletAction func(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error)

func handleWalletAction(action walletAction, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		updated, err := action(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newWalletView(updated))
	})
}

func handleSetPolicy(s walletService, l logger.Logger) http.Handler {
	type replenishRequest struct {
		TriggerBalance string    `json:"trigger_balance" validate:"required,decimal"`
		TopUpAmount    string    `json:"top_up_amount" validate:"required,amount"`
		FundingWallet  uuid.UUID `json:"funding_wallet_id" validate:"required"`
	}
	type request struct {
		DailyLimit            *string           `json:"daily_limit" validate:"omitempty,decimal"`
		MonthlyLimit          *string           `json:"monthly_limit" validate:"omitempty,decimal"`
		AllowedCounterparties []string          `json:"allowed_counterparties" validate:"omitempty,dive,required"`
		AllowedCategories     []string          `json:"allowed_categories" validate:"omitempty,dive,required"`
		ApprovalThreshold     *string           `json:"approval_threshold" validate:"omitempty,decimal"`
		Replenish             *replenishRequest `json:"replenish"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		p := wallet.PolicyParams{
			DailyLimit:            parseNullDecimal(data.DailyLimit),
			MonthlyLimit:          parseNullDecimal(data.MonthlyLimit),
			AllowedCounterparties: data.AllowedCounterparties,
			AllowedCategories:     data.AllowedCategories,
			ApprovalThreshold:     parseNullDecimal(data.ApprovalThreshold),
		}
		if rr := data.Replenish; rr != nil {
			p.Replenish = &models.Replenishment{
				TriggerBalance: parseDecimal(rr.TriggerBalance),
				TopUpAmount:    parseDecimal(rr.TopUpAmount),
				FundingWallet:  rr.FundingWallet,
			}
		}

		updated, err := s.SetPolicy(r.Context(), tenantID(r), id, p)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newWalletView(updated))
	})
}

func handleFundWallet(s paymentExecutor, l logger.Logger) http.Handler {
	type request struct {
		SourceID  uuid.UUID `json:"source_wallet_id" validate:"required"`
		Amount    string    `json:"amount" validate:"required,amount"`
		Reference string    `json:"reference" validate:"required,max=200"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		result, err := s.Fund(r.Context(), tenantID(r), id, data.SourceID, parseDecimal(data.Amount), data.Reference)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newPaymentView(result))
	})
}

func handleListTransfers(s walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			var err error
			if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
				render.ServiceError(w, "Limit must be a non negative integer", http.StatusBadRequest)
				return
			}
		}

		transfers, err := s.ListTransfers(r.Context(), tenantID(r), id, limit)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		views := make([]transferView, 0, len(transfers))
		for _, t := range transfers {
			views = append(views, newTransferView(t))
		}
		render.JSON(w, views)
	})
}

func handleGetTransfer(s walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		t, err := s.GetTransfer(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newTransferView(t))
	})
}

func handleCreateAgent(s walletService, l logger.Logger) http.Handler {
	type request struct {
		Name     string    `json:"name" validate:"required,max=100"`
		WalletID uuid.UUID `json:"wallet_id" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		a, err := s.CreateAgent(r.Context(), tenantID(r), data.Name, data.WalletID)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSONWithStatus(w, newAgentView(a), http.StatusCreated)
	})
}

func handleGetAgent(s walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		a, err := s.GetAgent(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newAgentView(a))
	})
}
