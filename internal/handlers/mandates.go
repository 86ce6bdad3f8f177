package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/service/mandate"
)

func handleCreateMandate(s mandateService, l logger.Logger) http.Handler {
	type request struct {
		WalletID     uuid.UUID `json:"wallet_id" validate:"required"`
		Counterparty uuid.UUID `json:"counterparty_id" validate:"required"`
		Description  string    `json:"description" validate:"max=500"`
		Category     string    `json:"category" validate:"max=100"`
		MaxAmount    *string   `json:"max_amount" validate:"omitempty,amount"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		m, err := s.CreateIntent(r.Context(), tenantID(r), mandate.IntentParams{
			WalletID:     data.WalletID,
			Counterparty: data.Counterparty,
			Description:  data.Description,
			Category:     data.Category,
			MaxAmount:    parseNullDecimal(data.MaxAmount),
		})
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSONWithStatus(w, newMandateView(m), http.StatusCreated)
	})
}

func handleGetMandate(s mandateService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		m, err := s.Get(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newMandateView(m))
	})
}

func handleAttachCart(s mandateService, l logger.Logger) http.Handler {
	type item struct {
		Description string     `json:"description" validate:"max=500"`
		Amount      string     `json:"amount" validate:"required,amount"`
		EndpointID  *uuid.UUID `json:"endpoint_id"`
	}
	type request struct {
		Items []item `json:"items" validate:"required,min=1,max=100,dive"`
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

		items := make([]mandate.Item, 0, len(data.Items))
		for _, it := range data.Items {
			items = append(items, mandate.Item{Description: it.Description, Amount: parseDecimal(it.Amount), EndpointID: it.EndpointID})
		}

		m, err := s.AttachCart(r.Context(), tenantID(r), id, items)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newMandateView(m))
	})
}

func handleExecuteMandate(s mandateService, l logger.Logger) http.Handler {
	type response struct {
		Mandate  mandateView   `json:"mandate"`
		Payments []paymentView `json:"payments"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		m, results, err := s.Execute(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		payments := make([]paymentView, 0, len(results))
		for _, result := range results {
			payments = append(payments, newPaymentView(result))
		}
		render.JSON(w, response{Mandate: newMandateView(m), Payments: payments})
	})
}

func handleRevokeMandate(s mandateService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		m, err := s.Revoke(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newMandateView(m))
	})
}
