package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/registry"
)

type tierRequest struct {
	Threshold  int64  `json:"threshold" validate:"min=1"`
	Multiplier string `json:"multiplier" validate:"required,amount"`
}

func parseTiers(tiers []tierRequest) []models.DiscountTier {
	parsed := make([]models.DiscountTier, 0, len(tiers))
	for _, t := range tiers {
		parsed = append(parsed, models.DiscountTier{Threshold: t.Threshold, Multiplier: parseDecimal(t.Multiplier)})
	}
	return parsed
}

func handleRegisterEndpoint(s endpointRegistry, l logger.Logger) http.Handler {
	type request struct {
		WalletID    uuid.UUID     `json:"wallet_id" validate:"required"`
		Method      string        `json:"method" validate:"required"`
		Path        string        `json:"path" validate:"required,startswith=/,max=500"`
		Description string        `json:"description" validate:"max=500"`
		Price       string        `json:"price" validate:"required,decimal"`
		Currency    string        `json:"currency" validate:"required,currency"`
		Tiers       []tierRequest `json:"tiers" validate:"omitempty,dive"`
		Category    string        `json:"category" validate:"max=100"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		currency, _ := models.ParseCurrency(data.Currency)
		e, err := s.Register(r.Context(), tenantID(r), registry.RegisterParams{
			WalletID:    data.WalletID,
			Path:        data.Path,
			Method:      data.Method,
			Description: data.Description,
			Price:       parseDecimal(data.Price),
			Currency:    currency,
			Tiers:       parseTiers(data.Tiers),
			Category:    data.Category,
		})
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSONWithStatus(w, newEndpointView(e), http.StatusCreated)
	})
}

func handleUpdateEndpoint(s endpointRegistry, l logger.Logger) http.Handler {
	type request struct {
		Description *string        `json:"description" validate:"omitempty,max=500"`
		Price       *string        `json:"price" validate:"omitempty,decimal"`
		Currency    *string        `json:"currency" validate:"omitempty,currency"`
		Tiers       *[]tierRequest `json:"tiers" validate:"omitempty,dive"`
		Category    *string        `json:"category" validate:"omitempty,max=100"`
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

		p := registry.UpdateParams{Description: data.Description, Category: data.Category}
		if data.Price != nil {
			price := parseDecimal(*data.Price)
			p.Price = &price
		}
		if data.Currency != nil {
			currency, _ := models.ParseCurrency(*data.Currency)
			p.Currency = &currency
		}
		if data.Tiers != nil {
			tiers := parseTiers(*data.Tiers)
			p.Tiers = &tiers
		}

		e, err := s.Update(r.Context(), tenantID(r), id, p)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newEndpointView(e))
	})
}

type endpointAction func(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error)

// Pause, resume and disable
func handleEndpointStatus(action endpointAction, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		e, err := action(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newEndpointView(e))
	})
}

func handleGetEndpoint(s endpointRegistry, l logger.Logger) http.Handler {
	return handleEndpointStatus(s.Get, l)
}

func handleListEndpoints(s endpointRegistry, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoints, err := s.List(r.Context(), tenantID(r))
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		views := make([]endpointView, 0, len(endpoints))
		for _, e := range endpoints {
			views = append(views, newEndpointView(e))
		}
		render.JSON(w, views)
	})
}

// handleEndpointPrice quotes the next call. ?calls=N asks for the price after N served calls.
func handleEndpointPrice(s endpointRegistry, l logger.Logger) http.Handler {
	type response struct {
		EndpointID uuid.UUID       `json:"endpoint_id"`
		Calls      int64           `json:"calls"`
		Price      decimal.Decimal `json:"price"`
		Currency   models.Currency `json:"currency"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		e, err := s.Get(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		calls := e.CallCount
		if raw := r.URL.Query().Get("calls"); raw != "" {
			if calls, err = strconv.ParseInt(raw, 10, 64); err != nil || calls < 0 {
				render.ServiceError(w, "Calls must be a non negative integer", http.StatusBadRequest)
				return
			}
		}

		price, err := s.ResolvePrice(r.Context(), tenantID(r), id, calls)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, response{EndpointID: e.ID, Calls: calls, Price: price, Currency: e.Currency})
	})
}
