package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
	"github.com/nkiryanov/machinepay/internal/service/verifier"
)

func handleBuildChallenge(s challengeBuilder, l logger.Logger) http.Handler {
	type request struct {
		Method string `json:"method" validate:"required"`
		Path   string `json:"path" validate:"required,startswith=/"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		c, err := s.Build(r.Context(), tenantID(r), data.Method, data.Path)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSONWithStatus(w, newChallengeView(c), http.StatusCreated)
	})
}

// handleExecutePayment answers 200 for confirmed payments and 202 for payments parked for approval
func handleExecutePayment(s paymentExecutor, l logger.Logger) http.Handler {
	type request struct {
		WalletID      *uuid.UUID `json:"wallet_id" validate:"required_without=AgentID"`
		AgentID       *uuid.UUID `json:"agent_id" validate:"excluded_with=WalletID"`
		DestinationID *uuid.UUID `json:"destination_id" validate:"required_without=EndpointID"`
		EndpointID    *uuid.UUID `json:"endpoint_id"`
		Amount        string     `json:"amount" validate:"required,amount"`
		Currency      string     `json:"currency" validate:"omitempty,currency"`
		Nonce         string     `json:"nonce" validate:"required,max=200"`
		Category      string     `json:"category" validate:"max=100"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		req := settlement.Request{
			TenantID:   tenantID(r),
			AgentID:    data.AgentID,
			EndpointID: data.EndpointID,
			Amount:     parseDecimal(data.Amount),
			Nonce:      data.Nonce,
			Category:   data.Category,
		}
		if data.WalletID != nil {
			req.SourceID = *data.WalletID
		}
		if data.DestinationID != nil {
			req.DestinationID = *data.DestinationID
		}
		if data.Currency != "" {
			req.Currency, _ = models.ParseCurrency(data.Currency)
		}

		result, err := s.Execute(r.Context(), req)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		renderPayment(w, result)
	})
}

func handleVerifyPayment(s paymentVerifier, l logger.Logger) http.Handler {
	type request struct {
		Proof      string    `json:"proof" validate:"required"`
		EndpointID uuid.UUID `json:"endpoint_id" validate:"required"`
		Amount     string    `json:"amount" validate:"required,amount"`
		Nonce      string    `json:"nonce" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		v, err := s.Verify(r.Context(), tenantID(r), data.Proof, verifier.Expected{
			EndpointID: data.EndpointID,
			Amount:     parseDecimal(data.Amount),
			Nonce:      data.Nonce,
		})
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newVerificationView(v))
	})
}

func handleApproveTransfer(s paymentExecutor, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		result, err := s.Approve(r.Context(), tenantID(r), id)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		renderPayment(w, result)
	})
}

func handleRejectTransfer(s paymentExecutor, l logger.Logger) http.Handler {
	type request struct {
		Reason string `json:"reason" validate:"max=500"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		// Body is optional
		var data request
		if r.ContentLength != 0 {
			var err error
			if data, err = render.BindAndValidate[request](w, r); err != nil {
				return
			}
		}

		t, err := s.Reject(r.Context(), tenantID(r), id, data.Reason)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSON(w, newTransferView(t))
	})
}

func renderPayment(w http.ResponseWriter, result settlement.Result) {
	status := http.StatusOK
	if result.Parked() {
		status = http.StatusAccepted
	}
	render.JSONWithStatus(w, newPaymentView(result), status)
}
