// Package paywall puts registered endpoints behind HTTP 402 payment challenges.
package paywall

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/handlers/tenantctx"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/verifier"
)

type endpoints interface {
	GetByRoute(ctx context.Context, tenantID uuid.UUID, method string, path string) (models.Endpoint, error)
}

type challenges interface {
	Build(ctx context.Context, tenantID uuid.UUID, method string, path string) (models.Challenge, error)
	Get(ctx context.Context, tenantID uuid.UUID, nonce string) (models.Challenge, error)
	Consume(ctx context.Context, tenantID uuid.UUID, nonce string) (models.Challenge, error)
}

type proofVerifier interface {
	Verify(ctx context.Context, tenantID uuid.UUID, proof string, want verifier.Expected) (verifier.Verification, error)
}

type Paywall struct {
	endpoints  endpoints
	challenges challenges
	verifier   proofVerifier
	logger     logger.Logger
}

func New(e endpoints, c challenges, v proofVerifier, l logger.Logger) *Paywall {
	return &Paywall{endpoints: e, challenges: c, verifier: v, logger: l}
}

// Wrap serves next only for paid calls of registered endpoints.
// Routes nobody registered pass through for free.
// Every confirmed payment buys exactly one call, however late it was confirmed.
func (p *Paywall) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := tenantctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Not found", http.StatusNotFound)
			return
		}

		e, err := p.endpoints.GetByRoute(r.Context(), tenant.ID, r.Method, r.URL.Path)
		switch {
		case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrResourceNotPayable):
			next.ServeHTTP(w, r)
			return
		case err != nil:
			p.fail(w, r, err)
			return
		case e.Status != models.EndpointActive:
			render.ServiceError(w, "Resource unavailable", http.StatusServiceUnavailable)
			return
		}

		header := r.Header.Get(PaymentHeader)
		if header == "" {
			p.paymentRequired(w, r, tenant.ID, "Payment required")
			return
		}

		payment, err := DecodePayment(header)
		if err != nil {
			p.paymentRequired(w, r, tenant.ID, err.Error())
			return
		}

		settled, reason, err := p.verify(r.Context(), tenant.ID, e, payment)
		switch {
		case err != nil:
			p.fail(w, r, err)
			return
		case reason != "":
			p.logger.Info("Payment rejected", "tenant", tenant.ID, "endpoint_id", e.ID, "nonce", payment.Nonce, "reason", reason)
			p.paymentRequired(w, r, tenant.ID, reason)
			return
		}

		encoded, err := EncodeSettlement(settled)
		if err != nil {
			p.fail(w, r, err)
			return
		}
		w.Header().Set(PaymentResponseHeader, encoded)

		next.ServeHTTP(w, r)
	})
}

// verify returns reason the payment is not accepted or the settlement to report back
func (p *Paywall) verify(ctx context.Context, tenantID uuid.UUID, e models.Endpoint, payment Payment) (SettleResponse, string, error) {
	c, err := p.challenges.Get(ctx, tenantID, payment.Nonce)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return SettleResponse{}, "Unknown payment nonce", nil
	case err != nil:
		return SettleResponse{}, "", err
	case c.EndpointID != e.ID:
		return SettleResponse{}, "Payment is for another resource", nil
	case c.Consumed():
		return SettleResponse{}, "Payment already used", nil
	}

	v, err := p.verifier.Verify(ctx, tenantID, payment.Proof, verifier.Expected{
		EndpointID: e.ID,
		Amount:     c.Amount,
		Nonce:      c.Nonce,
	})
	switch {
	case isRejection(err):
		return SettleResponse{}, err.Error(), nil
	case err != nil:
		return SettleResponse{}, "", err
	case !v.Verified:
		return SettleResponse{}, "Payment is not confirmed", nil
	}

	// Concurrent requests with the same payment: one of them wins
	_, err = p.challenges.Consume(ctx, tenantID, c.Nonce)
	switch {
	case errors.Is(err, apperrors.ErrChallengeConsumed):
		return SettleResponse{}, "Payment already used", nil
	case err != nil:
		return SettleResponse{}, "", err
	}

	return SettleResponse{
		Success:     true,
		Transaction: v.TransferID.String(),
		Network:     c.Network,
		Payer:       v.Payer.String(),
	}, "", nil
}

func (p *Paywall) paymentRequired(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, reason string) {
	c, err := p.challenges.Build(r.Context(), tenantID, r.Method, r.URL.Path)
	if err != nil {
		p.fail(w, r, err)
		return
	}

	render.JSONWithStatus(w, PaymentRequired{
		X402Version: X402Version,
		Error:       reason,
		Resource:    &ResourceInfo{URL: c.Resource},
		Accepts:     []Requirements{requirementsOf(c)},
	}, http.StatusPaymentRequired)
}

func (p *Paywall) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, apperrors.ErrResourceUnavailable) {
		render.ServiceError(w, "Resource unavailable", http.StatusServiceUnavailable)
		return
	}

	p.logger.Error("Paywall failed", "method", r.Method, "path", r.URL.Path, "error", err)
	render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
}

func requirementsOf(c models.Challenge) Requirements {
	return Requirements{
		Scheme:            SchemeExact,
		Network:           c.Network,
		Amount:            c.Amount.String(),
		MaxAmountRequired: c.Amount.String(),
		Asset:             string(c.Currency),
		PayTo:             c.PayTo.String(),
		MaxTimeoutSeconds: int(c.ExpiresAt.Sub(c.CreatedAt).Seconds()),
		Extra: map[string]any{
			"nonce":      c.Nonce,
			"paymentId":  c.PaymentID.String(),
			"endpointId": c.EndpointID.String(),
			"expiresAt":  c.ExpiresAt,
		},
	}
}

// Verification errors the client can fix by paying again
func isRejection(err error) bool {
	for _, target := range []error{
		apperrors.ErrProofInvalid,
		apperrors.ErrAmountMismatch,
		apperrors.ErrEndpointMismatch,
		apperrors.ErrNonceMismatch,
		apperrors.ErrExpired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
