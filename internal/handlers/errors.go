package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/logger"
)

// Status for every domain error a handler may get back from a service
var errorStatus = []struct {
	err    error
	status int
}{
	{apperrors.ErrUnauthorized, http.StatusUnauthorized},
	{apperrors.ErrNotFound, http.StatusNotFound},
	{apperrors.ErrResourceNotPayable, http.StatusNotFound},

	{apperrors.ErrInsufficientFunds, http.StatusPaymentRequired},

	{apperrors.ErrWalletFrozen, http.StatusForbidden},
	{apperrors.ErrWalletNotActive, http.StatusForbidden},
	{apperrors.ErrApprovalRequired, http.StatusForbidden},

	{apperrors.ErrDuplicateResource, http.StatusConflict},
	{apperrors.ErrConflict, http.StatusConflict},
	{apperrors.ErrTransferNotParked, http.StatusConflict},
	{apperrors.ErrTransferFailed, http.StatusConflict},
	{apperrors.ErrMandateTransition, http.StatusConflict},
	{apperrors.ErrMandateImmutable, http.StatusConflict},

	{apperrors.ErrExpired, http.StatusGone},

	{apperrors.ErrInvalidAmount, http.StatusUnprocessableEntity},
	{apperrors.ErrUnknownCurrency, http.StatusUnprocessableEntity},
	{apperrors.ErrCurrencyMismatch, http.StatusUnprocessableEntity},
	{apperrors.ErrInvalidNonce, http.StatusUnprocessableEntity},
	{apperrors.ErrInvalidDiscount, http.StatusUnprocessableEntity},
	{apperrors.ErrSameWallet, http.StatusUnprocessableEntity},
	{apperrors.ErrTenantMismatch, http.StatusUnprocessableEntity},
	{apperrors.ErrInvalidCustody, http.StatusUnprocessableEntity},
	{apperrors.ErrInvalidPolicy, http.StatusUnprocessableEntity},
	{apperrors.ErrProofInvalid, http.StatusUnprocessableEntity},
	{apperrors.ErrAmountMismatch, http.StatusUnprocessableEntity},
	{apperrors.ErrEndpointMismatch, http.StatusUnprocessableEntity},
	{apperrors.ErrNonceMismatch, http.StatusUnprocessableEntity},

	{apperrors.ErrSettlementRejected, http.StatusBadGateway},
	{apperrors.ErrResourceUnavailable, http.StatusServiceUnavailable},
}

// renderError writes the error response matching a service error.
// Unknown errors are logged and hidden behind 500.
func renderError(w http.ResponseWriter, r *http.Request, l logger.Logger, err error) {
	var policyErr *apperrors.PolicyError
	if errors.As(err, &policyErr) {
		render.PolicyDenied(w, policyErr)
		return
	}

	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			render.ServiceError(w, err.Error(), e.status)
			return
		}
	}

	l.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
}
