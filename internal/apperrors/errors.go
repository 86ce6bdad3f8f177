package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// Validation errors: rejected before any state is touched
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrUnknownCurrency    = errors.New("unknown currency")
	ErrCurrencyMismatch   = errors.New("currency does not match wallet currency")
	ErrInvalidNonce       = errors.New("nonce must not be empty")
	ErrInvalidDiscount    = errors.New("discount tiers are invalid")
	ErrSameWallet         = errors.New("source and destination wallets must differ")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateResource  = errors.New("resource already exists")
	ErrTenantMismatch     = errors.New("record belongs to another tenant")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrResourceNotPayable = errors.New("resource is not a registered payable endpoint")
	ErrInvalidCustody     = errors.New("custody details are incomplete")
	ErrInvalidPolicy      = errors.New("spending policy is invalid")

	// Policy errors
	ErrLimitExceeded           = errors.New("spending limit exceeded")
	ErrCounterpartyNotApproved = errors.New("counterparty not approved")
	ErrCategoryNotApproved     = errors.New("category not approved")
	ErrApprovalRequired        = errors.New("payment requires approval")

	// Concurrency conflicts
	ErrConflict = errors.New("payment with the same idempotency key is in flight")

	// Resource errors
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrWalletFrozen        = errors.New("wallet is frozen")
	ErrWalletNotActive     = errors.New("wallet is not active")
	ErrResourceUnavailable = errors.New("resource unavailable")

	// Expiry errors
	ErrExpired = errors.New("payment challenge expired")

	// Single use
	ErrChallengeConsumed = errors.New("payment challenge already consumed")

	// Verification errors
	ErrProofInvalid     = errors.New("payment proof is invalid")
	ErrAmountMismatch   = errors.New("payment amount mismatch")
	ErrEndpointMismatch = errors.New("payment endpoint mismatch")
	ErrNonceMismatch    = errors.New("payment nonce mismatch")

	// Transfer state errors
	ErrTransferNotParked = errors.New("transfer is not waiting for approval")
	ErrTransferFailed    = errors.New("payment with the same idempotency key failed")

	// Mandate errors
	ErrMandateTransition = errors.New("mandate transition not allowed")
	ErrMandateImmutable  = errors.New("mandate is executed and can not be changed")

	// External settlement leg
	ErrSettlementRejected = errors.New("external settlement rejected")
)

// Machine readable denial codes
const (
	CodeLimitExceeded           = "LIMIT_EXCEEDED"
	CodeCounterpartyNotApproved = "COUNTERPARTY_NOT_APPROVED"
	CodeCategoryNotApproved     = "CATEGORY_NOT_APPROVED"
)

// Rules a PolicyError may refer to
const (
	RuleDailyLimit     = "daily_limit"
	RuleMonthlyLimit   = "monthly_limit"
	RuleCounterparties = "allowed_counterparties"
	RuleCategories     = "allowed_categories"
	RuleMandateMax     = "mandate_max_amount"
)

// PolicyError tells the caller which spending rule denied the payment.
// Unwraps to one of ErrLimitExceeded, ErrCounterpartyNotApproved, ErrCategoryNotApproved.
type PolicyError struct {
	Code string
	Rule string

	// Set for limit denials only
	Limit     decimal.Decimal
	Remaining decimal.Decimal
}

func (e *PolicyError) Error() string {
	switch e.Code {
	case CodeLimitExceeded:
		return fmt.Sprintf("%s: %s=%s, remaining=%s", ErrLimitExceeded, e.Rule, e.Limit, e.Remaining)
	default:
		return fmt.Sprintf("%s: %s", e.Unwrap(), e.Rule)
	}
}

func (e *PolicyError) Unwrap() error {
	switch e.Code {
	case CodeLimitExceeded:
		return ErrLimitExceeded
	case CodeCounterpartyNotApproved:
		return ErrCounterpartyNotApproved
	case CodeCategoryNotApproved:
		return ErrCategoryNotApproved
	default:
		return nil
	}
}

func NewLimitError(rule string, limit, remaining decimal.Decimal) *PolicyError {
	return &PolicyError{Code: CodeLimitExceeded, Rule: rule, Limit: limit, Remaining: remaining}
}
