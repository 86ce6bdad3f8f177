package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
)

type proofParser interface {
	Parse(proof string) (tenantID uuid.UUID, transferID uuid.UUID, err error)
}

// Expected is what the resource provider asked for in the challenge
type Expected struct {
	EndpointID uuid.UUID
	Amount     decimal.Decimal
	Nonce      string
}

type Verification struct {
	Verified    bool
	ConfirmedAt time.Time
	TransferID  uuid.UUID
	Payer       uuid.UUID // source wallet
	Amount      decimal.Decimal
	Currency    models.Currency
}

// Verifier checks payment proofs against the ledger. It never writes.
type Verifier struct {
	storage repository.Storage
	parser  proofParser
	now     func() time.Time
}

func New(storage repository.Storage, parser proofParser) *Verifier {
	return &Verifier{storage: storage, parser: parser, now: time.Now}
}

// Verify tells whether the proof pays for the expected call.
// Same proof gives the same answer every time once the transfer is confirmed.
func (v *Verifier) Verify(ctx context.Context, tenantID uuid.UUID, proof string, want Expected) (Verification, error) {
	proofTenant, transferID, err := v.parser.Parse(proof)
	switch {
	case err != nil:
		return Verification{}, err
	case proofTenant != tenantID:
		return Verification{}, fmt.Errorf("%w: issued for another tenant", apperrors.ErrProofInvalid)
	}

	t, err := v.storage.Transfer().GetTransfer(ctx, tenantID, transferID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return Verification{}, fmt.Errorf("%w: no such payment", apperrors.ErrProofInvalid)
	case err != nil:
		return Verification{}, err
	case t.Proof != "" && t.Proof != proof:
		return Verification{}, apperrors.ErrProofInvalid
	case t.IdempotencyKey != want.Nonce:
		return Verification{}, apperrors.ErrNonceMismatch
	case t.EndpointID == nil || *t.EndpointID != want.EndpointID:
		return Verification{}, apperrors.ErrEndpointMismatch
	case !t.Amount.Equal(want.Amount):
		return Verification{}, fmt.Errorf("%w: paid %s", apperrors.ErrAmountMismatch, t.Amount)
	}

	result := Verification{
		TransferID: t.ID,
		Payer:      t.SourceID,
		Amount:     t.Amount,
		Currency:   t.Currency,
	}

	if t.IsConfirmed() {
		result.Verified = true
		result.ConfirmedAt = *t.ConfirmedAt
		return result, nil
	}

	expiresAt := t.ExpiresAt
	c, err := v.storage.Challenge().GetChallenge(ctx, tenantID, want.Nonce)
	switch {
	case err == nil:
		expiresAt = c.ExpiresAt
	case !errors.Is(err, apperrors.ErrNotFound):
		return Verification{}, err
	}

	if !v.now().Before(expiresAt) {
		return Verification{}, fmt.Errorf("%w: payment was never confirmed", apperrors.ErrExpired)
	}
	return result, nil
}
