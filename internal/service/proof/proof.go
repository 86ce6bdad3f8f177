package proof

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/apperrors"
)

const defaultSigningMethod = "HS256"

// Claims carry no time fields, so the same transfer always yields the same proof
type Claims struct {
	jwt.RegisteredClaims
	TenantID uuid.UUID `json:"tid"`
}

// Signer issues and checks payment proofs.
// A proof is a MAC over the transfer id: it can't be forged without the ledger secret.
type Signer struct {
	key []byte
	alg jwt.SigningMethod
}

func NewSigner(secretKey string) (*Signer, error) {
	if secretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	return &Signer{
		key: []byte(secretKey),
		alg: jwt.GetSigningMethod(defaultSigningMethod),
	}, nil
}

func (s *Signer) Sign(tenantID uuid.UUID, transferID uuid.UUID) (string, error) {
	token := jwt.NewWithClaims(s.alg, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ID: transferID.String()},
		TenantID:         tenantID,
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("error while signing payment proof. Err: %w", err)
	}
	return signed, nil
}

// Parse checks the proof signature and returns the tenant and transfer it was issued for
func (s *Signer) Parse(proof string) (tenantID uuid.UUID, transferID uuid.UUID, err error) {
	var claims Claims

	_, err = jwt.ParseWithClaims(proof, &claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{s.alg.Alg()}))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %w", apperrors.ErrProofInvalid, err)
	}

	transferID, err = uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bad transfer id", apperrors.ErrProofInvalid)
	}

	return claims.TenantID, transferID, nil
}
