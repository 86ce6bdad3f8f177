package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nkiryanov/machinepay/internal/apperrors"
)

const (
	KeyPrefix = "mp_"

	keyIDBytes     = 6
	keySecretBytes = 32
)

// Key is a tenant API key: "mp_<id>.<secret>".
// The id is stored in clear to find the tenant, only a hash of the secret is stored.
type Key struct {
	ID     string
	Secret string
}

func (k Key) String() string {
	return KeyPrefix + k.ID + "." + k.Secret
}

func GenerateKey() (Key, error) {
	id := make([]byte, keyIDBytes)
	secret := make([]byte, keySecretBytes)

	if _, err := rand.Read(id); err != nil {
		return Key{}, fmt.Errorf("error while generating key id: %w", err)
	}
	if _, err := rand.Read(secret); err != nil {
		return Key{}, fmt.Errorf("error while generating key secret: %w", err)
	}

	return Key{ID: hex.EncodeToString(id), Secret: hex.EncodeToString(secret)}, nil
}

func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, KeyPrefix)
	if !ok {
		return Key{}, fmt.Errorf("%w: malformed api key", apperrors.ErrUnauthorized)
	}

	id, secret, ok := strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return Key{}, fmt.Errorf("%w: malformed api key", apperrors.ErrUnauthorized)
	}

	return Key{ID: id, Secret: secret}, nil
}
