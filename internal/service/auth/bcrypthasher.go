package auth

import (
	"crypto/sha256"

	"golang.org/x/crypto/bcrypt"
)

// Bcrypt hasher for API key secrets
// Used as default one if no other hasher provided
// Secret is pre-hashed with sha256: bcrypt ignores input after 72 bytes
type BcryptHasher struct{}

func (h BcryptHasher) Hash(secret string) (string, error) {
	sum := sha256.Sum256([]byte(secret))
	hash, err := bcrypt.GenerateFromPassword(sum[:], bcrypt.DefaultCost)
	return string(hash), err
}

func (h BcryptHasher) Compare(hashedSecret string, secret string) error {
	sum := sha256.Sum256([]byte(secret))
	return bcrypt.CompareHashAndPassword([]byte(hashedSecret), sum[:])
}
