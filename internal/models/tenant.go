package models

import (
	"time"

	"github.com/google/uuid"
)

type Tenant struct {
	ID         uuid.UUID
	Name       string
	APIKeyID   string
	APIKeyHash string
	CreatedAt  time.Time
}

// Agent is an autonomous identity governed by exactly one wallet.
// It spends through the same policy engine as any other wallet.
type Agent struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	WalletID  uuid.UUID
	CreatedAt time.Time
}
