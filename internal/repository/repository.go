package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/models"
)

// Storage gives access to every record set of the ledger.
// All repositories returned from one Storage share the same connection or transaction.
type Storage interface {
	Tenant() TenantRepo
	Agent() AgentRepo
	Wallet() WalletRepo
	Ledger() LedgerRepo
	Endpoint() EndpointRepo
	Challenge() ChallengeRepo
	Transfer() TransferRepo
	Mandate() MandateRepo

	// Run fn in transaction: commit if fn returns nil, rollback otherwise
	// Nested calls create savepoints
	InTx(ctx context.Context, fn func(Storage) error) error
}

type TenantRepo interface {
	// Has to return apperrors.ErrDuplicateResource if key id is taken
	CreateTenant(ctx context.Context, t models.Tenant) (models.Tenant, error)

	// Has to return apperrors.ErrNotFound if tenant not found
	GetTenant(ctx context.Context, id uuid.UUID) (models.Tenant, error)
	GetTenantByKeyID(ctx context.Context, keyID string) (models.Tenant, error)
}

type AgentRepo interface {
	CreateAgent(ctx context.Context, a models.Agent) (models.Agent, error)
	GetAgent(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Agent, error)
}

type WalletRepo interface {
	CreateWallet(ctx context.Context, w models.Wallet) (models.Wallet, error)

	// Get wallet with its spending policy (if any)
	// Has to return apperrors.ErrNotFound if wallet not found within the tenant
	GetWallet(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error)

	// Set wallet lifecycle status, return updated wallet
	SetStatus(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, status models.WalletStatus) (models.Wallet, error)

	// Create or replace wallet spending policy
	SavePolicy(ctx context.Context, tenantID uuid.UUID, p models.SpendingPolicy) error
	DeletePolicy(ctx context.Context, tenantID uuid.UUID, walletID uuid.UUID) error
}

// LedgerRepo is the only writer of wallet balances.
// Must be used in transaction: locks are held until commit.
type LedgerRepo interface {
	// Lock wallets rows (FOR UPDATE) in ascending id order and return them with policies
	// Has to return apperrors.ErrNotFound if any wallet not found within the tenant
	LockWallets(ctx context.Context, tenantID uuid.UUID, ids ...uuid.UUID) (map[uuid.UUID]models.Wallet, error)

	// Debit source, credit destination, persist source policy counters and confirm transfer
	// Has to return apperrors.ErrInsufficientFunds if source balance is lower than amount
	ApplyTransfer(ctx context.Context, p ApplyTransferParams) (LedgerResult, error)
}

type ApplyTransferParams struct {
	TenantID      uuid.UUID
	TransferID    uuid.UUID
	SourceID      uuid.UUID
	DestinationID uuid.UUID
	Amount        decimal.Decimal
	Proof         string
	ExternalRef   string
	ConfirmedAt   time.Time

	// Source policy with counters already recomputed; nil if source is unrestricted
	Counters *models.SpendingPolicy
}

type LedgerResult struct {
	Transfer    models.Transfer
	Source      models.Wallet
	Destination models.Wallet
}

type EndpointRepo interface {
	// Has to return apperrors.ErrDuplicateResource if (path, method) registered for the tenant already
	CreateEndpoint(ctx context.Context, e models.Endpoint) (models.Endpoint, error)
	GetEndpoint(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error)
	GetEndpointByRoute(ctx context.Context, tenantID uuid.UUID, method string, path string) (models.Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]models.Endpoint, error)

	// Save mutable fields: description, price, currency, tiers, category, status
	UpdateEndpoint(ctx context.Context, e models.Endpoint) (models.Endpoint, error)

	// Increment denormalized counters for one paid call
	RecordCall(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, amount decimal.Decimal) error
}

type ChallengeRepo interface {
	CreateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error)
	GetChallenge(ctx context.Context, tenantID uuid.UUID, nonce string) (models.Challenge, error)
	ConsumeChallenge(ctx context.Context, tenantID uuid.UUID, nonce string, at time.Time) (models.Challenge, error)
}

type TransferRepo interface {
	// Insert transfer unless a transfer with the same (tenant, protocol, idempotency key) exists
	// Return the existing one with created=false in that case
	CreateTransfer(ctx context.Context, t models.Transfer) (transfer models.Transfer, created bool, err error)

	GetTransfer(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Transfer, error)

	// Get transfer by id and lock it till the transaction end
	LockTransfer(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Transfer, error)

	// Move pending transfer to pending_approval
	Park(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, approvalExpiresAt time.Time) (models.Transfer, error)

	// Mark not confirmed transfer failed
	// Has to return apperrors.ErrTransferNotParked if transfer is confirmed or failed already
	MarkFailed(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, reason string, at time.Time) (models.Transfer, error)

	// Fail all parked transfers whose approval window closed before now
	ExpireParked(ctx context.Context, now time.Time, limit int) ([]models.Transfer, error)

	// Newest first; transfers where the wallet is either source or destination
	ListTransfers(ctx context.Context, tenantID uuid.UUID, walletID uuid.UUID, limit int) ([]models.Transfer, error)
}

type MandateRepo interface {
	CreateMandate(ctx context.Context, m models.Mandate) (models.Mandate, error)

	// Get mandate with its items and linked transfer ids
	GetMandate(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error)

	// Same as GetMandate but locks mandate row till the transaction end
	LockMandate(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error)

	// Store cart items
	SaveItems(ctx context.Context, mandateID uuid.UUID, items []models.MandateItem) error

	// Move mandate from one state to another
	// Has to return apperrors.ErrMandateTransition if mandate is not in 'from' state anymore
	SetState(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, from models.MandateState, to models.MandateState, at time.Time) (models.Mandate, error)
}
