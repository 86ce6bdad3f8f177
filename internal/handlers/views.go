package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/handlers/tenantctx"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/policy"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
	"github.com/nkiryanov/machinepay/internal/service/verifier"
)

type custodyView struct {
	Kind        models.CustodyKind `json:"kind"`
	Chain       string             `json:"chain,omitempty"`
	Address     string             `json:"address,omitempty"`
	ProviderRef string             `json:"provider_ref,omitempty"`
}

type replenishView struct {
	TriggerBalance decimal.Decimal `json:"trigger_balance"`
	TopUpAmount    decimal.Decimal `json:"top_up_amount"`
	FundingWallet  uuid.UUID       `json:"funding_wallet_id"`
}

type policyView struct {
	DailyLimit            *decimal.Decimal `json:"daily_limit"`
	DailySpent            decimal.Decimal  `json:"daily_spent"`
	DailyResetAt          time.Time        `json:"daily_reset_at"`
	MonthlyLimit          *decimal.Decimal `json:"monthly_limit"`
	MonthlySpent          decimal.Decimal  `json:"monthly_spent"`
	MonthlyResetAt        time.Time        `json:"monthly_reset_at"`
	AllowedCounterparties []string         `json:"allowed_counterparties"`
	AllowedCategories     []string         `json:"allowed_categories"`
	ApprovalThreshold     *decimal.Decimal `json:"approval_threshold"`
	Replenish             *replenishView   `json:"replenish,omitempty"`
}

// Null means no limit in the window
type remainingView struct {
	Daily   *decimal.Decimal `json:"daily"`
	Monthly *decimal.Decimal `json:"monthly"`
}

type walletView struct {
	ID        uuid.UUID           `json:"id"`
	OwnerID   string              `json:"owner_id,omitempty"`
	Currency  models.Currency     `json:"currency"`
	Balance   decimal.Decimal     `json:"balance"`
	Status    models.WalletStatus `json:"status"`
	Custody   custodyView         `json:"custody"`
	Policy    *policyView         `json:"policy,omitempty"`
	Remaining *remainingView      `json:"remaining,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type transferView struct {
	ID                uuid.UUID             `json:"id"`
	SourceID          uuid.UUID             `json:"source_id"`
	DestinationID     uuid.UUID             `json:"destination_id"`
	Amount            decimal.Decimal       `json:"amount"`
	Currency          models.Currency       `json:"currency"`
	Status            models.TransferStatus `json:"status"`
	Protocol          models.Protocol       `json:"protocol"`
	Category          string                `json:"category,omitempty"`
	IdempotencyKey    string                `json:"idempotency_key"`
	EndpointID        *uuid.UUID            `json:"endpoint_id,omitempty"`
	MandateID         *uuid.UUID            `json:"mandate_id,omitempty"`
	ExternalRef       string                `json:"external_ref,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	ExpiresAt         time.Time             `json:"expires_at"`
	ApprovalExpiresAt *time.Time            `json:"approval_expires_at,omitempty"`
	ConfirmedAt       *time.Time            `json:"confirmed_at,omitempty"`
	FailedAt          *time.Time            `json:"failed_at,omitempty"`
	FailureReason     string                `json:"failure_reason,omitempty"`
}

type paymentView struct {
	TransferID        uuid.UUID             `json:"transfer_id"`
	Status            models.TransferStatus `json:"status"`
	Amount            decimal.Decimal       `json:"amount"`
	Currency          models.Currency       `json:"currency"`
	Proof             string                `json:"proof,omitempty"`
	Balance           *decimal.Decimal      `json:"balance,omitempty"`
	Remaining         *remainingView        `json:"remaining,omitempty"`
	ApprovalExpiresAt *time.Time            `json:"approval_expires_at,omitempty"`
	Replayed          bool                  `json:"replayed"`
}

type endpointView struct {
	ID          uuid.UUID             `json:"id"`
	WalletID    uuid.UUID             `json:"wallet_id"`
	Method      string                `json:"method"`
	Path        string                `json:"path"`
	Description string                `json:"description,omitempty"`
	Price       decimal.Decimal       `json:"price"`
	Currency    models.Currency       `json:"currency"`
	Tiers       []models.DiscountTier `json:"tiers"`
	Category    string                `json:"category,omitempty"`
	CallCount   int64                 `json:"call_count"`
	Revenue     decimal.Decimal       `json:"revenue"`
	Status      models.EndpointStatus `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

const paymentRequiredStatus = "payment-required"

// challengeView carries the x402 field names next to the API's own ones
type challengeView struct {
	Status            string          `json:"status"`
	MaxAmountRequired decimal.Decimal `json:"maxAmountRequired"`
	Asset             models.Currency `json:"asset"`
	PayToRef          uuid.UUID       `json:"payTo"`
	PaymentRef        uuid.UUID       `json:"paymentId"`
	ExpiresAtRef      time.Time       `json:"expiresAt"`

	Nonce      string          `json:"nonce"`
	PaymentID  uuid.UUID       `json:"payment_id"`
	EndpointID uuid.UUID       `json:"endpoint_id"`
	Resource   string          `json:"resource"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   models.Currency `json:"currency"`
	PayTo      uuid.UUID       `json:"pay_to"`
	Network    string          `json:"network"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

type mandateItemView struct {
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	EndpointID  *uuid.UUID      `json:"endpoint_id,omitempty"`
}

type mandateView struct {
	ID           uuid.UUID           `json:"id"`
	WalletID     uuid.UUID           `json:"wallet_id"`
	Counterparty uuid.UUID           `json:"counterparty_id"`
	Description  string              `json:"description,omitempty"`
	Category     string              `json:"category,omitempty"`
	MaxAmount    *decimal.Decimal    `json:"max_amount,omitempty"`
	Currency     models.Currency     `json:"currency"`
	State        models.MandateState `json:"state"`
	Items        []mandateItemView   `json:"items"`
	Total        decimal.Decimal     `json:"total"`
	TransferIDs  []uuid.UUID         `json:"transfer_ids"`
	CreatedAt    time.Time           `json:"created_at"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
	RevokedAt    *time.Time          `json:"revoked_at,omitempty"`
}

type agentView struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	WalletID  uuid.UUID `json:"wallet_id"`
	CreatedAt time.Time `json:"created_at"`
}

type verificationView struct {
	Verified    bool            `json:"verified"`
	TransferID  uuid.UUID       `json:"transfer_id"`
	Payer       uuid.UUID       `json:"payer"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    models.Currency `json:"currency"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func newRemainingView(r policy.Remaining) *remainingView {
	return &remainingView{Daily: nullable(r.Daily), Monthly: nullable(r.Monthly)}
}

func newCustodyView(c models.Custody) custodyView {
	v := custodyView{Kind: models.CustodyDirect}
	switch c := c.(type) {
	case models.ExternallyVerified:
		v.Kind, v.Chain, v.Address = c.Kind(), c.Chain, c.Address
	case models.DelegatedCustody:
		v.Kind, v.ProviderRef = c.Kind(), c.ProviderRef
	}
	return v
}

func newWalletView(w models.Wallet) walletView {
	v := walletView{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Currency:  w.Currency,
		Balance:   w.Balance,
		Status:    w.Status,
		Custody:   newCustodyView(w.Custody),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}

	if p := w.Policy; p != nil {
		v.Policy = &policyView{
			DailyLimit:            nullable(p.DailyLimit),
			DailySpent:            p.DailySpent,
			DailyResetAt:          p.DailyResetAt,
			MonthlyLimit:          nullable(p.MonthlyLimit),
			MonthlySpent:          p.MonthlySpent,
			MonthlyResetAt:        p.MonthlyResetAt,
			AllowedCounterparties: nonNil(p.AllowedCounterparties),
			AllowedCategories:     nonNil(p.AllowedCategories),
			ApprovalThreshold:     nullable(p.ApprovalThreshold),
		}
		if r := p.Replenish; r != nil {
			v.Policy.Replenish = &replenishView{TriggerBalance: r.TriggerBalance, TopUpAmount: r.TopUpAmount, FundingWallet: r.FundingWallet}
		}
	}

	return v
}

func newTransferView(t models.Transfer) transferView {
	return transferView{
		ID:                t.ID,
		SourceID:          t.SourceID,
		DestinationID:     t.DestinationID,
		Amount:            t.Amount,
		Currency:          t.Currency,
		Status:            t.Status,
		Protocol:          t.Protocol,
		Category:          t.Category,
		IdempotencyKey:    t.IdempotencyKey,
		EndpointID:        t.EndpointID,
		MandateID:         t.MandateID,
		ExternalRef:       t.ExternalRef,
		CreatedAt:         t.CreatedAt,
		ExpiresAt:         t.ExpiresAt,
		ApprovalExpiresAt: t.ApprovalExpiresAt,
		ConfirmedAt:       t.ConfirmedAt,
		FailedAt:          t.FailedAt,
		FailureReason:     t.FailureReason,
	}
}

// Parked payments carry no proof and no balance snapshot
func newPaymentView(r settlement.Result) paymentView {
	v := paymentView{
		TransferID: r.Transfer.ID,
		Status:     r.Transfer.Status,
		Amount:     r.Transfer.Amount,
		Currency:   r.Transfer.Currency,
		Replayed:   r.Replayed,
	}

	if r.Parked() {
		v.ApprovalExpiresAt = r.Transfer.ApprovalExpiresAt
		return v
	}

	balance := r.Balance
	v.Proof, v.Balance, v.Remaining = r.Proof, &balance, newRemainingView(r.Remaining)
	return v
}

func newEndpointView(e models.Endpoint) endpointView {
	return endpointView{
		ID:          e.ID,
		WalletID:    e.WalletID,
		Method:      e.Method,
		Path:        e.Path,
		Description: e.Description,
		Price:       e.BasePrice,
		Currency:    e.Currency,
		Tiers:       nonNil(e.Tiers),
		Category:    e.Category,
		CallCount:   e.CallCount,
		Revenue:     e.Revenue,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func newChallengeView(c models.Challenge) challengeView {
	return challengeView{
		Status:            paymentRequiredStatus,
		MaxAmountRequired: c.Amount,
		Asset:             c.Currency,
		PayToRef:          c.PayTo,
		PaymentRef:        c.PaymentID,
		ExpiresAtRef:      c.ExpiresAt,

		Nonce:      c.Nonce,
		PaymentID:  c.PaymentID,
		EndpointID: c.EndpointID,
		Resource:   c.Resource,
		Amount:     c.Amount,
		Currency:   c.Currency,
		PayTo:      c.PayTo,
		Network:    c.Network,
		ExpiresAt:  c.ExpiresAt,
	}
}

func newMandateView(m models.Mandate) mandateView {
	items := make([]mandateItemView, 0, len(m.Items))
	for _, item := range m.Items {
		items = append(items, mandateItemView{Description: item.Description, Amount: item.Amount, EndpointID: item.EndpointID})
	}

	return mandateView{
		ID:           m.ID,
		WalletID:     m.WalletID,
		Counterparty: m.Counterparty,
		Description:  m.Description,
		Category:     m.Category,
		MaxAmount:    nullable(m.MaxAmount),
		Currency:     m.Currency,
		State:        m.State,
		Items:        items,
		Total:        m.Total(),
		TransferIDs:  nonNil(m.TransferIDs),
		CreatedAt:    m.CreatedAt,
		ExecutedAt:   m.ExecutedAt,
		RevokedAt:    m.RevokedAt,
	}
}

func newAgentView(a models.Agent) agentView {
	return agentView{ID: a.ID, Name: a.Name, WalletID: a.WalletID, CreatedAt: a.CreatedAt}
}

func newVerificationView(v verifier.Verification) verificationView {
	view := verificationView{
		Verified:   v.Verified,
		TransferID: v.TransferID,
		Payer:      v.Payer,
		Amount:     v.Amount,
		Currency:   v.Currency,
	}
	if v.Verified {
		view.ConfirmedAt = &v.ConfirmedAt
	}
	return view
}

// Empty lists are rendered as [] rather than null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Amounts in requests are validated decimal strings by the time they are parsed
func parseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(parseDecimal(*s))
}

// pathID reads uuid path value; writes 404 if it is not an uuid
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		render.ServiceError(w, "Not found", http.StatusNotFound)
		return uuid.Nil, false
	}
	return id, true
}

// Tenant routes are always behind TenantAuth
func tenantID(r *http.Request) uuid.UUID {
	t, _ := tenantctx.FromContext(r.Context())
	return t.ID
}
