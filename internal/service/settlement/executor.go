package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/metrics"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/service/policy"
)

const (
	defaultApprovalTTL = 24 * time.Hour
	defaultPaymentTTL  = 5 * time.Minute
	expireBatchSize    = 100
)

type proofSigner interface {
	Sign(tenantID uuid.UUID, transferID uuid.UUID) (string, error)
}

type Config struct {
	// How long a parked transfer waits for approval
	ApprovalTTL time.Duration

	// Expiry of transfers not bound to a challenge
	PaymentTTL time.Duration
}

// Request is one payment attempt
type Request struct {
	TenantID uuid.UUID

	// Either wallet or agent governing the wallet
	SourceID uuid.UUID
	AgentID  *uuid.UUID

	// Ignored for endpoint payments: the challenge names the payee
	DestinationID uuid.UUID
	EndpointID    *uuid.UUID

	Amount   decimal.Decimal
	Currency models.Currency // optional, source wallet currency if empty
	Nonce    string
	Category string

	// Machine payment unless set
	Protocol    models.Protocol
	ExternalRef string
}

type Result struct {
	Transfer  models.Transfer
	Proof     string
	Balance   decimal.Decimal // source balance after the payment
	Remaining policy.Remaining
	Replayed  bool
}

func (r Result) Parked() bool {
	return r.Transfer.Status == models.TransferPendingApproval
}

// Executor is the only way value moves between wallets
type Executor struct {
	storage repository.Storage
	signer  proofSigner
	adapter Adapter
	metrics *metrics.Metrics
	logger  logger.Logger

	approvalTTL time.Duration
	paymentTTL  time.Duration
	now         func() time.Time
}

func New(cfg Config, storage repository.Storage, signer proofSigner, adapter Adapter, m *metrics.Metrics, l logger.Logger) *Executor {
	if cfg.ApprovalTTL == 0 {
		cfg.ApprovalTTL = defaultApprovalTTL
	}
	if cfg.PaymentTTL == 0 {
		cfg.PaymentTTL = defaultPaymentTTL
	}
	if adapter == nil {
		adapter = NoopAdapter{}
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Executor{
		storage:     storage,
		signer:      signer,
		adapter:     adapter,
		metrics:     m,
		logger:      l,
		approvalTTL: cfg.ApprovalTTL,
		paymentTTL:  cfg.PaymentTTL,
		now:         time.Now,
	}
}

// order is a validated request ready to be settled
type order struct {
	tenantID      uuid.UUID
	transferID    uuid.UUID
	sourceID      uuid.UUID
	destinationID uuid.UUID
	amount        decimal.Decimal
	currency      models.Currency
	key           string
	protocol      models.Protocol
	category      string
	endpointID    *uuid.UUID
	mandateID     *uuid.UUID
	externalRef   string
	expiresAt     time.Time
}

// Execute settles one payment exactly once per (tenant, protocol, nonce).
// A repeated nonce returns the first result; parked payments move no value.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	now := e.now()

	o, replay, err := e.prepare(ctx, req, now)
	switch {
	case err != nil:
		e.record(err, Result{})
		return Result{}, err
	case replay != nil:
		e.record(nil, *replay)
		return *replay, nil
	}

	var result Result
	err = e.storage.InTx(ctx, func(s repository.Storage) error {
		var err error
		result, err = e.settle(ctx, s, o, now, false)
		return err
	})
	e.record(err, result)
	if err != nil {
		e.logger.Warn("Payment declined", "tenant", o.tenantID, "nonce", o.key, "amount", o.amount, "error", err)
		return Result{}, err
	}

	e.afterCommit(ctx, o.tenantID, result)
	return result, nil
}

// prepare validates the request and resolves who pays whom.
// Returns replay if the challenge expired but was paid already.
func (e *Executor) prepare(ctx context.Context, req Request, now time.Time) (order, *Result, error) {
	o := order{
		tenantID:      req.TenantID,
		transferID:    uuid.New(),
		sourceID:      req.SourceID,
		destinationID: req.DestinationID,
		amount:        req.Amount,
		currency:      req.Currency,
		key:           req.Nonce,
		protocol:      req.Protocol,
		category:      req.Category,
		endpointID:    req.EndpointID,
		externalRef:   req.ExternalRef,
		expiresAt:     now.Add(e.paymentTTL),
	}
	if o.protocol == "" {
		o.protocol = models.ProtocolMachinePayment
	}

	switch {
	case o.key == "":
		return o, nil, apperrors.ErrInvalidNonce
	case !o.amount.IsPositive():
		return o, nil, apperrors.ErrInvalidAmount
	case o.currency != "" && !o.currency.Valid():
		return o, nil, apperrors.ErrUnknownCurrency
	}

	if req.AgentID != nil {
		agent, err := e.storage.Agent().GetAgent(ctx, req.TenantID, *req.AgentID)
		if err != nil {
			return o, nil, fmt.Errorf("agent: %w", err)
		}
		o.sourceID = agent.WalletID
	}

	if req.EndpointID != nil {
		replay, err := e.bindChallenge(ctx, &o, now)
		if err != nil || replay != nil {
			return o, replay, err
		}
	}

	if o.sourceID == o.destinationID {
		return o, nil, apperrors.ErrSameWallet
	}

	return o, nil, nil
}

// bindChallenge takes payee, amount and transfer id from the challenge issued for the nonce
func (e *Executor) bindChallenge(ctx context.Context, o *order, now time.Time) (*Result, error) {
	c, err := e.storage.Challenge().GetChallenge(ctx, o.tenantID, o.key)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return nil, fmt.Errorf("%w: no challenge issued for nonce", apperrors.ErrNonceMismatch)
	case err != nil:
		return nil, err
	case c.EndpointID != *o.endpointID:
		return nil, apperrors.ErrEndpointMismatch
	case !c.Amount.Equal(o.amount):
		return nil, fmt.Errorf("%w: challenge asks %s", apperrors.ErrAmountMismatch, c.Amount)
	case o.currency != "" && o.currency != c.Currency:
		return nil, apperrors.ErrCurrencyMismatch
	}

	o.transferID = c.PaymentID
	o.destinationID = c.PayTo
	o.currency = c.Currency
	o.expiresAt = c.ExpiresAt

	if c.Expired(now) {
		// Late retry of a payment that went through is still a replay
		paid, err := e.storage.Transfer().GetTransfer(ctx, o.tenantID, c.PaymentID)
		if err == nil && paid.IsConfirmed() {
			replay, err := e.replay(ctx, e.storage, paid, now)
			return &replay, err
		}
		return nil, apperrors.ErrExpired
	}

	endpoint, err := e.storage.Endpoint().GetEndpoint(ctx, o.tenantID, c.EndpointID)
	switch {
	case err != nil:
		return nil, err
	case endpoint.Status != models.EndpointActive:
		return nil, fmt.Errorf("%w: endpoint is %s", apperrors.ErrResourceUnavailable, endpoint.Status)
	}
	if o.category == "" {
		o.category = endpoint.Category
	}

	return nil, nil
}

// settle runs inside the caller transaction: reserve key, check policy and balance, move value.
// With strict set a payment that needs approval fails instead of being parked.
func (e *Executor) settle(ctx context.Context, s repository.Storage, o order, now time.Time, strict bool) (Result, error) {
	if o.currency == "" {
		// Currency never changes, no lock needed to read it
		source, err := s.Wallet().GetWallet(ctx, o.tenantID, o.sourceID)
		if err != nil {
			return Result{}, err
		}
		o.currency = source.Currency
	}

	transfer, created, err := s.Transfer().CreateTransfer(ctx, models.Transfer{
		ID:             o.transferID,
		TenantID:       o.tenantID,
		SourceID:       o.sourceID,
		DestinationID:  o.destinationID,
		Amount:         o.amount,
		Currency:       o.currency,
		Status:         models.TransferPending,
		Protocol:       o.protocol,
		Category:       o.category,
		IdempotencyKey: o.key,
		EndpointID:     o.endpointID,
		MandateID:      o.mandateID,
		ExternalRef:    o.externalRef,
		CreatedAt:      now,
		ExpiresAt:      o.expiresAt,
	})
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		// Foreign keys: wallet or endpoint does not exist
		return Result{}, err
	case err != nil:
		return Result{}, fmt.Errorf("can't reserve idempotency key: %w", err)
	case !created:
		return e.replay(ctx, s, transfer, now)
	}

	wallets, err := s.Ledger().LockWallets(ctx, o.tenantID, o.sourceID, o.destinationID)
	if err != nil {
		return Result{}, err
	}
	source, destination := wallets[o.sourceID], wallets[o.destinationID]

	if source.Currency != destination.Currency || (o.currency != "" && o.currency != source.Currency) {
		return Result{}, apperrors.ErrCurrencyMismatch
	}
	if !source.Currency.HasValidPrecision(o.amount) {
		return Result{}, apperrors.ErrInvalidAmount
	}

	decision, err := policy.Evaluate(now, source, policy.Candidate{
		Counterparty: destination.ID.String(),
		Category:     o.category,
		Amount:       o.amount,
	})
	if err != nil {
		return Result{}, err
	}

	if decision.Outcome == policy.RequiresApproval {
		if strict {
			return Result{}, apperrors.ErrApprovalRequired
		}

		parked, err := s.Transfer().Park(ctx, o.tenantID, transfer.ID, now.Add(e.approvalTTL))
		if err != nil {
			return Result{}, err
		}
		return Result{Transfer: parked, Balance: source.Balance, Remaining: decision.Remaining}, nil
	}

	return e.apply(ctx, s, transfer, source, destination, decision, now)
}

// apply moves value for a transfer whose wallets are locked and policy passed
func (e *Executor) apply(ctx context.Context, s repository.Storage, t models.Transfer, source, destination models.Wallet, decision policy.Decision, now time.Time) (Result, error) {
	if source.Balance.LessThan(t.Amount) {
		return Result{}, apperrors.ErrInsufficientFunds
	}

	proof, err := e.signer.Sign(t.TenantID, t.ID)
	if err != nil {
		return Result{}, err
	}

	var externalRef string
	if External(source, destination) {
		receipt, err := e.adapter.Settle(ctx, Leg{
			TenantID:    t.TenantID,
			TransferID:  t.ID,
			Amount:      t.Amount,
			Currency:    t.Currency,
			Source:      partyOf(source),
			Destination: partyOf(destination),
		})
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", apperrors.ErrSettlementRejected, err)
		}
		externalRef = receipt.Reference
	}

	applied, err := s.Ledger().ApplyTransfer(ctx, repository.ApplyTransferParams{
		TenantID:      t.TenantID,
		TransferID:    t.ID,
		SourceID:      source.ID,
		DestinationID: destination.ID,
		Amount:        t.Amount,
		Proof:         proof,
		ExternalRef:   externalRef,
		ConfirmedAt:   now,
		Counters:      decision.Counters,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Transfer:  applied.Transfer,
		Proof:     proof,
		Balance:   applied.Source.Balance,
		Remaining: policy.RemainingOf(now, applied.Source),
	}, nil
}

// replay answers a repeated nonce with what the first attempt ended with
func (e *Executor) replay(ctx context.Context, s repository.Storage, t models.Transfer, now time.Time) (Result, error) {
	switch t.Status {
	case models.TransferPending:
		return Result{}, apperrors.ErrConflict
	case models.TransferFailed:
		return Result{}, fmt.Errorf("%w: %s", apperrors.ErrTransferFailed, t.FailureReason)
	}

	source, err := s.Wallet().GetWallet(ctx, t.TenantID, t.SourceID)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Transfer:  t,
		Proof:     t.Proof,
		Balance:   source.Balance,
		Remaining: policy.RemainingOf(now, source),
		Replayed:  true,
	}, nil
}

// afterCommit does the informational bookkeeping; failures are logged only
func (e *Executor) afterCommit(ctx context.Context, tenantID uuid.UUID, r Result) {
	if r.Replayed || !r.Transfer.IsConfirmed() {
		if r.Parked() && !r.Replayed {
			e.logger.Info("Payment parked for approval", "tenant", tenantID, "transfer_id", r.Transfer.ID, "amount", r.Transfer.Amount)
		}
		return
	}

	e.logger.Info("Payment confirmed", "tenant", tenantID, "transfer_id", r.Transfer.ID, "nonce", r.Transfer.IdempotencyKey, "amount", r.Transfer.Amount)

	if id := r.Transfer.EndpointID; id != nil {
		if err := e.storage.Endpoint().RecordCall(ctx, tenantID, *id, r.Transfer.Amount); err != nil {
			e.logger.Error("Failed to record endpoint call", "endpoint_id", *id, "transfer_id", r.Transfer.ID, "error", err)
		}
	}

	e.replenish(ctx, r.Transfer)
}

// replenish tops the source wallet up from its funding wallet once it fell below the trigger.
// Top-ups never trigger further top-ups, so funding wallets refilling each other can't loop.
func (e *Executor) replenish(ctx context.Context, t models.Transfer) {
	if t.Protocol == models.ProtocolReplenishment {
		return
	}

	source, err := e.storage.Wallet().GetWallet(ctx, t.TenantID, t.SourceID)
	if err != nil {
		e.logger.Error("Failed to read wallet for replenishment", "wallet_id", t.SourceID, "error", err)
		return
	}
	if source.Policy == nil || source.Policy.Replenish == nil {
		return
	}

	rule := source.Policy.Replenish
	if !source.Balance.LessThan(rule.TriggerBalance) {
		return
	}

	_, err = e.Execute(ctx, Request{
		TenantID:      t.TenantID,
		SourceID:      rule.FundingWallet,
		DestinationID: source.ID,
		Amount:        rule.TopUpAmount,
		Nonce:         "replenish:" + t.ID.String(),
		Protocol:      models.ProtocolReplenishment,
	})
	if err != nil {
		e.logger.Warn("Auto replenishment failed", "wallet_id", source.ID, "funding_wallet", rule.FundingWallet, "error", err)
	}
}

func (e *Executor) record(err error, r Result) {
	var policyErr *apperrors.PolicyError

	switch {
	case errors.As(err, &policyErr):
		e.metrics.Settlement(metrics.OutcomeDenied)
	case errors.Is(err, apperrors.ErrExpired):
		e.metrics.Settlement(metrics.OutcomeExpired)
	case err != nil:
		e.metrics.Settlement(metrics.OutcomeFailed)
	case r.Replayed:
		e.metrics.Settlement(metrics.OutcomeReplayed)
	case r.Parked():
		e.metrics.Settlement(metrics.OutcomeParked)
	default:
		e.metrics.Settlement(metrics.OutcomeConfirmed)
	}
}
