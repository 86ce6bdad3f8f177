package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/metrics"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/service/policy"
)

// Approve confirms a parked transfer.
// Policy rules are checked again (all but the approval threshold) against the current windows.
func (e *Executor) Approve(ctx context.Context, tenantID uuid.UUID, transferID uuid.UUID) (Result, error) {
	now := e.now()
	var (
		result  Result
		expired bool
	)

	err := e.storage.InTx(ctx, func(s repository.Storage) error {
		t, err := s.Transfer().LockTransfer(ctx, tenantID, transferID)
		switch {
		case err != nil:
			return err
		case t.Status != models.TransferPendingApproval:
			return apperrors.ErrTransferNotParked
		case t.ApprovalExpiresAt != nil && !now.Before(*t.ApprovalExpiresAt):
			expired = true
			_, err = s.Transfer().MarkFailed(ctx, tenantID, transferID, "approval expired", now)
			return err
		}

		wallets, err := s.Ledger().LockWallets(ctx, tenantID, t.SourceID, t.DestinationID)
		if err != nil {
			return err
		}
		source, destination := wallets[t.SourceID], wallets[t.DestinationID]

		decision, err := policy.Evaluate(now, source, policy.Candidate{
			Counterparty:  destination.ID.String(),
			Category:      t.Category,
			Amount:        t.Amount,
			SkipThreshold: true,
		})
		if err != nil {
			return err
		}

		result, err = e.apply(ctx, s, t, source, destination, decision, now)
		return err
	})

	switch {
	case err != nil:
		e.record(err, result)
		return Result{}, fmt.Errorf("can't approve transfer %s: %w", transferID, err)
	case expired:
		e.metrics.Settlement(metrics.OutcomeExpired)
		return Result{}, fmt.Errorf("%w: approval window closed", apperrors.ErrExpired)
	}

	e.record(nil, result)
	e.afterCommit(ctx, tenantID, result)
	return result, nil
}

// Reject fails a parked transfer; no value moves
func (e *Executor) Reject(ctx context.Context, tenantID uuid.UUID, transferID uuid.UUID, reason string) (models.Transfer, error) {
	if reason == "" {
		reason = "rejected"
	}

	var t models.Transfer
	err := e.storage.InTx(ctx, func(s repository.Storage) error {
		locked, err := s.Transfer().LockTransfer(ctx, tenantID, transferID)
		switch {
		case err != nil:
			return err
		case locked.Status != models.TransferPendingApproval:
			return apperrors.ErrTransferNotParked
		}

		t, err = s.Transfer().MarkFailed(ctx, tenantID, transferID, reason, e.now())
		return err
	})
	if err != nil {
		return t, fmt.Errorf("can't reject transfer %s: %w", transferID, err)
	}

	e.metrics.Settlement(metrics.OutcomeRejected)
	e.logger.Info("Parked payment rejected", "tenant", tenantID, "transfer_id", transferID, "reason", reason)
	return t, nil
}

// ExpireParked fails every parked transfer whose approval window closed; returns how many
func (e *Executor) ExpireParked(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := e.storage.Transfer().ExpireParked(ctx, e.now(), expireBatchSize)
		if err != nil {
			return total, fmt.Errorf("can't expire parked transfers: %w", err)
		}

		for _, t := range expired {
			e.metrics.Settlement(metrics.OutcomeExpired)
			e.logger.Info("Parked payment expired", "tenant", t.TenantID, "transfer_id", t.ID)
		}

		total += len(expired)
		if len(expired) < expireBatchSize {
			return total, nil
		}
	}
}

// Fund moves value into a wallet from a treasury or parent wallet.
// The reference is the idempotency key; retrying the same reference funds once.
func (e *Executor) Fund(ctx context.Context, tenantID uuid.UUID, destinationID uuid.UUID, sourceID uuid.UUID, amount decimal.Decimal, reference string) (Result, error) {
	if reference == "" {
		return Result{}, fmt.Errorf("%w: funding reference is required", apperrors.ErrInvalidNonce)
	}

	return e.Execute(ctx, Request{
		TenantID:      tenantID,
		SourceID:      sourceID,
		DestinationID: destinationID,
		Amount:        amount,
		Nonce:         reference,
		Protocol:      models.ProtocolFunding,
		ExternalRef:   reference,
	})
}

type BatchItem struct {
	Amount     decimal.Decimal
	EndpointID *uuid.UUID
}

type BatchRequest struct {
	TenantID      uuid.UUID
	SourceID      uuid.UUID
	DestinationID uuid.UUID
	Currency      models.Currency
	Category      string
	MandateID     *uuid.UUID

	// Item i gets idempotency key "<KeyPrefix>:<i>"
	KeyPrefix string
	Items     []BatchItem
}

// ExecuteBatch settles all items in one transaction: either every item is confirmed or none.
// Items needing approval fail the batch with apperrors.ErrApprovalRequired.
// Fn runs inside the same transaction after all items are applied.
func (e *Executor) ExecuteBatch(ctx context.Context, req BatchRequest, fn func(s repository.Storage, results []Result) error) ([]Result, error) {
	switch {
	case req.KeyPrefix == "":
		return nil, apperrors.ErrInvalidNonce
	case len(req.Items) == 0:
		return nil, apperrors.ErrInvalidAmount
	case req.SourceID == req.DestinationID:
		return nil, apperrors.ErrSameWallet
	}
	for _, item := range req.Items {
		if !item.Amount.IsPositive() {
			return nil, apperrors.ErrInvalidAmount
		}
	}

	now := e.now()
	results := make([]Result, 0, len(req.Items))

	err := e.storage.InTx(ctx, func(s repository.Storage) error {
		results = results[:0]
		for i, item := range req.Items {
			r, err := e.settle(ctx, s, order{
				tenantID:      req.TenantID,
				transferID:    uuid.New(),
				sourceID:      req.SourceID,
				destinationID: req.DestinationID,
				amount:        item.Amount,
				currency:      req.Currency,
				key:           fmt.Sprintf("%s:%d", req.KeyPrefix, i),
				protocol:      models.ProtocolMachinePayment,
				category:      req.Category,
				endpointID:    item.EndpointID,
				mandateID:     req.MandateID,
				expiresAt:     now.Add(e.paymentTTL),
			}, now, true)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			if !r.Transfer.IsConfirmed() {
				return fmt.Errorf("item %d: %w", i, apperrors.ErrConflict)
			}
			results = append(results, r)
		}

		if fn != nil {
			return fn(s, results)
		}
		return nil
	})
	if err != nil {
		e.record(err, Result{})
		if !errors.Is(err, apperrors.ErrApprovalRequired) {
			e.logger.Warn("Batch payment declined", "tenant", req.TenantID, "key_prefix", req.KeyPrefix, "error", err)
		}
		return nil, err
	}

	for _, r := range results {
		e.record(nil, r)
		e.afterCommit(ctx, req.TenantID, r)
	}
	return results, nil
}
