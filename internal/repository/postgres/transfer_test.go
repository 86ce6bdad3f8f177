package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/repository"
	"github.com/nkiryanov/machinepay/internal/testutil"
)

func TestTransfer(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	inTx(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
		tenant := makeTenant(t, storage)
		src := makeWallet(t, tx, storage, tenant.ID, "10")
		dst := makeWallet(t, tx, storage, tenant.ID, "0")

		t.Run("CreateTransfer same key returns existing", func(t *testing.T) {
			inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
				first := createPendingTransfer(t, storage, tenant.ID, src.ID, dst.ID, "1", "nonce")

				dup := first
				dup.ID = uuid.New()
				dup.Amount = decimal.NewFromInt(7)
				got, created, err := storage.Transfer().CreateTransfer(t.Context(), dup)

				require.NoError(t, err)
				require.False(t, created)
				require.Equal(t, first.ID, got.ID)
				require.True(t, decimal.NewFromInt(1).Equal(got.Amount), "existing transfer is returned untouched")
			})
		})

		t.Run("CreateTransfer same key other protocol", func(t *testing.T) {
			inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
				first := createPendingTransfer(t, storage, tenant.ID, src.ID, dst.ID, "1", "nonce")

				funding := first
				funding.ID = uuid.New()
				funding.Protocol = models.ProtocolFunding
				_, created, err := storage.Transfer().CreateTransfer(t.Context(), funding)

				require.NoError(t, err)
				require.True(t, created)
			})
		})

		t.Run("Park and MarkFailed", func(t *testing.T) {
			inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
				transfer := createPendingTransfer(t, storage, tenant.ID, src.ID, dst.ID, "1", "nonce")
				expiresAt := time.Now().Add(time.Hour)

				parked, err := storage.Transfer().Park(t.Context(), tenant.ID, transfer.ID, expiresAt)
				require.NoError(t, err)
				require.Equal(t, models.TransferPendingApproval, parked.Status)
				require.NotNil(t, parked.ApprovalExpiresAt)

				_, err = storage.Transfer().Park(t.Context(), tenant.ID, transfer.ID, expiresAt)
				require.ErrorIs(t, err, apperrors.ErrConflict, "parked transfer can not be parked again")

				failed, err := storage.Transfer().MarkFailed(t.Context(), tenant.ID, transfer.ID, "rejected", time.Now())
				require.NoError(t, err)
				require.Equal(t, models.TransferFailed, failed.Status)
				require.Equal(t, "rejected", failed.FailureReason)
				require.Nil(t, failed.ApprovalExpiresAt)

				_, err = storage.Transfer().MarkFailed(t.Context(), tenant.ID, transfer.ID, "again", time.Now())
				require.ErrorIs(t, err, apperrors.ErrTransferNotParked)
			})
		})

		t.Run("ExpireParked", func(t *testing.T) {
			inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
				now := time.Now()
				stale := createPendingTransfer(t, storage, tenant.ID, src.ID, dst.ID, "1", "stale")
				fresh := createPendingTransfer(t, storage, tenant.ID, src.ID, dst.ID, "1", "fresh")
				_, err := storage.Transfer().Park(t.Context(), tenant.ID, stale.ID, now.Add(-time.Minute))
				require.NoError(t, err)
				_, err = storage.Transfer().Park(t.Context(), tenant.ID, fresh.ID, now.Add(time.Hour))
				require.NoError(t, err)

				expired, err := storage.Transfer().ExpireParked(t.Context(), now, 10)

				require.NoError(t, err)
				require.Len(t, expired, 1)
				require.Equal(t, stale.ID, expired[0].ID)
				require.Equal(t, models.TransferFailed, expired[0].Status)

				got, err := storage.Transfer().GetTransfer(t.Context(), tenant.ID, fresh.ID)
				require.NoError(t, err)
				require.Equal(t, models.TransferPendingApproval, got.Status)
			})
		})

		t.Run("ListTransfers", func(t *testing.T) {
			inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
				createPendingTransfer(t, storage, tenant.ID, src.ID, dst.ID, "1", "a")
				createPendingTransfer(t, storage, tenant.ID, dst.ID, src.ID, "1", "b")

				got, err := storage.Transfer().ListTransfers(t.Context(), tenant.ID, dst.ID, 10)
				require.NoError(t, err)
				require.Len(t, got, 2, "both incoming and outgoing transfers listed")

				got, err = storage.Transfer().ListTransfers(t.Context(), uuid.New(), dst.ID, 10)
				require.NoError(t, err)
				require.Empty(t, got)
			})
		})

		t.Run("GetTransfer other tenant", func(t *testing.T) {
			inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
				transfer := createPendingTransfer(t, storage, tenant.ID, src.ID, dst.ID, "1", "x")

				_, err := storage.Transfer().GetTransfer(t.Context(), uuid.New(), transfer.ID)

				require.ErrorIs(t, err, apperrors.ErrNotFound)
			})
		})
	})
}
