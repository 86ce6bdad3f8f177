package mandate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/proof"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
	"github.com/nkiryanov/machinepay/internal/testutil"
	"github.com/nkiryanov/machinepay/internal/testutil/fixture"
)

var d = decimal.RequireFromString

func TestMandate(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	signer, err := proof.NewSigner("mandate-secret")
	require.NoError(t, err)

	type env struct {
		s      *Service
		f      *fixture.Fixture
		tenant uuid.UUID
		wallet models.Wallet
		vendor models.Wallet
	}

	withTx := func(t *testing.T, fn func(env)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			f := fixture.New(t, tx)
			tenant := f.Tenant()
			executor := settlement.New(settlement.Config{}, f.Storage, signer, nil, nil, logger.NewNoOpLogger())

			fn(env{
				s:      New(f.Storage, executor, logger.NewNoOpLogger()),
				f:      f,
				tenant: tenant.ID,
				wallet: f.Wallet(tenant.ID, "100"),
				vendor: f.Wallet(tenant.ID, "0"),
			})
		})
	}

	intent := func(t *testing.T, v env, max string) models.Mandate {
		p := IntentParams{WalletID: v.wallet.ID, Counterparty: v.vendor.ID, Description: "groceries", Category: "food"}
		if max != "" {
			p.MaxAmount = decimal.NewNullDecimal(d(max))
		}
		m, err := v.s.CreateIntent(t.Context(), v.tenant, p)
		require.NoError(t, err)
		return m
	}

	cart := func(amounts ...string) []Item {
		items := make([]Item, 0, len(amounts))
		for _, a := range amounts {
			items = append(items, Item{Description: "item", Amount: d(a)})
		}
		return items
	}

	t.Run("intent to cart to payment", func(t *testing.T) {
		withTx(t, func(v env) {
			m := intent(t, v, "50")
			require.Equal(t, models.MandateIntent, m.State)
			require.Equal(t, models.CurrencyUSDC, m.Currency)

			m, err := v.s.AttachCart(t.Context(), v.tenant, m.ID, cart("10", "15.5"))
			require.NoError(t, err)
			require.Equal(t, models.MandateCart, m.State)
			require.Len(t, m.Items, 2)
			require.True(t, d("25.5").Equal(m.Total()))

			m, results, err := v.s.Execute(t.Context(), v.tenant, m.ID)
			require.NoError(t, err)
			require.Equal(t, models.MandatePayment, m.State)
			require.NotNil(t, m.ExecutedAt)
			require.Len(t, results, 2)
			require.Len(t, m.TransferIDs, 2)
			require.Equal(t, "food", results[0].Transfer.Category)
			require.Equal(t, m.ID, *results[0].Transfer.MandateID)

			require.True(t, d("74.5").Equal(v.f.Reload(v.wallet).Balance))
			require.True(t, d("25.5").Equal(v.f.Reload(v.vendor).Balance))
		})
	})

	t.Run("payment state is final", func(t *testing.T) {
		withTx(t, func(v env) {
			m := intent(t, v, "")
			_, err := v.s.AttachCart(t.Context(), v.tenant, m.ID, cart("1"))
			require.NoError(t, err)
			_, _, err = v.s.Execute(t.Context(), v.tenant, m.ID)
			require.NoError(t, err)

			_, _, err = v.s.Execute(t.Context(), v.tenant, m.ID)
			require.ErrorIs(t, err, apperrors.ErrMandateImmutable)

			_, err = v.s.Revoke(t.Context(), v.tenant, m.ID)
			require.ErrorIs(t, err, apperrors.ErrMandateImmutable)

			_, err = v.s.AttachCart(t.Context(), v.tenant, m.ID, cart("1"))
			require.ErrorIs(t, err, apperrors.ErrMandateImmutable)

			got, err := v.s.Get(t.Context(), v.tenant, m.ID)
			require.NoError(t, err)
			require.Equal(t, models.MandatePayment, got.State)
			require.True(t, d("99").Equal(v.f.Reload(v.wallet).Balance), "paid once")
		})
	})

	t.Run("failed execution stays in cart without transfers", func(t *testing.T) {
		withTx(t, func(v env) {
			m := intent(t, v, "")
			_, err := v.s.AttachCart(t.Context(), v.tenant, m.ID, cart("60", "60"))
			require.NoError(t, err)

			_, _, err = v.s.Execute(t.Context(), v.tenant, m.ID)
			require.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

			got, err := v.s.Get(t.Context(), v.tenant, m.ID)
			require.NoError(t, err)
			require.Equal(t, models.MandateCart, got.State)
			require.Empty(t, got.TransferIDs)
			require.True(t, d("100").Equal(v.f.Reload(v.wallet).Balance))

			_, err = v.s.Revoke(t.Context(), v.tenant, m.ID)
			require.NoError(t, err, "cart may still be abandoned")
		})
	})

	t.Run("cart over intent bound", func(t *testing.T) {
		withTx(t, func(v env) {
			m := intent(t, v, "20")

			_, err := v.s.AttachCart(t.Context(), v.tenant, m.ID, cart("10", "10.01"))

			var policyErr *apperrors.PolicyError
			require.ErrorAs(t, err, &policyErr)
			require.Equal(t, apperrors.RuleMandateMax, policyErr.Rule)

			got, err := v.s.Get(t.Context(), v.tenant, m.ID)
			require.NoError(t, err)
			require.Equal(t, models.MandateIntent, got.State)
			require.Empty(t, got.Items)
		})
	})

	t.Run("cart over wallet limit", func(t *testing.T) {
		withTx(t, func(v env) {
			v.f.Policy(v.wallet, models.SpendingPolicy{DailyLimit: decimal.NewNullDecimal(d("30")), DailySpent: d("25")})
			m := intent(t, v, "")

			_, err := v.s.AttachCart(t.Context(), v.tenant, m.ID, cart("3", "3"))

			require.ErrorIs(t, err, apperrors.ErrLimitExceeded)
		})
	})

	t.Run("cart item endpoint must pay counterparty", func(t *testing.T) {
		withTx(t, func(v env) {
			stranger := v.f.Wallet(v.tenant, "0")
			foreign := v.f.Endpoint(stranger, "GET", "/v1/other", "1")
			own := v.f.Endpoint(v.vendor, "GET", "/v1/own", "1")
			m := intent(t, v, "")

			_, err := v.s.AttachCart(t.Context(), v.tenant, m.ID, []Item{{Amount: d("1"), EndpointID: &foreign.ID}})
			require.ErrorIs(t, err, apperrors.ErrEndpointMismatch)

			m, err = v.s.AttachCart(t.Context(), v.tenant, m.ID, []Item{{Amount: d("1"), EndpointID: &own.ID}})
			require.NoError(t, err)
			_, results, err := v.s.Execute(t.Context(), v.tenant, m.ID)
			require.NoError(t, err)
			require.Equal(t, own.ID, *results[0].Transfer.EndpointID)
		})
	})

	t.Run("revoke intent", func(t *testing.T) {
		withTx(t, func(v env) {
			m := intent(t, v, "")

			m, err := v.s.Revoke(t.Context(), v.tenant, m.ID)
			require.NoError(t, err)
			require.Equal(t, models.MandateRevoked, m.State)
			require.NotNil(t, m.RevokedAt)

			_, err = v.s.AttachCart(t.Context(), v.tenant, m.ID, cart("1"))
			require.ErrorIs(t, err, apperrors.ErrMandateTransition)

			_, err = v.s.Revoke(t.Context(), v.tenant, m.ID)
			require.ErrorIs(t, err, apperrors.ErrMandateTransition)
		})
	})

	t.Run("execute requires cart", func(t *testing.T) {
		withTx(t, func(v env) {
			m := intent(t, v, "")

			_, _, err := v.s.Execute(t.Context(), v.tenant, m.ID)

			require.ErrorIs(t, err, apperrors.ErrMandateTransition)
		})
	})

	t.Run("create intent validation", func(t *testing.T) {
		withTx(t, func(v env) {
			_, err := v.s.CreateIntent(t.Context(), v.tenant, IntentParams{WalletID: v.wallet.ID, Counterparty: v.wallet.ID})
			require.ErrorIs(t, err, apperrors.ErrSameWallet)

			_, err = v.s.CreateIntent(t.Context(), v.tenant, IntentParams{WalletID: v.wallet.ID, Counterparty: uuid.New()})
			require.ErrorIs(t, err, apperrors.ErrNotFound)

			_, err = v.s.CreateIntent(t.Context(), v.tenant, IntentParams{
				WalletID: v.wallet.ID, Counterparty: v.vendor.ID, MaxAmount: decimal.NewNullDecimal(d("-1")),
			})
			require.ErrorIs(t, err, apperrors.ErrInvalidAmount)

			eurc := v.f.WalletOf(v.tenant, models.CurrencyEURC, models.DirectlyManaged{}, "0")
			_, err = v.s.CreateIntent(t.Context(), v.tenant, IntentParams{WalletID: v.wallet.ID, Counterparty: eurc.ID})
			require.ErrorIs(t, err, apperrors.ErrCurrencyMismatch)

			_, err = v.s.CreateIntent(t.Context(), v.f.Tenant().ID, IntentParams{WalletID: v.wallet.ID, Counterparty: v.vendor.ID})
			require.ErrorIs(t, err, apperrors.ErrNotFound, "wallets of another tenant")
		})
	})
}
