package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/testutil"
	"github.com/nkiryanov/machinepay/internal/testutil/fixture"
)

func TestEffectivePrice(t *testing.T) {
	t.Parallel()

	d := decimal.RequireFromString
	e := models.Endpoint{
		BasePrice: d("1.00"),
		Currency:  models.CurrencyUSDC,
		Tiers: []models.DiscountTier{
			{Threshold: 100, Multiplier: d("0.8")},
			{Threshold: 1000, Multiplier: d("0.5")},
		},
	}

	tests := []struct {
		name  string
		calls int64
		want  string
	}{
		{"first call", 0, "1"},
		{"100th call", 99, "1"},
		{"101st call gets first tier", 100, "0.8"},
		{"between tiers", 999, "0.8"},
		{"highest tier wins", 5000, "0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectivePrice(e, tt.calls)

			require.True(t, d(tt.want).Equal(got), "got %s, want %s", got, tt.want)
		})
	}

	t.Run("banker's rounding to currency places", func(t *testing.T) {
		e := models.Endpoint{
			BasePrice: d("0.000005"),
			Currency:  models.CurrencyUSDC,
			Tiers:     []models.DiscountTier{{Threshold: 0, Multiplier: d("0.5")}},
		}

		// 0.0000025 rounds half to even
		require.True(t, d("0.000002").Equal(EffectivePrice(e, 0)))
	})
}

func TestNormalizeTiers(t *testing.T) {
	t.Parallel()

	d := decimal.RequireFromString

	t.Run("sorted by threshold", func(t *testing.T) {
		got, err := normalizeTiers([]models.DiscountTier{{Threshold: 10, Multiplier: d("0.5")}, {Threshold: 1, Multiplier: d("0.9")}})

		require.NoError(t, err)
		require.EqualValues(t, 1, got[0].Threshold)
	})

	t.Run("duplicate threshold", func(t *testing.T) {
		_, err := normalizeTiers([]models.DiscountTier{{Threshold: 10, Multiplier: d("0.5")}, {Threshold: 10, Multiplier: d("0.9")}})

		require.ErrorIs(t, err, apperrors.ErrInvalidDiscount)
	})

	t.Run("non positive multiplier", func(t *testing.T) {
		_, err := normalizeTiers([]models.DiscountTier{{Threshold: 10, Multiplier: decimal.Zero}})

		require.ErrorIs(t, err, apperrors.ErrInvalidDiscount)
	})
}

func TestRegistry(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	withTx := func(t *testing.T, fn func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			f := fixture.New(t, tx)
			tenant := f.Tenant()
			owner := f.Wallet(tenant.ID, "0")

			fn(New(f.Storage, logger.NewNoOpLogger()), f, tenant, owner)
		})
	}

	params := func(owner models.Wallet) RegisterParams {
		return RegisterParams{
			WalletID: owner.ID,
			Path:     "/v1/weather",
			Method:   "get",
			Price:    decimal.RequireFromString("1.00"),
			Currency: models.CurrencyUSDC,
			Tiers:    []models.DiscountTier{{Threshold: 100, Multiplier: decimal.RequireFromString("0.8")}},
		}
	}

	t.Run("Register", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			e, err := r.Register(t.Context(), tenant.ID, params(owner))

			require.NoError(t, err)
			require.Equal(t, "GET", e.Method)
			require.Equal(t, models.EndpointActive, e.Status)
		})
	})

	t.Run("Register duplicate route", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			_, err := r.Register(t.Context(), tenant.ID, params(owner))
			require.NoError(t, err)

			_, err = r.Register(t.Context(), tenant.ID, params(owner))

			require.ErrorIs(t, err, apperrors.ErrDuplicateResource)
		})
	})

	t.Run("Register same route for other tenant", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			_, err := r.Register(t.Context(), tenant.ID, params(owner))
			require.NoError(t, err)

			other := f.Tenant()
			_, err = r.Register(t.Context(), other.ID, params(f.Wallet(other.ID, "0")))

			require.NoError(t, err)
		})
	})

	t.Run("Register currency other than owner wallet", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			p := params(owner)
			p.Currency = models.CurrencyEURC

			_, err := r.Register(t.Context(), tenant.ID, p)

			require.ErrorIs(t, err, apperrors.ErrCurrencyMismatch)
		})
	})

	t.Run("Register too precise price", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			p := params(owner)
			p.Price = decimal.RequireFromString("0.0000001")

			_, err := r.Register(t.Context(), tenant.ID, p)

			require.ErrorIs(t, err, apperrors.ErrInvalidAmount)
		})
	})

	t.Run("Update", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			e, err := r.Register(t.Context(), tenant.ID, params(owner))
			require.NoError(t, err)

			price := decimal.RequireFromString("2")
			description := "hourly forecast"
			e, err = r.Update(t.Context(), tenant.ID, e.ID, UpdateParams{Price: &price, Description: &description})

			require.NoError(t, err)
			require.True(t, price.Equal(e.BasePrice))
			require.Equal(t, description, e.Description)
			require.Len(t, e.Tiers, 1, "tiers untouched")

			_, err = r.Update(t.Context(), tenant.ID, uuid.New(), UpdateParams{Price: &price})
			require.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	})

	t.Run("status transitions", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			e, err := r.Register(t.Context(), tenant.ID, params(owner))
			require.NoError(t, err)

			e, err = r.Pause(t.Context(), tenant.ID, e.ID)
			require.NoError(t, err)
			require.Equal(t, models.EndpointPaused, e.Status)

			e, err = r.Pause(t.Context(), tenant.ID, e.ID)
			require.NoError(t, err, "pausing paused endpoint is a no-op")
			require.Equal(t, models.EndpointPaused, e.Status)

			e, err = r.Resume(t.Context(), tenant.ID, e.ID)
			require.NoError(t, err)
			require.Equal(t, models.EndpointActive, e.Status)

			e, err = r.Disable(t.Context(), tenant.ID, e.ID)
			require.NoError(t, err)
			_, err = r.Disable(t.Context(), tenant.ID, e.ID)
			require.NoError(t, err)

			_, err = r.Resume(t.Context(), tenant.ID, e.ID)
			require.ErrorIs(t, err, apperrors.ErrResourceUnavailable)
		})
	})

	t.Run("ResolvePrice for 101st call", func(t *testing.T) {
		withTx(t, func(r *Registry, f *fixture.Fixture, tenant models.Tenant, owner models.Wallet) {
			e, err := r.Register(t.Context(), tenant.ID, params(owner))
			require.NoError(t, err)

			price, err := r.ResolvePrice(t.Context(), tenant.ID, e.ID, 100)

			require.NoError(t, err)
			require.True(t, decimal.RequireFromString("0.8").Equal(price))
		})
	})
}
