package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/models"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	d := decimal.RequireFromString

	newWallet := func(p *models.SpendingPolicy) models.Wallet {
		return models.Wallet{
			ID:       uuid.New(),
			Currency: models.CurrencyUSDC,
			Balance:  d("1000"),
			Status:   models.WalletActive,
			Policy:   p,
		}
	}

	dailyPolicy := func() *models.SpendingPolicy {
		return &models.SpendingPolicy{
			DailyLimit:     decimal.NewNullDecimal(d("100")),
			DailySpent:     d("90"),
			DailyResetAt:   now.Add(6 * time.Hour),
			MonthlyResetAt: now.AddDate(0, 0, 20),
		}
	}

	t.Run("unrestricted wallet approved", func(t *testing.T) {
		decision, err := Evaluate(now, newWallet(nil), Candidate{Amount: d("1000000")})

		require.NoError(t, err)
		require.Equal(t, Approved, decision.Outcome)
		require.Nil(t, decision.Counters)
	})

	t.Run("frozen wallet", func(t *testing.T) {
		w := newWallet(nil)
		w.Status = models.WalletFrozen

		_, err := Evaluate(now, w, Candidate{Amount: d("1")})

		require.ErrorIs(t, err, apperrors.ErrWalletFrozen)
	})

	t.Run("depleted wallet", func(t *testing.T) {
		w := newWallet(nil)
		w.Status = models.WalletDepleted

		_, err := Evaluate(now, w, Candidate{Amount: d("1")})

		require.ErrorIs(t, err, apperrors.ErrWalletNotActive)
	})

	t.Run("over daily limit", func(t *testing.T) {
		w := newWallet(dailyPolicy())

		_, err := Evaluate(now, w, Candidate{Amount: d("15")})

		require.ErrorIs(t, err, apperrors.ErrLimitExceeded)
		var policyErr *apperrors.PolicyError
		require.True(t, errors.As(err, &policyErr))
		require.Equal(t, apperrors.CodeLimitExceeded, policyErr.Code)
		require.Equal(t, apperrors.RuleDailyLimit, policyErr.Rule)
		require.True(t, d("10").Equal(policyErr.Remaining))
		require.True(t, d("90").Equal(w.Policy.DailySpent), "wallet policy is not mutated")
	})

	t.Run("fills the daily limit exactly", func(t *testing.T) {
		decision, err := Evaluate(now, newWallet(dailyPolicy()), Candidate{Amount: d("10")})

		require.NoError(t, err)
		require.Equal(t, Approved, decision.Outcome)
		require.True(t, d("100").Equal(decision.Counters.DailySpent))
		require.True(t, d("10").Equal(decision.Counters.MonthlySpent))
		require.True(t, decision.Remaining.Daily.Valid)
		require.True(t, decision.Remaining.Daily.Decimal.IsZero())
		require.False(t, decision.Remaining.Monthly.Valid, "no monthly limit")
	})

	t.Run("spent resets once the window passed", func(t *testing.T) {
		p := dailyPolicy()
		p.DailyResetAt = now.Add(-time.Hour)

		decision, err := Evaluate(now, newWallet(p), Candidate{Amount: d("50")})

		require.NoError(t, err)
		require.True(t, d("50").Equal(decision.Counters.DailySpent))
		require.Equal(t, p.DailyResetAt.Add(24*time.Hour), decision.Counters.DailyResetAt)
	})

	t.Run("monthly limit checked after daily", func(t *testing.T) {
		p := dailyPolicy()
		p.DailySpent = decimal.Zero
		p.MonthlyLimit = decimal.NewNullDecimal(d("200"))
		p.MonthlySpent = d("195")

		_, err := Evaluate(now, newWallet(p), Candidate{Amount: d("10")})

		var policyErr *apperrors.PolicyError
		require.ErrorAs(t, err, &policyErr)
		require.Equal(t, apperrors.RuleMonthlyLimit, policyErr.Rule)
	})

	t.Run("counterparty not approved", func(t *testing.T) {
		p := dailyPolicy()
		p.AllowedCounterparties = []string{"wallet-a"}

		_, err := Evaluate(now, newWallet(p), Candidate{Counterparty: "wallet-b", Amount: d("1")})

		require.ErrorIs(t, err, apperrors.ErrCounterpartyNotApproved)
	})

	t.Run("counterparty checked before limits", func(t *testing.T) {
		p := dailyPolicy()
		p.AllowedCounterparties = []string{"wallet-a"}

		_, err := Evaluate(now, newWallet(p), Candidate{Counterparty: "wallet-b", Amount: d("500")})

		require.ErrorIs(t, err, apperrors.ErrCounterpartyNotApproved)
	})

	t.Run("category not approved", func(t *testing.T) {
		p := dailyPolicy()
		p.AllowedCategories = []string{"data"}

		_, err := Evaluate(now, newWallet(p), Candidate{Category: "compute", Amount: d("1")})

		require.ErrorIs(t, err, apperrors.ErrCategoryNotApproved)
	})

	t.Run("above threshold requires approval", func(t *testing.T) {
		p := &models.SpendingPolicy{
			ApprovalThreshold: decimal.NewNullDecimal(d("50")),
			DailyResetAt:      now.Add(time.Hour),
			MonthlyResetAt:    now.AddDate(0, 1, 0),
		}

		decision, err := Evaluate(now, newWallet(p), Candidate{Amount: d("60")})

		require.NoError(t, err)
		require.Equal(t, RequiresApproval, decision.Outcome)
		require.Nil(t, decision.Counters, "parked payment does not count as spent")
	})

	t.Run("threshold skipped on approval", func(t *testing.T) {
		p := &models.SpendingPolicy{
			ApprovalThreshold: decimal.NewNullDecimal(d("50")),
			DailyResetAt:      now.Add(time.Hour),
			MonthlyResetAt:    now.AddDate(0, 1, 0),
		}

		decision, err := Evaluate(now, newWallet(p), Candidate{Amount: d("60"), SkipThreshold: true})

		require.NoError(t, err)
		require.Equal(t, Approved, decision.Outcome)
	})

	t.Run("amount equal to threshold is approved", func(t *testing.T) {
		p := &models.SpendingPolicy{ApprovalThreshold: decimal.NewNullDecimal(d("50"))}

		decision, err := Evaluate(now, newWallet(p), Candidate{Amount: d("50")})

		require.NoError(t, err)
		require.Equal(t, Approved, decision.Outcome)
	})
}

func TestPreCheck(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := models.Wallet{
		Status: models.WalletActive,
		Policy: &models.SpendingPolicy{
			DailyLimit:     decimal.NewNullDecimal(decimal.NewFromInt(20)),
			DailyResetAt:   now.Add(time.Hour),
			MonthlyResetAt: now.AddDate(0, 1, 0),
		},
	}

	require.NoError(t, PreCheck(now, w, decimal.NewFromInt(20)))
	require.ErrorIs(t, PreCheck(now, w, decimal.NewFromInt(21)), apperrors.ErrLimitExceeded)
	require.NoError(t, PreCheck(now, models.Wallet{}, decimal.NewFromInt(1000)))
}
