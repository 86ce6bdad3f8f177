package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/models"
)

// Period returns the boundary one period after the given one
type Period func(boundary time.Time) time.Time

var (
	Daily   Period = func(b time.Time) time.Time { return b.Add(models.DailyPeriod) }
	Monthly Period = nextMonth
)

// nextMonth keeps the day of month, clamped to the last day of a shorter month
func nextMonth(b time.Time) time.Time {
	year, month, day := b.Date()
	hour, minute, sec := b.Clock()

	if last := daysIn(year, month+1, b.Location()); day > last {
		day = last
	}
	return time.Date(year, month+1, day, hour, minute, sec, b.Nanosecond(), b.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// CurrentWindow returns spent-so-far and reset boundary as of now.
// Once now is past the boundary the spent amount drops to zero and the boundary
// moves forward from the previous one, period by period, until it is not behind now.
func CurrentWindow(now time.Time, spent decimal.Decimal, resetAt time.Time, period Period) (decimal.Decimal, time.Time) {
	if resetAt.IsZero() {
		return decimal.Zero, period(now)
	}

	if !now.After(resetAt) {
		return spent, resetAt
	}

	for now.After(resetAt) {
		resetAt = period(resetAt)
	}

	return decimal.Zero, resetAt
}

// Windows returns a copy of the policy with both counters recomputed as of now
func Windows(now time.Time, p models.SpendingPolicy) models.SpendingPolicy {
	p.DailySpent, p.DailyResetAt = CurrentWindow(now, p.DailySpent, p.DailyResetAt, Daily)
	p.MonthlySpent, p.MonthlyResetAt = CurrentWindow(now, p.MonthlySpent, p.MonthlyResetAt, Monthly)
	return p
}

// Remaining is how much can still be spent in the current windows.
// Invalid values mean the limit is not set.
type Remaining struct {
	Daily   decimal.NullDecimal
	Monthly decimal.NullDecimal
}

func RemainingOf(now time.Time, w models.Wallet) Remaining {
	if w.Policy == nil {
		return Remaining{}
	}

	p := Windows(now, *w.Policy)
	return Remaining{
		Daily:   remaining(p.DailyLimit, p.DailySpent),
		Monthly: remaining(p.MonthlyLimit, p.MonthlySpent),
	}
}

func remaining(limit decimal.NullDecimal, spent decimal.Decimal) decimal.NullDecimal {
	if !limit.Valid {
		return decimal.NullDecimal{}
	}

	left := limit.Decimal.Sub(spent)
	if left.IsNegative() {
		left = decimal.Zero
	}
	return decimal.NewNullDecimal(left)
}
