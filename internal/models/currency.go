package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is one of a small fixed set of stable-valued units
type Currency string

const (
	CurrencyUSDC  Currency = "USDC"
	CurrencyEURC  Currency = "EURC"
	CurrencyPYUSD Currency = "PYUSD"
)

// Minor-unit precision per currency: all supported tokens use 6 decimals on the wire
var currencyPlaces = map[Currency]int32{
	CurrencyUSDC:  6,
	CurrencyEURC:  6,
	CurrencyPYUSD: 6,
}

func ParseCurrency(s string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := currencyPlaces[c]
	return c, ok
}

func (c Currency) Valid() bool {
	_, ok := currencyPlaces[c]
	return ok
}

// Places returns number of fractional digits amounts in the currency are kept with
func (c Currency) Places() int32 {
	return currencyPlaces[c]
}

// Round rounds amount to currency precision using banker's rounding
func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(c.Places())
}

// HasValidPrecision reports whether amount does not carry more digits than the currency allows
func (c Currency) HasValidPrecision(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(c.Places()))
}
