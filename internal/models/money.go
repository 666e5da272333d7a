package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits kept for every amount.
// Columns are NUMERIC(20,8).
const MoneyScale = 8

// ParseAmount parses a decimal string and rejects values with more precision
// than the ledger stores.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(MoneyScale)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", s, MoneyScale)
	}
	return d, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) decimal.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return d
}

// PercentOf returns percent% of amount rounded to MoneyScale.
func PercentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).Round(MoneyScale)
}
