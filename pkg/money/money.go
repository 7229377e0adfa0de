// Package money holds the fixed-point helpers shared by every balance
// computation. Amounts carry two decimal places.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const Places int32 = 2

var (
	Zero = decimal.Zero
	Cent = decimal.New(1, -Places)
)

// Round rounds half away from zero to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Mul multiplies an amount by a rate and rounds the product once.
func Mul(amount, rate decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(rate))
}

// NonNegative returns d, or zero when d is negative.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return Zero
	}
	return d
}

func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Round(d), nil
}

func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Sum adds the given amounts.
func Sum(ds ...decimal.Decimal) decimal.Decimal {
	total := Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}
