package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRoundHalfAwayFromZero(t *testing.T) {
	require.True(t, Round(decimal.RequireFromString("0.125")).Equal(decimal.RequireFromString("0.13")))
	require.True(t, Round(decimal.RequireFromString("-0.125")).Equal(decimal.RequireFromString("-0.13")))
	require.True(t, Mul(MustParse("47"), decimal.RequireFromString("0.5")).Equal(MustParse("23.5")))
}

func TestSumAndNonNegative(t *testing.T) {
	require.True(t, Sum(MustParse("0.1"), MustParse("0.2")).Equal(MustParse("0.3")))
	require.True(t, Sum().IsZero())
	require.True(t, NonNegative(MustParse("-3")).Equal(Zero))
	require.True(t, NonNegative(MustParse("3")).Equal(MustParse("3")))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("12,5")
	require.Error(t, err)
}
