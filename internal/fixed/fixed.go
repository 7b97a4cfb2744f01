// Package fixed converts chain fixed-point integers into decimals and
// floats at the report boundary. Core accounting stays in integer space;
// these conversions happen only after the integer values are loaded.
package fixed

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FromScaled renders a token-scaled integer as an exact decimal,
// e.g. 1_500_000 at 6 decimals → 1.5.
func FromScaled(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// Float converts a token-scaled integer for ratio math.
func Float(v *big.Int, decimals int32) float64 {
	f, _ := FromScaled(v, decimals).Float64()
	return f
}

// FloatScale divides by an arbitrary scale, for fixed-point words that are
// not token amounts (funding rates, cumulative indices).
func FloatScale(v *big.Int, scale float64) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(scale)).Float64()
	return f
}

// Unit returns 10^decimals: one whole token in scaled units.
func Unit(decimals int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
