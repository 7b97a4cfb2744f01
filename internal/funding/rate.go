// Package funding recomputes the skew-based funding formula from live book
// totals and walks the stored epoch history for internal consistency.
package funding

import "math"

// Params are the funding curve constants, in rate units per epoch.
// KMin is the negative bound (shorts dominate), KMax the positive bound.
type Params struct {
	K0   float64
	Beta float64
	KMin float64
	KMax float64
}

// DefaultParams are the deployed curve constants.
func DefaultParams() Params {
	return Params{
		K0:   0.0005,
		Beta: 0.01,
		KMin: -0.005,
		KMax: 0.005,
	}
}

// ExpectedRate recomputes the funding rate from long/short notional totals:
//
//	skew = |longNotional/shortNotional − 1|
//	rate = clamp(K0 + BETA × ln(1 + skew), K_MIN, K_MAX)
//
// with the sign flipped when shorts dominate. Boundary conventions:
// shorts=0 pins to K_MAX, longs=0 pins to K_MIN, and a balanced book
// (direction 0) is literally zero rate.
func ExpectedRate(longNotional, shortNotional float64, p Params) float64 {
	switch {
	case longNotional == shortNotional:
		return 0
	case shortNotional == 0:
		return p.KMax
	case longNotional == 0:
		return p.KMin
	}

	skew := math.Abs(longNotional/shortNotional - 1)
	rate := p.K0 + p.Beta*math.Log1p(skew)
	if longNotional < shortNotional {
		rate = -rate
	}

	return clamp(rate, p.KMin, p.KMax)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
