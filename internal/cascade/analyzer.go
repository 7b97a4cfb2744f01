// Package cascade groups open positions by liquidation price level and
// scores how much of the book would unwind together near the reference
// price.
package cascade

import (
	"context"
	"math/big"
	"sort"

	"github.com/rs/zerolog"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/report"
	"PerpAudit/internal/topology"
)

const (
	// DefaultTopK bounds the per-side price levels examined. Each level
	// costs further per-position queries, so this is a precision/cost
	// trade-off; it is always documented in the report, never hidden.
	DefaultTopK = 20

	// CriticalDistancePercent marks a level close enough to the reference
	// price to be an immediate cascade risk.
	CriticalDistancePercent = 5.0
)

// StateReader is the slice of contract state the analyzer needs.
type StateReader interface {
	LiquidatablePrices(ctx context.Context, pm chain.Address, side protocol.Side, referencePrice *big.Int) ([]*big.Int, error)
	PositionsAtPrice(ctx context.Context, pm chain.Address, price *big.Int) ([]chain.Hash, error)
	PositionByID(ctx context.Context, pm chain.Address, id chain.Hash) (protocol.Position, error)
}

// Level is one liquidation price cluster. The monetary sums carry the
// collateral token's decimals so they render as human decimals in JSON.
type Level struct {
	Price           *big.Int     `json:"price"`
	Side            string       `json:"side"`
	PositionCount   int          `json:"position_count"`
	TotalCollateral report.Money `json:"total_collateral"`
	TotalNotional   report.Money `json:"total_notional"`
	DistancePercent float64      `json:"distance_percent"`
	Critical        bool         `json:"critical"`
}

// Report is the cascade risk output for one market.
type Report struct {
	Market         string   `json:"market"`
	ReferencePrice *big.Int `json:"reference_price"`
	TopK           int      `json:"top_k"` // documented cap on levels per side
	Truncated      bool     `json:"truncated"`
	Levels         []Level  `json:"levels"`
	MaxCascade     *Level   `json:"max_cascade,omitempty"`
}

// Analyzer queries the contract's own liquidatable-price index.
type Analyzer struct {
	reader StateReader
	topK   int
	log    zerolog.Logger
}

// NewAnalyzer wires an analyzer. topK <= 0 uses the default cap.
func NewAnalyzer(reader StateReader, topK int, log zerolog.Logger) *Analyzer {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Analyzer{reader: reader, topK: topK, log: log}
}

// Analyze clusters liquidatable positions by exact price level for both
// sides. Cancellation is checked before each per-level and per-position
// fetch; levels built before cancellation remain in the report.
func (a *Analyzer) Analyze(ctx context.Context, m topology.Market, referencePrice *big.Int) (*Report, error) {
	rep := &Report{
		Market:         m.Label,
		ReferencePrice: referencePrice,
		TopK:           a.topK,
	}

	for _, side := range []protocol.Side{protocol.Long, protocol.Short} {
		prices, err := a.reader.LiquidatablePrices(ctx, m.PositionManager, side, referencePrice)
		if err != nil {
			return rep, err
		}

		if len(prices) > a.topK {
			rep.Truncated = true
		}
		for _, price := range nearestLevels(prices, referencePrice, a.topK) {
			if err := ctx.Err(); err != nil {
				return rep, err
			}

			level, err := a.buildLevel(ctx, m.PositionManager, side, price, referencePrice)
			if err != nil {
				return rep, err
			}
			rep.Levels = append(rep.Levels, level)
		}
	}

	sortLevels(rep.Levels)
	rep.MaxCascade = MaxCascade(rep.Levels)

	a.log.Info().
		Str("market", m.Label).
		Int("levels", len(rep.Levels)).
		Bool("truncated", rep.Truncated).
		Msg("cascade analysis done")

	return rep, nil
}

func (a *Analyzer) buildLevel(ctx context.Context, pm chain.Address, side protocol.Side, price, referencePrice *big.Int) (Level, error) {
	ids, err := a.reader.PositionsAtPrice(ctx, pm, price)
	if err != nil {
		return Level{}, err
	}

	positions := make([]protocol.Position, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Level{}, err
		}
		pos, err := a.reader.PositionByID(ctx, pm, id)
		if err != nil {
			return Level{}, err
		}
		positions = append(positions, pos)
	}

	return BuildLevel(price, referencePrice, side, positions), nil
}

// BuildLevel aggregates positions liquidating at exactly one integer price
// level. Monetary sums stay in integer space; only the distance ratio is
// computed in floating point, after the integer values are loaded.
func BuildLevel(price, referencePrice *big.Int, side protocol.Side, positions []protocol.Position) Level {
	collateral := new(big.Int)
	notional := new(big.Int)
	for _, p := range positions {
		collateral.Add(collateral, p.Collateral)
		notional.Add(notional, p.Notional())
	}

	distance := DistancePercent(price, referencePrice)

	return Level{
		Price:           price,
		Side:            side.String(),
		PositionCount:   len(positions),
		TotalCollateral: report.Money{Raw: collateral, Decimals: protocol.StablecoinDecimals},
		TotalNotional:   report.Money{Raw: notional, Decimals: protocol.StablecoinDecimals},
		DistancePercent: distance,
		Critical:        distance < CriticalDistancePercent,
	}
}

// DistancePercent is |level − reference| / reference × 100.
func DistancePercent(level, reference *big.Int) float64 {
	if reference.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(level, reference)
	diff.Abs(diff)

	ratio := new(big.Float).Quo(new(big.Float).SetInt(diff), new(big.Float).SetInt(reference))
	pct, _ := new(big.Float).Mul(ratio, big.NewFloat(100)).Float64()
	return pct
}

// MaxCascade returns the single level with the most positions, or nil when
// no level has any.
func MaxCascade(levels []Level) *Level {
	var max *Level
	for i := range levels {
		if levels[i].PositionCount == 0 {
			continue
		}
		if max == nil || levels[i].PositionCount > max.PositionCount {
			max = &levels[i]
		}
	}
	return max
}

// nearestLevels keeps the k price levels closest to the reference.
func nearestLevels(prices []*big.Int, reference *big.Int, k int) []*big.Int {
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)

	dist := func(p *big.Int) *big.Int {
		d := new(big.Int).Sub(p, reference)
		return d.Abs(d)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return dist(sorted[i]).Cmp(dist(sorted[j])) < 0
	})

	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

func sortLevels(levels []Level) {
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Side != levels[j].Side {
			return levels[i].Side < levels[j].Side
		}
		return levels[i].Price.Cmp(levels[j].Price) < 0
	})
}
