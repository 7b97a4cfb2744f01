package cascade

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/topology"
)

func pos(collateral, size int64) protocol.Position {
	return protocol.Position{
		Collateral: big.NewInt(collateral),
		Size:       big.NewInt(size),
		Leverage:   big.NewInt(5),
	}
}

func TestDistancePercent(t *testing.T) {
	tests := []struct {
		level, reference int64
		want             float64
	}{
		{100, 100, 0},
		{95, 100, 5},
		{105, 100, 5},
		{200, 100, 100},
		{50, 100, 50},
		{100, 0, 0}, // zero reference guards the division
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d", tt.level, tt.reference), func(t *testing.T) {
			got := DistancePercent(big.NewInt(tt.level), big.NewInt(tt.reference))
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestBuildLevelClustersExactPrice(t *testing.T) {
	// Two positions liquidate at exactly 100 with the reference at 100.
	level := BuildLevel(big.NewInt(100), big.NewInt(100), protocol.Long,
		[]protocol.Position{pos(1_000, 5_000), pos(2_000, 10_000)})

	assert.Equal(t, 2, level.PositionCount)
	assert.Equal(t, int64(3_000), level.TotalCollateral.Raw.Int64())
	assert.Equal(t, int64(15_000), level.TotalNotional.Raw.Int64())
	assert.InDelta(t, 0.0, level.DistancePercent, 1e-9)
	assert.True(t, level.Critical, "zero distance is critical")
	assert.Equal(t, "long", level.Side)
}

func TestBuildLevelCriticalThreshold(t *testing.T) {
	ref := big.NewInt(100)

	near := BuildLevel(big.NewInt(96), ref, protocol.Long, []protocol.Position{pos(1, 1)})
	assert.True(t, near.Critical, "4% away is critical")

	boundary := BuildLevel(big.NewInt(95), ref, protocol.Long, []protocol.Position{pos(1, 1)})
	assert.False(t, boundary.Critical, "exactly 5% is not critical")

	far := BuildLevel(big.NewInt(200), ref, protocol.Short, []protocol.Position{pos(1, 1)})
	assert.False(t, far.Critical)
}

func TestMaxCascade(t *testing.T) {
	levels := []Level{
		{Price: big.NewInt(100), PositionCount: 2},
		{Price: big.NewInt(105), PositionCount: 1},
		{Price: big.NewInt(200), PositionCount: 1},
	}
	max := MaxCascade(levels)
	require.NotNil(t, max)
	assert.Equal(t, int64(100), max.Price.Int64())
	assert.Equal(t, 2, max.PositionCount)

	assert.Nil(t, MaxCascade(nil))
	assert.Nil(t, MaxCascade([]Level{{Price: big.NewInt(1)}}), "empty levels do not cascade")
}

// cascadeReader scripts the liquidatable-price index per side.
type cascadeReader struct {
	long      []*big.Int
	short     []*big.Int
	positions map[string][]chain.Hash // price → ids
	detail    map[chain.Hash]protocol.Position
}

func (r *cascadeReader) LiquidatablePrices(_ context.Context, _ chain.Address, side protocol.Side, _ *big.Int) ([]*big.Int, error) {
	if side == protocol.Short {
		return r.short, nil
	}
	return r.long, nil
}

func (r *cascadeReader) PositionsAtPrice(_ context.Context, _ chain.Address, price *big.Int) ([]chain.Hash, error) {
	return r.positions[price.String()], nil
}

func (r *cascadeReader) PositionByID(_ context.Context, _ chain.Address, id chain.Hash) (protocol.Position, error) {
	return r.detail[id], nil
}

func cid(n byte) chain.Hash {
	var h chain.Hash
	h[31] = n
	return h
}

func TestAnalyzeClustersAndRanks(t *testing.T) {
	// Positions liquidate at 100, 100, 105, 200 with the reference at 100:
	// the pair at 100 forms one cluster of two.
	reader := &cascadeReader{
		long: []*big.Int{big.NewInt(100), big.NewInt(105), big.NewInt(200)},
		positions: map[string][]chain.Hash{
			"100": {cid(1), cid(2)},
			"105": {cid(3)},
			"200": {cid(4)},
		},
		detail: map[chain.Hash]protocol.Position{
			cid(1): pos(1_000, 5_000),
			cid(2): pos(1_000, 5_000),
			cid(3): pos(500, 2_500),
			cid(4): pos(200, 1_000),
		},
	}

	a := NewAnalyzer(reader, 0, zerolog.Nop())
	m := topology.Market{Label: "AVAX/USD"}

	report, err := a.Analyze(context.Background(), m, big.NewInt(100))
	require.NoError(t, err)

	require.Len(t, report.Levels, 3)
	assert.False(t, report.Truncated)

	byPrice := make(map[string]Level)
	for _, lvl := range report.Levels {
		byPrice[lvl.Price.String()] = lvl
	}

	at100 := byPrice["100"]
	assert.Equal(t, 2, at100.PositionCount)
	assert.Equal(t, int64(2_000), at100.TotalCollateral.Raw.Int64())
	assert.InDelta(t, 0.0, at100.DistancePercent, 1e-9)
	assert.True(t, at100.Critical)

	assert.False(t, byPrice["105"].Critical)
	assert.False(t, byPrice["200"].Critical)

	require.NotNil(t, report.MaxCascade)
	assert.Equal(t, int64(100), report.MaxCascade.Price.Int64())
	assert.Equal(t, 2, report.MaxCascade.PositionCount)
}

func TestAnalyzeTruncatesToNearestLevels(t *testing.T) {
	var prices []*big.Int
	positions := make(map[string][]chain.Hash)
	detail := make(map[chain.Hash]protocol.Position)
	for i := 0; i < 30; i++ {
		p := big.NewInt(int64(100 + i))
		prices = append(prices, p)
		id := cid(byte(i + 1))
		positions[p.String()] = []chain.Hash{id}
		detail[id] = pos(100, 500)
	}

	reader := &cascadeReader{long: prices, positions: positions, detail: detail}
	a := NewAnalyzer(reader, 5, zerolog.Nop())

	report, err := a.Analyze(context.Background(), topology.Market{Label: "BTC/USD"}, big.NewInt(100))
	require.NoError(t, err)

	assert.True(t, report.Truncated)
	assert.Equal(t, 5, report.TopK)
	require.Len(t, report.Levels, 5)
	// The nearest five levels survive the cap.
	for _, lvl := range report.Levels {
		assert.LessOrEqual(t, lvl.Price.Int64(), int64(104))
	}
}

func TestAnalyzeCancelledKeepsPartialLevels(t *testing.T) {
	reader := &cascadeReader{
		long:      []*big.Int{big.NewInt(100)},
		positions: map[string][]chain.Hash{"100": {cid(1)}},
		detail:    map[chain.Hash]protocol.Position{cid(1): pos(1, 1)},
	}
	a := NewAnalyzer(reader, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := a.Analyze(ctx, topology.Market{Label: "ETH/USD"}, big.NewInt(100))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report, "partial report survives cancellation")
}
