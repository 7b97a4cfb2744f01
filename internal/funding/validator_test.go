package funding

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/topology"
)

// rateWord encodes a rate as the tracker's 1e18 fixed-point word.
func rateWord(f float64) *big.Int {
	return big.NewInt(int64(f * RateScale))
}

func epoch(seq, start uint64, rate float64, direction int, index float64) protocol.Epoch {
	return protocol.Epoch{
		Sequence:        seq,
		StartTimestamp:  start,
		NextTimestamp:   start + 3600,
		Rate:            rateWord(rate),
		Direction:       direction,
		CumulativeIndex: rateWord(index),
	}
}

func TestWalkEpochsCleanHistory(t *testing.T) {
	p := DefaultParams()
	epochs := []protocol.Epoch{
		epoch(1, 1000, 0.001, 1, 0.001),
		epoch(2, 4600, 0.002, 1, 0.003),
		epoch(3, 8200, 0.001, -1, 0.002),
	}
	assert.Empty(t, WalkEpochs(epochs, p, DefaultRateTolerance))
}

func TestWalkEpochsTimestampOrder(t *testing.T) {
	p := DefaultParams()
	epochs := []protocol.Epoch{
		epoch(1, 5000, 0.001, 1, 0.001),
		epoch(2, 5000, 0.001, 1, 0.002), // not strictly after
	}
	violations := WalkEpochs(epochs, p, DefaultRateTolerance)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationTimestampOrder, violations[0].Kind)
	assert.Equal(t, uint64(2), violations[0].Epoch)
}

func TestWalkEpochsRateBounds(t *testing.T) {
	p := DefaultParams()
	epochs := []protocol.Epoch{
		epoch(1, 1000, 0.009, 1, 0.009), // above K_MAX
	}
	violations := WalkEpochs(epochs, p, DefaultRateTolerance)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationRateBounds, violations[0].Kind)

	epochs = append(epochs, epoch(2, 4600, -0.007, -1, 0.002)) // below K_MIN
	violations = WalkEpochs(epochs, p, DefaultRateTolerance)
	var bounds int
	for _, v := range violations {
		if v.Kind == ViolationRateBounds {
			bounds++
		}
	}
	assert.Equal(t, 2, bounds, "every epoch's rate is bounds-checked")
}

func TestWalkEpochsCumulativeIndex(t *testing.T) {
	p := DefaultParams()
	epochs := []protocol.Epoch{
		epoch(1, 1000, 0.001, 1, 0.001),
		epoch(2, 4600, 0.002, 1, 0.009), // want 0.001 + 0.002 = 0.003
	}
	violations := WalkEpochs(epochs, p, DefaultRateTolerance)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationCumulative, violations[0].Kind)
}

func TestWalkEpochsNegativeDirectionIndex(t *testing.T) {
	p := DefaultParams()
	// A shorts-dominated epoch decrements the index by |rate|.
	epochs := []protocol.Epoch{
		epoch(1, 1000, 0.003, 1, 0.003),
		epoch(2, 4600, -0.002, -1, 0.001),
	}
	assert.Empty(t, WalkEpochs(epochs, p, DefaultRateTolerance))
}

// fundingReader scripts the tracker state.
type fundingReader struct {
	state    protocol.FundingState
	epochs   map[uint64]protocol.Epoch
	stateErr error
}

func (r *fundingReader) FundingState(context.Context, chain.Address) (protocol.FundingState, error) {
	return r.state, r.stateErr
}

func (r *fundingReader) FundingEpoch(_ context.Context, _ chain.Address, seq uint64) (protocol.Epoch, error) {
	return r.epochs[seq], nil
}

func tokens(f float64) *big.Int {
	return big.NewInt(int64(f * 1e6)) // stablecoin has 6 decimals
}

func TestValidateHeavySkewMatchesClampedRate(t *testing.T) {
	reader := &fundingReader{
		state: protocol.FundingState{
			CurrentRate:  rateWord(0.005),
			CurrentEpoch: 2,
			EpochSize:    3600,
			TotalLongs:   tokens(817.37),
			TotalShorts:  tokens(247.69),
			Direction:    1,
		},
		epochs: map[uint64]protocol.Epoch{
			1: epoch(1, 1000, 0.001, 1, 0.001),
			2: epoch(2, 4600, 0.005, 1, 0.006),
		},
	}

	v := NewValidator(reader, DefaultParams(), 0, func() time.Time {
		return time.Unix(4600+1800, 0) // half an epoch after the last start
	}, zerolog.Nop())

	report, err := v.Validate(context.Background(), topology.Market{Label: "AVAX/USD"})
	require.NoError(t, err)

	assert.InDelta(t, 0.005, report.ExpectedRate, 1e-12, "3.3x long skew clamps to the positive bound")
	assert.True(t, report.RateMatches)
	assert.Equal(t, uint64(2), report.EpochsWalked)
	assert.Empty(t, report.Violations)
	assert.False(t, report.Stalled)
}

func TestValidateBalancedDirectionZero(t *testing.T) {
	reader := &fundingReader{
		state: protocol.FundingState{
			CurrentRate:  big.NewInt(0),
			CurrentEpoch: 0,
			EpochSize:    3600,
			TotalLongs:   tokens(500),
			TotalShorts:  tokens(500),
			Direction:    0,
		},
	}

	v := NewValidator(reader, DefaultParams(), 0, nil, zerolog.Nop())
	report, err := v.Validate(context.Background(), topology.Market{Label: "ETH/USD"})
	require.NoError(t, err)

	assert.Zero(t, report.ExpectedRate)
	assert.True(t, report.RateMatches)
	assert.Zero(t, report.EpochsWalked)
}

func TestValidateDetectsStall(t *testing.T) {
	reader := &fundingReader{
		state: protocol.FundingState{
			CurrentRate:  rateWord(0.001),
			CurrentEpoch: 1,
			EpochSize:    3600,
			TotalLongs:   tokens(110),
			TotalShorts:  tokens(100),
			Direction:    1,
		},
		epochs: map[uint64]protocol.Epoch{
			1: epoch(1, 10_000, 0.001, 1, 0.001),
		},
	}

	// Last epoch started at t=10000; the 2x stale factor allows 7200s.
	fresh := NewValidator(reader, DefaultParams(), 2.0, func() time.Time {
		return time.Unix(10_000+7000, 0)
	}, zerolog.Nop())
	report, err := fresh.Validate(context.Background(), topology.Market{Label: "SOL/USD"})
	require.NoError(t, err)
	assert.False(t, report.Stalled)

	stale := NewValidator(reader, DefaultParams(), 2.0, func() time.Time {
		return time.Unix(10_000+7300, 0)
	}, zerolog.Nop())
	report, err = stale.Validate(context.Background(), topology.Market{Label: "SOL/USD"})
	require.NoError(t, err)
	assert.True(t, report.Stalled)
	assert.Equal(t, time.Unix(10_000, 0).UTC(), report.LastEpochAt)
}

func TestValidateStateFailure(t *testing.T) {
	reader := &fundingReader{stateErr: &chain.FatalError{Err: errors.New("retries exhausted")}}
	v := NewValidator(reader, DefaultParams(), 0, nil, zerolog.Nop())

	_, err := v.Validate(context.Background(), topology.Market{Label: "BNB/USD"})
	assert.True(t, chain.IsFatal(err))
}
