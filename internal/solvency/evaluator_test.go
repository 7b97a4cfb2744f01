package solvency

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/topology"
)

func TestEvaluateVerdict(t *testing.T) {
	tests := []struct {
		name                string
		actual, locked, pnl int64
		wantRequired        int64
		wantSolvent         bool
	}{
		{"exact cover", 1000, 600, 400, 1000, true},
		{"one short", 999, 600, 400, 1000, false},
		{"surplus", 2000, 600, 400, 1000, true},
		{"losses do not reduce liability", 600, 600, -400, 600, true},
		{"losses with shortfall", 599, 600, -400, 600, false},
		{"no positions", 0, 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(big.NewInt(tt.actual), big.NewInt(tt.locked), big.NewInt(tt.pnl))
			if v.RequiredBalance.Raw.Int64() != tt.wantRequired {
				t.Errorf("required = %s, want %d", v.RequiredBalance.Raw, tt.wantRequired)
			}
			if v.IsSolvent != tt.wantSolvent {
				t.Errorf("solvent = %v, want %v", v.IsSolvent, tt.wantSolvent)
			}
		})
	}
}

func TestVerdictRendersTokenAmounts(t *testing.T) {
	v := Evaluate(big.NewInt(7_500_000), big.NewInt(5_000_000), big.NewInt(2_500_000))

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"locked_collateral": "5",
		"unrealized_profit": "2.5",
		"required_balance":  "7.5",
		"actual_balance":    "7.5",
		"is_solvent":        true
	}`, string(data))
}

func TestEvaluateDoesNotMutateInputs(t *testing.T) {
	locked := big.NewInt(600)
	pnl := big.NewInt(-400)
	Evaluate(big.NewInt(1000), locked, pnl)
	if locked.Int64() != 600 || pnl.Int64() != -400 {
		t.Error("Evaluate mutated its inputs")
	}
}

func TestClassifyDiscrepancy(t *testing.T) {
	unit := big.NewInt(1_000_000) // one token at 6 decimals

	tests := []struct {
		name        string
		discrepancy int64
		underFunded bool
		wantStatus  string
	}{
		{"balanced", 0, false, StatusOK},
		{"sub-token noise negative", -999_999, false, StatusOK},
		{"sub-token noise positive", 999_999, false, StatusOK},
		{"exactly minus one token", -1_000_000, false, StatusOK},
		{"untracked withdrawal", -1_000_001, false, StatusAlert},
		{"surplus", 1_000_001, false, StatusInfo},
		{"under-funded overrides", 0, true, StatusCritical},
		{"under-funded with surplus", 5_000_000, true, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := ClassifyDiscrepancy(big.NewInt(tt.discrepancy), tt.underFunded, unit)
			if status != tt.wantStatus {
				t.Errorf("status = %s, want %s", status, tt.wantStatus)
			}
		})
	}
}

// solvencyReader scripts the evaluator's contract reads.
type solvencyReader struct {
	ids     []chain.Hash
	detail  map[chain.Hash]protocol.Position
	pnl     map[chain.Hash]*big.Int
	balance *big.Int
	flows   protocol.VaultFlows
	idsErr  error
}

func (r *solvencyReader) ActivePositionIDs(context.Context, chain.Address) ([]chain.Hash, error) {
	return r.ids, r.idsErr
}

func (r *solvencyReader) PositionByID(_ context.Context, _ chain.Address, id chain.Hash) (protocol.Position, error) {
	return r.detail[id], nil
}

func (r *solvencyReader) UnrealizedPnL(_ context.Context, _ chain.Address, id chain.Hash, _ *big.Int) (*big.Int, error) {
	return r.pnl[id], nil
}

func (r *solvencyReader) TokenBalance(context.Context, chain.Address, chain.Address) (*big.Int, error) {
	return r.balance, nil
}

func (r *solvencyReader) VaultFlows(context.Context, chain.Address) (protocol.VaultFlows, error) {
	return r.flows, nil
}

func sid(n byte) chain.Hash {
	var h chain.Hash
	h[31] = n
	return h
}

func balancedFlows(net int64) protocol.VaultFlows {
	return protocol.VaultFlows{
		Inflows:  big.NewInt(net),
		Outflows: big.NewInt(0),
		NetFlow:  big.NewInt(net),
	}
}

func TestEvaluatorAccumulates(t *testing.T) {
	reader := &solvencyReader{
		ids: []chain.Hash{sid(1), sid(2)},
		detail: map[chain.Hash]protocol.Position{
			sid(1): {Collateral: big.NewInt(400_000_000)},
			sid(2): {Collateral: big.NewInt(200_000_000)},
		},
		pnl: map[chain.Hash]*big.Int{
			sid(1): big.NewInt(500_000_000),
			sid(2): big.NewInt(-100_000_000),
		},
		balance: big.NewInt(1_000_000_000),
		flows:   balancedFlows(1_000_000_000),
	}

	e := NewEvaluator(reader, 10, zerolog.Nop(), nil)
	m := topology.Market{Label: "AVAX/USD"}

	report, err := e.Evaluate(context.Background(), m, chain.Address{}, big.NewInt(42_000))
	require.NoError(t, err)

	// locked 600, pnl sum +400, required 1000 (token millions).
	assert.Equal(t, int64(600_000_000), report.Verdict.LockedCollateral.Raw.Int64())
	assert.Equal(t, int64(400_000_000), report.Verdict.UnrealizedProfit.Raw.Int64())
	assert.Equal(t, int64(1_000_000_000), report.Verdict.RequiredBalance.Raw.Int64())
	assert.True(t, report.Verdict.IsSolvent)

	assert.False(t, report.Truncated)
	assert.Equal(t, 2, report.OpenPositions)
	assert.Equal(t, 2, report.SampledPositions)
	assert.Equal(t, StatusOK, report.VaultCheck.Status)
}

func TestEvaluatorTruncatesSample(t *testing.T) {
	reader := &solvencyReader{
		balance: big.NewInt(0),
		flows:   balancedFlows(0),
		detail:  make(map[chain.Hash]protocol.Position),
		pnl:     make(map[chain.Hash]*big.Int),
	}
	for n := byte(1); n <= 8; n++ {
		reader.ids = append(reader.ids, sid(n))
		reader.detail[sid(n)] = protocol.Position{Collateral: big.NewInt(1)}
		reader.pnl[sid(n)] = big.NewInt(0)
	}

	e := NewEvaluator(reader, 3, zerolog.Nop(), nil)
	report, err := e.Evaluate(context.Background(), topology.Market{Label: "BTC/USD"}, chain.Address{}, big.NewInt(1))
	require.NoError(t, err)

	assert.True(t, report.Truncated)
	assert.Equal(t, 8, report.OpenPositions)
	assert.Equal(t, 3, report.SampledPositions)
	assert.Equal(t, 3, report.SampleCap)
	// Only the sampled collateral enters the verdict; truncation is
	// reported, not hidden.
	assert.Equal(t, int64(3), report.Verdict.LockedCollateral.Raw.Int64())
}

func TestEvaluatorUntrackedWithdrawal(t *testing.T) {
	reader := &solvencyReader{
		balance: big.NewInt(3_000_000),
		flows: protocol.VaultFlows{
			Inflows:  big.NewInt(10_000_000),
			Outflows: big.NewInt(2_000_000),
			NetFlow:  big.NewInt(8_000_000),
		},
	}

	e := NewEvaluator(reader, 10, zerolog.Nop(), nil)
	report, err := e.Evaluate(context.Background(), topology.Market{Label: "SOL/USD"}, chain.Address{}, big.NewInt(1))
	require.NoError(t, err)

	// actual 3 − (10 − 2) = −5 tokens below the counter-implied level.
	assert.Equal(t, int64(-5_000_000), report.VaultCheck.Discrepancy.Raw.Int64())
	assert.Equal(t, StatusAlert, report.VaultCheck.Status)
	assert.NotEmpty(t, report.VaultCheck.Message)
}

func TestEvaluatorOpenSetFailure(t *testing.T) {
	reader := &solvencyReader{idsErr: &chain.FatalError{Err: errors.New("retries exhausted")}}
	e := NewEvaluator(reader, 10, zerolog.Nop(), nil)

	_, err := e.Evaluate(context.Background(), topology.Market{Label: "BNB/USD"}, chain.Address{}, big.NewInt(1))
	assert.True(t, chain.IsFatal(err))
}
