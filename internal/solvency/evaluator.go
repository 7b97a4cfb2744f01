// Package solvency compares each vault's custodial token balance against
// the liability implied by its open positions.
package solvency

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/fixed"
	"PerpAudit/internal/observability"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/report"
	"PerpAudit/internal/topology"
)

// DefaultSampleCap bounds per-run position detail fetches for cost control.
// The cap is explicit, configurable, and reported whenever it truncates.
const DefaultSampleCap = 100

// StateReader is the slice of contract state the evaluator needs.
type StateReader interface {
	ActivePositionIDs(ctx context.Context, pm chain.Address) ([]chain.Hash, error)
	PositionByID(ctx context.Context, pm chain.Address, id chain.Hash) (protocol.Position, error)
	UnrealizedPnL(ctx context.Context, pm chain.Address, id chain.Hash, price *big.Int) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder chain.Address) (*big.Int, error)
	VaultFlows(ctx context.Context, vault chain.Address) (protocol.VaultFlows, error)
}

// Verdict is the pure solvency comparison.
//
//	required = locked_collateral + max(0, Σ pnl)
//
// Losses never reduce the liability; an exactly equal balance passes. The
// monetary fields carry the collateral token's decimals so they render as
// human decimals in JSON.
type Verdict struct {
	LockedCollateral report.Money `json:"locked_collateral"`
	UnrealizedProfit report.Money `json:"unrealized_profit"`
	RequiredBalance  report.Money `json:"required_balance"`
	ActualBalance    report.Money `json:"actual_balance"`
	IsSolvent        bool         `json:"is_solvent"`
}

// money tags a raw integer amount with the collateral token's scale.
func money(raw *big.Int) report.Money {
	return report.Money{Raw: raw, Decimals: protocol.StablecoinDecimals}
}

// Evaluate computes the verdict from accumulated integers.
func Evaluate(actualBalance, lockedCollateral, pnlSum *big.Int) Verdict {
	profit := new(big.Int)
	if pnlSum.Sign() > 0 {
		profit.Set(pnlSum)
	}
	required := new(big.Int).Add(lockedCollateral, profit)

	return Verdict{
		LockedCollateral: money(new(big.Int).Set(lockedCollateral)),
		UnrealizedProfit: money(profit),
		RequiredBalance:  money(required),
		ActualBalance:    money(new(big.Int).Set(actualBalance)),
		IsSolvent:        actualBalance.Cmp(required) >= 0,
	}
}

// Vault flow-counter statuses, ordered by severity.
const (
	StatusOK       = "OK"
	StatusInfo     = "INFO"
	StatusAlert    = "ALERT"
	StatusCritical = "CRITICAL"
)

// VaultCheck is the secondary signal from the vault's self-reported flow
// counters. Advisory only: a privileged withdrawal can bypass the counters,
// which is exactly what a negative discrepancy detects.
type VaultCheck struct {
	Inflows             report.Money  `json:"inflows"`
	Outflows            report.Money  `json:"outflows"`
	NetFlow             report.Money  `json:"net_flow"`
	IsUnderFunded       bool          `json:"is_under_funded"`
	WithdrawableAddress chain.Address `json:"-"`
	Discrepancy         report.Money  `json:"discrepancy"` // actual − (inflows − outflows)
	Status              string        `json:"status"`
	Message             string        `json:"message,omitempty"`
}

// ClassifyDiscrepancy grades the counter discrepancy. unit is one whole
// token (10^decimals): differences inside one token are rounding noise.
func ClassifyDiscrepancy(discrepancy *big.Int, isUnderFunded bool, unit *big.Int) (string, string) {
	negUnit := new(big.Int).Neg(unit)

	switch {
	case isUnderFunded:
		return StatusCritical, "vault reports itself under-funded"
	case discrepancy.Cmp(negUnit) < 0:
		return StatusAlert, "untracked withdrawal: balance below counter-implied level"
	case discrepancy.Cmp(unit) > 0:
		return StatusInfo, "vault holds a surplus over counter-implied level"
	default:
		return StatusOK, ""
	}
}

// Report is the solvency output for one market.
type Report struct {
	Market           string     `json:"market"`
	Verdict          Verdict    `json:"verdict"`
	OpenPositions    int        `json:"open_positions"`
	SampledPositions int        `json:"sampled_positions"`
	SampleCap        int        `json:"sample_cap"`
	Truncated        bool       `json:"truncated"`
	VaultCheck       VaultCheck `json:"vault_check"`
}

// Evaluator accumulates position liabilities against vault balances.
type Evaluator struct {
	reader    StateReader
	sampleCap int
	log       zerolog.Logger
	metrics   *observability.Metrics
}

// NewEvaluator wires an evaluator. sampleCap <= 0 uses the default.
func NewEvaluator(reader StateReader, sampleCap int, log zerolog.Logger, metrics *observability.Metrics) *Evaluator {
	if sampleCap <= 0 {
		sampleCap = DefaultSampleCap
	}
	return &Evaluator{reader: reader, sampleCap: sampleCap, log: log, metrics: metrics}
}

// Evaluate samples the market's open positions, asks the contract's own PnL
// formula for each, and compares the implied liability against the token
// balance of the vault. Cancellation is checked before each per-position
// fetch; stablecoin names the collateral token to read balances from.
func (e *Evaluator) Evaluate(ctx context.Context, m topology.Market, stablecoin chain.Address, referencePrice *big.Int) (*Report, error) {
	ids, err := e.reader.ActivePositionIDs(ctx, m.PositionManager)
	if err != nil {
		return nil, fmt.Errorf("fetch open set: %w", err)
	}

	open := len(ids)
	truncated := open > e.sampleCap
	if truncated {
		ids = ids[:e.sampleCap]
		if e.metrics != nil {
			e.metrics.SampleTruncated.Inc()
		}
		e.log.Warn().
			Str("market", m.Label).
			Int("open", open).
			Int("cap", e.sampleCap).
			Msg("open-position sample truncated by cap")
	}

	locked := new(big.Int)
	pnlSum := new(big.Int)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pos, err := e.reader.PositionByID(ctx, m.PositionManager, id)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", id.Hex(), err)
		}
		locked.Add(locked, pos.Collateral)

		pnl, err := e.reader.UnrealizedPnL(ctx, m.PositionManager, id, referencePrice)
		if err != nil {
			return nil, fmt.Errorf("pnl %s: %w", id.Hex(), err)
		}
		pnlSum.Add(pnlSum, pnl)
	}

	actual, err := e.reader.TokenBalance(ctx, stablecoin, m.Vault)
	if err != nil {
		return nil, fmt.Errorf("vault balance: %w", err)
	}

	verdict := Evaluate(actual, locked, pnlSum)

	flows, err := e.reader.VaultFlows(ctx, m.Vault)
	if err != nil {
		return nil, fmt.Errorf("vault flows: %w", err)
	}

	expected := new(big.Int).Sub(flows.Inflows, flows.Outflows)
	discrepancy := new(big.Int).Sub(actual, expected)
	unit := fixed.Unit(protocol.StablecoinDecimals)
	status, message := ClassifyDiscrepancy(discrepancy, flows.IsUnderFunded, unit)

	if e.metrics != nil && !verdict.IsSolvent {
		e.metrics.Anomalies.WithLabelValues("insolvency").Inc()
	}
	e.log.Info().
		Str("market", m.Label).
		Bool("solvent", verdict.IsSolvent).
		Str("vault_status", status).
		Int("sampled", len(ids)).
		Msg("solvency evaluated")

	return &Report{
		Market:           m.Label,
		Verdict:          verdict,
		OpenPositions:    open,
		SampledPositions: len(ids),
		SampleCap:        e.sampleCap,
		Truncated:        truncated,
		VaultCheck: VaultCheck{
			Inflows:             money(flows.Inflows),
			Outflows:            money(flows.Outflows),
			NetFlow:             money(flows.NetFlow),
			IsUnderFunded:       flows.IsUnderFunded,
			WithdrawableAddress: flows.WithdrawableAddress,
			Discrepancy:         money(discrepancy),
			Status:              status,
			Message:             message,
		},
	}, nil
}
