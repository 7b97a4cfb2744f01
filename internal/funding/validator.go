package funding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/fixed"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/topology"
)

// StateReader is the slice of contract state the validator needs.
type StateReader interface {
	FundingState(ctx context.Context, tracker chain.Address) (protocol.FundingState, error)
	FundingEpoch(ctx context.Context, tracker chain.Address, seq uint64) (protocol.Epoch, error)
}

// RateScale converts the tracker's fixed-point rate words to rate units.
const RateScale = 1e18

// DefaultRateTolerance absorbs integer rounding between the recomputed and
// the contract-reported rate.
const DefaultRateTolerance = 1e-6

// DefaultStaleFactor flags the mechanism as stalled once the last epoch is
// older than staleFactor × epochSize. Dormancy is an expected finding on
// this protocol, not an exceptional one.
const DefaultStaleFactor = 2.0

// Violation is one epoch-history inconsistency.
type Violation struct {
	Epoch  uint64 `json:"epoch"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

const (
	ViolationTimestampOrder = "timestamp_order"
	ViolationRateBounds     = "rate_bounds"
	ViolationCumulative     = "cumulative_index"
)

// Report is the funding validation output for one market.
type Report struct {
	Market        string      `json:"market"`
	LongNotional  float64     `json:"long_notional"`
	ShortNotional float64     `json:"short_notional"`
	Direction     int         `json:"direction"`
	ExpectedRate  float64     `json:"expected_rate"`
	ContractRate  float64     `json:"contract_rate"`
	RateMatches   bool        `json:"rate_matches"`
	EpochsWalked  uint64      `json:"epochs_walked"`
	Violations    []Violation `json:"violations,omitempty"`
	Stalled       bool        `json:"stalled"`
	LastEpochAt   time.Time   `json:"last_epoch_at,omitempty"`
	EpochSize     uint64      `json:"epoch_size_seconds"`
}

// Validator cross-checks the funding tracker against the recomputed curve.
type Validator struct {
	reader      StateReader
	params      Params
	tolerance   float64
	staleFactor float64
	now         func() time.Time
	log         zerolog.Logger
}

// NewValidator wires a validator. now is injectable for staleness tests.
func NewValidator(reader StateReader, params Params, staleFactor float64, now func() time.Time, log zerolog.Logger) *Validator {
	if staleFactor <= 0 {
		staleFactor = DefaultStaleFactor
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{
		reader:      reader,
		params:      params,
		tolerance:   DefaultRateTolerance,
		staleFactor: staleFactor,
		now:         now,
		log:         log,
	}
}

// Validate recomputes the expected rate from live book totals, compares it
// with the contract's reported rate, and walks the full stored epoch
// history (sequence 1..current). Cancellation is checked before each epoch
// read; violations are findings, not errors.
func (v *Validator) Validate(ctx context.Context, m topology.Market) (*Report, error) {
	state, err := v.reader.FundingState(ctx, m.FundingTracker)
	if err != nil {
		return nil, fmt.Errorf("funding state: %w", err)
	}

	long := fixed.Float(state.TotalLongs, protocol.StablecoinDecimals)
	short := fixed.Float(state.TotalShorts, protocol.StablecoinDecimals)

	expected := ExpectedRate(long, short, v.params)
	if state.Direction == 0 {
		expected = 0
	}
	contractRate := fixed.FloatScale(state.CurrentRate, RateScale)

	report := &Report{
		Market:        m.Label,
		LongNotional:  long,
		ShortNotional: short,
		Direction:     state.Direction,
		ExpectedRate:  expected,
		ContractRate:  contractRate,
		RateMatches:   math.Abs(expected-contractRate) <= v.tolerance,
		EpochSize:     state.EpochSize,
	}

	epochs := make([]protocol.Epoch, 0, state.CurrentEpoch)
	for seq := uint64(1); seq <= state.CurrentEpoch; seq++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ep, err := v.reader.FundingEpoch(ctx, m.FundingTracker, seq)
		if err != nil {
			return report, fmt.Errorf("epoch %d: %w", seq, err)
		}
		epochs = append(epochs, ep)
	}
	report.EpochsWalked = uint64(len(epochs))
	report.Violations = WalkEpochs(epochs, v.params, v.tolerance)

	if n := len(epochs); n > 0 {
		last := time.Unix(int64(epochs[n-1].StartTimestamp), 0).UTC()
		report.LastEpochAt = last
		if state.EpochSize > 0 {
			age := v.now().Sub(last)
			limit := time.Duration(float64(state.EpochSize)*v.staleFactor) * time.Second
			report.Stalled = age > limit
		}
	}

	v.log.Info().
		Str("market", m.Label).
		Bool("rate_matches", report.RateMatches).
		Uint64("epochs", report.EpochsWalked).
		Int("violations", len(report.Violations)).
		Bool("stalled", report.Stalled).
		Msg("funding validated")

	return report, nil
}

// WalkEpochs verifies the stored history: timestamps strictly increasing,
// rates inside [K_MIN, K_MAX], and each cumulative index equal to the prior
// index advanced by direction × rate.
func WalkEpochs(epochs []protocol.Epoch, p Params, tolerance float64) []Violation {
	var violations []Violation

	for i, ep := range epochs {
		rate := fixed.FloatScale(ep.Rate, RateScale)

		if rate < p.KMin-tolerance || rate > p.KMax+tolerance {
			violations = append(violations, Violation{
				Epoch:  ep.Sequence,
				Kind:   ViolationRateBounds,
				Detail: fmt.Sprintf("rate %g outside [%g, %g]", rate, p.KMin, p.KMax),
			})
		}

		if i == 0 {
			continue
		}
		prev := epochs[i-1]

		if ep.StartTimestamp <= prev.StartTimestamp {
			violations = append(violations, Violation{
				Epoch:  ep.Sequence,
				Kind:   ViolationTimestampOrder,
				Detail: fmt.Sprintf("start %d not after prior %d", ep.StartTimestamp, prev.StartTimestamp),
			})
		}

		prevIndex := fixed.FloatScale(prev.CumulativeIndex, RateScale)
		gotIndex := fixed.FloatScale(ep.CumulativeIndex, RateScale)
		wantIndex := prevIndex + float64(ep.Direction)*math.Abs(rate)
		if math.Abs(gotIndex-wantIndex) > tolerance {
			violations = append(violations, Violation{
				Epoch:  ep.Sequence,
				Kind:   ViolationCumulative,
				Detail: fmt.Sprintf("cumulative index %g, want %g", gotIndex, wantIndex),
			})
		}
	}

	return violations
}
