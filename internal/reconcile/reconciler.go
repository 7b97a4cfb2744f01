package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/event"
	"PerpAudit/internal/topology"
)

// StateReader is the slice of contract state the reconciler needs.
type StateReader interface {
	ActivePositionIDs(ctx context.Context, pm chain.Address) ([]chain.Hash, error)
}

// Counts summarizes the gathered sets for the report.
type Counts struct {
	Created           int `json:"created"`
	Closed            int `json:"closed"`
	PriceLiquidated   int `json:"price_liquidated"`
	FundingLiquidated int `json:"funding_liquidated"`
	LiveOpen          int `json:"live_open"`
}

// OrderActivity counts the order manager's limit-order events. Executed
// orders open positions through the same PositionCreated path the lifecycle
// sets already cover, so these are reported as activity, not reconciled
// against an open set of their own.
type OrderActivity struct {
	Created   int `json:"created"`
	Executed  int `json:"executed"`
	Cancelled int `json:"cancelled"`
}

// Report is the lifecycle reconciliation output for one market.
type Report struct {
	Market              string                `json:"market"`
	Boundary            uint64                `json:"boundary_block"`
	Counts              Counts                `json:"counts"`
	Orders              OrderActivity         `json:"order_activity"`
	IsComplete          bool                  `json:"is_complete"`
	Zombie              []string              `json:"zombie,omitempty"`
	Ghost               []string              `json:"ghost,omitempty"`
	DuplicateSettlement []string              `json:"duplicate_settlement,omitempty"`
	EscalatedZombies    []string              `json:"escalated_zombies,omitempty"`
	DecodeFailures      []event.DecodeFailure `json:"decode_failures,omitempty"`

	// Result carries the raw sets for downstream aggregation.
	Result Result `json:"-"`
}

// Reconciler cross-verifies a market's position lifecycle events against
// live contract state.
type Reconciler struct {
	norm      *event.Normalizer
	reader    StateReader
	fromBlock uint64

	// Zombies are tolerated as indexing lag until the boundary has moved
	// zombieTolerance blocks past the position's creation; older zombies
	// escalate to hard anomalies.
	zombieTolerance uint64

	log zerolog.Logger
}

// NewReconciler wires a reconciler. zombieTolerance zero disables
// escalation.
func NewReconciler(norm *event.Normalizer, reader StateReader, fromBlock, zombieTolerance uint64, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		norm:            norm,
		reader:          reader,
		fromBlock:       fromBlock,
		zombieTolerance: zombieTolerance,
		log:             log,
	}
}

// settlementKinds are the three mutually exclusive settlement event kinds.
var settlementKinds = []event.Kind{
	event.KindPositionClosed,
	event.KindPositionLiquidated,
	event.KindCollateralSeized,
}

// Reconcile drains all lifecycle events for the market up to the boundary
// block, snapshots the live open set at that same boundary, and computes
// the accounting identity. Anomalies land in the report; only gateway
// failures return an error.
func (r *Reconciler) Reconcile(ctx context.Context, m topology.Market, boundary uint64) (*Report, error) {
	var failures []event.DecodeFailure

	created := make(IDSet)
	createdBlock := make(map[chain.Hash]uint64)

	events, fails, err := r.norm.FetchAll(ctx, m.PositionManager, event.KindPositionCreated, r.fromBlock, boundary)
	if err != nil {
		return nil, fmt.Errorf("fetch creations: %w", err)
	}
	failures = append(failures, fails...)
	for _, evt := range events {
		if pc, ok := evt.(event.PositionCreated); ok {
			created.Add(pc.PositionID)
			createdBlock[pc.PositionID] = pc.BlockNumber
		}
	}

	settled := make(map[event.Kind]IDSet, len(settlementKinds))
	for _, kind := range settlementKinds {
		ids := make(IDSet)
		events, fails, err := r.norm.FetchAll(ctx, m.PositionManager, kind, r.fromBlock, boundary)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", kind, err)
		}
		failures = append(failures, fails...)
		for _, evt := range events {
			switch e := evt.(type) {
			case event.PositionClosed:
				ids.Add(e.PositionID)
			case event.PositionLiquidated:
				ids.Add(e.PositionID)
			case event.CollateralSeized:
				ids.Add(e.PositionID)
			}
		}
		settled[kind] = ids
	}

	orders, fails, err := r.orderActivity(ctx, m, boundary)
	if err != nil {
		return nil, err
	}
	failures = append(failures, fails...)

	liveIDs, err := r.reader.ActivePositionIDs(ctx, m.PositionManager)
	if err != nil {
		return nil, fmt.Errorf("fetch live open set: %w", err)
	}

	sets := Sets{
		Created:    created,
		Closed:     settled[event.KindPositionClosed],
		PriceLiq:   settled[event.KindPositionLiquidated],
		FundingLiq: settled[event.KindCollateralSeized],
		LiveOpen:   NewIDSet(liveIDs...),
	}
	result := Account(sets)

	escalated := make(IDSet)
	if r.zombieTolerance > 0 {
		for id := range result.Zombie {
			if blk, ok := createdBlock[id]; ok && boundary > blk && boundary-blk > r.zombieTolerance {
				escalated.Add(id)
			}
		}
	}

	r.log.Info().
		Str("market", m.Label).
		Int("created", sets.Created.Len()).
		Int("zombie", result.Zombie.Len()).
		Int("ghost", result.Ghost.Len()).
		Bool("complete", result.IsComplete).
		Msg("lifecycle reconciled")

	return &Report{
		Market:   m.Label,
		Boundary: boundary,
		Counts: Counts{
			Created:           sets.Created.Len(),
			Closed:            sets.Closed.Len(),
			PriceLiquidated:   sets.PriceLiq.Len(),
			FundingLiquidated: sets.FundingLiq.Len(),
			LiveOpen:          sets.LiveOpen.Len(),
		},
		Orders:              orders,
		IsComplete:          result.IsComplete,
		Zombie:              result.Zombie.Hex(),
		Ghost:               result.Ghost.Hex(),
		DuplicateSettlement: result.DuplicateSettlement.Hex(),
		EscalatedZombies:    escalated.Hex(),
		DecodeFailures:      failures,
		Result:              result,
	}, nil
}

// orderKinds are the order manager's limit-order event kinds.
var orderKinds = []event.Kind{
	event.KindLimitOrderCreated,
	event.KindLimitOrderExecuted,
	event.KindLimitOrderCancelled,
}

// orderActivity drains the order manager's event log up to the boundary.
// Markets resolved without an order manager report zero activity.
func (r *Reconciler) orderActivity(ctx context.Context, m topology.Market, boundary uint64) (OrderActivity, []event.DecodeFailure, error) {
	var activity OrderActivity
	if m.OrderManager.IsZero() {
		return activity, nil, nil
	}

	var failures []event.DecodeFailure
	for _, kind := range orderKinds {
		events, fails, err := r.norm.FetchAll(ctx, m.OrderManager, kind, r.fromBlock, boundary)
		if err != nil {
			return activity, failures, fmt.Errorf("fetch %s: %w", kind, err)
		}
		failures = append(failures, fails...)
		switch kind {
		case event.KindLimitOrderCreated:
			activity.Created = len(events)
		case event.KindLimitOrderExecuted:
			activity.Executed = len(events)
		case event.KindLimitOrderCancelled:
			activity.Cancelled = len(events)
		}
	}
	return activity, failures, nil
}
