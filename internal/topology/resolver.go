// Package topology discovers the set of markets and their four associated
// contracts from registry events plus getter calls. It never inspects
// transaction traces: getters keyed by price-feed id are the only source of
// contract addresses.
package topology

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/event"
	"PerpAudit/internal/observability"
	"PerpAudit/internal/protocol"
)

// Market is one trading venue and its resolved contract quartet.
type Market struct {
	Number          int           `json:"number"`
	Label           string        `json:"label"`
	PricefeedID     chain.Hash    `json:"-"`
	PositionManager chain.Address `json:"-"`
	OrderManager    chain.Address `json:"-"`
	Vault           chain.Address `json:"-"`
	FundingTracker  chain.Address `json:"-"`
	CollateralToken chain.Address `json:"-"`
	DeployBlock     uint64        `json:"deploy_block"`
}

// Anomaly is a security-relevant topology finding. Findings never fail the
// run; downstream analyses proceed best-effort on whatever resolved.
type Anomaly struct {
	MarketNumber int    `json:"market_number"`
	Kind         string `json:"kind"`
	Detail       string `json:"detail"`
}

const (
	AnomalyZeroAddress        = "zero_address"
	AnomalyCollateralMismatch = "collateral_mismatch"
	AnomalyManagerMismatch    = "position_manager_mismatch"
)

// The first markets deployed, in creation order. Later markets fall back to
// a numbered placeholder until their symbol is resolved elsewhere.
var knownSymbols = []string{"AVAX/USD", "BTC/USD", "ETH/USD", "SOL/USD", "BNB/USD"}

func labelFor(n int) string {
	if n >= 1 && n <= len(knownSymbols) {
		return knownSymbols[n-1]
	}
	return fmt.Sprintf("Market #%d", n)
}

// LeverageChange is one decoded governance leverage update.
type LeverageChange struct {
	Block       uint64     `json:"block"`
	PricefeedID chain.Hash `json:"-"`
	OldLeverage uint64     `json:"old_leverage"`
	NewLeverage uint64     `json:"new_leverage"`
}

// RoleChange is one decoded access-control grant or revocation on the
// registry.
type RoleChange struct {
	Block   uint64        `json:"block"`
	Granted bool          `json:"granted"`
	Role    chain.Hash    `json:"-"`
	Account chain.Address `json:"-"`
}

// Resolver discovers markets from the registry.
type Resolver struct {
	reader     *protocol.Reader
	norm       *event.Normalizer
	registry   chain.Address
	stablecoin chain.Address
	startBlock uint64
	log        zerolog.Logger
	metrics    *observability.Metrics
}

// NewResolver wires a resolver against one registry deployment.
func NewResolver(reader *protocol.Reader, norm *event.Normalizer, registry, stablecoin chain.Address, startBlock uint64, log zerolog.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		reader:     reader,
		norm:       norm,
		registry:   registry,
		stablecoin: stablecoin,
		startBlock: startBlock,
		log:        log,
		metrics:    metrics,
	}
}

// Discover returns every market created up to the boundary block, in event
// (deployment) order. That order is the stable iteration order for all
// downstream components. The result is deterministic for a fixed boundary.
func (r *Resolver) Discover(ctx context.Context, boundary uint64) ([]Market, []Anomaly, error) {
	events, failures, err := r.norm.FetchAll(ctx, r.registry, event.KindMarketCreated, r.startBlock, boundary)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch MarketCreated events: %w", err)
	}
	for _, f := range failures {
		r.log.Warn().Uint64("block", f.BlockNumber).Str("reason", f.Reason).Msg("undecodable MarketCreated log")
	}

	var (
		markets   []Market
		anomalies []Anomaly
	)

	for _, evt := range events {
		created, ok := evt.(event.MarketCreated)
		if !ok {
			continue
		}

		n := len(markets) + 1
		m, anoms, err := r.resolve(ctx, n, created)
		if err != nil {
			return markets, anomalies, fmt.Errorf("resolve market %d: %w", n, err)
		}
		markets = append(markets, m)
		anomalies = append(anomalies, anoms...)
	}

	if r.metrics != nil {
		r.metrics.MarketsDiscovered.Set(float64(len(markets)))
	}
	r.log.Info().Int("markets", len(markets)).Int("anomalies", len(anomalies)).Msg("topology resolved")

	return markets, anomalies, nil
}

// resolve fills in one market's contract quartet via registry getters and
// cross-checks the collateral token. A market with unresolved pieces is
// still included: downstream components skip what they cannot reach.
func (r *Resolver) resolve(ctx context.Context, n int, created event.MarketCreated) (Market, []Anomaly, error) {
	m := Market{
		Number:      n,
		Label:       labelFor(n),
		PricefeedID: created.PricefeedID,
		DeployBlock: created.BlockNumber,
	}

	var anomalies []Anomaly
	flag := func(kind, detail string) {
		anomalies = append(anomalies, Anomaly{MarketNumber: n, Kind: kind, Detail: detail})
		if r.metrics != nil {
			r.metrics.Anomalies.WithLabelValues(kind).Inc()
		}
	}

	pm, err := r.reader.PositionManagerAddress(ctx, r.registry, created.PricefeedID)
	if err != nil {
		return m, anomalies, fmt.Errorf("position manager: %w", err)
	}
	om, err := r.reader.OrderManagerAddress(ctx, r.registry, created.PricefeedID)
	if err != nil {
		return m, anomalies, fmt.Errorf("order manager: %w", err)
	}
	vault, err := r.reader.VaultAddress(ctx, r.registry, created.PricefeedID)
	if err != nil {
		return m, anomalies, fmt.Errorf("vault: %w", err)
	}
	ft, err := r.reader.FundingManagerAddress(ctx, r.registry, created.PricefeedID)
	if err != nil {
		return m, anomalies, fmt.Errorf("funding tracker: %w", err)
	}

	m.PositionManager = pm
	m.OrderManager = om
	m.Vault = vault
	m.FundingTracker = ft

	for name, addr := range map[string]chain.Address{
		"position_manager": pm,
		"order_manager":    om,
		"vault":            vault,
		"funding_tracker":  ft,
	} {
		if addr.IsZero() {
			flag(AnomalyZeroAddress, fmt.Sprintf("%s resolved to the zero address", name))
		}
	}

	// The creation event embeds the position manager; the getter is the
	// source of truth, a mismatch is governance-relevant.
	if !created.PositionManager.IsZero() && created.PositionManager != pm {
		flag(AnomalyManagerMismatch, fmt.Sprintf("event says %s, registry says %s",
			created.PositionManager.Hex(), pm.Hex()))
	}

	if !vault.IsZero() {
		token, err := r.reader.CollateralToken(ctx, vault)
		if err != nil {
			return m, anomalies, fmt.Errorf("collateral token: %w", err)
		}
		m.CollateralToken = token
		if token != r.stablecoin {
			flag(AnomalyCollateralMismatch, fmt.Sprintf("vault custodies %s, expected %s",
				token.Hex(), r.stablecoin.Hex()))
		}
	}

	return m, anomalies, nil
}

// LeverageHistory returns every governance leverage update up to the
// boundary, in chain order.
func (r *Resolver) LeverageHistory(ctx context.Context, boundary uint64) ([]LeverageChange, error) {
	events, _, err := r.norm.FetchAll(ctx, r.registry, event.KindMarketLeverageUpdated, r.startBlock, boundary)
	if err != nil {
		return nil, fmt.Errorf("fetch MarketLeverageUpdated events: %w", err)
	}

	changes := make([]LeverageChange, 0, len(events))
	for _, evt := range events {
		upd, ok := evt.(event.MarketLeverageUpdated)
		if !ok {
			continue
		}
		changes = append(changes, LeverageChange{
			Block:       upd.BlockNumber,
			PricefeedID: upd.PricefeedID,
			OldLeverage: upd.OldLeverage.Uint64(),
			NewLeverage: upd.NewLeverage.Uint64(),
		})
	}
	return changes, nil
}

// RoleHistory returns access-control changes on the registry up to the
// boundary: grants then revocations, each in chain order.
func (r *Resolver) RoleHistory(ctx context.Context, boundary uint64) ([]RoleChange, error) {
	var changes []RoleChange

	for _, kind := range []event.Kind{event.KindRoleGranted, event.KindRoleRevoked} {
		events, _, err := r.norm.FetchAll(ctx, r.registry, kind, r.startBlock, boundary)
		if err != nil {
			return nil, fmt.Errorf("fetch %s events: %w", kind, err)
		}
		for _, evt := range events {
			switch e := evt.(type) {
			case event.RoleGranted:
				changes = append(changes, RoleChange{Block: e.BlockNumber, Granted: true, Role: e.Role, Account: e.Account})
			case event.RoleRevoked:
				changes = append(changes, RoleChange{Block: e.BlockNumber, Granted: false, Role: e.Role, Account: e.Account})
			}
		}
	}
	return changes, nil
}
