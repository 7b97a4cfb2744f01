// Package audit orchestrates a full protocol audit run: topology discovery
// followed by per-market lifecycle, cascade, solvency, and funding analyses
// running in parallel against one pinned boundary block.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpAudit/internal/cascade"
	"PerpAudit/internal/chain"
	"PerpAudit/internal/event"
	"PerpAudit/internal/funding"
	"PerpAudit/internal/observability"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/reconcile"
	"PerpAudit/internal/report"
	"PerpAudit/internal/solvency"
	"PerpAudit/internal/topology"
)

// DefaultConcurrency bounds parallel market pipelines. The shared gateway
// rate limiter is the real throttle; this only caps in-flight state.
const DefaultConcurrency = 4

// Options parameterizes one audit run.
type Options struct {
	Registry   chain.Address
	Stablecoin chain.Address
	StartBlock uint64

	// BoundaryBlock pins every read to one block. Zero resolves to the
	// chain head at run start.
	BoundaryBlock uint64

	// SampleSize audits only the first N markets in deployment order.
	// Zero means all. MarketNumbers, when non-empty, overrides it.
	SampleSize    int
	MarketNumbers []int

	PageSize              int
	SampleCap             int
	TopK                  int
	ZombieToleranceBlocks uint64
	FundingParams         funding.Params
	StaleFactor           float64
	Concurrency           int

	// ReferencePrice is shared by the cascade and solvency analyses. Nil
	// falls back per market to the entry price of the latest opened
	// position, the best mark available without a price oracle.
	ReferencePrice *big.Int
}

// MarketOutcome is the per-market line in the run summary.
type MarketOutcome struct {
	Market             string `json:"market"`
	Status             string `json:"status"`
	FailReason         string `json:"fail_reason,omitempty"`
	LifecycleComplete  bool   `json:"lifecycle_complete"`
	ZombieCount        int    `json:"zombie_count"`
	GhostCount         int    `json:"ghost_count"`
	OrdersExecuted     int    `json:"orders_executed"`
	Solvent            bool   `json:"solvent"`
	VaultStatus        string `json:"vault_status,omitempty"`
	CriticalLevels     int    `json:"critical_levels"`
	FundingRateMatches bool   `json:"funding_rate_matches"`
	FundingStalled     bool   `json:"funding_stalled"`
	FundingViolations  int    `json:"funding_violations"`
}

// Summary aggregates the run for the summary document.
type Summary struct {
	MarketsDiscovered int             `json:"markets_discovered"`
	MarketsAudited    int             `json:"markets_audited"`
	MarketsFailed     int             `json:"markets_failed"`
	TopologyAnomalies int             `json:"topology_anomalies"`
	DurationSeconds   float64         `json:"duration_seconds"`
	Outcomes          []MarketOutcome `json:"outcomes"`
}

// Runner drives one audit run end to end.
type Runner struct {
	gw      chain.Gateway
	emitter report.Emitter
	store   *report.Store
	opts    Options
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRunner wires a runner. store may be nil; anomaly rows are then only
// part of the topology document.
func NewRunner(gw chain.Gateway, emitter report.Emitter, store *report.Store, opts Options, log zerolog.Logger, metrics *observability.Metrics) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PageSize <= 0 {
		opts.PageSize = chain.DefaultPageSize
	}
	return &Runner{
		gw:      gw,
		emitter: emitter,
		store:   store,
		opts:    opts,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run executes the audit and returns the run summary. A market pipeline
// failing does not abort its siblings; only topology discovery failing, or
// run-level cancellation, ends the run early.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID := uuid.New()
	started := r.now()

	boundary := r.opts.BoundaryBlock
	if boundary == 0 {
		head, err := r.gw.LatestBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve boundary block: %w", err)
		}
		boundary = head
	}
	r.log.Info().
		Stringer("run_id", runID).
		Uint64("boundary", boundary).
		Msg("audit run starting")

	reader := protocol.NewReader(r.gw, boundary)
	norm := event.NewNormalizer(r.gw, r.opts.PageSize, r.log, r.metrics)
	resolver := topology.NewResolver(reader, norm, r.opts.Registry, r.opts.Stablecoin, r.opts.StartBlock, r.log, r.metrics)

	markets, anomalies, err := r.discover(ctx, runID, boundary, resolver)
	if err != nil {
		return nil, err
	}

	selected := r.selectMarkets(markets)

	outcomes := make([]MarketOutcome, len(selected))
	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup

	for i, m := range selected {
		wg.Add(1)
		go func(i int, m topology.Market) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcomes[i] = r.auditMarket(ctx, runID, boundary, reader, norm, m)
		}(i, m)
	}
	wg.Wait()

	summary := &Summary{
		MarketsDiscovered: len(markets),
		MarketsAudited:    len(selected),
		TopologyAnomalies: len(anomalies),
		DurationSeconds:   r.now().Sub(started).Seconds(),
		Outcomes:          outcomes,
	}
	for _, o := range outcomes {
		if o.Status == string(report.StatusFailed) {
			summary.MarketsFailed++
		}
	}

	r.emit(ctx, &report.Document{
		RunID:       runID,
		Kind:        report.KindSummary,
		Market:      "protocol",
		Boundary:    boundary,
		GeneratedAt: r.now().UTC(),
		Status:      report.StatusComplete,
		Payload:     summary,
	})

	r.log.Info().
		Stringer("run_id", runID).
		Int("audited", summary.MarketsAudited).
		Int("failed", summary.MarketsFailed).
		Float64("seconds", summary.DurationSeconds).
		Msg("audit run finished")

	return summary, nil
}

// topologyPayload is the payload of the run-level topology document.
type topologyPayload struct {
	Markets         []topology.Market         `json:"markets"`
	Anomalies       []topology.Anomaly        `json:"anomalies,omitempty"`
	LeverageChanges []topology.LeverageChange `json:"leverage_changes,omitempty"`
	RoleChanges     []topology.RoleChange     `json:"role_changes,omitempty"`
}

func (r *Runner) discover(ctx context.Context, runID uuid.UUID, boundary uint64, resolver *topology.Resolver) ([]topology.Market, []topology.Anomaly, error) {
	stageStart := r.now()
	markets, anomalies, err := resolver.Discover(ctx, boundary)
	r.observeStage("topology", stageStart)
	if err != nil {
		return nil, nil, fmt.Errorf("discover markets: %w", err)
	}

	// Governance history enriches the topology document; its absence is
	// tolerable.
	leverage, err := resolver.LeverageHistory(ctx, boundary)
	if err != nil {
		r.log.Warn().Err(err).Msg("leverage history unavailable")
	}
	roles, err := resolver.RoleHistory(ctx, boundary)
	if err != nil {
		r.log.Warn().Err(err).Msg("role history unavailable")
	}

	r.emit(ctx, &report.Document{
		RunID:       runID,
		Kind:        report.KindTopology,
		Market:      "protocol",
		Boundary:    boundary,
		GeneratedAt: r.now().UTC(),
		Status:      report.StatusComplete,
		Payload: topologyPayload{
			Markets:         markets,
			Anomalies:       anomalies,
			LeverageChanges: leverage,
			RoleChanges:     roles,
		},
	})

	if r.store != nil && len(anomalies) > 0 {
		rows := make([]report.AnomalyRow, len(anomalies))
		for i, a := range anomalies {
			rows[i] = report.AnomalyRow{
				RunID:        runID.String(),
				MarketNumber: a.MarketNumber,
				Kind:         a.Kind,
				Detail:       a.Detail,
			}
		}
		if err := r.store.WriteAnomalies(ctx, rows); err != nil {
			r.log.Warn().Err(err).Msg("anomaly persistence failed")
		}
	}

	return markets, anomalies, nil
}

func (r *Runner) selectMarkets(markets []topology.Market) []topology.Market {
	if len(r.opts.MarketNumbers) > 0 {
		wanted := make(map[int]bool, len(r.opts.MarketNumbers))
		for _, n := range r.opts.MarketNumbers {
			wanted[n] = true
		}
		var out []topology.Market
		for _, m := range markets {
			if wanted[m.Number] {
				out = append(out, m)
			}
		}
		return out
	}
	if r.opts.SampleSize > 0 && r.opts.SampleSize < len(markets) {
		return markets[:r.opts.SampleSize]
	}
	return markets
}

// auditMarket runs the four analyses for one market. Each analysis emits
// its own document; a failed analysis yields a failed document with the
// reason, never a silent omission.
func (r *Runner) auditMarket(ctx context.Context, runID uuid.UUID, boundary uint64, reader *protocol.Reader, norm *event.Normalizer, m topology.Market) MarketOutcome {
	outcome := MarketOutcome{Market: m.Label, Status: string(report.StatusComplete)}
	log := r.log.With().Str("market", m.Label).Logger()

	fail := func(kind report.Kind, err error) {
		status := report.StatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = report.StatusPartial
		}
		outcome.Status = string(status)
		outcome.FailReason = err.Error()
		if r.metrics != nil {
			r.metrics.PipelineFailures.WithLabelValues(string(kind)).Inc()
		}
		log.Error().Err(err).Str("analysis", string(kind)).Msg("market analysis failed")
		r.emit(ctx, &report.Document{
			RunID:        runID,
			Kind:         kind,
			Market:       m.Label,
			MarketNumber: m.Number,
			Boundary:     boundary,
			GeneratedAt:  r.now().UTC(),
			Status:       status,
			FailReason:   err.Error(),
		})
	}
	succeed := func(kind report.Kind, payload any) {
		r.emit(ctx, &report.Document{
			RunID:        runID,
			Kind:         kind,
			Market:       m.Label,
			MarketNumber: m.Number,
			Boundary:     boundary,
			GeneratedAt:  r.now().UTC(),
			Status:       report.StatusComplete,
			Payload:      payload,
		})
	}
	// A fatal gateway error ends this market's pipeline: retries are already
	// exhausted, so further stages would only issue doomed calls. The skipped
	// analyses still get explicit failed markers.
	abortOnFatal := func(err error, remaining ...report.Kind) bool {
		if !chain.IsFatal(err) {
			return false
		}
		for _, kind := range remaining {
			fail(kind, err)
		}
		return true
	}

	// Lifecycle reconciliation.
	stageStart := r.now()
	rec := reconcile.NewReconciler(norm, reader, m.DeployBlock, r.opts.ZombieToleranceBlocks, log)
	lifecycle, err := rec.Reconcile(ctx, m, boundary)
	r.observeStage("lifecycle", stageStart)
	if err != nil {
		fail(report.KindLifecycle, err)
		if abortOnFatal(err, report.KindCascade, report.KindSolvency, report.KindFunding) {
			return outcome
		}
	} else {
		outcome.LifecycleComplete = lifecycle.IsComplete
		outcome.ZombieCount = len(lifecycle.Zombie)
		outcome.GhostCount = len(lifecycle.Ghost)
		outcome.OrdersExecuted = lifecycle.Orders.Executed
		succeed(report.KindLifecycle, lifecycle)
	}
	if ctx.Err() != nil {
		return outcome
	}

	refPrice := r.opts.ReferencePrice
	havePrice := true
	if refPrice == nil {
		refPrice, err = r.derivedReferencePrice(ctx, norm, m, boundary)
		if err != nil {
			derr := fmt.Errorf("derive reference price: %w", err)
			fail(report.KindCascade, derr)
			fail(report.KindSolvency, derr)
			if abortOnFatal(err, report.KindFunding) {
				return outcome
			}
			// Funding needs no price; only the price-relative analyses stop.
			havePrice = false
		}
	}

	if havePrice {
		// Cascade risk.
		stageStart = r.now()
		casc, err := cascade.NewAnalyzer(reader, r.opts.TopK, log).Analyze(ctx, m, refPrice)
		r.observeStage("cascade", stageStart)
		if err != nil {
			fail(report.KindCascade, err)
			if abortOnFatal(err, report.KindSolvency, report.KindFunding) {
				return outcome
			}
		} else {
			for _, lvl := range casc.Levels {
				if lvl.Critical {
					outcome.CriticalLevels++
				}
			}
			succeed(report.KindCascade, casc)
		}
		if ctx.Err() != nil {
			return outcome
		}

		// Solvency.
		stageStart = r.now()
		solv, err := solvency.NewEvaluator(reader, r.opts.SampleCap, log, r.metrics).Evaluate(ctx, m, r.opts.Stablecoin, refPrice)
		r.observeStage("solvency", stageStart)
		if err != nil {
			fail(report.KindSolvency, err)
			if abortOnFatal(err, report.KindFunding) {
				return outcome
			}
		} else {
			outcome.Solvent = solv.Verdict.IsSolvent
			outcome.VaultStatus = solv.VaultCheck.Status
			succeed(report.KindSolvency, solv)
		}
		if ctx.Err() != nil {
			return outcome
		}
	}

	// Funding.
	stageStart = r.now()
	fund, err := funding.NewValidator(reader, r.opts.FundingParams, r.opts.StaleFactor, r.now, log).Validate(ctx, m)
	r.observeStage("funding", stageStart)
	if err != nil {
		fail(report.KindFunding, err)
	} else {
		outcome.FundingRateMatches = fund.RateMatches
		outcome.FundingStalled = fund.Stalled
		outcome.FundingViolations = len(fund.Violations)
		succeed(report.KindFunding, fund)
	}

	return outcome
}

// derivedReferencePrice falls back to the entry price of the market's most
// recently opened position.
func (r *Runner) derivedReferencePrice(ctx context.Context, norm *event.Normalizer, m topology.Market, boundary uint64) (*big.Int, error) {
	events, _, err := norm.FetchAll(ctx, m.PositionManager, event.KindPositionCreated, m.DeployBlock, boundary)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if created, ok := events[i].(event.PositionCreated); ok {
			return created.EntryPrice, nil
		}
	}
	return nil, fmt.Errorf("no opened positions to derive a price from")
}

func (r *Runner) emit(ctx context.Context, doc *report.Document) {
	err := r.emitter.Emit(ctx, doc)
	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.ReportsEmitted.WithLabelValues(string(doc.Kind), status).Inc()
	}
	if err != nil {
		r.log.Error().Err(err).Str("kind", string(doc.Kind)).Str("market", doc.Market).Msg("report emit failed")
	}
}

func (r *Runner) observeStage(stage string, started time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.PipelineDuration.WithLabelValues(stage).Observe(r.now().Sub(started).Seconds())
}
