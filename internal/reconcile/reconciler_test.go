package reconcile_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/event"
	"PerpAudit/internal/reconcile"
	"PerpAudit/internal/testutil"
	"PerpAudit/internal/topology"
)

var (
	pmAddr = chain.MustAddress("0x4444444444444444444444444444444444444444")
	omAddr = chain.MustAddress("0x5555555555555555555555555555555555555555")
	owner  = chain.MustAddress("0x1111111111111111111111111111111111111111")
)

func posID(n byte) chain.Hash {
	var h chain.Hash
	h[31] = n
	return h
}

func words(vals ...uint64) []byte {
	var out []byte
	for _, v := range vals {
		w := chain.UintWord(v)
		out = append(out, w[:]...)
	}
	return out
}

func createdLog(n byte, block uint64) chain.Log {
	return chain.Log{
		Address:     pmAddr,
		Topics:      []chain.Hash{event.TopicPositionCreated, posID(n), owner.Word()},
		Data:        words(1_000_000, 5_000_000, 5, 42_000, 40_000, 1),
		BlockNumber: block,
		LogIndex:    uint32(n),
	}
}

func closedLog(n byte, block uint64) chain.Log {
	return chain.Log{
		Address:     pmAddr,
		Topics:      []chain.Hash{event.TopicPositionClosed, posID(n), owner.Word()},
		Data:        words(41_500, 100),
		BlockNumber: block,
	}
}

func liquidatedLog(n byte, block uint64) chain.Log {
	return chain.Log{
		Address:     pmAddr,
		Topics:      []chain.Hash{event.TopicPositionLiquidated, posID(n), owner.Word()},
		Data:        words(40_000, 0),
		BlockNumber: block,
	}
}

type liveSetReader struct {
	ids []chain.Hash
	err error
}

func (r *liveSetReader) ActivePositionIDs(context.Context, chain.Address) ([]chain.Hash, error) {
	return r.ids, r.err
}

func market() topology.Market {
	return topology.Market{Number: 1, Label: "AVAX/USD", PositionManager: pmAddr, DeployBlock: 63_000_000}
}

// Ten positions: six closed, one price-liquidated, two live. Position 7 is
// unaccounted for on both sides: a zombie.
func scriptLifecycle(gw *testutil.FakeGateway) {
	for n := byte(1); n <= 10; n++ {
		gw.AddLogs(pmAddr, event.TopicPositionCreated, createdLog(n, 63_000_100+uint64(n)))
	}
	for n := byte(1); n <= 6; n++ {
		gw.AddLogs(pmAddr, event.TopicPositionClosed, closedLog(n, 63_100_000+uint64(n)))
	}
	gw.AddLogs(pmAddr, event.TopicPositionLiquidated, liquidatedLog(8, 63_100_020))
}

func TestReconcileFindsZombie(t *testing.T) {
	gw := testutil.NewFakeGateway()
	scriptLifecycle(gw)

	norm := event.NewNormalizer(gw, 100, zerolog.Nop(), nil)
	reader := &liveSetReader{ids: []chain.Hash{posID(9), posID(10)}}

	rec := reconcile.NewReconciler(norm, reader, 63_000_000, 0, zerolog.Nop())
	report, err := rec.Reconcile(context.Background(), market(), 63_500_000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if report.IsComplete {
		t.Error("market with a zombie reported complete")
	}
	if got := report.Counts; got.Created != 10 || got.Closed != 6 || got.PriceLiquidated != 1 || got.LiveOpen != 2 {
		t.Errorf("counts = %+v", got)
	}
	if len(report.Zombie) != 1 || report.Zombie[0] != posID(7).Hex() {
		t.Errorf("zombie = %v, want exactly position 7", report.Zombie)
	}
	if len(report.Ghost) != 0 {
		t.Errorf("ghost = %v, want empty", report.Ghost)
	}
	if len(report.EscalatedZombies) != 0 {
		t.Error("escalation disabled, yet zombies escalated")
	}
}

func TestReconcileEscalatesStaleZombies(t *testing.T) {
	gw := testutil.NewFakeGateway()
	scriptLifecycle(gw)

	norm := event.NewNormalizer(gw, 100, zerolog.Nop(), nil)
	reader := &liveSetReader{ids: []chain.Hash{posID(9), posID(10)}}

	// Position 7 was created at 63_000_107; a 1000-block tolerance is long
	// past at boundary 63_500_000.
	rec := reconcile.NewReconciler(norm, reader, 63_000_000, 1000, zerolog.Nop())
	report, err := rec.Reconcile(context.Background(), market(), 63_500_000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.EscalatedZombies) != 1 || report.EscalatedZombies[0] != posID(7).Hex() {
		t.Errorf("escalated = %v, want position 7", report.EscalatedZombies)
	}

	// A tolerance wider than the whole scan window keeps it provisional.
	rec = reconcile.NewReconciler(norm, reader, 63_000_000, 10_000_000, zerolog.Nop())
	report, err = rec.Reconcile(context.Background(), market(), 63_500_000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.EscalatedZombies) != 0 {
		t.Errorf("escalated = %v, want none inside tolerance", report.EscalatedZombies)
	}
}

func TestReconcileCompleteMarket(t *testing.T) {
	gw := testutil.NewFakeGateway()
	scriptLifecycle(gw)

	norm := event.NewNormalizer(gw, 100, zerolog.Nop(), nil)
	reader := &liveSetReader{ids: []chain.Hash{posID(7), posID(9), posID(10)}}

	rec := reconcile.NewReconciler(norm, reader, 63_000_000, 0, zerolog.Nop())
	report, err := rec.Reconcile(context.Background(), market(), 63_500_000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.IsComplete {
		t.Errorf("fully accounted market incomplete: zombie=%v ghost=%v", report.Zombie, report.Ghost)
	}
}

func orderLog(topic0 chain.Hash, n byte, second chain.Hash, data []byte, block uint64) chain.Log {
	return chain.Log{
		Address:     omAddr,
		Topics:      []chain.Hash{topic0, posID(n), second},
		Data:        data,
		BlockNumber: block,
		LogIndex:    uint32(n),
	}
}

func TestReconcileCountsOrderActivity(t *testing.T) {
	gw := testutil.NewFakeGateway()
	scriptLifecycle(gw)

	// Three limit orders: one executed into a position, one cancelled, one
	// still resting.
	for n := byte(1); n <= 3; n++ {
		gw.AddLogs(omAddr, event.TopicLimitOrderCreated,
			orderLog(event.TopicLimitOrderCreated, n, owner.Word(), words(42_000, 1_000_000, 5, 1), 63_000_200+uint64(n)))
	}
	gw.AddLogs(omAddr, event.TopicLimitOrderExecuted,
		orderLog(event.TopicLimitOrderExecuted, 1, posID(9), words(42_000), 63_000_300))
	gw.AddLogs(omAddr, event.TopicLimitOrderCancelled,
		orderLog(event.TopicLimitOrderCancelled, 2, owner.Word(), words(1_000_000), 63_000_310))

	norm := event.NewNormalizer(gw, 100, zerolog.Nop(), nil)
	reader := &liveSetReader{ids: []chain.Hash{posID(7), posID(9), posID(10)}}

	m := market()
	m.OrderManager = omAddr

	rec := reconcile.NewReconciler(norm, reader, 63_000_000, 0, zerolog.Nop())
	report, err := rec.Reconcile(context.Background(), m, 63_500_000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := report.Orders; got.Created != 3 || got.Executed != 1 || got.Cancelled != 1 {
		t.Errorf("orders = %+v, want 3 created / 1 executed / 1 cancelled", got)
	}
}

func TestReconcileWithoutOrderManager(t *testing.T) {
	gw := testutil.NewFakeGateway()
	scriptLifecycle(gw)

	norm := event.NewNormalizer(gw, 100, zerolog.Nop(), nil)
	reader := &liveSetReader{ids: []chain.Hash{posID(7), posID(9), posID(10)}}

	rec := reconcile.NewReconciler(norm, reader, 63_000_000, 0, zerolog.Nop())
	report, err := rec.Reconcile(context.Background(), market(), 63_500_000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := report.Orders; got != (reconcile.OrderActivity{}) {
		t.Errorf("orders = %+v, want zero activity for a market with no order manager", got)
	}
}

func TestReconcileLiveSetFailure(t *testing.T) {
	gw := testutil.NewFakeGateway()
	scriptLifecycle(gw)

	norm := event.NewNormalizer(gw, 100, zerolog.Nop(), nil)
	reader := &liveSetReader{err: &chain.FatalError{Err: errors.New("retries exhausted")}}

	rec := reconcile.NewReconciler(norm, reader, 63_000_000, 0, zerolog.Nop())
	if _, err := rec.Reconcile(context.Background(), market(), 63_500_000); !chain.IsFatal(err) {
		t.Errorf("err = %v, want fatal gateway error", err)
	}
}

func TestReconcileReportsDecodeFailures(t *testing.T) {
	gw := testutil.NewFakeGateway()
	scriptLifecycle(gw)

	bad := createdLog(11, 63_000_150)
	bad.Data = bad.Data[:8]
	gw.AddLogs(pmAddr, event.TopicPositionCreated, bad)

	norm := event.NewNormalizer(gw, 100, zerolog.Nop(), nil)
	reader := &liveSetReader{ids: []chain.Hash{posID(7), posID(9), posID(10)}}

	rec := reconcile.NewReconciler(norm, reader, 63_000_000, 0, zerolog.Nop())
	report, err := rec.Reconcile(context.Background(), market(), 63_500_000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.DecodeFailures) != 1 {
		t.Fatalf("decode failures = %d, want 1", len(report.DecodeFailures))
	}
	// The undecodable creation is excluded from the sets, not guessed at.
	if report.Counts.Created != 10 {
		t.Errorf("created = %d, want 10", report.Counts.Created)
	}
}
