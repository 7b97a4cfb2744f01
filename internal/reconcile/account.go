package reconcile

// Sets are the per-market lifecycle identifier sets gathered from event
// history plus the live open-position set from contract state.
type Sets struct {
	Created    IDSet
	Closed     IDSet
	PriceLiq   IDSet
	FundingLiq IDSet
	LiveOpen   IDSet
}

// Result is the set-algebra outcome of one reconciliation.
//
//	settled       = closed ∪ price_liq ∪ funding_liq
//	expected_open = created − settled
//	zombie        = expected_open − live_open
//	ghost         = live_open − created
//
// Identifier sets, not counts, are compared: bare counts cannot distinguish
// one zombie plus one ghost from a consistent market.
type Result struct {
	Settled             IDSet
	ExpectedOpen        IDSet
	Zombie              IDSet
	Ghost               IDSet
	DuplicateSettlement IDSet
	IsComplete          bool
}

// Account computes the lifecycle accounting identity. Pure and idempotent:
// the same sets always yield the same result, and inputs are not mutated.
// An incomplete result is a finding, never an error — indexing lag produces
// transient zombies on a healthy protocol.
func Account(s Sets) Result {
	settled := s.Closed.Union(s.PriceLiq).Union(s.FundingLiq)
	expectedOpen := s.Created.Diff(settled)
	zombie := expectedOpen.Diff(s.LiveOpen)
	ghost := s.LiveOpen.Diff(s.Created)

	duplicate := s.Closed.Intersect(s.PriceLiq).
		Union(s.Closed.Intersect(s.FundingLiq)).
		Union(s.PriceLiq.Intersect(s.FundingLiq))

	return Result{
		Settled:             settled,
		ExpectedOpen:        expectedOpen,
		Zombie:              zombie,
		Ghost:               ghost,
		DuplicateSettlement: duplicate,
		IsComplete:          len(zombie) == 0 && len(ghost) == 0 && len(duplicate) == 0,
	}
}
