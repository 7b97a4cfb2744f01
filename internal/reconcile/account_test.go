package reconcile

import (
	"fmt"
	"reflect"
	"testing"

	"PerpAudit/internal/chain"
)

func id(n byte) chain.Hash {
	var h chain.Hash
	h[31] = n
	return h
}

func ids(ns ...byte) IDSet {
	s := make(IDSet, len(ns))
	for _, n := range ns {
		s.Add(id(n))
	}
	return s
}

func TestAccountCompleteMarket(t *testing.T) {
	// Ten positions: six closed, three liquidated on price, one still open.
	result := Account(Sets{
		Created:    ids(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
		Closed:     ids(1, 2, 3, 4, 5, 6),
		PriceLiq:   ids(7, 8, 9),
		FundingLiq: ids(),
		LiveOpen:   ids(10),
	})

	if !result.IsComplete {
		t.Error("fully accounted market must be complete")
	}
	if result.Zombie.Len() != 0 || result.Ghost.Len() != 0 || result.DuplicateSettlement.Len() != 0 {
		t.Errorf("complete market produced findings: zombie=%v ghost=%v dup=%v",
			result.Zombie.Hex(), result.Ghost.Hex(), result.DuplicateSettlement.Hex())
	}
	if result.Settled.Len() != 9 {
		t.Errorf("settled = %d, want 9", result.Settled.Len())
	}
}

func TestAccountZombie(t *testing.T) {
	// Position 7 was created, never settled, yet is missing from the live
	// open set.
	result := Account(Sets{
		Created:    ids(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
		Closed:     ids(1, 2, 3, 4, 5, 6),
		PriceLiq:   ids(8),
		FundingLiq: ids(),
		LiveOpen:   ids(9, 10),
	})

	if result.IsComplete {
		t.Error("market with a zombie must not be complete")
	}
	want := []string{id(7).Hex()}
	if !reflect.DeepEqual(result.Zombie.Hex(), want) {
		t.Errorf("zombie = %v, want %v", result.Zombie.Hex(), want)
	}
	if result.Ghost.Len() != 0 {
		t.Errorf("ghost = %v, want empty", result.Ghost.Hex())
	}
}

func TestAccountGhost(t *testing.T) {
	// The contract reports an open position no creation event explains.
	result := Account(Sets{
		Created:  ids(1, 2),
		Closed:   ids(1),
		LiveOpen: ids(2, 3),
	})

	if result.IsComplete {
		t.Error("market with a ghost must not be complete")
	}
	if !result.Ghost.Has(id(3)) || result.Ghost.Len() != 1 {
		t.Errorf("ghost = %v, want exactly id 3", result.Ghost.Hex())
	}
}

func TestAccountDuplicateSettlement(t *testing.T) {
	// Position 2 appears both closed and price-liquidated; positions 3 and 4
	// overlap the other two pairs.
	result := Account(Sets{
		Created:    ids(1, 2, 3, 4),
		Closed:     ids(1, 2, 3),
		PriceLiq:   ids(2, 4),
		FundingLiq: ids(3, 4),
	})

	if result.IsComplete {
		t.Error("duplicate settlement must not be complete")
	}
	for _, n := range []byte{2, 3, 4} {
		if !result.DuplicateSettlement.Has(id(n)) {
			t.Errorf("duplicate set missing id %d", n)
		}
	}
	if result.DuplicateSettlement.Len() != 3 {
		t.Errorf("duplicate = %v, want exactly ids 2,3,4", result.DuplicateSettlement.Hex())
	}
}

// Counts alone cannot distinguish one zombie plus one ghost from a healthy
// market; the identifier comparison must.
func TestAccountZombiePlusGhostSameCounts(t *testing.T) {
	healthy := Account(Sets{
		Created:  ids(1, 2),
		LiveOpen: ids(1, 2),
	})
	broken := Account(Sets{
		Created:  ids(1, 2),
		LiveOpen: ids(1, 3),
	})

	if !healthy.IsComplete {
		t.Error("healthy market must be complete")
	}
	if broken.IsComplete {
		t.Error("swapped identifier must be caught despite equal counts")
	}
	if !broken.Zombie.Has(id(2)) || !broken.Ghost.Has(id(3)) {
		t.Errorf("zombie = %v, ghost = %v", broken.Zombie.Hex(), broken.Ghost.Hex())
	}
}

func TestAccountIdentity(t *testing.T) {
	// |created| = |closed| + |price_liq| + |funding_liq| + |live| + |zombie| − |ghost|
	// holds whenever settlements are disjoint.
	sets := Sets{
		Created:    ids(1, 2, 3, 4, 5, 6, 7),
		Closed:     ids(1, 2),
		PriceLiq:   ids(3),
		FundingLiq: ids(4),
		LiveOpen:   ids(5, 8),
	}
	result := Account(sets)

	lhs := sets.Created.Len()
	rhs := sets.Closed.Len() + sets.PriceLiq.Len() + sets.FundingLiq.Len() +
		sets.LiveOpen.Len() + result.Zombie.Len() - result.Ghost.Len()
	if lhs != rhs {
		t.Errorf("identity violated: %d != %d", lhs, rhs)
	}
}

func TestAccountIdempotent(t *testing.T) {
	sets := Sets{
		Created:    ids(1, 2, 3, 4, 5),
		Closed:     ids(1, 2),
		PriceLiq:   ids(2, 3),
		FundingLiq: ids(),
		LiveOpen:   ids(5, 9),
	}

	first := Account(sets)
	second := Account(sets)

	if !reflect.DeepEqual(first, second) {
		t.Error("Account must be deterministic for identical inputs")
	}
	// Inputs survive untouched.
	if sets.Created.Len() != 5 || sets.Closed.Len() != 2 {
		t.Error("Account must not mutate its inputs")
	}
}

func TestSortedIsDeterministic(t *testing.T) {
	s := ids(9, 1, 5, 3, 7)
	want := s.Sorted()
	for i := 0; i < 10; i++ {
		if !reflect.DeepEqual(s.Sorted(), want) {
			t.Fatal("Sorted order changed between calls")
		}
	}
	for i := 1; i < len(want); i++ {
		if fmt.Sprintf("%x", want[i-1]) >= fmt.Sprintf("%x", want[i]) {
			t.Errorf("order violated at %d", i)
		}
	}
}

func TestSetOperations(t *testing.T) {
	a := ids(1, 2, 3)
	b := ids(3, 4)

	if got := a.Union(b); got.Len() != 4 {
		t.Errorf("union = %v", got.Hex())
	}
	if got := a.Diff(b); got.Len() != 2 || got.Has(id(3)) {
		t.Errorf("diff = %v", got.Hex())
	}
	if got := a.Intersect(b); got.Len() != 1 || !got.Has(id(3)) {
		t.Errorf("intersect = %v", got.Hex())
	}
}
