package reconcile

import (
	"bytes"
	"sort"

	"PerpAudit/internal/chain"
)

// IDSet is an unordered set of 32-byte position identifiers. All operations
// are non-destructive; inputs are never mutated, so reconciliation is
// idempotent and order-independent by construction.
type IDSet map[chain.Hash]struct{}

// NewIDSet builds a set from identifiers.
func NewIDSet(ids ...chain.Hash) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id chain.Hash) { s[id] = struct{}{} }

func (s IDSet) Has(id chain.Hash) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Len() int { return len(s) }

// Union returns s ∪ o.
func (s IDSet) Union(o IDSet) IDSet {
	out := make(IDSet, len(s)+len(o))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// Diff returns s − o.
func (s IDSet) Diff(o IDSet) IDSet {
	out := make(IDSet)
	for id := range s {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersect returns s ∩ o.
func (s IDSet) Intersect(o IDSet) IDSet {
	a, b := s, o
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(IDSet)
	for id := range a {
		if b.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the identifiers in lexicographic byte order, giving
// deterministic report output for a fixed boundary block.
func (s IDSet) Sorted() []chain.Hash {
	ids := make([]chain.Hash, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// Hex renders the sorted identifiers for serialization.
func (s IDSet) Hex() []string {
	ids := s.Sorted()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	return out
}
