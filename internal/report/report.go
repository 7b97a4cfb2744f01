// Package report defines the structured output documents and the sinks
// that carry them. The analysis core only depends on the Emitter interface;
// JSON files, NATS, and Postgres are interchangeable behind it.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpAudit/internal/fixed"
)

// Kind keys a document by report family.
type Kind string

const (
	KindLifecycle Kind = "lifecycle"
	KindCascade   Kind = "cascade"
	KindSolvency  Kind = "solvency"
	KindFunding   Kind = "funding"
	KindTopology  Kind = "topology"
	KindSummary   Kind = "summary"
)

// Status marks whether a market's report is complete. Anomalies inside a
// complete report are findings; Partial and Failed mark runs cut short.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// Document is one report unit: per market, per kind. Run-level documents
// (topology, summary) use Market "protocol".
type Document struct {
	RunID        uuid.UUID `json:"run_id"`
	Kind         Kind      `json:"kind"`
	Market       string    `json:"market"`
	MarketNumber int       `json:"market_number,omitempty"`
	Boundary     uint64    `json:"boundary_block"`
	GeneratedAt  time.Time `json:"generated_at"`
	Status       Status    `json:"status"`
	FailReason   string    `json:"fail_reason,omitempty"`
	Payload      any       `json:"payload,omitempty"`
}

// Emitter accepts finished documents. Implementations must be safe for
// concurrent use: market pipelines emit in parallel.
type Emitter interface {
	Emit(ctx context.Context, doc *Document) error
}

// Multi fans a document out to several sinks. All sinks are attempted;
// their errors are joined.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, doc *Document) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Money renders a chain-scaled integer amount as a human decimal in JSON
// while keeping the raw integer available to code.
type Money struct {
	Raw      *big.Int
	Decimals int32
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(fixed.FromScaled(m.Raw, m.Decimals))
}

// slug normalizes a market label for subjects and filenames:
// "AVAX/USD" → "avax-usd".
func slug(label string) string {
	s := strings.ToLower(label)
	for _, r := range []string{"/", " ", "#"} {
		s = strings.ReplaceAll(s, r, "-")
	}
	return strings.Trim(s, "-")
}
