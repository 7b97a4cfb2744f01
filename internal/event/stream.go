package event

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"PerpAudit/internal/chain"
	"PerpAudit/internal/observability"
)

// Normalizer produces ordered, typed event sequences for one contract and
// event kind. Sequences are restartable from any block, so incremental runs
// pass an advanced fromBlock.
type Normalizer struct {
	gw       chain.Gateway
	pageSize int
	log      zerolog.Logger
	metrics  *observability.Metrics
}

// NewNormalizer wraps a gateway. pageSize <= 0 uses the pager default.
func NewNormalizer(gw chain.Gateway, pageSize int, log zerolog.Logger, metrics *observability.Metrics) *Normalizer {
	return &Normalizer{
		gw:       gw,
		pageSize: pageSize,
		log:      log,
		metrics:  metrics,
	}
}

// DecodeFailure records a log entry that could not be decoded. The sequence
// continues past it; failures surface in the report's anomaly list.
type DecodeFailure struct {
	BlockNumber uint64     `json:"block_number"`
	LogIndex    uint32     `json:"log_index"`
	TxHash      chain.Hash `json:"-"`
	Reason      string     `json:"reason"`
}

// FetchAll drains every log matching (addr, kind) between fromBlock and
// toBlock and decodes it, ordered by (block number, log index) ascending.
// A filter matching nothing yields an empty slice. Cancellation is honoured
// between pages; an error returns the events decoded so far.
func (n *Normalizer) FetchAll(ctx context.Context, addr chain.Address, kind Kind, fromBlock, toBlock uint64) ([]Event, []DecodeFailure, error) {
	pager := chain.NewPager(n.gw, chain.FilterQuery{
		Address:   addr,
		Topic0:    TopicFor(kind),
		FromBlock: fromBlock,
		ToBlock:   toBlock,
	}, n.pageSize)

	logs, err := pager.Drain(ctx)
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})

	events := make([]Event, 0, len(logs))
	var failures []DecodeFailure

	for _, lg := range logs {
		evt, err := Decode(lg)
		if err != nil {
			n.log.Warn().
				Uint64("block", lg.BlockNumber).
				Uint32("log_index", lg.LogIndex).
				Err(err).
				Msg("skipping undecodable log")
			if n.metrics != nil {
				n.metrics.DecodeFailures.Inc()
			}
			failures = append(failures, DecodeFailure{
				BlockNumber: lg.BlockNumber,
				LogIndex:    lg.LogIndex,
				TxHash:      lg.TxHash,
				Reason:      err.Error(),
			})
			continue
		}
		if n.metrics != nil {
			n.metrics.LogsDecoded.WithLabelValues(kind.String()).Inc()
		}
		events = append(events, evt)
	}

	return events, failures, nil
}
