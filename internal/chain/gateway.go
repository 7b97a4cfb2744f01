package chain

import "context"

// FilterQuery selects event-log entries by contract address and topics over
// a block range.
type FilterQuery struct {
	Address   Address
	Topic0    Hash
	Topic1    *Hash
	FromBlock uint64
	ToBlock   uint64
}

// Gateway is the read-only chain access surface the auditor consumes:
// paginated event-log fetch plus direct state calls. Implementations retry
// transient failures internally; errors escaping a Gateway call are fatal
// for the calling market's pipeline.
type Gateway interface {
	// FetchLogs returns one page of matching logs, ordered as indexed.
	// Pages are 1-based. A page shorter than pageSize is the final page.
	// A filter matching nothing yields an empty slice, not an error.
	FetchLogs(ctx context.Context, q FilterQuery, page, pageSize int) ([]Log, error)

	// Call invokes a read-only contract function. atBlock pins the read to
	// a specific block for consistent snapshots; zero means latest.
	Call(ctx context.Context, to Address, data []byte, atBlock uint64) ([]byte, error)

	// LatestBlock returns the current chain head.
	LatestBlock(ctx context.Context) (uint64, error)
}
