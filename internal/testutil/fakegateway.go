package testutil

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"PerpAudit/internal/chain"
)

// FakeGateway is a scripted chain.Gateway for tests. Logs are keyed by
// (address, topic0), call results by (to, calldata); pagination slices the
// scripted logs the way the real client pages its responses.
type FakeGateway struct {
	mu sync.Mutex

	logs    map[string][]chain.Log
	calls   map[string][]byte
	callErr map[string]error
	logErr  map[string]error

	Head uint64

	// FetchCalls counts FetchLogs invocations, for pagination assertions.
	FetchCalls int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		logs:    make(map[string][]chain.Log),
		calls:   make(map[string][]byte),
		callErr: make(map[string]error),
		logErr:  make(map[string]error),
		Head:    100_000_000,
	}
}

func logKey(addr chain.Address, topic0 chain.Hash) string {
	return addr.Hex() + "|" + topic0.Hex()
}

func callKey(to chain.Address, data []byte) string {
	return to.Hex() + "|" + hex.EncodeToString(data)
}

// AddLogs scripts logs for an (address, topic0) filter. Logs are served in
// the order given; callers wanting canonical order must script it.
func (f *FakeGateway) AddLogs(addr chain.Address, topic0 chain.Hash, logs ...chain.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := logKey(addr, topic0)
	f.logs[key] = append(f.logs[key], logs...)
}

// FailLogs makes every fetch for the filter return err.
func (f *FakeGateway) FailLogs(addr chain.Address, topic0 chain.Hash, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logErr[logKey(addr, topic0)] = err
}

// SetCall scripts the return data for an exact (to, calldata) pair.
func (f *FakeGateway) SetCall(to chain.Address, data []byte, result []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[callKey(to, data)] = result
}

// FailCall makes an exact (to, calldata) pair return err.
func (f *FakeGateway) FailCall(to chain.Address, data []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callErr[callKey(to, data)] = err
}

func (f *FakeGateway) FetchLogs(ctx context.Context, q chain.FilterQuery, page, pageSize int) ([]chain.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++

	key := logKey(q.Address, q.Topic0)
	if err := f.logErr[key]; err != nil {
		return nil, err
	}

	var matched []chain.Log
	for _, lg := range f.logs[key] {
		if lg.BlockNumber < q.FromBlock || (q.ToBlock != 0 && lg.BlockNumber > q.ToBlock) {
			continue
		}
		if q.Topic1 != nil && (len(lg.Topics) < 2 || lg.Topics[1] != *q.Topic1) {
			continue
		}
		matched = append(matched, lg)
	}

	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, chain.ErrNoRecords
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]chain.Log, end-start)
	copy(out, matched[start:end])
	return out, nil
}

func (f *FakeGateway) Call(ctx context.Context, to chain.Address, data []byte, atBlock uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := callKey(to, data)
	if err := f.callErr[key]; err != nil {
		return nil, err
	}
	result, ok := f.calls[key]
	if !ok {
		return nil, &chain.FatalError{Err: fmt.Errorf("unscripted call to %s with %x", to.Hex(), data)}
	}
	out := make([]byte, len(result))
	copy(out, result)
	return out, nil
}

func (f *FakeGateway) LatestBlock(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, nil
}
