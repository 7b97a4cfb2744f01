package chain

import (
	"context"
	"errors"
)

// Pager drains a log filter page by page. The sequence is finite and
// restartable: a page shorter than the requested size terminates it, and a
// new Pager with an advanced FromBlock resumes an earlier run.
type Pager struct {
	gw       Gateway
	query    FilterQuery
	pageSize int
	page     int
	done     bool
}

// DefaultPageSize matches the upstream provider's maximum log page.
const DefaultPageSize = 10000

// NewPager creates a pager over one filter. pageSize <= 0 uses the default.
func NewPager(gw Gateway, q FilterQuery, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{gw: gw, query: q, pageSize: pageSize}
}

// Next fetches the next page. After termination it returns (nil, nil).
// A failed fetch does not advance the page, so the caller may call Next
// again without skipping records.
func (p *Pager) Next(ctx context.Context) ([]Log, error) {
	if p.done {
		return nil, nil
	}

	logs, err := p.gw.FetchLogs(ctx, p.query, p.page+1, p.pageSize)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			p.done = true
			return nil, nil
		}
		return nil, err
	}
	p.page++

	if len(logs) < p.pageSize {
		p.done = true
	}
	return logs, nil
}

// Done reports whether the sequence has terminated.
func (p *Pager) Done() bool { return p.done }

// Drain collects every remaining page. Cancellation is checked between
// pages; logs fetched before cancellation are returned alongside the error.
func (p *Pager) Drain(ctx context.Context) ([]Log, error) {
	var all []Log
	for !p.done {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		logs, err := p.Next(ctx)
		if err != nil {
			return all, err
		}
		all = append(all, logs...)
	}
	return all, nil
}
