package poller

import (
	"context"
)

// IDPagerState is the cursor of the bounded entity-id enumeration machine:
// the next page is issued only when the previous page was full, and a short
// page terminates the run.
type IDPagerState struct {
	QueryCount int
	RowCount   int
	LatestID   string
}

// IDQuery is one enumeration page request.
type IDQuery struct {
	AfterID string
	Limit   int
}

// NewIDPager builds a bounded poller that enumerates entity ids in pages,
// calling visit for each id in ascending order.
func NewIDPager(run func(ctx context.Context, q IDQuery) ([]string, error), pageSize int, visit func(string)) *Poller[IDPagerState, IDQuery, string] {
	machine := Machine[IDPagerState, IDQuery, string]{
		Initial: IDPagerState{},
		NextQuery: func(s IDPagerState) (IDPagerState, *IDQuery) {
			if s.QueryCount > 0 && s.RowCount < pageSize {
				return s, nil
			}
			s.QueryCount++
			s.RowCount = 0
			return s, &IDQuery{AfterID: s.LatestID, Limit: pageSize}
		},
		Update: func(s IDPagerState, id string) IDPagerState {
			s.RowCount++
			s.LatestID = id
			return s
		},
	}

	var emit func(ctx context.Context, id string) error
	if visit != nil {
		emit = func(_ context.Context, id string) error {
			visit(id)
			return nil
		}
	}

	return New(Config[IDPagerState, IDQuery, string]{
		Machine: machine,
		Run:     run,
		Emit:    emit,
		Mode:    ModeCurrent,
	})
}
