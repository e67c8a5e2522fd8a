// Package source defines the backend contract the change-feed engine polls
// against. Backends differ in SQL dialect and storage layout, but every
// implementation must preserve the same ordering and filtering semantics:
// RowsBySlice returns rows ascending by (commit timestamp, sequence number),
// restricted to the requested slice range and time window, capped at the
// requested limit. Callers never see dialect detail.
package source

import (
	"context"
	"time"

	"github.com/eventail/eventail/pkg/types"
)

// Request describes one RowsBySlice query.
type Request struct {
	// EntityType restricts rows to one change-log namespace.
	EntityType string

	// MinSlice and MaxSlice bound the slice range, inclusive.
	MinSlice int
	MaxSlice int

	// FromTimestamp is the inclusive lower commit-timestamp bound.
	FromTimestamp time.Time

	// ToTimestamp is the inclusive upper bound when non-zero. The effective
	// upper bound is always additionally capped at now - BehindCurrentTime.
	ToTimestamp time.Time

	// BehindCurrentTime keeps the query away from the visibility frontier,
	// where recently committed rows may not be readable yet.
	BehindCurrentTime time.Duration

	// Backtracking selects the lightweight row form: sequence number and
	// timestamps only, no payload. Payloads for accepted backtracking
	// records are fetched separately via LoadPayload.
	Backtracking bool

	// Limit caps the number of rows returned by a single call.
	Limit int
}

// ChangeSource is the per-backend read interface.
type ChangeSource interface {
	// RowsBySlice returns change rows matching the request, ascending by
	// (commit timestamp, sequence number), at most req.Limit rows.
	RowsBySlice(ctx context.Context, req Request) ([]types.ChangeRecord, error)

	// LoadPayload fetches the payload and manifest of a single change row.
	// Used to hydrate lightweight backtracking records after acceptance.
	LoadPayload(ctx context.Context, entityID string, seqNr int64) ([]byte, string, error)

	// CurrentTimestamp returns the backend's notion of now. Commit
	// timestamps are assigned by the backend, so window arithmetic must use
	// the backend clock rather than the local one.
	CurrentTimestamp(ctx context.Context) (time.Time, error)

	// CountBuckets counts rows in ascending fixed-width time buckets from
	// the given timestamp, at most limit buckets. Consumed only by the
	// cold-start heuristic.
	CountBuckets(ctx context.Context, entityType string, minSlice, maxSlice int, from time.Time, limit int) ([]types.Bucket, error)

	// EntityIDsAfter returns up to limit distinct entity ids greater than
	// afterID, ascending. Pass empty afterID to start from the beginning.
	EntityIDsAfter(ctx context.Context, entityType, afterID string, limit int) ([]string, error)
}
