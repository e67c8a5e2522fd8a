// Package bucket implements the cold-start skip-ahead heuristic. When a
// consumer starts with no prior offset, scanning the full change-log history
// is wasteful; counting rows into coarse time buckets lets the engine jump
// the starting timestamp forward to where the backlog becomes small enough
// to page through. The estimate is a performance hint only: the behind
// window and backtracking still cover the true window, so an imprecise skip
// point cannot lose data.
package bucket

import (
	"context"
	"log"
	"time"

	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/pkg/types"
)

// DefaultMaxBuckets bounds a single bucket scan.
const DefaultMaxBuckets = 10000

// DefaultLimitMultiplier scales the page size into the cumulative row count
// a skip point may leave behind.
const DefaultLimitMultiplier = 1

// Counter computes cold-start starting timestamps for one slice range.
type Counter struct {
	source     source.ChangeSource
	entityType string
	minSlice   int
	maxSlice   int
	pageSize   int
	multiplier int
	maxBuckets int
}

// NewCounter creates a counter for the given slice range.
func NewCounter(src source.ChangeSource, entityType string, minSlice, maxSlice, pageSize int) *Counter {
	return &Counter{
		source:     src,
		entityType: entityType,
		minSlice:   minSlice,
		maxSlice:   maxSlice,
		pageSize:   pageSize,
		multiplier: DefaultLimitMultiplier,
		maxBuckets: DefaultMaxBuckets,
	}
}

// WithLimitMultiplier overrides the page-size multiplier.
func (c *Counter) WithLimitMultiplier(m int) *Counter {
	if m > 0 {
		c.multiplier = m
	}
	return c
}

// WithMaxBuckets overrides the bucket scan bound.
func (c *Counter) WithMaxBuckets(n int) *Counter {
	if n > 0 {
		c.maxBuckets = n
	}
	return c
}

// StartTimestamp returns the starting timestamp for a cold start from the
// given lower bound: the boundary of the latest bucket whose cumulative row
// count still fits the page-size limit. Falls back to from when no safe
// skip point exists or the bucket query fails.
func (c *Counter) StartTimestamp(ctx context.Context, from time.Time) time.Time {
	buckets, err := c.source.CountBuckets(ctx, c.entityType, c.minSlice, c.maxSlice, from, c.maxBuckets)
	if err != nil {
		log.Printf("bucket: count query failed, starting from %s: %v", from.UTC().Format(time.RFC3339), err)
		return from
	}
	return SkipPoint(buckets, from, c.pageSize*c.multiplier)
}

// SkipPoint walks ascending buckets accumulating counts and returns the
// boundary of the latest bucket whose cumulative count does not exceed
// limit, or from when even the first bucket exceeds it.
func SkipPoint(buckets []types.Bucket, from time.Time, limit int) time.Time {
	start := from
	var cumulative int64
	for _, b := range buckets {
		cumulative += b.Count
		if cumulative > int64(limit) {
			break
		}
		if bs := b.StartTime(); bs.After(start) {
			start = bs
		}
	}
	return start
}
