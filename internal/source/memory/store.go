// Package memory implements the change-log backend in process memory. It
// honors the same ordering/filtering contract as the database backends and
// additionally lets tests control the clock, delay row visibility past the
// commit timestamp, and inject query failures.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eventail/eventail/internal/errors"
	"github.com/eventail/eventail/internal/slice"
	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/pkg/types"
)

// Compile-time interface compliance check
var _ source.ChangeSource = (*Store)(nil)

type row struct {
	rec       types.ChangeRecord
	visibleAt time.Time
}

// Store is an in-memory change log.
type Store struct {
	mu      sync.Mutex
	rows    []row
	lastSeq map[string]int64
	eventNr int64
	clock   func() time.Time

	failNext error
}

// New creates an empty in-memory change log using the system clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an in-memory change log with a custom clock.
func NewWithClock(clock func() time.Time) *Store {
	return &Store{
		lastSeq: make(map[string]int64),
		clock:   clock,
	}
}

// Append writes a new change row with the next sequence number, committed
// and visible at the current clock time.
func (s *Store) Append(entityType, entityID string, payload []byte, manifest string) types.ChangeRecord {
	now := s.clock().UTC()
	return s.AppendDelayed(entityType, entityID, payload, manifest, now, now)
}

// AppendAt is Append with an explicit commit timestamp.
func (s *Store) AppendAt(entityType, entityID string, payload []byte, manifest string, commitTime time.Time) types.ChangeRecord {
	return s.AppendDelayed(entityType, entityID, payload, manifest, commitTime, commitTime)
}

// AppendDelayed writes a row committed at commitTime but invisible to
// readers until visibleAt, simulating delayed commit visibility.
func (s *Store) AppendDelayed(entityType, entityID string, payload []byte, manifest string, commitTime, visibleAt time.Time) types.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq[entityID]++
	s.eventNr++
	rec := types.ChangeRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Slice:      slice.For(entityID),
		SeqNr:      s.lastSeq[entityID],
		CommitTime: commitTime.UTC(),
		EventID:    fmt.Sprintf("mem-%d", s.eventNr),
		Payload:    payload,
		Manifest:   manifest,
	}
	s.rows = append(s.rows, row{rec: rec, visibleAt: visibleAt.UTC()})
	return rec
}

// FailNext makes the next RowsBySlice call return err instead of rows.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// RowsBySlice returns visible change rows ascending by (commit time, seq nr).
func (s *Store) RowsBySlice(ctx context.Context, req source.Request) ([]types.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}

	now := s.clock().UTC()
	upper := now.Add(-req.BehindCurrentTime)
	if !req.ToTimestamp.IsZero() && req.ToTimestamp.Before(upper) {
		upper = req.ToTimestamp
	}

	var matched []types.ChangeRecord
	for _, r := range s.rows {
		rec := r.rec
		if rec.EntityType != req.EntityType {
			continue
		}
		if rec.Slice < req.MinSlice || rec.Slice > req.MaxSlice {
			continue
		}
		if r.visibleAt.After(now) {
			continue
		}
		if rec.CommitTime.Before(req.FromTimestamp) || rec.CommitTime.After(upper) {
			continue
		}
		rec.ReadTime = now
		rec.Backtracking = req.Backtracking
		if req.Backtracking {
			rec.Payload = nil
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CommitTime.Equal(matched[j].CommitTime) {
			return matched[i].CommitTime.Before(matched[j].CommitTime)
		}
		return matched[i].SeqNr < matched[j].SeqNr
	})

	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}
	return matched, nil
}

// LoadPayload fetches the payload and manifest of one change row.
func (s *Store) LoadPayload(ctx context.Context, entityID string, seqNr int64) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.rec.EntityID == entityID && r.rec.SeqNr == seqNr {
			return r.rec.Payload, r.rec.Manifest, nil
		}
	}
	return nil, "", errors.NewSourceError(errors.CodePayloadMissing,
		fmt.Sprintf("no change row for %s seq %d", entityID, seqNr), nil)
}

// CurrentTimestamp returns the store clock.
func (s *Store) CurrentTimestamp(ctx context.Context) (time.Time, error) {
	return s.clock().UTC(), nil
}

// CountBuckets counts visible rows into ascending fixed-width buckets.
func (s *Store) CountBuckets(ctx context.Context, entityType string, minSlice, maxSlice int, from time.Time, limit int) ([]types.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	widthSeconds := int64(types.BucketWidth / time.Second)
	counts := make(map[int64]int64)
	for _, r := range s.rows {
		rec := r.rec
		if rec.EntityType != entityType || rec.Slice < minSlice || rec.Slice > maxSlice {
			continue
		}
		if rec.CommitTime.Before(from) {
			continue
		}
		start := (rec.CommitTime.Unix() / widthSeconds) * widthSeconds
		counts[start]++
	}

	buckets := make([]types.Bucket, 0, len(counts))
	for start, count := range counts {
		buckets = append(buckets, types.Bucket{Start: start, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start < buckets[j].Start })
	if limit > 0 && len(buckets) > limit {
		buckets = buckets[:limit]
	}
	return buckets, nil
}

// EntityIDsAfter returns up to limit distinct entity ids greater than
// afterID, ascending.
func (s *Store) EntityIDsAfter(ctx context.Context, entityType, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, r := range s.rows {
		id := r.rec.EntityID
		if r.rec.EntityType != entityType || id <= afterID || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
