package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eventail/eventail/internal/backtrack"
	"github.com/eventail/eventail/internal/bucket"
	"github.com/eventail/eventail/internal/errors"
	"github.com/eventail/eventail/internal/observability"
	"github.com/eventail/eventail/internal/poller"
	"github.com/eventail/eventail/internal/slice"
	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/internal/tracker"
	"github.com/eventail/eventail/pkg/types"
)

// limitedSource wraps a ChangeSource with a semaphore shared by every track,
// bounding the engine's concurrent change-log queries.
type limitedSource struct {
	source.ChangeSource
	sem *semaphore.Weighted
}

func (l *limitedSource) RowsBySlice(ctx context.Context, req source.Request) ([]types.ChangeRecord, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.ChangeSource.RowsBySlice(ctx, req)
}

func (l *limitedSource) CountBuckets(ctx context.Context, entityType string, minSlice, maxSlice int, from time.Time, limit int) ([]types.Bucket, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.ChangeSource.CountBuckets(ctx, entityType, minSlice, maxSlice, from, limit)
}

// cursor is the main tailing query's commit-time position, shared with the
// backtracking scheduler.
type cursor struct {
	mu sync.RWMutex
	ts time.Time
}

func (c *cursor) get() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ts
}

func (c *cursor) advance(ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.After(c.ts) {
		c.ts = ts
	}
}

// tailState is the cursor of the live tailing machine. After a short page
// the next query is delayed by the poll interval; after a full page the next
// page is issued immediately.
type tailState struct {
	from         time.Time
	queryCount   int
	rowsInBatch  int
	delayPending bool
}

// track consumes one slice range: tailing poller plus backtracking
// scheduler feeding a single serialized acceptance loop.
type track struct {
	config  Config
	rng     slice.Range
	src     source.ChangeSource
	tracker *tracker.OffsetTracker
	stats   *observability.FeedStats
	handler Handler

	cursor     cursor
	candidates chan types.ChangeRecord
}

func newTrack(config Config, rng slice.Range, src source.ChangeSource, offsets tracker.OffsetStore, stats *observability.FeedStats, handler Handler) *track {
	consumerID := config.ConsumerID + "-" + rng.String()
	return &track{
		config: config,
		rng:    rng,
		src:    src,
		tracker: tracker.New(tracker.Config{
			ConsumerID:    consumerID,
			TimeWindow:    config.OffsetTimeWindow,
			EvictInterval: config.OffsetEvictInterval,
		}, offsets),
		stats:      stats,
		handler:    handler,
		candidates: make(chan types.ChangeRecord, config.PageSize),
	}
}

// run drives the track until ctx is cancelled or a fatal error occurs.
func (t *track) run(ctx context.Context) error {
	if err := t.tracker.Load(ctx); err != nil {
		return err
	}

	start := t.tracker.StartOffset()
	from := start.Timestamp
	if start.IsZero() {
		counter := bucket.NewCounter(t.src, t.config.EntityType, t.rng.Min, t.rng.Max, t.config.PageSize)
		from = counter.StartTimestamp(ctx, time.Time{})
		if !from.IsZero() {
			log.Printf("feed: track %s cold start skipping to %s", t.rng, from.UTC().Format(time.RFC3339))
		}
	}
	t.cursor.advance(from)

	btCfg := backtrack.Config{
		EntityType:        t.config.EntityType,
		Range:             t.rng,
		Window:            t.config.BacktrackWindow,
		BehindCurrentTime: t.config.BehindCurrentTime,
		Interval:          t.config.BacktrackInterval,
		PageSize:          t.config.PageSize,
	}
	scheduler := backtrack.NewScheduler(btCfg, t.src, t.cursor.get, t.enqueue)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	tailErr := make(chan error, 1)
	go func() {
		tailErr <- t.runTail(ctx, from)
	}()

	return t.consume(ctx, tailErr)
}

// runTail runs the live tailing poller for this track's slice range.
func (t *track) runTail(ctx context.Context, from time.Time) error {
	pageSize := t.config.PageSize

	machine := poller.Machine[tailState, source.Request, types.ChangeRecord]{
		Initial: tailState{from: from},
		NextQuery: func(s tailState) (tailState, *source.Request) {
			if s.queryCount > 0 && s.rowsInBatch < pageSize && !s.delayPending {
				s.delayPending = true
				return s, nil
			}
			s.delayPending = false
			s.rowsInBatch = 0
			s.queryCount++
			req := source.Request{
				EntityType:        t.config.EntityType,
				MinSlice:          t.rng.Min,
				MaxSlice:          t.rng.Max,
				FromTimestamp:     s.from,
				BehindCurrentTime: t.config.BehindCurrentTime,
				Limit:             pageSize,
			}
			return s, &req
		},
		Update: func(s tailState, rec types.ChangeRecord) tailState {
			s.rowsInBatch++
			if rec.CommitTime.After(s.from) {
				s.from = rec.CommitTime
			}
			return s
		},
	}

	p := poller.New(poller.Config[tailState, source.Request, types.ChangeRecord]{
		Machine: machine,
		Run: func(ctx context.Context, req source.Request) ([]types.ChangeRecord, error) {
			rows, err := t.src.RowsBySlice(ctx, req)
			if err == nil {
				t.stats.RecordRead(len(rows))
			}
			return rows, err
		},
		Emit: func(ctx context.Context, rec types.ChangeRecord) error {
			t.cursor.advance(rec.CommitTime)
			return t.enqueue(ctx, rec)
		},
		Mode:         poller.ModeLive,
		PollInterval: t.config.PollInterval,
	})
	return p.Run(ctx)
}

// enqueue hands a candidate record to the acceptance loop.
func (t *track) enqueue(ctx context.Context, rec types.ChangeRecord) error {
	select {
	case t.candidates <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consume serializes acceptance, payload loading, handling and offset
// bookkeeping for every candidate, from both the tailing query and the
// backtracking re-reads.
func (t *track) consume(ctx context.Context, tailErr <-chan error) error {
	cleanup := time.NewTicker(t.config.DeleteInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-tailErr:
			return err

		case <-cleanup.C:
			now, err := t.src.CurrentTimestamp(ctx)
			if err != nil {
				log.Printf("feed: track %s clock read failed: %v", t.rng, err)
				continue
			}
			deleted, err := t.tracker.DeleteOldOffsets(ctx, now)
			if err != nil {
				log.Printf("feed: track %s offset cleanup failed: %v", t.rng, err)
				continue
			}
			if deleted > 0 {
				t.stats.RecordDeleted(deleted)
			}

		case rec := <-t.candidates:
			if err := t.process(ctx, rec); err != nil {
				return err
			}
		}
	}
}

func (t *track) process(ctx context.Context, rec types.ChangeRecord) error {
	if !t.tracker.IsAccepted(rec) {
		t.stats.RecordRejected()
		return nil
	}

	if rec.Backtracking && rec.Payload == nil {
		payload, manifest, err := t.src.LoadPayload(ctx, rec.EntityID, rec.SeqNr)
		if err != nil {
			if errors.GetCode(err) == errors.CodePayloadMissing {
				// The row was cleaned up between the re-read and now; its
				// offset was already covered or will be re-read again.
				log.Printf("[WARN] feed: track %s payload gone for %s seq %d", t.rng, rec.EntityID, rec.SeqNr)
				return nil
			}
			return err
		}
		rec.Payload = payload
		rec.Manifest = manifest
		t.stats.RecordPayloadLoaded()
	}

	t.tracker.AddInflight(rec)
	if err := t.handler(ctx, rec); err != nil {
		return err
	}
	t.stats.RecordAccepted(rec.CommitTime, rec.ReadTime, rec.Backtracking)

	if err := t.tracker.SaveOffset(ctx, types.WithSeen(rec.CommitTime, rec.ReadTime, rec.EntityID, rec.SeqNr)); err != nil {
		return err
	}
	t.stats.RecordOffsetSaved()
	return nil
}
