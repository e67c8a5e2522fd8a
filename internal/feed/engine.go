// Package feed assembles the change-feed engine: slice-partitioned tracks
// that tail the change log, recover late-visible commits by backtracking,
// filter duplicates and gaps through per-consumer offset tracking, and hand
// each surviving record to the application exactly once per process run.
package feed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eventail/eventail/internal/backtrack"
	"github.com/eventail/eventail/internal/observability"
	"github.com/eventail/eventail/internal/poller"
	"github.com/eventail/eventail/internal/slice"
	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/internal/tracker"
	"github.com/eventail/eventail/pkg/types"
)

const (
	// DefaultBehindCurrentTime keeps the tailing query's upper bound this
	// far behind the database clock, absorbing most commit-visibility lag.
	DefaultBehindCurrentTime = 100 * time.Millisecond

	// DefaultPageSize bounds each tailing query.
	DefaultPageSize = 1000

	// DefaultDeleteInterval is the cadence of durable offset cleanup.
	DefaultDeleteInterval = time.Minute

	// DefaultPauseCheckInterval is how often a paused consumer re-checks
	// its management flag.
	DefaultPauseCheckInterval = 10 * time.Second

	// DefaultMaxConcurrentQueries bounds in-flight change-log queries
	// across all tracks.
	DefaultMaxConcurrentQueries = 4
)

// Handler consumes one accepted change record. Returning an error stops the
// record's track; the offset is not saved, so the record is redelivered
// after restart.
type Handler func(ctx context.Context, rec types.ChangeRecord) error

// Config holds feed engine settings.
type Config struct {
	// EntityType restricts the feed to one entity type.
	EntityType string

	// ConsumerID is the base identity under which offsets are stored; each
	// track appends its slice range.
	ConsumerID string

	// NumRanges is how many slice ranges (and tracks) the feed splits
	// into. Must divide the slice count evenly.
	NumRanges int

	// BehindCurrentTime lags the tailing query's upper bound.
	BehindCurrentTime time.Duration

	// PollInterval is the wait between tailing queries after a short page.
	PollInterval time.Duration

	// PageSize bounds each query.
	PageSize int

	// BacktrackWindow and BacktrackInterval configure the trailing
	// re-read that recovers late-visible commits.
	BacktrackWindow   time.Duration
	BacktrackInterval time.Duration

	// OffsetTimeWindow and OffsetEvictInterval configure offset tracking.
	OffsetTimeWindow    time.Duration
	OffsetEvictInterval time.Duration

	// DeleteInterval is the cadence of durable offset cleanup.
	DeleteInterval time.Duration

	// PauseCheckInterval is how often a paused consumer re-checks its
	// management flag.
	PauseCheckInterval time.Duration

	// MaxConcurrentQueries bounds in-flight change-log queries across all
	// tracks.
	MaxConcurrentQueries int64
}

// DefaultConfig returns the default feed configuration.
func DefaultConfig() Config {
	return Config{
		NumRanges:            4,
		BehindCurrentTime:    DefaultBehindCurrentTime,
		PollInterval:         poller.DefaultPollInterval,
		PageSize:             DefaultPageSize,
		BacktrackWindow:      backtrack.DefaultWindow,
		BacktrackInterval:    backtrack.DefaultInterval,
		OffsetTimeWindow:     tracker.DefaultTimeWindow,
		OffsetEvictInterval:  tracker.DefaultEvictInterval,
		DeleteInterval:       DefaultDeleteInterval,
		PauseCheckInterval:   DefaultPauseCheckInterval,
		MaxConcurrentQueries: DefaultMaxConcurrentQueries,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConsumerID == "" {
		return fmt.Errorf("feed: consumer id is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("feed: page size must be positive")
	}
	return slice.ValidateRangeCount(c.NumRanges)
}

// Engine runs one track per slice range against a change source.
type Engine struct {
	config  Config
	src     source.ChangeSource
	offsets tracker.OffsetStore
	handler Handler
	stats   *observability.FeedStats

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a feed engine, applying defaults for unset fields.
func NewEngine(config Config, src source.ChangeSource, offsets tracker.OffsetStore, handler Handler) (*Engine, error) {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.NumRanges <= 0 {
		config.NumRanges = 4
	}
	if config.BehindCurrentTime <= 0 {
		config.BehindCurrentTime = DefaultBehindCurrentTime
	}
	if config.DeleteInterval <= 0 {
		config.DeleteInterval = DefaultDeleteInterval
	}
	if config.PauseCheckInterval <= 0 {
		config.PauseCheckInterval = DefaultPauseCheckInterval
	}
	if config.MaxConcurrentQueries <= 0 {
		config.MaxConcurrentQueries = DefaultMaxConcurrentQueries
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		config:  config,
		src:     &limitedSource{ChangeSource: src, sem: semaphore.NewWeighted(config.MaxConcurrentQueries)},
		offsets: offsets,
		handler: handler,
		stats:   observability.NewFeedStats(),
	}, nil
}

// Stats exposes the engine's counters.
func (e *Engine) Stats() *observability.FeedStats {
	return e.stats
}

// Start launches all tracks. It runs until the context is cancelled or Stop
// is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("feed: engine is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx)
	return nil
}

// Stop gracefully stops the engine.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}

	e.cancel()
	<-e.done
	e.running = false
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	if err := e.waitWhilePaused(ctx); err != nil {
		return
	}

	ranges, err := slice.Ranges(e.config.NumRanges)
	if err != nil {
		log.Printf("feed: invalid range count %d: %v", e.config.NumRanges, err)
		return
	}

	var wg sync.WaitGroup
	for _, rng := range ranges {
		tr := newTrack(e.config, rng, e.src, e.offsets, e.stats, e.handler)
		wg.Add(1)
		go func(rng slice.Range) {
			defer wg.Done()
			if err := tr.run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("feed: track %s stopped: %v", rng, err)
			}
		}(rng)
	}
	wg.Wait()
}

// waitWhilePaused blocks while the consumer's management flag is paused.
func (e *Engine) waitWhilePaused(ctx context.Context) error {
	for {
		paused, err := e.offsets.IsPaused(ctx, e.config.ConsumerID)
		if err != nil {
			log.Printf("[WARN] feed: pause check failed, assuming active: %v", err)
			return nil
		}
		if !paused {
			return nil
		}
		log.Printf("feed: consumer %s is paused", e.config.ConsumerID)
		timer := time.NewTimer(e.config.PauseCheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// EntityIDs enumerates all entity ids of the feed's entity type that exist
// right now, in ascending order.
func (e *Engine) EntityIDs(ctx context.Context) ([]string, error) {
	var ids []string
	pager := poller.NewIDPager(func(ctx context.Context, q poller.IDQuery) ([]string, error) {
		return e.src.EntityIDsAfter(ctx, e.config.EntityType, q.AfterID, q.Limit)
	}, e.config.PageSize, func(id string) {
		ids = append(ids, id)
	})
	if err := pager.Run(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}
