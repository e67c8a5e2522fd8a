// Package backtrack periodically re-reads a trailing window of the change
// log to recover rows whose commits became visible late. Commit timestamps
// are assigned inside the writing transaction, so a long transaction can
// surface a row with a timestamp older than rows a tailing query has already
// passed; re-reading the recent window is what catches those rows.
package backtrack

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/eventail/eventail/internal/slice"
	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/pkg/types"
)

const (
	// DefaultWindow is how far behind the main cursor the trailing
	// re-read reaches.
	DefaultWindow = 2 * time.Minute

	// DefaultInterval is how often the trailing window is re-read.
	DefaultInterval = 10 * time.Second

	// DefaultPageSize is the page size of backtracking queries.
	DefaultPageSize = 1000
)

// Config holds settings for one backtracking scheduler.
type Config struct {
	// EntityType restricts the re-read to one entity type.
	EntityType string

	// Range is the slice range this scheduler covers.
	Range slice.Range

	// Window is how far behind the main cursor the re-read reaches.
	Window time.Duration

	// BehindCurrentTime shifts the window's lower bound further back to
	// match the main query's visibility lag.
	BehindCurrentTime time.Duration

	// Interval is the re-read cadence.
	Interval time.Duration

	// PageSize bounds each backtracking query.
	PageSize int
}

// DefaultConfig returns the default backtracking configuration.
func DefaultConfig() Config {
	return Config{
		Window:   DefaultWindow,
		Interval: DefaultInterval,
		PageSize: DefaultPageSize,
	}
}

// Scheduler re-reads the trailing window on a fixed cadence and hands every
// row it finds to the emit callback. Rows carry no payload (the consumer
// loads payloads only for rows it accepts) and are flagged as backtracking.
type Scheduler struct {
	config Config
	src    source.ChangeSource

	// cursor returns the main tailing query's current commit-time
	// position; the re-read never runs ahead of it.
	cursor func() time.Time

	emit func(ctx context.Context, rec types.ChangeRecord) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a backtracking scheduler. cursor supplies the main
// query's position; emit receives every re-read row.
func NewScheduler(config Config, src source.ChangeSource, cursor func() time.Time, emit func(ctx context.Context, rec types.ChangeRecord) error) *Scheduler {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	return &Scheduler{config: config, src: src, cursor: cursor, emit: emit}
}

// Start begins the re-read loop. It runs until the context is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backtrack: scheduler is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	<-s.done
	s.running = false
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("backtrack: re-read of %s failed: %v", s.config.Range, err)
			}
		}
	}
}

// RunOnce performs a single trailing re-read of [cursor−window−behind,
// cursor], paging until a short page. Exported so the feed engine can force
// a re-read before shutdown.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	to := s.cursor()
	if to.IsZero() {
		// Main query has not established a position yet.
		return nil
	}
	from := to.Add(-s.config.Window - s.config.BehindCurrentTime)

	req := source.Request{
		EntityType:    s.config.EntityType,
		MinSlice:      s.config.Range.Min,
		MaxSlice:      s.config.Range.Max,
		FromTimestamp: from,
		ToTimestamp:   to,
		Backtracking:  true,
		Limit:         s.config.PageSize,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rows, err := s.src.RowsBySlice(ctx, req)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := s.emit(ctx, row); err != nil {
				return err
			}
		}
		if len(rows) < req.Limit {
			return nil
		}
		// Next page resumes at the last row's commit time; the consumer's
		// acceptance filter absorbs the overlap at the boundary.
		req.FromTimestamp = rows[len(rows)-1].CommitTime
	}
}
