// Package poller implements the generic state-driven polling loop behind
// both live change-log tailing and bounded cursor enumeration. A poller owns
// one state value and runs at most one outstanding query at a time; when a
// query completes, every produced record is folded through the state machine
// before the next query is considered, so state application is all-or-nothing
// per batch. Independent slice ranges run independent poller instances.
package poller

import (
	"context"
	"time"

	"github.com/eventail/eventail/internal/errors"
)

// Mode selects the poller's behavior when the state machine yields no query.
type Mode int

const (
	// ModeLive waits and retries: the loop never terminates on its own.
	ModeLive Mode = iota

	// ModeCurrent terminates: used for bounded enumeration of what exists now.
	ModeCurrent
)

const (
	// DefaultPollInterval is the fallback wait between ticks in live mode.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultRetryBackoff is the initial delay before retrying a failed query.
	DefaultRetryBackoff = 250 * time.Millisecond

	// DefaultMaxRetryBackoff caps the exponential retry delay.
	DefaultMaxRetryBackoff = 30 * time.Second
)

// Machine describes a polling state machine over state S, query Q and
// record R. NextQuery may update the state (counters, pending-delay flags)
// and either yields the next query or nil; DelayNext chooses how long to
// wait before re-asking when no query was yielded.
type Machine[S, Q, R any] struct {
	Initial   S
	NextQuery func(S) (S, *Q)
	Update    func(S, R) S
	DelayNext func(S) *time.Duration
}

// Config assembles a poller.
type Config[S, Q, R any] struct {
	Machine Machine[S, Q, R]

	// Run executes one query to completion, returning the full batch.
	Run func(ctx context.Context, q Q) ([]R, error)

	// Emit forwards one record downstream. May block; must honor ctx.
	// Optional.
	Emit func(ctx context.Context, r R) error

	Mode            Mode
	PollInterval    time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Poller drives a Machine until termination or cancellation.
type Poller[S, Q, R any] struct {
	cfg Config[S, Q, R]
}

// New creates a poller, applying defaults for unset intervals.
func New[S, Q, R any](cfg Config[S, Q, R]) *Poller[S, Q, R] {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	return &Poller[S, Q, R]{cfg: cfg}
}

// Run executes the polling loop. In ModeCurrent it returns nil once the
// machine stops yielding queries; in ModeLive it returns only on context
// cancellation or a non-retryable error. Transient query failures are
// retried with exponential backoff against the same window; replaying a
// window is idempotent because downstream acceptance deduplicates.
func (p *Poller[S, Q, R]) Run(ctx context.Context) error {
	state := p.cfg.Machine.Initial
	retryDelay := p.cfg.RetryBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, q := p.cfg.Machine.NextQuery(state)
		state = next

		if q == nil {
			if p.cfg.Mode == ModeCurrent {
				return nil
			}
			delay := p.cfg.PollInterval
			if d := p.cfg.Machine.DelayNext; d != nil {
				if override := d(state); override != nil {
					delay = *override
				}
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		batch, err := p.cfg.Run(ctx, *q)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.IsRetryable(err) {
				return err
			}
			if serr := sleep(ctx, retryDelay); serr != nil {
				return serr
			}
			retryDelay = min(retryDelay*2, p.cfg.MaxRetryBackoff)
			continue
		}
		retryDelay = p.cfg.RetryBackoff

		// Fold the completed batch; the new state is applied only after
		// every record has been folded and emitted.
		folded := state
		for _, r := range batch {
			folded = p.cfg.Machine.Update(folded, r)
			if p.cfg.Emit != nil {
				if err := p.cfg.Emit(ctx, r); err != nil {
					return err
				}
			}
		}
		state = folded
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
