// Package tracker implements consumer-side offset bookkeeping: acceptance of
// candidate change records (deduplication and gap detection), inflight
// tracking of accepted-but-unsaved sequence numbers, durable offset
// persistence, and time-window eviction that bounds memory.
package tracker

import (
	"context"
	"log"
	"time"

	"github.com/eventail/eventail/pkg/types"
)

const (
	// DefaultTimeWindow is how long per-entity offsets are retained in
	// memory and in the durable store.
	DefaultTimeWindow = 5 * time.Minute

	// DefaultEvictInterval is the coarser cadence at which in-memory
	// eviction runs; never per-save.
	DefaultEvictInterval = 10 * time.Second
)

// Config holds offset tracker settings.
type Config struct {
	// ConsumerID identifies this consuming process in the durable store.
	ConsumerID string

	// TimeWindow bounds how far back per-entity offsets are kept.
	TimeWindow time.Duration

	// EvictInterval is the cadence of in-memory eviction, measured in
	// stream time (offset timestamps), which keeps eviction deterministic
	// under replay.
	EvictInterval time.Duration
}

// OffsetTracker tracks accepted and durably saved positions per entity.
//
// The tracker is owned by a single logical task per slice-range track; it is
// not a shared concurrent structure, and callers must serialize access.
type OffsetTracker struct {
	cfg   Config
	store OffsetStore

	byEntity  map[string]EntityOffset
	inflight  map[string]int64
	lastSaved types.TimestampOffset
	lastEvict time.Time
}

// New creates a tracker persisting through the given store.
func New(cfg Config, store OffsetStore) *OffsetTracker {
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = DefaultEvictInterval
	}
	return &OffsetTracker{
		cfg:      cfg,
		store:    store,
		byEntity: make(map[string]EntityOffset),
		inflight: make(map[string]int64),
	}
}

// Load restores the tracker from the durable store. The resumption offset
// covers every entity whose last saved position sits exactly at the maximum
// saved timestamp; completeness at that timestamp is what makes resumption
// exact.
func (t *OffsetTracker) Load(ctx context.Context) error {
	rows, err := t.store.LoadOffsets(ctx, t.cfg.ConsumerID)
	if err != nil {
		return err
	}

	t.byEntity = rows
	t.inflight = make(map[string]int64)

	var maxTs time.Time
	for _, off := range rows {
		if off.Timestamp.After(maxTs) {
			maxTs = off.Timestamp
		}
	}

	seen := make(map[string]int64)
	for entityID, off := range rows {
		if off.Timestamp.Equal(maxTs) {
			seen[entityID] = off.SeqNr
		}
	}

	// The read timestamp of the restored offset is not persisted; the
	// commit timestamp is a safe lower bound (reads never precede commits).
	t.lastSaved = types.TimestampOffset{Timestamp: maxTs, ReadTimestamp: maxTs, Seen: seen}
	t.lastEvict = maxTs
	return nil
}

// StartOffset returns the current resumption point.
func (t *OffsetTracker) StartOffset() types.TimestampOffset {
	seen := make(map[string]int64, len(t.lastSaved.Seen))
	for e, s := range t.lastSaved.Seen {
		seen[e] = s
	}
	return types.TimestampOffset{
		Timestamp:     t.lastSaved.Timestamp,
		ReadTimestamp: t.lastSaved.ReadTimestamp,
		Seen:          seen,
	}
}

// IsAccepted reports whether the record advances its entity's sequence.
// It is a pure predicate: it never mutates tracker state.
//
// A tracked entity (saved or inflight) only advances by its direct
// successor; anything else is a duplicate, a gap, or a stale record. An
// untracked entity is accepted at seq 1 — which doubles as an implicit reset
// for reused ids whose history was evicted — or, beyond seq 1, when it was
// read strictly after the last durably saved offset, the permissive
// late-arrival path used by backtracking.
func (t *OffsetTracker) IsAccepted(rec types.ChangeRecord) bool {
	if s, known := t.refSeqNr(rec.EntityID); known {
		return rec.SeqNr == s+1
	}
	if rec.SeqNr == 1 {
		return true
	}
	return rec.ReadTime.After(t.lastSaved.ReadTimestamp)
}

// refSeqNr returns the reference sequence number for an entity: the maximum
// of its saved and inflight positions.
func (t *OffsetTracker) refSeqNr(entityID string) (int64, bool) {
	saved, hasSaved := t.byEntity[entityID]
	infl, hasInflight := t.inflight[entityID]
	switch {
	case hasSaved && hasInflight:
		return max(saved.SeqNr, infl), true
	case hasSaved:
		return saved.SeqNr, true
	case hasInflight:
		return infl, true
	default:
		return 0, false
	}
}

// AddInflight records the maximum accepted-but-unsaved sequence number for
// the record's entity.
func (t *OffsetTracker) AddInflight(rec types.ChangeRecord) {
	if cur, ok := t.inflight[rec.EntityID]; !ok || rec.SeqNr > cur {
		t.inflight[rec.EntityID] = rec.SeqNr
	}
}

// SaveOffset applies and durably persists an offset. Saving at the same
// timestamp as the previous save unions the entity sets (siblings committed
// at the same instant must not erase each other); saving at a strictly later
// timestamp replaces the prior set; an older timestamp — a backtracked
// record accepted late — updates per-entity positions but never moves the
// resumption offset backwards. Saves that would regress an entity's
// sequence number outside the same-timestamp merge are logged and ignored.
func (t *OffsetTracker) SaveOffset(ctx context.Context, off types.TimestampOffset) error {
	if off.Timestamp.IsZero() || len(off.Seen) == 0 {
		return nil
	}

	switch {
	case off.Timestamp.Before(t.lastSaved.Timestamp):
		// Resumption offset stays put; fall through to the per-entity
		// updates below.

	case off.Timestamp.Equal(t.lastSaved.Timestamp):
		if t.lastSaved.Seen == nil {
			t.lastSaved.Seen = make(map[string]int64)
		}
		for e, seq := range off.Seen {
			if cur, ok := t.lastSaved.Seen[e]; !ok || seq > cur {
				t.lastSaved.Seen[e] = seq
			}
		}

	default:
		seen := make(map[string]int64, len(off.Seen))
		for e, seq := range off.Seen {
			seen[e] = seq
		}
		t.lastSaved.Timestamp = off.Timestamp
		t.lastSaved.Seen = seen
	}

	if off.ReadTimestamp.After(t.lastSaved.ReadTimestamp) {
		t.lastSaved.ReadTimestamp = off.ReadTimestamp
	}

	for e, seq := range off.Seen {
		if cur, ok := t.byEntity[e]; ok && seq < cur.SeqNr {
			log.Printf("[WARN] tracker: ignoring regressing offset for %s: seq %d < %d", e, seq, cur.SeqNr)
			continue
		}
		t.byEntity[e] = EntityOffset{Timestamp: off.Timestamp, SeqNr: seq}
		if infl, ok := t.inflight[e]; ok && infl <= seq {
			delete(t.inflight, e)
		}
	}

	t.maybeEvict(off.Timestamp)

	if t.store == nil {
		return nil
	}
	return t.store.SaveOffsets(ctx, t.cfg.ConsumerID, off)
}

// maybeEvict runs in-memory eviction when at least EvictInterval of stream
// time has passed since the last run.
func (t *OffsetTracker) maybeEvict(now time.Time) {
	if now.Sub(t.lastEvict) < t.cfg.EvictInterval {
		return
	}
	t.Evict(now)
}

// Evict drops in-memory entity offsets older than the time window and
// returns how many were removed.
func (t *OffsetTracker) Evict(now time.Time) int {
	t.lastEvict = now
	cutoff := now.Add(-t.cfg.TimeWindow)
	evicted := 0
	for e, off := range t.byEntity {
		if off.Timestamp.Before(cutoff) {
			delete(t.byEntity, e)
			evicted++
		}
	}
	return evicted
}

// DeleteOldOffsets removes durably stored offsets older than the time
// window. Idempotent; safe to run concurrently with saves; rows at or after
// the cutoff are never deleted.
func (t *OffsetTracker) DeleteOldOffsets(ctx context.Context, now time.Time) (int64, error) {
	if t.store == nil {
		return 0, nil
	}
	return t.store.DeleteBefore(ctx, t.cfg.ConsumerID, now.Add(-t.cfg.TimeWindow))
}

// KnownCount returns the number of entities currently tracked in memory.
func (t *OffsetTracker) KnownCount() int {
	return len(t.byEntity)
}

// KnownSeqNr returns the last durably accepted sequence number for an
// entity, if tracked.
func (t *OffsetTracker) KnownSeqNr(entityID string) (int64, bool) {
	off, ok := t.byEntity[entityID]
	return off.SeqNr, ok
}

// InflightSeqNr returns the accepted-but-unsaved sequence number for an
// entity, if any.
func (t *OffsetTracker) InflightSeqNr(entityID string) (int64, bool) {
	seq, ok := t.inflight[entityID]
	return seq, ok
}
