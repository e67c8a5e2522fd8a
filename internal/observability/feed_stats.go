// Package observability provides feed statistics tracking for lag monitoring
// and acceptance-rate diagnostics.
package observability

import (
	"sync"
	"time"
)

// FeedStats tracks counters for one consumer feed: how many rows were read,
// accepted, rejected, recovered by backtracking, and how offset maintenance
// is progressing. All methods are O(1) and thread-safe.
type FeedStats struct {
	mu sync.RWMutex

	rowsRead       int64
	accepted       int64
	rejected       int64
	backtracked    int64
	payloadsLoaded int64
	offsetsSaved   int64
	evicted        int64
	deleted        int64

	lastCommitTime time.Time
	lastReadTime   time.Time
}

// Snapshot is a point-in-time copy of the feed counters.
type Snapshot struct {
	RowsRead       int64
	Accepted       int64
	Rejected       int64
	Backtracked    int64
	PayloadsLoaded int64
	OffsetsSaved   int64
	Evicted        int64
	Deleted        int64

	// LastCommitTime is the commit timestamp of the latest accepted row;
	// LastReadTime is when it was read. Their difference is the feed's
	// end-to-end lag at that row.
	LastCommitTime time.Time
	LastReadTime   time.Time
}

// NewFeedStats creates an empty stats tracker.
func NewFeedStats() *FeedStats {
	return &FeedStats{}
}

// RecordRead counts rows returned by a change-log query.
func (f *FeedStats) RecordRead(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowsRead += int64(n)
}

// RecordAccepted counts an accepted row and remembers its position.
func (f *FeedStats) RecordAccepted(commitTime, readTime time.Time, backtracking bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted++
	if backtracking {
		f.backtracked++
	}
	if commitTime.After(f.lastCommitTime) {
		f.lastCommitTime = commitTime
	}
	if readTime.After(f.lastReadTime) {
		f.lastReadTime = readTime
	}
}

// RecordRejected counts a filtered-out row (duplicate, gap, or stale).
func (f *FeedStats) RecordRejected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
}

// RecordPayloadLoaded counts a payload fetched for a backtracked row.
func (f *FeedStats) RecordPayloadLoaded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloadsLoaded++
}

// RecordOffsetSaved counts a durable offset save.
func (f *FeedStats) RecordOffsetSaved() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsetsSaved++
}

// RecordEvicted counts in-memory offsets dropped by eviction.
func (f *FeedStats) RecordEvicted(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted += int64(n)
}

// RecordDeleted counts durable offset rows removed by cleanup.
func (f *FeedStats) RecordDeleted(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted += n
}

// GetSnapshot returns a copy of the current counters.
func (f *FeedStats) GetSnapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Snapshot{
		RowsRead:       f.rowsRead,
		Accepted:       f.accepted,
		Rejected:       f.rejected,
		Backtracked:    f.backtracked,
		PayloadsLoaded: f.payloadsLoaded,
		OffsetsSaved:   f.offsetsSaved,
		Evicted:        f.evicted,
		Deleted:        f.deleted,
		LastCommitTime: f.lastCommitTime,
		LastReadTime:   f.lastReadTime,
	}
}

// Lag returns the end-to-end lag of the latest accepted row, or zero before
// any row is accepted.
func (f *FeedStats) Lag() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastCommitTime.IsZero() || f.lastReadTime.IsZero() {
		return 0
	}
	return f.lastReadTime.Sub(f.lastCommitTime)
}
