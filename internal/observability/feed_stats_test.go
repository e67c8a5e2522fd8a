package observability

import (
	"sync"
	"testing"
	"time"
)

func TestFeedStats_Counters(t *testing.T) {
	stats := NewFeedStats()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stats.RecordRead(10)
	stats.RecordAccepted(t0, t0.Add(200*time.Millisecond), false)
	stats.RecordAccepted(t0.Add(time.Second), t0.Add(time.Second+300*time.Millisecond), true)
	stats.RecordPayloadLoaded()
	stats.RecordRejected()
	stats.RecordOffsetSaved()
	stats.RecordEvicted(3)
	stats.RecordDeleted(7)

	snap := stats.GetSnapshot()
	if snap.RowsRead != 10 {
		t.Errorf("rows read = %d, want 10", snap.RowsRead)
	}
	if snap.Accepted != 2 || snap.Rejected != 1 {
		t.Errorf("accepted/rejected = %d/%d, want 2/1", snap.Accepted, snap.Rejected)
	}
	if snap.Backtracked != 1 || snap.PayloadsLoaded != 1 {
		t.Errorf("backtracked/payloads = %d/%d, want 1/1", snap.Backtracked, snap.PayloadsLoaded)
	}
	if snap.OffsetsSaved != 1 || snap.Evicted != 3 || snap.Deleted != 7 {
		t.Errorf("saved/evicted/deleted = %d/%d/%d", snap.OffsetsSaved, snap.Evicted, snap.Deleted)
	}
	if !snap.LastCommitTime.Equal(t0.Add(time.Second)) {
		t.Errorf("last commit = %s", snap.LastCommitTime)
	}
	if got := stats.Lag(); got != 300*time.Millisecond {
		t.Errorf("lag = %s, want 300ms", got)
	}
}

func TestFeedStats_LagZeroBeforeFirstRow(t *testing.T) {
	if got := NewFeedStats().Lag(); got != 0 {
		t.Errorf("lag = %s, want 0", got)
	}
}

func TestFeedStats_ConcurrentAccess(t *testing.T) {
	stats := NewFeedStats()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				stats.RecordRead(1)
				stats.RecordAccepted(t0.Add(time.Duration(n)*time.Second), t0.Add(time.Duration(n)*time.Second), false)
			}
		}(i)
	}
	wg.Wait()

	snap := stats.GetSnapshot()
	if snap.RowsRead != 800 || snap.Accepted != 800 {
		t.Errorf("rows/accepted = %d/%d, want 800/800", snap.RowsRead, snap.Accepted)
	}
}
