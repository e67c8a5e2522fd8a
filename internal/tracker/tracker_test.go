package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/eventail/eventail/pkg/types"
)

var trackerEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(entityID string, seqNr int64, commit, read time.Time) types.ChangeRecord {
	return types.ChangeRecord{
		EntityType: types.EntityTypeOf(entityID),
		EntityID:   entityID,
		SeqNr:      seqNr,
		CommitTime: commit,
		ReadTime:   read,
	}
}

func offset(ts, read time.Time, seen map[string]int64) types.TimestampOffset {
	return types.TimestampOffset{Timestamp: ts, ReadTimestamp: read, Seen: seen}
}

func newTestTracker(t *testing.T, store OffsetStore) *OffsetTracker {
	t.Helper()
	tr := New(Config{
		ConsumerID:    "proj-1",
		TimeWindow:    100 * time.Second,
		EvictInterval: 10 * time.Second,
	}, store)
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return tr
}

func TestIsAccepted_FirstSeq(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch

	if !tr.IsAccepted(rec("Order|a", 1, t0, t0)) {
		t.Error("seq 1 of an untracked entity should be accepted")
	}

	// While the entity is tracked, seq 1 is an ordinary duplicate.
	if err := tr.SaveOffset(context.Background(), offset(t0, t0, map[string]int64{"Order|a": 5})); err != nil {
		t.Fatalf("save: %v", err)
	}
	if tr.IsAccepted(rec("Order|a", 1, t0.Add(time.Second), t0.Add(time.Second))) {
		t.Error("seq 1 of a tracked entity should be rejected as a duplicate")
	}

	// Once evicted, a reused id restarting at 1 is an implicit reset.
	tr.Evict(t0.Add(time.Hour))
	if !tr.IsAccepted(rec("Order|a", 1, t0.Add(time.Hour), t0.Add(time.Hour))) {
		t.Error("seq 1 of an evicted entity should be accepted as a reset")
	}
}

func TestIsAccepted_SuccessorGapDuplicate(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|a": 3})); err != nil {
		t.Fatalf("save: %v", err)
	}

	later := t0.Add(time.Second)
	if !tr.IsAccepted(rec("Order|a", 4, later, later)) {
		t.Error("direct successor should be accepted")
	}
	if tr.IsAccepted(rec("Order|a", 6, later, later)) {
		t.Error("gapped sequence should be rejected")
	}
	if tr.IsAccepted(rec("Order|a", 3, later, later)) {
		t.Error("duplicate should be rejected even when read later")
	}
	if tr.IsAccepted(rec("Order|a", 2, later, later)) {
		t.Error("stale sequence should be rejected")
	}
}

func TestIsAccepted_UnknownEntityLateArrival(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	if err := tr.SaveOffset(ctx, offset(t0, t0.Add(time.Second), map[string]int64{"Order|a": 3})); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Unknown entity beyond seq 1: accepted only when read strictly after
	// the last saved offset's read timestamp.
	if !tr.IsAccepted(rec("Order|b", 7, t0, t0.Add(2*time.Second))) {
		t.Error("unknown entity read after the saved offset should be accepted")
	}
	if tr.IsAccepted(rec("Order|b", 7, t0, t0.Add(time.Second))) {
		t.Error("unknown entity read at the saved offset should be rejected")
	}
	if tr.IsAccepted(rec("Order|b", 7, t0, t0)) {
		t.Error("unknown entity read before the saved offset should be rejected")
	}
}

func TestIsAccepted_UsesInflightReference(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch

	r4 := rec("Order|a", 1, t0, t0)
	if !tr.IsAccepted(r4) {
		t.Fatal("seq 1 should be accepted")
	}
	tr.AddInflight(r4)

	// With seq 1 inflight but nothing saved, only seq 2 continues.
	if !tr.IsAccepted(rec("Order|a", 2, t0, t0.Add(time.Minute))) {
		t.Error("successor of inflight should be accepted")
	}
	if tr.IsAccepted(rec("Order|a", 3, t0, t0.Add(time.Minute))) {
		t.Error("gap past inflight should be rejected")
	}
}

func TestIsAccepted_BacktrackedDuplicateOfInflightRejected(t *testing.T) {
	// A record accepted and inflight must reject its own duplicate even
	// when the duplicate carries a later read timestamp, which is exactly
	// what a backtracking re-read produces.
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	first := rec("Order|a", 1, t0, t0)
	second := rec("Order|a", 2, t0.Add(time.Second), t0.Add(time.Second))
	for _, r := range []types.ChangeRecord{first, second} {
		if !tr.IsAccepted(r) {
			t.Fatalf("seq %d should be accepted", r.SeqNr)
		}
		tr.AddInflight(r)
	}

	dup := rec("Order|a", 2, t0.Add(time.Second), t0.Add(time.Hour))
	if tr.IsAccepted(dup) {
		t.Error("backtracked duplicate of inflight record should be rejected")
	}

	if err := tr.SaveOffset(ctx, offset(second.CommitTime, second.ReadTime, map[string]int64{"Order|a": 2})); err != nil {
		t.Fatalf("save: %v", err)
	}
	if tr.IsAccepted(dup) {
		t.Error("backtracked duplicate of saved record should be rejected")
	}
}

func TestSaveOffset_SameTimestampUnions(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|a": 2})); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|b": 5})); err != nil {
		t.Fatalf("save: %v", err)
	}

	start := tr.StartOffset()
	if !start.Timestamp.Equal(t0) {
		t.Fatalf("timestamp = %s, want %s", start.Timestamp, t0)
	}
	if start.Seen["Order|a"] != 2 || start.Seen["Order|b"] != 5 {
		t.Errorf("seen = %v, want union of both saves", start.Seen)
	}

	// A later timestamp replaces the set.
	t1 := t0.Add(time.Second)
	if err := tr.SaveOffset(ctx, offset(t1, t1, map[string]int64{"Order|c": 1})); err != nil {
		t.Fatalf("save: %v", err)
	}
	start = tr.StartOffset()
	if len(start.Seen) != 1 || start.Seen["Order|c"] != 1 {
		t.Errorf("seen after advance = %v, want only Order|c", start.Seen)
	}
}

func TestSaveOffset_Idempotent(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	off := offset(t0, t0, map[string]int64{"Order|a": 2, "Order|b": 5})
	if err := tr.SaveOffset(ctx, off); err != nil {
		t.Fatalf("save: %v", err)
	}
	before := tr.StartOffset()
	if err := tr.SaveOffset(ctx, off); err != nil {
		t.Fatalf("repeat save: %v", err)
	}
	after := tr.StartOffset()

	if !before.Timestamp.Equal(after.Timestamp) || len(before.Seen) != len(after.Seen) {
		t.Errorf("repeated save changed state: %v vs %v", before, after)
	}
	for e, s := range before.Seen {
		if after.Seen[e] != s {
			t.Errorf("seen[%s] changed from %d to %d", e, s, after.Seen[e])
		}
	}
}

func TestSaveOffset_BackwardMoveKeepsResumptionOffset(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	if err := tr.SaveOffset(ctx, offset(t0.Add(time.Minute), t0.Add(time.Minute), map[string]int64{"Order|a": 3})); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A backtracked record accepted late saves at an older timestamp.
	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|b": 1})); err != nil {
		t.Fatalf("backward save: %v", err)
	}

	start := tr.StartOffset()
	if !start.Timestamp.Equal(t0.Add(time.Minute)) {
		t.Errorf("resumption timestamp moved backwards to %s", start.Timestamp)
	}
	if _, ok := start.Seen["Order|b"]; ok {
		t.Error("backward save leaked into the seen set")
	}
	// The entity's own position is still recorded, so its duplicates are
	// rejected from then on.
	if seq, ok := tr.KnownSeqNr("Order|b"); !ok || seq != 1 {
		t.Errorf("Order|b position = (%d, %v), want (1, true)", seq, ok)
	}
}

func TestSaveOffset_RegressingSeqIgnored(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|a": 5})); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|a": 3})); err != nil {
		t.Fatalf("save: %v", err)
	}
	if seq, _ := tr.KnownSeqNr("Order|a"); seq != 5 {
		t.Errorf("seq regressed to %d, want 5", seq)
	}
}

func TestSaveOffset_ClearsCoveredInflight(t *testing.T) {
	tr := newTestTracker(t, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	tr.AddInflight(rec("Order|a", 2, t0, t0))
	tr.AddInflight(rec("Order|b", 9, t0, t0))

	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|a": 2, "Order|b": 4})); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := tr.InflightSeqNr("Order|a"); ok {
		t.Error("inflight covered by save should be cleared")
	}
	if seq, ok := tr.InflightSeqNr("Order|b"); !ok || seq != 9 {
		t.Errorf("inflight ahead of save should survive, got (%d, %v)", seq, ok)
	}
}

func TestEvict_RetainsOnlyWindow(t *testing.T) {
	// Long evict interval, so the explicit Evict below is the only run.
	tr := New(Config{
		ConsumerID:    "proj-1",
		TimeWindow:    100 * time.Second,
		EvictInterval: time.Hour,
	}, NewMemoryOffsetStore())
	t0 := trackerEpoch
	ctx := context.Background()

	// One entity saved every 20s across t0..t0+160s.
	for i := int64(0); i <= 8; i++ {
		ts := t0.Add(time.Duration(i*20) * time.Second)
		entity := "Order|" + string(rune('a'+i))
		if err := tr.SaveOffset(ctx, offset(ts, ts, map[string]int64{entity: 1})); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	now := t0.Add(161 * time.Second)
	evicted := tr.Evict(now)

	// Window is 100s: entries at or after t0+61 survive, i.e. t0+80 on.
	if evicted != 4 {
		t.Errorf("evicted = %d, want 4", evicted)
	}
	if got := tr.KnownCount(); got != 5 {
		t.Errorf("known = %d, want 5", got)
	}
	if _, ok := tr.KnownSeqNr("Order|d"); ok {
		t.Error("entity at t0+60 should be evicted")
	}
	if _, ok := tr.KnownSeqNr("Order|e"); !ok {
		t.Error("entity at t0+80 should survive")
	}
}

func TestDeleteOldOffsets_StrictCutoff(t *testing.T) {
	store := NewMemoryOffsetStore()
	tr := newTestTracker(t, store)
	t0 := trackerEpoch
	ctx := context.Background()

	if err := tr.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|old": 1})); err != nil {
		t.Fatalf("save: %v", err)
	}
	cut := t0.Add(100 * time.Second)
	if err := tr.SaveOffset(ctx, offset(cut, cut, map[string]int64{"Order|edge": 1})); err != nil {
		t.Fatalf("save: %v", err)
	}

	deleted, err := tr.DeleteOldOffsets(ctx, cut.Add(100*time.Second))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	rows, err := store.LoadOffsets(ctx, "proj-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := rows["Order|edge"]; !ok {
		t.Error("row exactly at the cutoff must never be deleted")
	}
	if _, ok := rows["Order|old"]; ok {
		t.Error("row older than the cutoff should be deleted")
	}
}

func TestLoad_RestoresResumptionOffset(t *testing.T) {
	store := NewMemoryOffsetStore()
	t0 := trackerEpoch
	ctx := context.Background()

	first := newTestTracker(t, store)
	t1 := t0.Add(time.Second)
	if err := first.SaveOffset(ctx, offset(t0, t0, map[string]int64{"Order|a": 3})); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.SaveOffset(ctx, offset(t1, t1, map[string]int64{"Order|b": 1, "Order|c": 7})); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := newTestTracker(t, store)
	start := second.StartOffset()
	if !start.Timestamp.Equal(t1) {
		t.Fatalf("restored timestamp = %s, want %s", start.Timestamp, t1)
	}
	if len(start.Seen) != 2 || start.Seen["Order|b"] != 1 || start.Seen["Order|c"] != 7 {
		t.Errorf("restored seen = %v, want entities at the max timestamp only", start.Seen)
	}

	// The earlier entity is still tracked, so its duplicates stay rejected.
	if second.IsAccepted(rec("Order|a", 3, t0, t1.Add(time.Hour))) {
		t.Error("duplicate of restored entity should be rejected")
	}
	if !second.IsAccepted(rec("Order|a", 4, t1, t1.Add(time.Hour))) {
		t.Error("successor of restored entity should be accepted")
	}
}
