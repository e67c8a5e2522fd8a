package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eventail/eventail/internal/slice"
	"github.com/eventail/eventail/internal/source"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "changelog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func allSlices() (int, int) { return 0, slice.NumSlices - 1 }

func TestAppendAssignsSequenceAndSlice(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r1, err := store.Append(ctx, "Order", "Order|a", []byte("p1"), "json")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	r2, err := store.Append(ctx, "Order", "Order|a", []byte("p2"), "json")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if r1.SeqNr != 1 || r2.SeqNr != 2 {
		t.Errorf("seq nrs = %d, %d, want 1, 2", r1.SeqNr, r2.SeqNr)
	}
	if r1.Slice != slice.For("Order|a") || r1.Slice != r2.Slice {
		t.Errorf("slices = %d, %d, want %d", r1.Slice, r2.Slice, slice.For("Order|a"))
	}
	if r1.EventID == "" || r1.EventID == r2.EventID {
		t.Errorf("event ids = %q, %q", r1.EventID, r2.EventID)
	}
}

func TestRowsBySliceOrderingAndWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Hour)

	// Inserted out of commit order on purpose.
	for _, d := range []time.Duration{30 * time.Second, 10 * time.Second, 20 * time.Second} {
		if _, err := store.AppendAt(ctx, "Order", "Order|a", []byte("p"), "json", t0.Add(d)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.AppendAt(ctx, "Account", "Account|x", []byte("p"), "json", t0.Add(15*time.Second)); err != nil {
		t.Fatalf("append: %v", err)
	}

	minS, maxS := allSlices()
	rows, err := store.RowsBySlice(ctx, source.Request{
		EntityType:    "Order",
		MinSlice:      minS,
		MaxSlice:      maxS,
		FromTimestamp: t0.Add(15 * time.Second),
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (window filter plus entity type filter)", len(rows))
	}
	if !rows[0].CommitTime.Before(rows[1].CommitTime) {
		t.Error("rows not ascending by commit time")
	}
	if string(rows[0].Payload) != "p" || rows[0].Manifest != "json" {
		t.Errorf("payload round trip: %q %q", rows[0].Payload, rows[0].Manifest)
	}
	if rows[0].ReadTime.IsZero() {
		t.Error("read timestamp not set")
	}
}

func TestRowsBySliceBehindCurrentTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.AppendAt(ctx, "Order", "Order|a", []byte("old"), "json", now.Add(-time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendAt(ctx, "Order", "Order|a", []byte("fresh"), "json", now); err != nil {
		t.Fatalf("append: %v", err)
	}

	minS, maxS := allSlices()
	rows, err := store.RowsBySlice(ctx, source.Request{
		EntityType:        "Order",
		MinSlice:          minS,
		MaxSlice:          maxS,
		FromTimestamp:     now.Add(-time.Hour),
		BehindCurrentTime: 30 * time.Second,
		Limit:             10,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || string(rows[0].Payload) != "old" {
		t.Fatalf("rows = %v, want only the row older than the lag window", rows)
	}
}

func TestRowsBySlicePaging(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		if _, err := store.AppendAt(ctx, "Order", "Order|a", []byte("p"), "json", t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	minS, maxS := allSlices()
	req := source.Request{
		EntityType:    "Order",
		MinSlice:      minS,
		MaxSlice:      maxS,
		FromTimestamp: t0,
		Limit:         2,
	}
	rows, err := store.RowsBySlice(ctx, req)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("page = %d rows, want 2", len(rows))
	}
	if rows[0].SeqNr != 1 || rows[1].SeqNr != 2 {
		t.Errorf("page = seqs %d, %d, want 1, 2", rows[0].SeqNr, rows[1].SeqNr)
	}
}

func TestBacktrackingRowsCarryNoPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Hour)

	if _, err := store.AppendAt(ctx, "Order", "Order|a", []byte("secret"), "json", t0); err != nil {
		t.Fatalf("append: %v", err)
	}

	minS, maxS := allSlices()
	rows, err := store.RowsBySlice(ctx, source.Request{
		EntityType:    "Order",
		MinSlice:      minS,
		MaxSlice:      maxS,
		FromTimestamp: t0.Add(-time.Second),
		Backtracking:  true,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Payload != nil {
		t.Error("backtracking row carries a payload")
	}
	if !rows[0].Backtracking {
		t.Error("backtracking flag not set")
	}

	payload, manifest, err := store.LoadPayload(ctx, "Order|a", 1)
	if err != nil {
		t.Fatalf("load payload: %v", err)
	}
	if string(payload) != "secret" || manifest != "json" {
		t.Errorf("payload = %q %q", payload, manifest)
	}
}

func TestLoadPayloadMissing(t *testing.T) {
	store := openTestStore(t)
	if _, _, err := store.LoadPayload(context.Background(), "Order|ghost", 1); err == nil {
		t.Error("expected error for missing row")
	}
}

func TestCountBucketsGroupsByWidth(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(10 * time.Second)

	// Two rows in the first bucket, one in the next.
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 11 * time.Second} {
		if _, err := store.AppendAt(ctx, "Order", "Order|a", []byte("p"), "json", base.Add(d)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	minS, maxS := allSlices()
	buckets, err := store.CountBuckets(ctx, "Order", minS, maxS, base, 100)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(buckets))
	}
	if buckets[0].Count != 2 || buckets[1].Count != 1 {
		t.Errorf("counts = %d, %d, want 2, 1", buckets[0].Count, buckets[1].Count)
	}
	if buckets[1].Start-buckets[0].Start != 10 {
		t.Errorf("bucket starts = %d, %d, want 10s apart", buckets[0].Start, buckets[1].Start)
	}
}

func TestEntityIDsAfter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"Order|b", "Order|a", "Order|c", "Order|a"} {
		if _, err := store.Append(ctx, "Order", id, []byte("p"), "json"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ids, err := store.EntityIDsAfter(ctx, "Order", "Order|a", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ids) != 2 || ids[0] != "Order|b" || ids[1] != "Order|c" {
		t.Errorf("ids = %v, want [Order|b Order|c]", ids)
	}
}
