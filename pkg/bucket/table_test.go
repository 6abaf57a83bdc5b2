package bucket_test

import (
	"testing"

	"github.com/tierengine/tierengine/pkg/bucket"
)

func TestNewTableAllBucketsStartFree(t *testing.T) {
	tbl := bucket.NewTable(4)

	for i := uint64(0); i < 4; i++ {
		rec, err := tbl.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}

		if rec.Mark != bucket.MarkFree {
			t.Fatalf("bucket %d mark = %v, want free", i, rec.Mark)
		}
	}
}

func TestGetOutOfRangeErrors(t *testing.T) {
	tbl := bucket.NewTable(2)

	if _, err := tbl.Get(2); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestBumpGenWrapsAndResetsState(t *testing.T) {
	tbl := bucket.NewTable(1)

	if err := tbl.SetMark(0, bucket.MarkDirty); err != nil {
		t.Fatalf("SetMark: %v", err)
	}

	if err := tbl.AddSectors(0, 10); err != nil {
		t.Fatalf("AddSectors: %v", err)
	}

	var gen uint8

	for i := 0; i < 256; i++ {
		g, err := tbl.BumpGen(0)
		if err != nil {
			t.Fatalf("BumpGen: %v", err)
		}

		gen = g
	}

	if gen != 0 {
		t.Fatalf("gen after 256 bumps = %d, want wraparound to 0", gen)
	}

	rec, err := tbl.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if rec.Mark != bucket.MarkFree || rec.SectorsUsed != 0 {
		t.Fatalf("rec = %+v, want free mark and 0 sectors", rec)
	}
}

func TestIsStaleComparesGeneration(t *testing.T) {
	tbl := bucket.NewTable(1)

	gen, err := tbl.Gen(0)
	if err != nil {
		t.Fatalf("Gen: %v", err)
	}

	ptr := bucket.Pointer{BucketIndex: 0, BucketGen: gen}

	stale, err := tbl.IsStale(ptr)
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}

	if stale {
		t.Fatal("pointer at current generation reported stale")
	}

	if _, err := tbl.BumpGen(0); err != nil {
		t.Fatalf("BumpGen: %v", err)
	}

	stale, err = tbl.IsStale(ptr)
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}

	if !stale {
		t.Fatal("pointer at stale generation not reported stale")
	}
}

func TestApplyBumpReconstructsWithoutCountingGenBumps(t *testing.T) {
	tbl := bucket.NewTable(1)

	if err := tbl.ApplyBump(0, 7); err != nil {
		t.Fatalf("ApplyBump: %v", err)
	}

	gen, err := tbl.Gen(0)
	if err != nil {
		t.Fatalf("Gen: %v", err)
	}

	if gen != 7 {
		t.Fatalf("gen = %d, want 7", gen)
	}

	if stats := tbl.Stats(); stats.GenBumps != 0 {
		t.Fatalf("GenBumps = %d, want 0 (ApplyBump must not count as a live bump)", stats.GenBumps)
	}
}

const prioRescaleThresholdForTest = 1 << 15

func TestTouchRescalesPriorityNearOverflow(t *testing.T) {
	tbl := bucket.NewTable(2)

	for i := 0; i < (1<<16)-10; i++ {
		if err := tbl.Touch(0, false); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}

	rec0, err := tbl.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Rescaling should have kept the hand below the rescale threshold (well
	// below uint16 max) even after this many touches of the same bucket.
	if rec0.ReadPrio > prioRescaleThresholdForTest {
		t.Fatalf("ReadPrio = %d, expected rescaling to keep it bounded", rec0.ReadPrio)
	}
}

func TestStatsCountsByMark(t *testing.T) {
	tbl := bucket.NewTable(5)

	marks := []bucket.Mark{
		bucket.MarkFree,
		bucket.MarkCached,
		bucket.MarkDirty,
		bucket.MarkMetadata,
		bucket.MarkBtree,
	}

	for i, m := range marks {
		if err := tbl.SetMark(uint64(i), m); err != nil {
			t.Fatalf("SetMark(%d): %v", i, err)
		}
	}

	stats := tbl.Stats()

	if stats.Free != 1 || stats.Cached != 1 || stats.Dirty != 1 || stats.Metadata != 1 || stats.Btree != 1 {
		t.Fatalf("stats = %+v, want one of each", stats)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl := bucket.NewTable(1)

	snap := tbl.Snapshot()

	if err := tbl.SetMark(0, bucket.MarkDirty); err != nil {
		t.Fatalf("SetMark: %v", err)
	}

	if snap[0].Mark != bucket.MarkFree {
		t.Fatalf("snapshot mutated by later SetMark: %v", snap[0].Mark)
	}
}
