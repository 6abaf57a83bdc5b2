package bucket

import (
	"context"
	"fmt"
	"sync"
)

// OpenBucket tracks one bucket currently accepting appends from a
// [WritePoint]: its index, generation at the time it was opened, and how
// many sectors have been handed out so far (spec.md §4.4, "alloc_sectors_*").
type OpenBucket struct {
	Index    uint64
	Gen      uint8
	Sectors  uint32 // sectors already claimed
	capacity uint32 // sectors the bucket can hold, fixed at open time
}

// Remaining reports how many sectors are still free in the bucket.
func (ob *OpenBucket) Remaining() uint32 {
	if ob.Sectors >= ob.capacity {
		return 0
	}

	return ob.capacity - ob.Sectors
}

// WritePoint batches sequential writes into a small, fixed number of
// concurrently open buckets so that writes from one task land contiguously
// on disk (spec.md glossary: "write point - one of a small number of
// currently-open buckets that new data is appended to").
type WritePoint struct {
	alloc         *Allocator
	table         *Table
	mark          Mark
	reserve       Reserve
	bucketSectors uint32

	mu   sync.Mutex
	open []*OpenBucket
	pins map[uint64]int // bucket index -> outstanding pin count
}

// NewWritePoint constructs a write point drawing buckets of the given
// capacity from alloc, stamping them with mark once full (spec.md §4.8).
func NewWritePoint(alloc *Allocator, table *Table, mark Mark, reserve Reserve, bucketSectors uint32) *WritePoint {
	return &WritePoint{
		alloc:         alloc,
		table:         table,
		mark:          mark,
		reserve:       reserve,
		bucketSectors: bucketSectors,
		pins:          make(map[uint64]int),
	}
}

// IsPinned implements [PinChecker] so an [Allocator]'s victim scan never
// reclaims a bucket a write point still has open.
func (wp *WritePoint) IsPinned(idx uint64) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	return wp.pins[idx] > 0
}

// AllocSectorsStart reserves n sectors from one of the write point's open
// buckets, opening a fresh bucket from the allocator if none has room
// (spec.md §4.4, "alloc_sectors_start"). It returns the bucket and the
// starting sector offset within it.
func (wp *WritePoint) AllocSectorsStart(ctx context.Context, n uint32) (*OpenBucket, uint32, error) {
	if n == 0 {
		return nil, 0, fmt.Errorf("bucket: AllocSectorsStart requires n > 0")
	}

	if n > wp.bucketSectors {
		return nil, 0, fmt.Errorf("bucket: request of %d sectors exceeds bucket capacity %d", n, wp.bucketSectors)
	}

	wp.mu.Lock()

	for _, ob := range wp.open {
		if ob.Remaining() >= n {
			start := ob.Sectors
			ob.Sectors += n
			wp.mu.Unlock()

			if err := wp.table.AddSectors(ob.Index, n); err != nil {
				return nil, 0, err
			}

			return ob, start, nil
		}
	}

	wp.mu.Unlock()

	idx, err := wp.alloc.BucketAlloc(ctx, wp.reserve)
	if err != nil {
		return nil, 0, fmt.Errorf("bucket: opening new bucket for write point: %w", err)
	}

	gen, err := wp.table.Gen(idx)
	if err != nil {
		return nil, 0, err
	}

	ob := &OpenBucket{Index: idx, Gen: gen, capacity: wp.bucketSectors}
	ob.Sectors = n

	wp.mu.Lock()
	wp.open = append(wp.open, ob)
	wp.pins[idx]++
	wp.mu.Unlock()

	if err := wp.table.AddSectors(idx, n); err != nil {
		return nil, 0, err
	}

	return ob, 0, nil
}

// AllocSectorsAppendPtrs records that the sectors just claimed on ob were
// committed as pointers, stamping the bucket with the write point's mark
// once it has no sectors remaining (spec.md §4.4,
// "alloc_sectors_append_ptrs").
func (wp *WritePoint) AllocSectorsAppendPtrs(ob *OpenBucket) error {
	if ob.Remaining() == 0 {
		return wp.table.SetMark(ob.Index, wp.mark)
	}

	return nil
}

// AllocSectorsDone releases a write point's hold on a bucket once nothing
// further will be appended to it, clearing its pin so the allocator may
// later reclaim it (spec.md §4.4, "alloc_sectors_done"). It is not
// idempotent: calling it twice for the same bucket is a caller bug and
// returns an error rather than double-unpinning.
func (wp *WritePoint) AllocSectorsDone(ob *OpenBucket) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.pins[ob.Index] <= 0 {
		return fmt.Errorf("bucket: AllocSectorsDone called on unpinned bucket %d", ob.Index)
	}

	wp.pins[ob.Index]--
	if wp.pins[ob.Index] == 0 {
		delete(wp.pins, ob.Index)
	}

	for i, o := range wp.open {
		if o.Index == ob.Index {
			wp.open = append(wp.open[:i], wp.open[i+1:]...)

			break
		}
	}

	if err := wp.table.SetMark(ob.Index, wp.mark); err != nil {
		return err
	}

	return nil
}

// OpenBuckets returns a snapshot of the buckets currently pinned open by
// this write point, for observability.
func (wp *WritePoint) OpenBuckets() []OpenBucket {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	out := make([]OpenBucket, len(wp.open))
	for i, ob := range wp.open {
		out[i] = *ob
	}

	return out
}
