package bucket

import "fmt"

// Mark is the bucket lifecycle state (spec.md §4.8):
// free -> open -> full -> dirty|cached|meta -> invalidated -> (journaled) -> free.
type Mark uint8

const (
	MarkFree Mark = iota
	MarkOpen
	MarkCached
	MarkDirty
	MarkMetadata
	MarkBtree
)

func (m Mark) String() string {
	switch m {
	case MarkFree:
		return "free"
	case MarkOpen:
		return "open"
	case MarkCached:
		return "cached"
	case MarkDirty:
		return "dirty"
	case MarkMetadata:
		return "metadata"
	case MarkBtree:
		return "btree"
	default:
		return fmt.Sprintf("bucket.Mark(%d)", uint8(m))
	}
}

// Reserve identifies one of the four per-device free-bucket FIFOs
// (spec.md §3, "Reserve classes"). Metadata allocations (PRIO, BTREE) must
// never starve behind user I/O; MOVINGGC is held back so garbage
// collection can always make forward progress.
type Reserve int

const (
	// ReservePRIO is for priority-set (bucket metadata) writes.
	ReservePRIO Reserve = iota
	// ReserveBTREE is for btree node writes; callers holding a six-lock
	// must request this class so they never wait behind ordinary I/O.
	ReserveBTREE
	// ReserveMOVINGGC is reserved so the moving-GC worker can always copy
	// live data out of a bucket being reclaimed.
	ReserveMOVINGGC
	// ReserveNONE is ordinary foreground data I/O: lowest priority for
	// free buckets, first to block under space pressure.
	ReserveNONE

	numReserves = 4
)

func (r Reserve) String() string {
	switch r {
	case ReservePRIO:
		return "prio"
	case ReserveBTREE:
		return "btree"
	case ReserveMOVINGGC:
		return "moving_gc"
	case ReserveNONE:
		return "none"
	default:
		return fmt.Sprintf("bucket.Reserve(%d)", int(r))
	}
}

// ReplacementPolicy selects which buckets the allocator's producer thread
// favors when choosing victims to invalidate (spec.md §4.4 step 1).
type ReplacementPolicy int

const (
	ReplacementLRU ReplacementPolicy = iota
	ReplacementFIFO
	ReplacementRandom
)

// Pointer identifies one replica of an extent: a bucket on a device at a
// given generation and sector offset within the bucket (spec.md §3).
type Pointer struct {
	Device       uint16
	BucketGen    uint8
	OffsetInBkt  uint32
	BucketIndex  uint64
}

// Record is one bucket's in-memory metadata (spec.md §3, "Bucket record").
type Record struct {
	Gen          uint8
	Mark         Mark
	ReadPrio     uint16
	WritePrio    uint16
	SectorsUsed  uint32
	Reserve      Reserve // which FIFO this bucket belongs to once freed
}

// Stats summarizes a device's bucket table for observability (spec.md §6,
// "bucket/priority/fragmentation quantiles").
type Stats struct {
	NumBuckets uint64
	Free       uint64
	Cached     uint64
	Dirty      uint64
	Metadata   uint64
	Btree      uint64
	GenBumps   uint64 // monotone count of generation bumps issued, for debugging
}
