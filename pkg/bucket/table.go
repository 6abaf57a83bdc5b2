package bucket

import (
	"fmt"
	"sync"
)

// prioRescaleThreshold bounds how far a priority clock's hand may run
// ahead of the minimum observed priority before every record's priority is
// halved (spec.md §3, "Priority clocks... clocks rescale... when hand -
// min_prio approaches overflow, preserving relative order").
const prioRescaleThreshold = 1 << 15

// Table is one device's bucket-gen table: a fixed-size vector of [Record]
// plus the two priority clocks ("hands") spec.md §3 describes, one for
// reads and one for writes.
type Table struct {
	mu sync.RWMutex

	records []Record

	readHand  uint16
	writeHand uint16

	genBumps uint64
}

// NewTable allocates a table for a device with the given fixed bucket
// count. All buckets start Free.
func NewTable(nbuckets uint64) *Table {
	return &Table{records: make([]Record, nbuckets)}
}

// Len returns the fixed bucket count.
func (t *Table) Len() uint64 {
	return uint64(len(t.records))
}

// Get returns a copy of one bucket's record.
func (t *Table) Get(idx uint64) (Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if idx >= uint64(len(t.records)) {
		return Record{}, fmt.Errorf("bucket: index %d out of range [0,%d)", idx, len(t.records))
	}

	return t.records[idx], nil
}

// Gen returns just the current generation of a bucket, the value compared
// against a [Pointer.BucketGen] to detect staleness (spec.md §3).
func (t *Table) Gen(idx uint64) (uint8, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if idx >= uint64(len(t.records)) {
		return 0, fmt.Errorf("bucket: index %d out of range [0,%d)", idx, len(t.records))
	}

	return t.records[idx].Gen, nil
}

// IsStale reports whether ptr's recorded generation no longer matches the
// bucket's current generation.
func (t *Table) IsStale(ptr Pointer) (bool, error) {
	gen, err := t.Gen(ptr.BucketIndex)
	if err != nil {
		return true, err
	}

	return gen != ptr.BucketGen, nil
}

// SetMark sets a bucket's lifecycle mark directly (used when transitioning
// open -> full -> dirty|cached|meta, spec.md §4.8). It does not touch the
// generation or priority.
func (t *Table) SetMark(idx uint64, mark Mark) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= uint64(len(t.records)) {
		return fmt.Errorf("bucket: index %d out of range [0,%d)", idx, len(t.records))
	}

	t.records[idx].Mark = mark

	return nil
}

// Touch bumps a bucket's priority to the current hand for the given
// direction (read or write), per spec.md §3: "every touched bucket gets
// prio = hand". It advances the hand by one IO-time unit and rescales if
// the hand is about to approach overflow relative to the table's minimum
// priority.
func (t *Table) Touch(idx uint64, write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= uint64(len(t.records)) {
		return fmt.Errorf("bucket: index %d out of range [0,%d)", idx, len(t.records))
	}

	if write {
		t.writeHand++

		t.records[idx].WritePrio = t.writeHand
		t.maybeRescaleLocked(true)
	} else {
		t.readHand++

		t.records[idx].ReadPrio = t.readHand
		t.maybeRescaleLocked(false)
	}

	return nil
}

// maybeRescaleLocked halves every record's priority (and the hand itself)
// for the given direction once the hand has run prioRescaleThreshold units
// ahead of the minimum observed priority, preserving relative order while
// avoiding a uint16 wrap (spec.md §3).
func (t *Table) maybeRescaleLocked(write bool) {
	var hand *uint16

	if write {
		hand = &t.writeHand
	} else {
		hand = &t.readHand
	}

	minPrio := t.minPrioLocked(write)
	if uint32(*hand)-uint32(minPrio) < prioRescaleThreshold {
		return
	}

	for i := range t.records {
		if write {
			t.records[i].WritePrio /= 2
		} else {
			t.records[i].ReadPrio /= 2
		}
	}

	*hand /= 2
}

func (t *Table) minPrioLocked(write bool) uint16 {
	if len(t.records) == 0 {
		return 0
	}

	min := t.records[0].ReadPrio
	if write {
		min = t.records[0].WritePrio
	}

	for _, r := range t.records[1:] {
		p := r.ReadPrio
		if write {
			p = r.WritePrio
		}

		if p < min {
			min = p
		}
	}

	return min
}

// BumpGen increments a bucket's generation (wrapping at 255) and marks it
// Free, the in-memory half of the transition the allocator drives; the
// allocator then journals the bump and waits for it to be durable before
// the bucket reaches a reserve FIFO (spec.md §3's free-bucket
// invariant: "a bucket marked free is only reused after the journal has
// committed that no live extent references its previous generation").
// Callers must journal this bump themselves before relying on it (see
// [ApplyBump] for the replay-time counterpart).
func (t *Table) BumpGen(idx uint64) (newGen uint8, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= uint64(len(t.records)) {
		return 0, fmt.Errorf("bucket: index %d out of range [0,%d)", idx, len(t.records))
	}

	t.records[idx].Gen++
	t.records[idx].Mark = MarkFree
	t.records[idx].SectorsUsed = 0
	t.genBumps++

	return t.records[idx].Gen, nil
}

// ApplyBump sets a bucket directly to a known generation, used only during
// journal replay on open (the bump already happened; we are reconstructing
// in-memory state, not re-deciding it).
func (t *Table) ApplyBump(idx uint64, gen uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= uint64(len(t.records)) {
		return fmt.Errorf("bucket: index %d out of range [0,%d)", idx, len(t.records))
	}

	t.records[idx].Gen = gen
	t.records[idx].Mark = MarkFree
	t.records[idx].SectorsUsed = 0

	return nil
}

// AddSectors adds n sectors to a bucket's used count, used when pointers
// are appended to an open bucket (spec.md §4.4, alloc_sectors_append_ptrs).
func (t *Table) AddSectors(idx uint64, n uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= uint64(len(t.records)) {
		return fmt.Errorf("bucket: index %d out of range [0,%d)", idx, len(t.records))
	}

	t.records[idx].SectorsUsed += n

	return nil
}

// Stats computes a snapshot of bucket counts by mark, used for the
// read-only observables in spec.md §6.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{NumBuckets: uint64(len(t.records)), GenBumps: t.genBumps}

	for _, r := range t.records {
		switch r.Mark {
		case MarkFree:
			s.Free++
		case MarkCached:
			s.Cached++
		case MarkDirty:
			s.Dirty++
		case MarkMetadata:
			s.Metadata++
		case MarkBtree:
			s.Btree++
		}
	}

	return s
}

// Snapshot returns a copy of every record, for the allocator's victim-scan
// (spec.md §4.4 step 1) and tests. Callers must not assume this stays
// current.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, len(t.records))
	copy(out, t.records)

	return out
}
