package bucket

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tierengine/tierengine/pkg/journal"
)

// ErrNoBuckets is returned when a reserve FIFO is empty and the caller
// asked not to wait (or the context was done before one became available).
var ErrNoBuckets = fmt.Errorf("bucket: no free buckets available")

// Victim is a candidate bucket the replacement policy selected for reuse.
type Victim struct {
	Index    uint64
	Priority uint16
}

// PolicyFunc selects zero or more reclaimable buckets from a table
// snapshot, implementing spec.md §4.4 step 1 ("select victim buckets by
// cache-replacement policy ... skip buckets holding dirty data, metadata,
// or pinned cached data"). Pinned/dirty/metadata filtering is the caller's
// (the Allocator's) job; PolicyFunc only orders and selects among buckets
// already known to be reapable.
type PolicyFunc func(candidates []Victim, want int) []Victim

// LRUPolicy orders candidates by ascending priority (least recently used
// first), matching spec.md's "LRU by priority hand" option.
func LRUPolicy(candidates []Victim, want int) []Victim {
	out := make([]Victim, len(candidates))
	copy(out, candidates)

	// Simple insertion sort on a copy: candidate lists are small (one
	// allocator scan at a time) and it is cheap for nearly-sorted input.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	if want < len(out) {
		out = out[:want]
	}

	return out
}

// FIFOPolicy returns candidates in the order given (index order stands in
// for insertion order), matching spec.md's "FIFO" replacement option.
func FIFOPolicy(candidates []Victim, want int) []Victim {
	if want < len(candidates) {
		return candidates[:want]
	}

	return candidates
}

// PinChecker reports whether a bucket is currently pinned by an open
// bucket / write point and therefore not reapable, regardless of mark.
type PinChecker interface {
	IsPinned(idx uint64) bool
}

// noPins is the zero-value PinChecker: nothing is ever pinned.
type noPins struct{}

func (noPins) IsPinned(uint64) bool { return false }

// Allocator is the per-device producer described in spec.md §4.4: it
// invalidates reapable buckets, bumps their generation, journals the bump,
// and only once the journal confirms it durable feeds them onto four
// per-class reserve FIFOs.
type Allocator struct {
	table   *Table
	jrnl    *journal.Journal
	policy  PolicyFunc
	pins    PinChecker
	deviceID uint16

	mu       sync.Mutex
	cond     *sync.Cond
	fifos    [numReserves][]uint64
	freeInc  []uint64
	closed   bool
}

// freeIncBatchSize is how many invalidated buckets accumulate in free_inc
// before the allocator bumps generations and journals the batch
// (spec.md §4.4 step 2).
const freeIncBatchSize = 16

// NewAllocator constructs an allocator for one device's table.
func NewAllocator(deviceID uint16, table *Table, jrnl *journal.Journal, policy PolicyFunc, pins PinChecker) *Allocator {
	if policy == nil {
		policy = LRUPolicy
	}

	if pins == nil {
		pins = noPins{}
	}

	a := &Allocator{
		table:    table,
		jrnl:     jrnl,
		policy:   policy,
		pins:     pins,
		deviceID: deviceID,
	}
	a.cond = sync.NewCond(&a.mu)

	return a
}

// genBumpRecord is the journaled payload for a batch of generation bumps:
// deviceID(2) count(4) then count*(bucketIndex(8) newGen(1) pad(7)).
func encodeGenBumpRecord(deviceID uint16, idxs []uint64, gens []uint8) []byte {
	buf := make([]byte, 2+4+len(idxs)*16)
	binary.LittleEndian.PutUint16(buf[0:2], deviceID)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(idxs)))

	off := 6
	for i := range idxs {
		binary.LittleEndian.PutUint64(buf[off:off+8], idxs[i])
		buf[off+8] = gens[i]
		off += 16
	}

	return buf
}

// decodeGenBumpRecord parses a payload written by encodeGenBumpRecord.
func decodeGenBumpRecord(payload []byte) (deviceID uint16, idxs []uint64, gens []uint8, err error) {
	if len(payload) < 6 {
		return 0, nil, nil, fmt.Errorf("bucket: gen bump record too short")
	}

	deviceID = binary.LittleEndian.Uint16(payload[0:2])
	count := binary.LittleEndian.Uint32(payload[2:6])

	want := 6 + int(count)*16
	if len(payload) != want {
		return 0, nil, nil, fmt.Errorf("bucket: gen bump record length %d, want %d", len(payload), want)
	}

	idxs = make([]uint64, count)
	gens = make([]uint8, count)

	off := 6
	for i := 0; i < int(count); i++ {
		idxs[i] = binary.LittleEndian.Uint64(payload[off : off+8])
		gens[i] = payload[off+8]
		off += 16
	}

	return deviceID, idxs, gens, nil
}

// ApplyReplay is wired as the journal's replay callback: it reapplies
// generation bumps for this device's entries (entries for other devices
// are silently skipped so multiple per-device allocators can share one
// journal).
func (a *Allocator) ApplyReplay(_ uint64, payload []byte) error {
	deviceID, idxs, gens, err := decodeGenBumpRecord(payload)
	if err != nil {
		return err
	}

	if deviceID != a.deviceID {
		return nil
	}

	for i := range idxs {
		if err := a.table.ApplyBump(idxs[i], gens[i]); err != nil {
			return err
		}
	}

	return nil
}

// Invalidate queues idx (already known to be reapable - dirty/metadata/
// pinned-cached buckets must be filtered before calling this) into
// free_inc, flushing a batch to the journal and onward to the reserve
// FIFOs once freeIncBatchSize accumulate (spec.md §4.4 steps 1-4). The
// whole batch lands on the reserve passed by the call that completes it
// (or by [Allocator.Flush]); reserve values of earlier calls whose buckets
// are still staged are not kept.
func (a *Allocator) Invalidate(ctx context.Context, idx uint64, reserve Reserve) error {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()

		return fmt.Errorf("bucket: allocator closed")
	}

	if err := a.table.SetMark(idx, MarkFree); err != nil {
		a.mu.Unlock()

		return err
	}

	a.freeInc = append(a.freeInc, idx)
	batch := a.freeInc
	pendingReserve := reserve

	if len(a.freeInc) < freeIncBatchSize {
		a.mu.Unlock()

		return nil
	}

	a.freeInc = nil
	a.mu.Unlock()

	return a.flushBatch(ctx, batch, pendingReserve)
}

// Flush forces any partially accumulated free_inc batch through the
// journal immediately, used by tests and by graceful shutdown.
func (a *Allocator) Flush(ctx context.Context, reserve Reserve) error {
	a.mu.Lock()
	batch := a.freeInc
	a.freeInc = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	return a.flushBatch(ctx, batch, reserve)
}

// flushBatch bumps generations for batch, journals the bump, waits for
// durability, then pushes the buckets onto the requested reserve FIFO and
// wakes waiters (spec.md §4.4 steps 2-4).
func (a *Allocator) flushBatch(ctx context.Context, batch []uint64, reserve Reserve) error {
	gens := make([]uint8, len(batch))

	for i, idx := range batch {
		gen, err := a.table.BumpGen(idx)
		if err != nil {
			return err
		}

		gens[i] = gen
	}

	payload := encodeGenBumpRecord(a.deviceID, batch, gens)

	seq, err := a.jrnl.MetaAsync(payload, nil)
	if err != nil {
		return fmt.Errorf("bucket: journal gen bump: %w", err)
	}

	if err := a.jrnl.FlushSeq(ctx, seq); err != nil {
		return fmt.Errorf("bucket: waiting for journal commit: %w", err)
	}

	a.mu.Lock()
	for i, idx := range batch {
		_ = i
		a.fifos[reserve] = append(a.fifos[reserve], idx)
	}
	a.cond.Broadcast()
	a.mu.Unlock()

	return nil
}

// ScanAndInvalidate runs one pass of spec.md §4.4 step 1 over a table
// snapshot: it selects up to want reapable buckets via the allocator's
// policy (skipping dirty/metadata/pinned buckets) and invalidates them.
// Returns the number actually invalidated.
func (a *Allocator) ScanAndInvalidate(ctx context.Context, want int, reserve Reserve) (int, error) {
	snapshot := a.table.Snapshot()

	var candidates []Victim

	for i, r := range snapshot {
		if r.Mark == MarkDirty || r.Mark == MarkMetadata || r.Mark == MarkBtree {
			continue
		}

		if r.Mark == MarkFree {
			continue // already free, nothing to reclaim
		}

		if a.pins.IsPinned(uint64(i)) {
			continue
		}

		candidates = append(candidates, Victim{Index: uint64(i), Priority: r.ReadPrio})
	}

	chosen := a.policy(candidates, want)

	for _, v := range chosen {
		if err := a.Invalidate(ctx, v.Index, reserve); err != nil {
			return 0, err
		}
	}

	if err := a.Flush(ctx, reserve); err != nil {
		return 0, err
	}

	return len(chosen), nil
}

// BucketAlloc pops one free bucket index from reserve, blocking on the
// allocator's condition variable until one is available or ctx is done.
// Callers holding critical locks (node-cache fills, btree structural
// writes) should pass [ReserveBTREE] or [ReservePRIO] so they never queue
// behind ordinary foreground I/O (spec.md §4.4).
func (a *Allocator) BucketAlloc(ctx context.Context, reserve Reserve) (uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	for len(a.fifos[reserve]) == 0 {
		if a.closed {
			return 0, fmt.Errorf("bucket: allocator closed")
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		a.cond.Wait()
	}

	idx := a.fifos[reserve][0]
	a.fifos[reserve] = a.fifos[reserve][1:]

	if err := a.table.SetMark(idx, MarkOpen); err != nil {
		return 0, err
	}

	return idx, nil
}

// TryBucketAlloc pops a bucket without blocking, returning [ErrNoBuckets]
// if reserve is empty.
func (a *Allocator) TryBucketAlloc(reserve Reserve) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.fifos[reserve]) == 0 {
		return 0, ErrNoBuckets
	}

	idx := a.fifos[reserve][0]
	a.fifos[reserve] = a.fifos[reserve][1:]

	if err := a.table.SetMark(idx, MarkOpen); err != nil {
		return 0, err
	}

	return idx, nil
}

// ReserveDepth returns the current queue depth for one reserve class, a
// read-only observable from spec.md §6.
func (a *Allocator) ReserveDepth(reserve Reserve) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.fifos[reserve])
}

// Close marks the allocator closed and wakes any blocked waiters, which
// then observe the closed flag and return an error.
func (a *Allocator) Close() {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
}
