package keybuf

import (
	"sync"

	"github.com/google/btree"
)

// Range is one dirty extent range awaiting background writeback
// (spec.md §4.7 glossary: "an ordered interval index of dirty keys
// awaiting writeback"). Ranges are half-open: [Start, End).
type Range struct {
	Inode   uint64
	Start   uint64
	End     uint64
	Started bool // writeback has been submitted for this range
}

// item adapts a Range to [btree.Item], ordering first by Inode then by
// Start so AscendRange can enumerate a single inode's ranges in order.
type item struct {
	Range
}

func (a item) Less(than btree.Item) bool {
	b := than.(item)

	if a.Inode != b.Inode {
		return a.Inode < b.Inode
	}

	return a.Start < b.Start
}

// degree is google/btree's node fan-out; 32 is a reasonable default for
// an in-memory index of modest size (thousands to low millions of dirty
// ranges), matching the fan-out other VictoriaMetrics/etcd-style indexes
// in the corpus pick for similar workloads.
const degree = 32

// Keybuf is the writeback overlap index for one device (or cache set).
type Keybuf struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// New constructs an empty Keybuf.
func New() *Keybuf {
	return &Keybuf{tree: btree.New(degree)}
}

// Insert adds a dirty range pending writeback. The caller is responsible
// for ensuring the range does not already overlap an existing entry
// (foreground writes call CheckOverlapping first to clear the way).
func (k *Keybuf) Insert(r Range) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.tree.ReplaceOrInsert(item{r})
}

// MarkStarted flags the range beginning at (inode, start) as having had
// its writeback submitted, so a subsequent CheckOverlapping no longer
// drops it (spec.md §4.7: only not-yet-started keys are dropped).
func (k *Keybuf) MarkStarted(inode, start uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.tree.Get(item{Range{Inode: inode, Start: start}})
	if existing == nil {
		return false
	}

	r := existing.(item).Range
	r.Started = true
	k.tree.ReplaceOrInsert(item{r})

	return true
}

// Remove deletes the range beginning at (inode, start), called once its
// writeback has completed.
func (k *Keybuf) Remove(inode, start uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.tree.Delete(item{Range{Inode: inode, Start: start}})
}

// CheckOverlapping implements spec.md §4.7's check_overlapping(start,
// end): reports whether [start, end) on inode overlaps any not-yet-
// started dirty range, and drops every such range so the caller's
// foreground write can subsume it ("allowing the foreground write to
// subsume them"). Already-started ranges are left untouched and do not
// contribute to the returned bool.
func (k *Keybuf) CheckOverlapping(inode, start, end uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	var (
		toDelete []item
		overlap  bool
	)

	// No range starting at or after `end` can overlap [start, end); no
	// range with Start+len <= start can either, but since ranges are
	// stored by Start only, scan forward from the first range that could
	// possibly end after `start` - conservatively, from the beginning of
	// this inode's ranges - and stop once Start >= end.
	pivot := item{Range{Inode: inode}}
	stop := item{Range{Inode: inode, Start: end}}

	k.tree.AscendRange(pivot, stop, func(i btree.Item) bool {
		r := i.(item).Range
		if r.Inode != inode {
			return true
		}

		if r.End <= start {
			return true
		}

		if r.Started {
			return true
		}

		overlap = true
		toDelete = append(toDelete, i.(item))

		return true
	})

	// A range that starts before `start` but extends into [start, end)
	// would be missed by AscendRange(pivot, stop, ...) only if pivot's
	// lower bound already covers Start==0 for this inode, which it does
	// (pivot has Start: 0); nothing further to scan.
	for _, it := range toDelete {
		k.tree.Delete(it)
	}

	return overlap
}

// Next returns the earliest not-yet-started range, for the writeback
// worker to scan for work (spec.md §4.7: "used ... by the writeback
// worker to scan for work").
func (k *Keybuf) Next() (Range, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var (
		found Range
		ok    bool
	)

	k.tree.Ascend(func(i btree.Item) bool {
		r := i.(item).Range
		if r.Started {
			return true
		}

		found = r
		ok = true

		return false
	})

	return found, ok
}

// Len reports how many ranges are currently indexed.
func (k *Keybuf) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.tree.Len()
}
