package btree

import "container/heap"

// Bset is a sorted, immutable run of entries (spec.md §3 glossary:
// "sorted run of keys written atomically to disk"). A node holds 1..K
// immutable bsets plus one mutable append bset (the last entry of
// decodedNode.bsets, by convention).
type Bset []Entry

// search returns the index of the first entry with Key >= pos.
func (b Bset) search(pos Key) int {
	lo, hi := 0, len(b)

	for lo < hi {
		mid := (lo + hi) / 2

		if b[mid].Key.Less(pos) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo
}

// decodedNode is the parsed view of a node's body cached on
// [nodecache.Node.Decoded]: its bsets in write order, oldest first, with
// the last one being the mutable append set.
type decodedNode struct {
	bsets []Bset
}

// nodeIterItem is one bset's current cursor position within a merge.
type nodeIterItem struct {
	bset Bset
	pos  int // index into bset; len(bset) means exhausted
	gen  int // bset generation: higher gen (later bset) wins ties
}

// nodeIterHeap is the min-heap spec.md §4.3 describes: "node_iter is a
// heap over the node's bsets so that peek returns the smallest key >=
// pos". Ties are broken toward the higher-generation (more recently
// written) bset, so a newer tombstone or overwrite shadows an older
// entry for the same key.
type nodeIterHeap []*nodeIterItem

func (h nodeIterHeap) Len() int { return len(h) }

func (h nodeIterHeap) Less(i, j int) bool {
	ki := h[i].bset[h[i].pos].Key
	kj := h[j].bset[h[j].pos].Key

	cmp := ki.Compare(kj)
	if cmp != 0 {
		return cmp < 0
	}

	return h[i].gen > h[j].gen
}

func (h nodeIterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *nodeIterHeap) Push(x any) { *h = append(*h, x.(*nodeIterItem)) }

func (h *nodeIterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// nodeIter merges a node's bsets into key order, per spec.md §4.3.
type nodeIter struct {
	h nodeIterHeap
}

// newNodeIter builds a merge iterator over dn's bsets, seeking each to
// the first entry with Key >= pos.
func newNodeIter(dn *decodedNode, pos Key) *nodeIter {
	it := &nodeIter{}

	for gen, b := range dn.bsets {
		idx := b.search(pos)
		if idx < len(b) {
			heap.Push(&it.h, &nodeIterItem{bset: b, pos: idx, gen: gen})
		}
	}

	heap.Init(&it.h)

	return it
}

// peek returns the smallest remaining entry without consuming it, and
// whether one exists. When multiple bsets hold an entry for the same key
// (an update or tombstone in a newer bset shadowing an older one), peek
// returns only the newest and silently skips the rest.
func (it *nodeIter) peek() (Entry, bool) {
	it.skipShadowed()

	if it.h.Len() == 0 {
		return Entry{}, false
	}

	return it.h[0].bset[it.h[0].pos], true
}

// advance consumes the current top entry, seeking that bset to its next
// position.
func (it *nodeIter) advance() {
	it.skipShadowed()

	if it.h.Len() == 0 {
		return
	}

	top := it.h[0]
	top.pos++

	if top.pos >= len(top.bset) {
		heap.Pop(&it.h)
	} else {
		heap.Fix(&it.h, 0)
	}
}

// skipShadowed drops every heap entry whose key equals the current
// top-of-heap key but which is not the winning (highest-gen) copy,
// leaving exactly one representative per distinct key at the top.
func (it *nodeIter) skipShadowed() {
	for it.h.Len() > 1 {
		top := it.h[0]
		topKey := top.bset[top.pos].Key

		// Find the next-lowest key among the rest; if it differs from
		// topKey there is nothing shadowed right now.
		second := -1

		for i := 1; i < it.h.Len(); i++ {
			if it.h[i].bset[it.h[i].pos].Key.Compare(topKey) == 0 {
				second = i

				break
			}
		}

		if second == -1 {
			return
		}

		dup := it.h[second]
		dup.pos++

		if dup.pos >= len(dup.bset) {
			heap.Remove(&it.h, second)
		} else {
			heap.Fix(&it.h, second)
		}
	}
}
