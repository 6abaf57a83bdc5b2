package btree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tierengine/tierengine/pkg/bucket"
	"github.com/tierengine/tierengine/pkg/nodecache"
	"github.com/tierengine/tierengine/pkg/sixlock"
)

// ErrRetry is returned by Traverse/Peek when a relock failed and the
// caller must restart from find (spec.md §4.3 retry protocol).
var ErrRetry = errors.New("btree: retry")

// RootProvider resolves the current root pointer and depth of one tree,
// indirected so copy-on-write root swaps (a future structural-update
// path) only need to change what this returns.
type RootProvider interface {
	Root() (ptr bucket.Pointer, depth int)
}

// Tree is the shared, read-mostly description of one btree: where its
// root currently is and which node cache backs it.
type Tree struct {
	Cache *nodecache.Cache
	Root  RootProvider
	ID    uint8
}

// StaticRoot is the simplest [RootProvider]: a root pointer and depth
// fixed at construction time, swappable under a mutex as structural
// updates land (spec.md's copy-on-write root replacement).
type StaticRoot struct {
	mu    sync.RWMutex
	ptr   bucket.Pointer
	depth int
}

// NewStaticRoot constructs a root provider pinned at ptr/depth.
func NewStaticRoot(ptr bucket.Pointer, depth int) *StaticRoot {
	return &StaticRoot{ptr: ptr, depth: depth}
}

// Root implements [RootProvider].
func (r *StaticRoot) Root() (bucket.Pointer, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ptr, r.depth
}

// Set atomically swaps the root, the operation a completed structural
// update performs once its new root node is durable.
func (r *StaticRoot) Set(ptr bucket.Pointer, depth int) {
	r.mu.Lock()
	r.ptr = ptr
	r.depth = depth
	r.mu.Unlock()
}

// pathLevel is one locked node along an iterator's path.
type pathLevel struct {
	node *nodecache.Node
	mode sixlock.Mode
	seq  uint64
	iter *nodeIter
}

// Iterator is the per-request btree cursor from spec.md §4.3: a path of
// 0..MaxDepth locked nodes from the root downward, locksWant controlling
// how far down intent locks (vs. read locks) are taken, and an intra-node
// cursor merging the current leaf's bsets in key order.
type Iterator struct {
	tree      *Tree
	pos       Key
	locksWant int

	path []pathLevel

	// ring links this iterator into the sibling group sharing locks on
	// common ancestor nodes (spec.md §4.3 "linked iterators").
	ringNext *Iterator
	ringPrev *Iterator
}

// New constructs an iterator with no locks held yet, matching spec.md
// §4.3's init: "records target; no locks yet".
func New(tree *Tree, pos Key, locksWant int) *Iterator {
	it := &Iterator{tree: tree, pos: pos, locksWant: locksWant}
	it.ringNext = it
	it.ringPrev = it

	return it
}

// Pos returns the iterator's current cursor position.
func (it *Iterator) Pos() Key {
	return it.pos
}

// LocksWant returns the iterator's current locksWant, so a caller
// re-initialising the iterator at a new position (e.g. a stale-pointer
// retry re-entering at an earlier key) can preserve it across [Iterator.Init].
func (it *Iterator) LocksWant() int {
	return it.locksWant
}

// Init reinitialises an already-constructed iterator to a new target
// without touching its ring linkage, for iterator reuse across requests.
func (it *Iterator) Init(pos Key, locksWant int) {
	it.pos = pos
	it.locksWant = locksWant
}

// lockModeFor returns the mode traverse should take at level, given the
// iterator's locksWant: intent at and below locksWant, read above it.
func (it *Iterator) lockModeFor(level int) sixlock.Mode {
	if level <= it.locksWant {
		return sixlock.Intent
	}

	return sixlock.Read
}

// Traverse walks from the root down to the leaf containing pos, calling
// the node cache's Get at each level (spec.md §4.3). On a Retry from the
// node cache it restarts from the root; it returns an error only on I/O
// or out-of-memory (surfaced from [nodecache.Cache.Get]/Fill).
func (it *Iterator) Traverse(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		it.unlockAll()

		ptr, depth := it.tree.Root.Root()
		level := depth

		var parent *nodecache.ParentRef

		restarted := false

		for {
			mode := it.lockModeFor(level)

			n, err := it.tree.Cache.Get(ctx, ptr, uint8(level), mode, false, parent)
			if errors.Is(err, nodecache.ErrRetry) {
				restarted = true

				break
			}

			if err != nil {
				it.unlockAll()

				return fmt.Errorf("btree: traverse level %d: %w", level, err)
			}

			seq := n.Lock.Seq()
			it.path = append(it.path, pathLevel{node: n, mode: mode, seq: seq})

			if level == 0 {
				dn, err := decode(n)
				if err != nil {
					it.unlockAll()

					return fmt.Errorf("btree: decode leaf: %w", err)
				}

				it.path[len(it.path)-1].iter = newNodeIter(dn, it.pos)

				return nil
			}

			dn, err := decode(n)
			if err != nil {
				it.unlockAll()

				return fmt.Errorf("btree: decode level %d: %w", level, err)
			}

			childPtr, ok := childPointer(dn, it.pos)
			if !ok {
				it.unlockAll()

				return fmt.Errorf("btree: no child pointer for %v at level %d", it.pos, level)
			}

			nodeCopy := n
			modeCopy := mode

			parent = &nodecache.ParentRef{
				Seq: seq,
				Unlock: func() {
					nodeCopy.Lock.Unlock(modeCopy)
				},
				Relock: func() bool {
					return nodeCopy.Lock.CheckSeq(seq)
				},
			}

			ptr = childPtr
			level--
		}

		if !restarted {
			return nil
		}

		if attempt > 64 {
			return fmt.Errorf("btree: traverse did not converge after %d restarts", attempt)
		}
	}
}

// childPointer decodes the child pointer carried by the entry covering
// pos in an internal node: the first entry whose key is >= pos (the
// standard "search key, descend via the entry that bounds it" rule for a
// B-tree with ascending-key internal separators).
func childPointer(dn *decodedNode, pos Key) (bucket.Pointer, bool) {
	it := newNodeIter(dn, pos)

	e, ok := it.peek()
	if !ok {
		return bucket.Pointer{}, false
	}

	return decodeChildPointer(e.Value)
}

// unlockAll releases every lock currently held along the path, deepest
// first, and clears it.
func (it *Iterator) unlockAll() {
	for i := len(it.path) - 1; i >= 0; i-- {
		pl := it.path[i]
		pl.node.Lock.Unlock(pl.mode)
	}

	it.path = nil
}

// Peek implements spec.md §4.3: "returns the next real key at or after
// pos". It must be called after a successful Traverse.
func (it *Iterator) Peek() (Entry, bool, error) {
	if len(it.path) == 0 {
		return Entry{}, false, fmt.Errorf("btree: Peek called before Traverse")
	}

	leaf := &it.path[len(it.path)-1]
	if !leaf.node.Lock.CheckSeq(leaf.seq) {
		return Entry{}, false, ErrRetry
	}

	e, ok := leaf.iter.peek()

	return e, ok, nil
}

// PeekWithHoles implements spec.md §4.3: "synthesises a zero-valued key
// spanning the gap between consecutive extents so callers can walk a
// dense position space". If the next real entry starts after pos, a hole
// entry covering [pos, entry.Start) is returned instead; callers that
// consume the hole should AdvancePos to the hole's end rather than
// calling Advance on the underlying cursor.
func (it *Iterator) PeekWithHoles() (Entry, bool, error) {
	e, ok, err := it.Peek()
	if err != nil || !ok {
		return e, ok, err
	}

	if e.Key.Size == 0 || e.Key.Start() <= it.pos.Offset {
		return e, true, nil
	}

	hole := Entry{Key: Key{Inode: it.pos.Inode, Offset: e.Key.Start(), Size: uint32(e.Key.Start() - it.pos.Offset)}}

	return hole, true, nil
}

// Advance consumes the current leaf entry, moving the intra-node cursor
// to the next one.
func (it *Iterator) Advance() error {
	if len(it.path) == 0 {
		return fmt.Errorf("btree: Advance called before Traverse")
	}

	leaf := &it.path[len(it.path)-1]
	if !leaf.node.Lock.CheckSeq(leaf.seq) {
		return ErrRetry
	}

	leaf.iter.advance()

	return nil
}

// AdvancePos implements spec.md §4.3's advance_pos: "for the inodes tree,
// (inode+1, 0); for extents, leave pos as-is ... otherwise
// bkey_successor". extentTree selects which rule applies.
func (it *Iterator) AdvancePos(extentTree bool, extentEnd uint64) {
	if extentTree {
		it.pos = Key{Inode: it.pos.Inode, Offset: extentEnd}

		return
	}

	it.pos = it.pos.Successor()
}

// SetLocksWant implements spec.md §4.3: upgrade/downgrade intent
// coverage. An upgrade (increasing locksWant) that would need to convert
// an already-held Read into Intent on a node another holder currently has
// Intent on fails rather than blocking, since blocking here risks
// deadlocking a linked iterator that holds that Intent and is waiting on
// this one.
func (it *Iterator) SetLocksWant(n int) error {
	if n == it.locksWant {
		return nil
	}

	if n > it.locksWant {
		for i := len(it.path) - 1; i >= 0; i-- {
			pl := &it.path[i]
			if pl.mode == sixlock.Read && levelOf(it, i) <= n {
				if !pl.node.Lock.TryLock(sixlock.Intent) {
					return fmt.Errorf("btree: SetLocksWant(%d): would block on level %d", n, levelOf(it, i))
				}

				pl.node.Lock.Unlock(sixlock.Read)
				pl.mode = sixlock.Intent
			}
		}

		it.locksWant = n

		return nil
	}

	for i := len(it.path) - 1; i >= 0; i-- {
		pl := &it.path[i]
		if pl.mode == sixlock.Intent && levelOf(it, i) > n {
			pl.node.Lock.DowngradeIntentToRead()
			pl.mode = sixlock.Read
		}
	}

	it.locksWant = n

	return nil
}

// levelOf returns the btree level of path entry i, derived from the
// root depth and the entry's position in the path (root is path[0]).
func levelOf(it *Iterator, i int) int {
	_, depth := it.tree.Root.Root()

	return depth - i
}

// Close releases every lock the iterator currently holds and unlinks it
// from its ring.
func (it *Iterator) Close() {
	it.unlockAll()
	Unlink(it)
}

// CondResched implements spec.md §4.3: "cond_resched unlocks every
// iterator in the ring before yielding". Callers re-Traverse after
// calling this if they intend to keep using the iterators.
func CondResched(it *Iterator) {
	start := it
	cur := it

	for {
		cur.unlockAll()
		cur = cur.ringNext

		if cur == start {
			break
		}
	}
}

// Link joins b into a's ring, per spec.md §4.3's "linked into a ring;
// linked iterators share locks on the same node". Both a and b must be
// singleton rings (freshly constructed via New, or previously Unlink'd);
// linking an iterator that already has ring-mates of its own is not
// supported.
func Link(a, b *Iterator) {
	aNext := a.ringNext
	bPrev := b.ringPrev

	a.ringNext = b
	b.ringPrev = a
	bPrev.ringNext = aNext
	aNext.ringPrev = bPrev
}

// Unlink removes it from whatever ring it participates in, restoring it
// to a singleton ring.
func Unlink(it *Iterator) {
	it.ringNext.ringPrev = it.ringPrev
	it.ringPrev.ringNext = it.ringNext
	it.ringNext = it
	it.ringPrev = it
}
