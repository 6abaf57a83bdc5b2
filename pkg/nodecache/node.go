package nodecache

import (
	"sync/atomic"

	"github.com/tierengine/tierengine/pkg/bucket"
	"github.com/tierengine/tierengine/pkg/sixlock"
)

// Node is one cached btree node shell (spec.md §4.2). Its identity is the
// first extent [bucket.Pointer] of the node's own key, which the hash
// table keys on; the node's body ([Data]) is filled lazily from disk (or
// served from the clean-node fastcache layer) the first time it is
// locked.
type Node struct {
	Key   bucket.Pointer
	Level uint8

	Lock *sixlock.Lock

	// Data is the node's raw body once filled. Readers must hold at
	// least a read lock on Lock before touching it.
	Data []byte

	// Decoded is an opaque slot for a higher layer (pkg/btree) to cache a
	// parsed view of Data keyed off the same lock, so sibling iterators
	// sharing a lock on this node also share one decode. nodecache never
	// reads or writes it itself.
	Decoded any

	dirty      atomic.Bool
	accessed   atomic.Bool
	writeError atomic.Bool
	noEvict    atomic.Bool
	inFlight   atomic.Bool

	hashed atomic.Bool // true while present in the cache's hash table
}

// newNode allocates a fresh, unhashed shell. The returned node is not
// hooked into any level/key yet; callers fill those in before publishing
// it to the cache's hash table.
func newNode() *Node {
	return &Node{Lock: sixlock.New()}
}

// Dirty reports whether the node has unwritten modifications.
func (n *Node) Dirty() bool { return n.dirty.Load() }

// SetDirty marks or clears the node's dirty bit.
func (n *Node) SetDirty(v bool) { n.dirty.Store(v) }

// MarkAccessed records that the node was touched, for the shrinker's
// second-chance LRU pass.
func (n *Node) MarkAccessed() { n.accessed.Store(true) }

// consumeAccessed reports and clears the accessed bit, used by the
// shrinker to implement a clock-style second chance.
func (n *Node) consumeAccessed() bool { return n.accessed.Swap(false) }

// WriteError reports whether the node's last write failed; such nodes are
// never reapable until the error is cleared (spec.md §4.2 reap policy).
func (n *Node) WriteError() bool { return n.writeError.Load() }

// SetWriteError records a write failure or clears it after a retry.
func (n *Node) SetWriteError(v bool) { n.writeError.Store(v) }

// NoEvict pins a node against the shrinker and cannibalize lock
// regardless of its reapability, used while an iterator or the allocator
// holds a structural reference.
func (n *Node) NoEvict() bool { return n.noEvict.Load() }

// SetNoEvict sets or clears the pin.
func (n *Node) SetNoEvict(v bool) { n.noEvict.Store(v) }

// InFlight reports whether a write for this node is currently submitted.
func (n *Node) InFlight() bool { return n.inFlight.Load() }

// SetInFlight marks a write as submitted or completed.
func (n *Node) SetInFlight(v bool) { n.inFlight.Store(v) }

// Hashed reports whether the node is currently present in the cache's
// hash table (as opposed to sitting on the freeable/freed shell lists).
func (n *Node) Hashed() bool { return n.hashed.Load() }

// reapable implements spec.md §4.2's reap policy: "intent+write try-locks
// succeed, !write_error, !noevict, no write-blocked waiters, and (dirty
// => flush-then-wait was requested)". flushDirty tells reapable whether
// the caller is willing to take a dirty node (neither shrinker pass is;
// alloc's cannibalize path is).
func (n *Node) reapable(flushDirty bool) bool {
	if n.writeError.Load() || n.noEvict.Load() {
		return false
	}

	if !n.Lock.TryLock(sixlock.Intent) {
		return false
	}

	if !n.Lock.TryUpgradeIntentToWrite() {
		n.Lock.Unlock(sixlock.Intent)

		return false
	}

	if n.dirty.Load() && !flushDirty {
		n.Lock.Unlock(sixlock.Write)

		return false
	}

	return true
}
