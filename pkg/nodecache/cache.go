package nodecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/tierengine/tierengine/pkg/bucket"
	"github.com/tierengine/tierengine/pkg/sixlock"
)

// ErrNoMem is returned by Alloc when no shell could be obtained and the
// caller does not hold the cannibalize lock (spec.md §4.2 alloc).
var ErrNoMem = errors.New("nodecache: no memory available")

// ErrRetry signals the iterator-level caller ([pkg/btree]) must restart
// its lookup from find (spec.md §4.2 get/fill).
var ErrRetry = errors.New("nodecache: retry")

// baseReserve is the floor of "16 + 8*depth" from spec.md §4.2's shrinker
// description, evaluated at depth 0 (a single root node); SetTreeDepth
// grows this as trees register deeper structures.
const baseReserve = 16

// perLevelReserve is the "8" term.
const perLevelReserve = 8

// Reader reads one node's on-disk body, given its first extent pointer.
// Implementations live above this package (the cache set / device layer);
// nodecache only needs to know how to fill a miss.
type Reader interface {
	ReadNode(ctx context.Context, ptr bucket.Pointer, level uint8) ([]byte, error)
}

// FillVerifier is invoked by Get after a node's body is loaded: fault
// injection / corruption hooks for tests register here (spec.md §4.2
// get's "optional fault-injection did not fire" check).
type FillVerifier func(ptr bucket.Pointer, level uint8, data []byte) error

// Cache is the in-memory btree node cache for one device set (spec.md
// §4.2).
type Cache struct {
	reader Reader
	verify FillVerifier

	clean *fastcache.Cache

	mu       sync.Mutex
	byKey    map[bucket.Pointer]*Node
	lru      []*Node // approximate LRU order, oldest first
	freeable []*Node // shells whose data buffer is still live
	freed    []*Node // shells whose data buffer has been released

	reserve int // computed floor, never reclaimed below this many live nodes

	cannibal cannibalizeLock
}

// NewCache constructs a node cache. cleanBytes sizes the fastcache layer
// that mirrors clean node bodies (0 disables it).
func NewCache(reader Reader, verify FillVerifier, cleanBytes int) *Cache {
	c := &Cache{
		reader:  reader,
		verify:  verify,
		byKey:   make(map[bucket.Pointer]*Node),
		reserve: baseReserve,
	}

	if cleanBytes > 0 {
		c.clean = fastcache.New(cleanBytes)
	}

	return c
}

// SetTreeDepth recomputes the shrinker's floor to cover "16 + 8*depth" for
// the deepest tree registered against this cache (spec.md §4.2 shrinker:
// "never take the total below btree_cache_reserve ... so that any single
// key insert can always allocate").
func (c *Cache) SetTreeDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := baseReserve + perLevelReserve*depth
	if want > c.reserve {
		c.reserve = want
	}
}

func ptrKey(ptr bucket.Pointer) bucket.Pointer { return ptr }

// Find performs the lock-free hash lookup described in spec.md §4.2
// ("find(ptr_hash) -> Option<node>"). The map read itself is guarded by
// Cache.mu (a plain Go map is not safe for concurrent access without
// one), which is a short, uncontended critical section rather than the
// node's own lock.
func (c *Cache) Find(ptr bucket.Pointer) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.byKey[ptrKey(ptr)]

	return n, ok
}

// Alloc returns a node shell with Intent and Write held, per spec.md
// §4.2's alloc algorithm: reuse a freeable shell, else a freed shell
// (reallocating its data buffer), else allocate new, else - only if the
// caller holds the cannibalize lock - evict a reapable node from the LRU.
func (c *Cache) Alloc(holdsCannibalize bool) (*Node, error) {
	c.mu.Lock()

	if n := c.popReapableLocked(&c.freeable, false); n != nil {
		c.mu.Unlock()

		return n, nil
	}

	if n := c.popReapableLocked(&c.freed, false); n != nil {
		n.Data = nil // caller refills
		c.mu.Unlock()

		return n, nil
	}

	if c.countLiveLocked() < c.capacityLocked() {
		c.mu.Unlock()

		n := newNode()
		n.Lock.Lock(sixlock.Intent)
		n.Lock.UpgradeIntentToWrite()

		return n, nil
	}

	if !holdsCannibalize {
		c.mu.Unlock()

		return nil, ErrNoMem
	}

	n := c.evictOneLocked()
	c.mu.Unlock()

	if n == nil {
		return nil, ErrNoMem
	}

	return n, nil
}

// capacityLocked is a soft ceiling derived from reserve: below it, Alloc
// always creates a fresh shell rather than reaching for eviction. A
// larger multiple than 1 avoids cannibalizing on every single fill once
// the working set is merely "at the reserve floor" rather than genuinely
// under memory pressure.
func (c *Cache) capacityLocked() int {
	return c.reserve * 4
}

func (c *Cache) countLiveLocked() int {
	return len(c.byKey) + len(c.freeable) + len(c.freed)
}

// popReapableLocked scans list for the first entry passing reapable(flushDirty),
// removing and returning it.
func (c *Cache) popReapableLocked(list *[]*Node, flushDirty bool) *Node {
	for i, n := range *list {
		if n.reapable(flushDirty) {
			*list = append((*list)[:i], (*list)[i+1:]...)

			return n
		}
	}

	return nil
}

// evictOneLocked implements alloc's last-resort step: evict any reapable
// node from the LRU, unhashing it. Caller must hold the cannibalize lock.
func (c *Cache) evictOneLocked() *Node {
	for i, n := range c.lru {
		if !n.reapable(true) {
			continue
		}

		c.lru = append(c.lru[:i], c.lru[i+1:]...)
		delete(c.byKey, ptrKey(n.Key))
		n.hashed.Store(false)
		n.Data = nil

		return n
	}

	return nil
}

// Fill implements spec.md §4.2's fill slow path. parentUnlock is called
// at most once, after the node is inserted into the hash table (never
// before - "a concurrent split could free the node we are about to read"
// otherwise). It is not called when Alloc fails or when ptr is already
// hashed (ErrRetry); it has been called when the read or verify fails.
func (c *Cache) Fill(ctx context.Context, ptr bucket.Pointer, level uint8, lockMode sixlock.Mode, holdsCannibalize bool, parentUnlock func()) (*Node, error) {
	n, err := c.Alloc(holdsCannibalize)
	if err != nil {
		return nil, err
	}

	n.Key = ptr
	n.Level = level

	c.mu.Lock()
	if existing, ok := c.byKey[ptrKey(ptr)]; ok {
		// Lost the race to a concurrent fill: release our shell back onto
		// the freeable list and signal the caller to retry from find.
		c.mu.Unlock()
		n.Lock.Unlock(sixlock.Write)
		c.releaseShell(n)
		_ = existing

		return nil, ErrRetry
	}

	c.byKey[ptrKey(ptr)] = n
	n.hashed.Store(true)
	c.lru = append(c.lru, n)
	c.mu.Unlock()

	if parentUnlock != nil {
		parentUnlock()
	}

	data, err := c.readWithCleanLayer(ctx, ptr, level)
	if err != nil {
		c.mu.Lock()
		delete(c.byKey, ptrKey(ptr))
		n.hashed.Store(false)
		c.removeFromLRULocked(n)
		c.mu.Unlock()
		n.Lock.Unlock(sixlock.Write)

		return nil, fmt.Errorf("nodecache: fill %v: %w", ptr, err)
	}

	if c.verify != nil {
		if err := c.verify(ptr, level, data); err != nil {
			c.mu.Lock()
			delete(c.byKey, ptrKey(ptr))
			n.hashed.Store(false)
			c.removeFromLRULocked(n)
			c.mu.Unlock()
			n.Lock.Unlock(sixlock.Write)

			return nil, fmt.Errorf("nodecache: fill verify %v: %w", ptr, err)
		}
	}

	n.Data = data
	n.MarkAccessed()

	downgradeTo(n.Lock, lockMode)

	return n, nil
}

// releaseShell returns a node not published into the hash table back
// onto the freeable list for reuse by a subsequent Alloc.
func (c *Cache) releaseShell(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.freeable = append(c.freeable, n)
}

func (c *Cache) removeFromLRULocked(n *Node) {
	for i, x := range c.lru {
		if x == n {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)

			return
		}
	}
}

func (c *Cache) readWithCleanLayer(ctx context.Context, ptr bucket.Pointer, level uint8) ([]byte, error) {
	if c.clean != nil {
		key := cleanCacheKey(ptr)
		if cached := c.clean.GetBig(nil, key); len(cached) > 0 {
			out := make([]byte, len(cached))
			copy(out, cached)

			return out, nil
		}
	}

	data, err := c.reader.ReadNode(ctx, ptr, level)
	if err != nil {
		return nil, err
	}

	if c.clean != nil {
		c.clean.SetBig(cleanCacheKey(ptr), data)
	}

	return data, nil
}

func cleanCacheKey(ptr bucket.Pointer) []byte {
	key := make([]byte, 15)
	key[0] = byte(ptr.Device)
	key[1] = byte(ptr.Device >> 8)
	key[2] = ptr.BucketGen
	for i := 0; i < 4; i++ {
		key[3+i] = byte(ptr.OffsetInBkt >> (8 * i))
	}

	for i := 0; i < 8; i++ {
		key[7+i] = byte(ptr.BucketIndex >> (8 * i))
	}

	return key
}

func downgradeTo(l *sixlock.Lock, mode sixlock.Mode) {
	switch mode {
	case sixlock.Write:
		return
	case sixlock.Intent:
		l.DowngradeWriteToIntent()
	case sixlock.Read:
		l.DowngradeWriteToIntent()
		l.DowngradeIntentToRead()
	}
}

// ParentRef is the ancestor lock state a Get call must manage per spec.md
// §4.2: a read lock on the node at level+1 that must be dropped before
// taking intent/write at level, plus a relock callback used on retry.
type ParentRef struct {
	Seq     uint64
	Unlock  func()
	Relock  func() bool // attempts to re-validate/relock the parent; reports success
}

// Get implements the primary lookup from spec.md §4.2: consult Find; on a
// miss, Fill; on a hit, release the parent read lock before acquiring
// lockMode at this level, then verify the node's identity is still
// correct, retrying via the parent on failure.
func (c *Cache) Get(ctx context.Context, ptr bucket.Pointer, level uint8, lockMode sixlock.Mode, holdsCannibalize bool, parent *ParentRef) (*Node, error) {
	n, ok := c.Find(ptr)
	if !ok {
		var unlockParent func()
		if parent != nil {
			unlockParent = parent.Unlock
		}

		return c.Fill(ctx, ptr, level, lockMode, holdsCannibalize, unlockParent)
	}

	if parent != nil && parent.Unlock != nil {
		parent.Unlock()
	}

	n.Lock.Lock(lockMode)
	n.MarkAccessed()

	if n.Key != ptr || n.Level != level || !n.hashed.Load() {
		n.Lock.Unlock(lockMode)

		if parent != nil && parent.Relock != nil && parent.Relock() {
			return nil, ErrRetry
		}

		return nil, ErrRetry
	}

	return n, nil
}

// Scan implements the shrinker (spec.md §4.2 shrinker.scan(n)): first pass
// frees data buffers of freeable shells that pass reap, second pass
// reaps non-accessed nodes from the main LRU, unhashing and data-freeing
// them. It never takes the live node count below the reserve floor
// (see [Cache.SetTreeDepth]). Returns the
// number of node data buffers freed.
func (c *Cache) Scan(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := 0

	for i := 0; i < len(c.freeable) && freed < n; {
		node := c.freeable[i]
		if node.reapable(false) {
			node.Data = nil
			c.freeable = append(c.freeable[:i], c.freeable[i+1:]...)
			c.freed = append(c.freed, node)
			freed++

			continue
		}

		i++
	}

	for i := 0; i < len(c.lru) && freed < n; {
		if c.countLiveLocked() <= c.reserve {
			break
		}

		node := c.lru[i]

		if node.consumeAccessed() {
			i++

			continue
		}

		if !node.reapable(false) {
			i++

			continue
		}

		c.lru = append(c.lru[:i], c.lru[i+1:]...)
		delete(c.byKey, ptrKey(node.Key))
		node.hashed.Store(false)
		node.Data = nil
		c.freed = append(c.freed, node)
		freed++
	}

	return freed
}

// Len reports the number of nodes currently hashed (present in the main
// table), for observability.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.byKey)
}

// cannibalizeLock is the process-wide CAS token plus wait queue from
// spec.md §4.2 ("a compare-and-swap ownership of a process-wide 'only one
// reclaimer at a time' token, with a wait-queue").
type cannibalizeLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	held    bool
	ownerID uint64
}

func (c *cannibalizeLock) ensureCond() {
	if c.cond == nil {
		c.cond = sync.NewCond(&c.mu)
	}
}

// CannibalizeLock blocks until the caller (identified by waiterID, an
// arbitrary caller-chosen token used only for diagnostics) owns the
// cannibalize lock, or ctx is done.
func (c *Cache) CannibalizeLock(ctx context.Context, waiterID uint64) error {
	c.cannibal.mu.Lock()
	c.cannibal.ensureCond()
	defer c.cannibal.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.cannibal.mu.Lock()
		c.cannibal.cond.Broadcast()
		c.cannibal.mu.Unlock()
	})
	defer stop()

	for c.cannibal.held {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.cannibal.cond.Wait()
	}

	c.cannibal.held = true
	c.cannibal.ownerID = waiterID

	return nil
}

// TryCannibalizeLock attempts the CAS without blocking.
func (c *Cache) TryCannibalizeLock(waiterID uint64) bool {
	c.cannibal.mu.Lock()
	defer c.cannibal.mu.Unlock()

	c.cannibal.ensureCond()

	if c.cannibal.held {
		return false
	}

	c.cannibal.held = true
	c.cannibal.ownerID = waiterID

	return true
}

// CannibalizeUnlock releases the token and wakes one waiter.
func (c *Cache) CannibalizeUnlock() {
	c.cannibal.mu.Lock()
	c.cannibal.held = false
	c.cannibal.ownerID = 0

	if c.cannibal.cond != nil {
		c.cannibal.cond.Signal()
	}

	c.cannibal.mu.Unlock()
}
