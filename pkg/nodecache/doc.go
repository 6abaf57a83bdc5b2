// Package nodecache implements the btree node cache (spec.md §4.2): a
// hash table of in-memory [Node] shells keyed by the first extent pointer
// of a node's own key, a shrinker that reclaims node memory under
// pressure, and a cannibalize lock that serializes eviction of live
// (hashed) nodes.
//
// Clean (unmodified) node bodies are additionally mirrored into a
// [github.com/VictoriaMetrics/fastcache.Cache], a fixed-size off-heap byte
// cache: a node that is evicted from the hash table while clean can still
// be served from the fastcache layer without a disk read, the same
// two-tier shape [pkg/slotcache]'s lock registry and this package's
// teacher both use for "recently active, no longer hot" state.
//
// Locking architecture:
//
//  1. Cache.mu protects the hash table, the freeable/freed shell lists,
//     and the LRU ordering. It is held only for the duration of a table
//     mutation, never across a disk read or a blocking acquisition of a
//     node's own [sixlock.Lock] (reap checks under it use only TryLock).
//  2. Each [Node] carries its own [sixlock.Lock] (spec.md §4.1's six-mode
//     lock), acquired by callers after releasing Cache.mu.
//  3. The cannibalize lock is a single CAS-guarded token plus a condition
//     variable wait queue, independent of Cache.mu; callers take it before
//     evicting a live node out of alloc's last-resort path.
package nodecache
