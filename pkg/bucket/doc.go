// Package bucket implements the bucket & bucket-gen table, the per-device
// allocator, and the open-bucket / write-point layer (spec.md §3, §4.4).
//
// A [Table] holds one fixed-size record per bucket on a device: generation,
// mark, read/write priority clocks and sectors-used. An [Allocator] runs the
// per-device producer loop that reclaims invalidated buckets, bumps their
// generation, waits for the journal to make that bump durable, and feeds
// four per-class reserve FIFOs. A [WritePoint] batches writes into a small
// number of currently-open buckets (spec.md glossary: "write point").
//
// Locking architecture, following [pkg/slotcache]'s convention of stating
// lock ordering up front:
//
//  1. Table.mu protects the record array and priority clock state. It is a
//     single table-wide lock, not a per-bucket lock: bucket records are
//     small and touched frequently enough that per-record locks would not
//     pay for themselves, matching spec.md §5's description of a per-device
//     seqlock for writers with RCU-style reads - approximated here with a
//     single RWMutex since this implementation is not kernel code.
//  2. Allocator.mu protects the four reserve FIFOs and the free_inc staging
//     ring. It may be held while calling into Table (to mark a bucket free
//     or open), so the lock order is Allocator.mu before Table.mu; Table
//     never calls back into the Allocator.
//  3. WritePoint.mu protects the pinned open-bucket set for one write point;
//     never held while calling into Allocator.BucketAlloc (which may block
//     on the allocator's condition variable).
package bucket
