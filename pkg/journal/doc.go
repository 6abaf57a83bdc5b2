// Package journal provides the append-only metadata log the btree engine
// orders structural changes against.
//
// The core only needs three operations from a journal, per spec.md §2.6:
//
//   - [Journal.MetaAsync] enqueues an opaque metadata record and returns its
//     assigned sequence number immediately; the record is durable once the
//     journal's background writer has fsynced the block containing it, at
//     which point the supplied callback runs.
//   - [Journal.FlushSeq] blocks until a given sequence number is durable.
//   - Sequence numbers returned by MetaAsync are monotone and define the
//     visible order of metadata updates (spec.md §5, "Ordering guarantees").
//
// On-disk format. Entries are framed independently (magic, length, crc and
// their one's-complement twins, mirroring [pkg/mddb]'s WAL footer idiom) and
// appended to a single growing file; unlike mddb's WAL (which rewrites the
// whole file per commit), the journal is append-only and batches multiple
// pending entries into one fsync, trading single-commit latency for
// throughput under concurrent metadata updates (allocator generation bumps,
// btree node writes).
package journal
