// Package pipeline implements the request pipeline from spec.md §4.6: the
// bypass decision, the sequential-I/O detector, congestion accounting,
// and the read/write path state machines that tie together
// [pkg/btree]'s iterator, [pkg/keybuf]'s writeback overlap index, and
// [pkg/bucket]'s device pointers. [Search] is the per-request state (spec.md
// §3, §4.8) that drives a single bio through these stages.
package pipeline
