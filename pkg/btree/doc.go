// Package btree implements the copy-on-write B-tree iterator machinery
// described in spec.md §4.3: a multi-level path of locked nodes walked
// from the root to a leaf, an intra-node cursor that merges a node's
// sorted bsets into key order, linked iterators that share locks on
// common nodes, and a retry protocol driven by [pkg/sixlock] sequence
// numbers.
//
// Node storage and locking are delegated to [pkg/nodecache]; this package
// owns only the path/cursor state layered on top of it. A node's decoded
// key/value entries are cached on the [nodecache.Node] itself (its
// Decoded field) so that sibling iterators sharing a lock on the same
// node also share one decode.
package btree
