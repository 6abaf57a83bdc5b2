// Package sixlock provides the three-mode counting lock used to guard
// copy-on-write btree nodes.
//
// Locking architecture
//
//  1. Three modes: Read (R), Intent (I), Write (W).
//     - Multiple readers may hold R concurrently.
//     - At most one holder may hold I at a time; I coexists with readers.
//     - W excludes everything, including I and R.
//     - I is upgradeable to W only after draining readers.
//
//  2. Sequence number: a monotone counter bumped once on every write
//     acquisition and once again on release, so even values mean
//     "unlocked for write". Callers snapshot Seq() when taking a read
//     lock on an ancestor node and use [Lock.CheckSeq] to detect whether
//     a write slipped in between the snapshot and a later use.
//
//  3. try_* variants never block; blocking variants park on a
//     sync.Cond guarded by the same mutex that protects the mode
//     counters, so wakeups are ordered with state changes.
//
// Lock ordering for callers composing several of these (btree iterator,
// node cache): child before parent is never acquired while the parent
// lock is held at a mode stronger than Read, except across the narrow
// hashed-insert window documented in package nodecache.
package sixlock
