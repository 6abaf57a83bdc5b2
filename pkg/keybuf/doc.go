// Package keybuf implements the writeback overlap index from spec.md
// §4.7: an ordered index of dirty-range keys pending background
// writeback, keyed by (inode, start) and ordered via
// [github.com/google/btree]. Foreground writes call [Keybuf.CheckOverlapping]
// to detect and subsume not-yet-started dirty ranges; the writeback
// worker calls [Keybuf.Next] to find work.
package keybuf
