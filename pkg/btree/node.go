package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/tierengine/tierengine/pkg/bucket"
	"github.com/tierengine/tierengine/pkg/nodecache"
)

// encodeChildPointer serializes a bucket.Pointer as an internal node
// entry's Value, the only payload an interior node's bsets ever carry.
func encodeChildPointer(ptr bucket.Pointer) []byte {
	buf := make([]byte, 15)
	binary.LittleEndian.PutUint16(buf[0:2], ptr.Device)
	buf[2] = ptr.BucketGen
	binary.LittleEndian.PutUint32(buf[3:7], ptr.OffsetInBkt)
	binary.LittleEndian.PutUint64(buf[7:15], ptr.BucketIndex)

	return buf
}

// decodeChildPointer parses a value written by encodeChildPointer.
func decodeChildPointer(value []byte) (bucket.Pointer, bool) {
	if len(value) != 15 {
		return bucket.Pointer{}, false
	}

	return bucket.Pointer{
		Device:      binary.LittleEndian.Uint16(value[0:2]),
		BucketGen:   value[2],
		OffsetInBkt: binary.LittleEndian.Uint32(value[3:7]),
		BucketIndex: binary.LittleEndian.Uint64(value[7:15]),
	}, true
}

// MaxDepth bounds how many levels an [Iterator]'s path may hold (spec.md
// §3 glossary: "path of up to BTREE_MAX_DEPTH node pointers").
const MaxDepth = 8

// encodeBset serializes one bset as a flat record list: count(4) then,
// per entry, inode(8) offset(8) size(4) deleted(1) valueLen(4) value.
// The wire format of a node's body is not specified by spec.md (on-disk
// superblock format is an explicit non-goal); this is the minimal
// self-consistent shape needed to exercise compaction and the merge
// iterator above it.
func encodeBset(b Bset) []byte {
	size := 4
	for _, e := range b {
		size += 8 + 8 + 4 + 1 + 4 + len(e.Value)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(b)))

	off := 4
	for _, e := range b {
		binary.LittleEndian.PutUint64(buf[off:], e.Key.Inode)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], e.Key.Offset)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], e.Key.Size)
		off += 4

		if e.Deleted {
			buf[off] = 1
		}

		off++

		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
		off += 4
		copy(buf[off:], e.Value)
		off += len(e.Value)
	}

	return buf
}

// decodeBset parses a single bset written by encodeBset.
func decodeBset(data []byte) (Bset, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("btree: bset too short")
	}

	count := binary.LittleEndian.Uint32(data[0:4])
	b := make(Bset, 0, count)
	off := 4

	for i := uint32(0); i < count; i++ {
		if off+8+8+4+1+4 > len(data) {
			return nil, fmt.Errorf("btree: truncated bset entry %d", i)
		}

		var e Entry

		e.Key.Inode = binary.LittleEndian.Uint64(data[off:])
		off += 8
		e.Key.Offset = binary.LittleEndian.Uint64(data[off:])
		off += 8
		e.Key.Size = binary.LittleEndian.Uint32(data[off:])
		off += 4
		e.Deleted = data[off] != 0
		off++

		vlen := binary.LittleEndian.Uint32(data[off:])
		off += 4

		if off+int(vlen) > len(data) {
			return nil, fmt.Errorf("btree: truncated bset value at entry %d", i)
		}

		e.Value = append([]byte(nil), data[off:off+int(vlen)]...)
		off += int(vlen)

		b = append(b, e)
	}

	return b, nil
}

// decode lazily parses n.Data into a [decodedNode] cached on n.Decoded,
// guarded by the caller already holding at least a read lock on n.Lock
// (the same invariant every nodecache consumer relies on for Data
// itself). n.Data is decoded as exactly one bset; a body holding several
// on-disk bsets is not split or compacted here.
func decode(n *nodecache.Node) (*decodedNode, error) {
	if dn, ok := n.Decoded.(*decodedNode); ok {
		return dn, nil
	}

	if len(n.Data) == 0 {
		dn := &decodedNode{bsets: []Bset{{}}}
		n.Decoded = dn

		return dn, nil
	}

	b, err := decodeBset(n.Data)
	if err != nil {
		return nil, err
	}

	dn := &decodedNode{bsets: []Bset{b}}
	n.Decoded = dn

	return dn, nil
}

// appendSet returns the node's mutable append bset (the last one),
// creating it if the node has none yet.
func (dn *decodedNode) appendSet() Bset {
	if len(dn.bsets) == 0 {
		dn.bsets = append(dn.bsets, Bset{})
	}

	return dn.bsets[len(dn.bsets)-1]
}

// insert adds or replaces e in n's mutable append bset, keeping it sorted,
// and marks n dirty. Callers must already hold Write on n.Lock.
func insert(n *nodecache.Node, dn *decodedNode, e Entry) {
	last := len(dn.bsets) - 1
	b := dn.bsets[last]

	idx := b.search(e.Key)
	if idx < len(b) && b[idx].Key.Compare(e.Key) == 0 {
		b[idx] = e
	} else {
		b = append(b, Entry{})
		copy(b[idx+1:], b[idx:])
		b[idx] = e
	}

	dn.bsets[last] = b
	n.Data = encodeBset(b)
	n.SetDirty(true)
}
