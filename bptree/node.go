// Package bptree implements the copy-on-write ordered B+tree (§4.3):
// an ordered map from fixed-width key to fixed-width value, rooted at
// a bid, whose nodes are blocks. Splits/merges/root-collapse follow
// the node-type-dispatch style of trie/stacktrie.go (branchNode /
// extNode / leafNode there map to internal / leaf here), generalized
// from a single fixed nibble-width key to an arbitrary fixed key/value
// size supplied by the capability set in Config (§9 "deep inheritance
// of KV operations": comparator, sizers and splitter parameterized at
// construction rather than dispatched at runtime).
package bptree

import (
	"encoding/binary"

	"github.com/basalt-db/basalt/blockfile"
)

// Comparator orders two fixed-width keys, defaulting to byte-lex.
type Comparator func(a, b []byte) int

type entry struct {
	key []byte
	val []byte
}

// node is the in-memory decoded form of a block.
type node struct {
	level   uint16 // 0 = leaf, >0 = internal
	entries []entry
}

const nodeHeaderSize = 2 + 2 + 2 + 2 // ksize, vsize, level, nentry

func encodeNode(n *node, ksize, vsize int, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	buf[0] = byte(blockfile.MarkerNode)
	off := 1
	binary.BigEndian.PutUint16(buf[off:], uint16(ksize))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(vsize))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], n.level)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(len(n.entries)))
	off += 2
	for _, e := range n.entries {
		copy(buf[off:], e.key)
		off += ksize
		copy(buf[off:], e.val)
		off += vsize
	}
	return buf
}

func decodeNode(buf []byte) *node {
	off := 1
	ksize := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	vsize := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	level := binary.BigEndian.Uint16(buf[off:])
	off += 2
	nentry := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2

	n := &node{level: level, entries: make([]entry, nentry)}
	for i := 0; i < nentry; i++ {
		k := make([]byte, ksize)
		copy(k, buf[off:off+ksize])
		off += ksize
		v := make([]byte, vsize)
		copy(v, buf[off:off+vsize])
		off += vsize
		n.entries[i] = entry{key: k, val: v}
	}
	return n
}

// capacity returns the maximum number of entries a node of the given
// key/value widths can hold in one block.
func capacity(ksize, vsize int, blockSize uint32) int {
	avail := int(blockSize) - 1 - nodeHeaderSize
	per := ksize + vsize
	if per <= 0 {
		return 0
	}
	return avail / per
}
