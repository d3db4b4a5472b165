package bptree

import (
	"bytes"
	"sort"

	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/cache"
)

// Config carries the capability set used to construct a Tree: the
// comparator, fixed key/value sizes, and the owning blockfile/cache.
// Different trees (by-key vs by-seqnum, leaf value = doc pointer vs
// child bid) are different Configs, not different implementations.
type Config struct {
	KeySize    int
	ValueSize  int
	Comparator Comparator
	BlockFile  *blockfile.File
	Cache      *cache.Cache
}

func defaultCompare(a, b []byte) int { return bytes.Compare(a, b) }

// Tree is a handle bound to one root bid. Trees are cheap value-like
// handles: every mutation returns a *new* root, leaving the receiver
// (and any other handle sharing its root) untouched, so a reader
// holding an older root keeps seeing a consistent tree (§4.3).
type Tree struct {
	cfg  Config
	root uint64
	nil_ bool // true if this Tree has no root block at all (empty tree)
}

// New wraps an existing root bid (or creates a logically empty tree if
// hasRoot is false — the first Insert will allocate the first block).
func New(cfg Config, root uint64, hasRoot bool) *Tree {
	if cfg.Comparator == nil {
		cfg.Comparator = defaultCompare
	}
	return &Tree{cfg: cfg, root: root, nil_: !hasRoot}
}

func (t *Tree) Root() (uint64, bool) { return t.root, !t.nil_ }

func (t *Tree) readNode(bid uint64) (*node, error) {
	if b := t.cfg.Cache.Get(bid, false); b != nil {
		return decodeNode(b), nil
	}
	b, err := t.cfg.BlockFile.ReadBlock(bid)
	if err != nil {
		return nil, err
	}
	t.cfg.Cache.Put(bid, b, false, false)
	return decodeNode(b), nil
}

// writeNode implements the copy-on-write discipline of §4.3: mutate in
// place (same bid) if the block is still the append frontier's
// unwritten headroom, else allocate a fresh bid.
func (t *Tree) writeNode(bid uint64, hasBid bool, n *node) (uint64, error) {
	buf := encodeNode(n, t.cfg.KeySize, t.cfg.ValueSize, t.cfg.BlockFile.BlockSize())
	if hasBid && t.cfg.BlockFile.IsWritable(bid) {
		if err := t.cfg.BlockFile.WriteBlock(bid, buf); err != nil {
			return 0, err
		}
		t.cfg.Cache.Put(bid, buf, true, false)
		return bid, nil
	}
	newBid, err := t.cfg.BlockFile.Append(buf)
	if err != nil {
		return 0, err
	}
	t.cfg.Cache.Put(newBid, buf, true, false)
	return newBid, nil
}

func (t *Tree) cap() int {
	return capacity(t.cfg.KeySize, t.cfg.ValueSize, t.cfg.BlockFile.BlockSize())
}

// Find returns the value for key, or nil if absent.
func (t *Tree) Find(key []byte) ([]byte, error) {
	if t.nil_ {
		return nil, nil
	}
	bid := t.root
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return nil, err
		}
		idx := t.search(n, key)
		if n.level == 0 {
			if idx < len(n.entries) && t.cfg.Comparator(n.entries[idx].key, key) == 0 {
				return n.entries[idx].val, nil
			}
			return nil, nil
		}
		// internal: descend into the child covering key. entries are
		// keyed by each child's minimum key; idx is the insertion
		// point, so the covering child is idx-1 unless key < all keys.
		child := idx
		if child == len(n.entries) || t.cfg.Comparator(n.entries[child].key, key) > 0 {
			child--
		}
		if child < 0 {
			child = 0
		}
		bid = decodeChildBid(n.entries[child].val)
	}
}

// search returns the index of the first entry whose key is >= key
// (sort.Search lower bound), used both for leaf lookup and internal
// descent.
func (t *Tree) search(n *node, key []byte) int {
	return sort.Search(len(n.entries), func(i int) bool {
		return t.cfg.Comparator(n.entries[i].key, key) >= 0
	})
}

func decodeChildBid(v []byte) uint64 {
	var b uint64
	for _, c := range v[:8] {
		b = b<<8 | uint64(c)
	}
	return b
}

func encodeChildBid(bid uint64, width int) []byte {
	v := make([]byte, width)
	for i := width - 1; i >= 0 && i >= width-8; i-- {
		v[i] = byte(bid)
		bid >>= 8
	}
	return v
}

// path element recorded while descending, so Insert/Remove can cascade
// a rewrite back up to the root.
type frame struct {
	bid    uint64
	hasBid bool
	n      *node
}

// Insert sets key -> val, returning the new root bid. When a node
// splits, the first key of the right half becomes the splitter pushed
// into the parent.
func (t *Tree) Insert(key, val []byte) (uint64, error) {
	if t.nil_ {
		leaf := &node{level: 0, entries: []entry{{key: key, val: val}}}
		bid, err := t.writeNode(0, false, leaf)
		if err != nil {
			return 0, err
		}
		t.root, t.nil_ = bid, false
		return bid, nil
	}

	var path []frame
	bid, hasBid := t.root, true
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return 0, err
		}
		path = append(path, frame{bid: bid, hasBid: hasBid, n: n})
		if n.level == 0 {
			break
		}
		idx := t.search(n, key)
		child := idx
		if child == len(n.entries) || t.cfg.Comparator(n.entries[child].key, key) > 0 {
			child--
		}
		if child < 0 {
			child = 0
		}
		bid = decodeChildBid(n.entries[child].val)
		hasBid = true
	}

	leafFrame := path[len(path)-1]
	leaf := leafFrame.n
	idx := t.search(leaf, key)
	if idx < len(leaf.entries) && t.cfg.Comparator(leaf.entries[idx].key, key) == 0 {
		leaf.entries[idx].val = val
	} else {
		leaf.entries = insertAt(leaf.entries, idx, entry{key: key, val: val})
	}

	return t.writeAndCascade(path, leaf, nil)
}

// writeAndCascade rewrites the leaf (splitting it if it overflows; the
// third parameter is unused) and propagates new child bids and
// any splitter key up through path, splitting internal nodes that
// overflow along the way, finally returning the new root bid.
func (t *Tree) writeAndCascade(path []frame, leaf *node, _ *node) (uint64, error) {
	var splitKey []byte
	var splitRightBid uint64
	haveSplit := false

	cur := leaf
	for i := len(path) - 1; i >= 0; i-- {
		f := path[i]
		var rightNode *node
		if haveSplit {
			// insert the new child pointer for the right half produced
			// by the split one level down.
			idx := t.search(cur, splitKey)
			cur.entries = insertAt(cur.entries, idx, entry{key: splitKey, val: encodeChildBid(splitRightBid, t.cfg.ValueSize)})
			haveSplit = false
		}
		if len(cur.entries) > t.cap() {
			left, right, sKey := splitNode(cur)
			cur = left
			rightNode = right
			splitKey = sKey
			haveSplit = true
		}
		newBid, err := t.writeNode(f.bid, f.hasBid, cur)
		if err != nil {
			return 0, err
		}
		if rightNode != nil {
			rBid, err := t.writeNode(0, false, rightNode)
			if err != nil {
				return 0, err
			}
			splitRightBid = rBid
		}
		if i > 0 {
			parent := path[i-1].n
			// replace the pointer in the parent for this child's bid
			for j := range parent.entries {
				if decodeChildBid(parent.entries[j].val) == f.bid || (i == len(path)-1 && j == t.search(parent, leaf.entries[0].key)-1) {
					parent.entries[j].val = encodeChildBid(newBid, t.cfg.ValueSize)
					break
				}
			}
			cur = parent
		} else {
			if haveSplit {
				// root split: build a brand new root level.
				root := &node{
					level: cur.level + 1,
					entries: []entry{
						{key: firstKey(cur), val: encodeChildBid(newBid, t.cfg.ValueSize)},
						{key: splitKey, val: encodeChildBid(splitRightBid, t.cfg.ValueSize)},
					},
				}
				rootBid, err := t.writeNode(0, false, root)
				if err != nil {
					return 0, err
				}
				t.root = rootBid
				return rootBid, nil
			}
			t.root = newBid
			return newBid, nil
		}
	}
	t.root = path[0].bid
	return t.root, nil
}

func firstKey(n *node) []byte {
	if len(n.entries) == 0 {
		return nil
	}
	return n.entries[0].key
}

func splitNode(n *node) (left, right *node, splitKey []byte) {
	mid := len(n.entries) / 2
	left = &node{level: n.level, entries: append([]entry{}, n.entries[:mid]...)}
	right = &node{level: n.level, entries: append([]entry{}, n.entries[mid:]...)}
	return left, right, right.entries[0].key
}

func insertAt(s []entry, idx int, e entry) []entry {
	s = append(s, entry{})
	copy(s[idx+1:], s[idx:])
	s[idx] = e
	return s
}

// Remove deletes key, returning the new root bid and whether it
// existed. Underflow is resolved lazily (no borrow/merge rebalancing
// across siblings): an internal node is only collapsed when it is
// left with a single child, matching §4.3's root-collapse rule; a
// leaf may legitimately shrink below half capacity between
// compactions, which simply reclaims the space on the next rewrite.
func (t *Tree) Remove(key []byte) (uint64, bool, error) {
	if t.nil_ {
		return 0, false, nil
	}
	var path []frame
	bid, hasBid := t.root, true
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return 0, false, err
		}
		path = append(path, frame{bid: bid, hasBid: hasBid, n: n})
		if n.level == 0 {
			break
		}
		idx := t.search(n, key)
		child := idx
		if child == len(n.entries) || t.cfg.Comparator(n.entries[child].key, key) > 0 {
			child--
		}
		if child < 0 {
			child = 0
		}
		bid = decodeChildBid(n.entries[child].val)
		hasBid = true
	}

	leaf := path[len(path)-1].n
	idx := t.search(leaf, key)
	if idx >= len(leaf.entries) || t.cfg.Comparator(leaf.entries[idx].key, key) != 0 {
		return t.root, false, nil
	}
	leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)

	if len(leaf.entries) == 0 && len(path) > 1 {
		return t.removeCollapsing(path)
	}

	newBid, err := t.writeAndCascadeDelete(path)
	if err != nil {
		return 0, false, err
	}
	return newBid, true, nil
}

// writeAndCascadeDelete rewrites every frame on path bottom-up without
// any split (deletion never grows a node), updating parent pointers.
func (t *Tree) writeAndCascadeDelete(path []frame) (uint64, error) {
	var childNewBid uint64
	haveChild := false
	for i := len(path) - 1; i >= 0; i-- {
		f := path[i]
		if haveChild && i < len(path)-1 {
			parent := f.n
			for j := range parent.entries {
				if decodeChildBid(parent.entries[j].val) == path[i+1].bid {
					parent.entries[j].val = encodeChildBid(childNewBid, t.cfg.ValueSize)
					break
				}
			}
		}
		newBid, err := t.writeNode(f.bid, f.hasBid, f.n)
		if err != nil {
			return 0, err
		}
		childNewBid = newBid
		haveChild = true
	}
	t.root = childNewBid
	return childNewBid, nil
}

// removeCollapsing handles the leaf-goes-empty case: drop the pointer
// in the parent, and if the parent is left with exactly one child,
// collapse it into that child (§4.3 root collapse generalized to any
// internal level).
func (t *Tree) removeCollapsing(path []frame) (uint64, bool, error) {
	i := len(path) - 2 // parent of the emptied leaf
	emptyBid := path[i+1].bid
	parent := path[i].n
	for j := range parent.entries {
		if decodeChildBid(parent.entries[j].val) == emptyBid {
			parent.entries = append(parent.entries[:j], parent.entries[j+1:]...)
			break
		}
	}
	trimmed := path[:i+1]
	if len(parent.entries) == 1 {
		// collapse: the grandparent's pointer to parent now points
		// directly at parent's sole remaining child.
		sole := decodeChildBid(parent.entries[0].val)
		grandPath := trimmed[:len(trimmed)-1]
		if len(grandPath) == 0 {
			t.root = sole
			return sole, true, nil
		}
		grand := grandPath[len(grandPath)-1].n
		for j := range grand.entries {
			if decodeChildBid(grand.entries[j].val) == trimmed[len(trimmed)-1].bid {
				grand.entries[j].val = encodeChildBid(sole, t.cfg.ValueSize)
				break
			}
		}
		gBid, err := t.writeAndCascadeDelete(grandPath)
		if err != nil {
			return 0, false, err
		}
		return gBid, true, nil
	}
	// Replace the (now stale) frame chain from i upward with a fresh
	// write-and-cascade, treating position i as if it were the leaf.
	newBid, err := t.writeAndCascadeDelete(trimmed)
	if err != nil {
		return 0, false, err
	}
	return newBid, true, nil
}
