package bptree

// Cursor walks leaf entries in ascending key order. It carries the
// path from root to current leaf (§4.3) and is a snapshot over the
// root bid it was opened with: since nodes are copy-on-write, later
// mutations of the tree never alter the blocks a live cursor is
// reading, so pinning is not required for correctness — only for
// keeping those blocks resident, which the cache handles opportunistically.
type Cursor struct {
	t       *Tree
	leaf    *node
	leafIdx int
	stack   []cursorFrame
	done    bool
}

type cursorFrame struct {
	bid      uint64
	childIdx int
}

// Iterate opens a cursor positioned at the first entry >= start (or
// the first entry overall if start is nil).
func (t *Tree) Iterate(start []byte) (*Cursor, error) {
	c := &Cursor{t: t}
	if t.nil_ {
		c.done = true
		return c, nil
	}
	bid := t.root
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return nil, err
		}
		if n.level == 0 {
			idx := 0
			if start != nil {
				idx = t.search(n, start)
			}
			c.leaf = n
			c.leafIdx = idx
			if idx >= len(n.entries) {
				if !c.advanceLeaf() {
					c.done = true
				}
			}
			return c, nil
		}
		idx := 0
		if start != nil {
			idx = t.search(n, start)
			if idx == len(n.entries) || t.t_cmp(n, idx, start) > 0 {
				idx--
			}
			if idx < 0 {
				idx = 0
			}
		}
		c.stack = append(c.stack, cursorFrame{bid: bid, childIdx: idx})
		bid = decodeChildBid(n.entries[idx].val)
	}
}

func (t *Tree) t_cmp(n *node, idx int, key []byte) int {
	return t.cfg.Comparator(n.entries[idx].key, key)
}

// advanceLeaf moves to the next leaf via the recorded stack, used when
// the current leaf is exhausted. Returns false if there is no next leaf.
func (c *Cursor) advanceLeaf() bool {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		top.childIdx++
		parentBid := top.bid
		parent, err := c.t.readNode(parentBid)
		if err != nil {
			return false
		}
		if top.childIdx < len(parent.entries) {
			bid := decodeChildBid(parent.entries[top.childIdx].val)
			return c.descendLeftmost(bid)
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false
}

func (c *Cursor) descendLeftmost(bid uint64) bool {
	for {
		n, err := c.t.readNode(bid)
		if err != nil {
			return false
		}
		if n.level == 0 {
			if len(n.entries) == 0 {
				return c.advanceLeaf()
			}
			c.leaf = n
			c.leafIdx = 0
			return true
		}
		c.stack = append(c.stack, cursorFrame{bid: bid, childIdx: 0})
		bid = decodeChildBid(n.entries[0].val)
	}
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool {
	return !c.done && c.leaf != nil && c.leafIdx < len(c.leaf.entries)
}

// Key/Value return the current entry. Only valid when Valid() is true.
func (c *Cursor) Key() []byte   { return c.leaf.entries[c.leafIdx].key }
func (c *Cursor) Value() []byte { return c.leaf.entries[c.leafIdx].val }

// Next advances the cursor, returning false once exhausted.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	c.leafIdx++
	if c.leafIdx < len(c.leaf.entries) {
		return true
	}
	if !c.advanceLeaf() {
		c.done = true
		return false
	}
	return true
}
