package hbtrie

import (
	"bytes"

	"github.com/basalt-db/basalt/bptree"
)

// Cursor walks the trie's (key, offset) pairs in ascending key order,
// descending into child subtrees depth-first as it encounters them —
// the HB-trie analogue of bptree.Cursor's path-from-root-to-leaf.
type Cursor struct {
	t       *Trie
	stack   []levelFrame
	key     []byte
	offset  uint64
	valid   bool
	startAt []byte
}

type levelFrame struct {
	cur    *bptree.Cursor
	prefix []byte
}

// Iterate opens a cursor at the first key >= start (nil for the
// beginning of the keyspace).
func (t *Trie) Iterate(start []byte) (*Cursor, error) {
	c := &Cursor{t: t, startAt: start}
	if !t.hasTop {
		return c, nil
	}
	cur, err := t.treeAt(t.topRoot, true).Iterate(nil)
	if err != nil {
		return nil, err
	}
	c.stack = []levelFrame{{cur: cur, prefix: nil}}
	if err := c.descendToValue(); err != nil {
		return nil, err
	}
	if start != nil {
		for c.valid && bytes.Compare(c.key, start) < 0 {
			if err := c.advance(); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// descendToValue advances the top-of-stack cursor (and deeper, if it
// points at a child subtree) until it rests on a terminal value, or
// exhausts the whole trie.
func (c *Cursor) descendToValue() error {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if !top.cur.Valid() {
			c.stack = c.stack[:len(c.stack)-1]
			if len(c.stack) > 0 {
				if !c.stack[len(c.stack)-1].cur.Next() {
					continue
				}
			}
			continue
		}
		tag, payload := decodeValue(top.cur.Value())
		chunk := top.cur.Key()
		prefix := append(append([]byte{}, top.prefix...), chunk...)
		if tag == tagTerminal {
			c.key = trimTrailingZeros(prefix)
			c.offset = payload
			c.valid = true
			return nil
		}
		childCur, err := c.t.treeAt(payload, true).Iterate(nil)
		if err != nil {
			return err
		}
		c.stack = append(c.stack, levelFrame{cur: childCur, prefix: prefix})
	}
	c.valid = false
	return nil
}

// trimTrailingZeros undoes the zero-padding chunkAt applies to a key's
// final (possibly partial) chunk. It cannot distinguish that padding
// from a real key that itself ends in 0x00 — every trie built over
// variable-length keys pays for this with Key()'s caveat below; the
// fixed-width by-seqnum index (snapshot.SeqKey/decodeSeq) compensates
// by re-padding before decoding instead, since its KeyAt resolves to
// an unrelated document key rather than the seqnum encoding itself.
func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return append([]byte{}, b[:end]...)
}

func (c *Cursor) Valid() bool { return c.valid }

// Key returns the current entry's chunk-reconstructed key, with any
// trailing 0x00 bytes chunkAt's zero-padding introduced stripped back
// off (trimTrailingZeros). That strip is ambiguous for a real key that
// itself ends in 0x00: such a key comes back shorter than it really
// is. Callers that need the exact original bytes — and aren't, like
// decodeSeq, working around the ambiguity some other way — should call
// TrueKey instead. A key held inline at a level before its final chunk
// (the only key through that chunk) also comes back as just the chunks
// down to that level, not the whole key.
func (c *Cursor) Key() []byte { return c.key }

// TrueKey resolves the current entry's exact original key by reading
// it back from the doc log via cfg.KeyAt, the same way insertLevel
// resolves a chunk-collision during insert, rather than trusting
// Key()'s trailing-zero-trimmed reconstruction. Only meaningful for a
// trie whose KeyAt returns the indexed key itself (the by-key trie);
// callers of the by-seqnum trie must keep using Key()/decodeSeq.
func (c *Cursor) TrueKey() ([]byte, error) {
	if c.t.cfg.KeyAt == nil {
		return c.key, nil
	}
	return c.t.cfg.KeyAt(c.offset)
}

func (c *Cursor) Offset() uint64 { return c.offset }

// Next advances to the next terminal value.
func (c *Cursor) Next() bool {
	if err := c.advance(); err != nil {
		c.valid = false
	}
	return c.valid
}

func (c *Cursor) advance() error {
	if len(c.stack) == 0 {
		c.valid = false
		return nil
	}
	top := &c.stack[len(c.stack)-1]
	top.cur.Next()
	return c.descendToValue()
}
