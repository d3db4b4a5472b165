package snapshot

import (
	"bytes"

	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
	"github.com/basalt-db/basalt/wal"
)

// Cursor walks a snapshot's (key -> document) pairs in ascending key
// order, merging the frozen WAL overlay (if any) over the underlying
// HB-trie the same way a live kvstore read shadows committed state
// with uncommitted writes.
type Cursor struct {
	snap    *Snapshot
	trieCur *hbtrie.Cursor
	frozen  []*wal.Entry
	memIdx  int
	key     []byte
	offset  uint64
	deleted bool
	valid   bool
}

// Iterate opens a cursor positioned at the first live (non-tombstoned)
// key >= start.
func (s *Snapshot) Iterate(start []byte) (*Cursor, error) {
	c := &Cursor{snap: s, frozen: s.frozen}
	if s.empty {
		return c, nil
	}
	tc, err := s.trie.Iterate(start)
	if err != nil {
		return nil, err
	}
	c.trieCur = tc
	for c.memIdx < len(c.frozen) && bytes.Compare(c.frozen[c.memIdx].Key, start) < 0 {
		c.memIdx++
	}
	if err := c.settle(); err != nil {
		return nil, err
	}
	return c, nil
}

// settle positions the cursor on the next live key from whichever
// source (trie or frozen overlay) currently holds the smaller key,
// skipping tombstones and re-settling until a live entry is found or
// both sources are exhausted.
func (c *Cursor) settle() error {
	for {
		trieValid := c.trieCur != nil && c.trieCur.Valid()
		memValid := c.memIdx < len(c.frozen)
		if !trieValid && !memValid {
			c.valid = false
			return nil
		}

		useMem := memValid && (!trieValid || bytes.Compare(c.frozen[c.memIdx].Key, c.trieCur.Key()) <= 0)
		if useMem {
			e := c.frozen[c.memIdx]
			// The overlay shadows an equal trie key: skip both sides'
			// to match (WAL wins, trie entry discarded).
			if trieValid && bytes.Equal(e.Key, c.trieCur.Key()) {
				c.trieCur.Next()
			}
			c.memIdx++
			if e.Deleted {
				continue
			}
			c.key, c.offset, c.deleted, c.valid = e.Key, e.Offset, false, true
			return nil
		}

		c.key, c.offset, c.deleted, c.valid = c.trieCur.Key(), c.trieCur.Offset(), false, true
		return nil
	}
}

func (c *Cursor) Valid() bool { return c.valid }

// Key returns the current entry's key, merged from the frozen WAL
// overlay (exact bytes) or the by-key HB-trie (hbtrie.Cursor.Key's
// trailing-zero-trimmed reconstruction — see its doc comment). A
// stored key ending in 0x00 would come back short, and could in
// principle misorder against the overlay in settle's merge compare;
// no current caller constructs such a key, so this is accepted rather
// than paying a doc-log round trip per entry. hbtrie.Cursor.TrueKey
// resolves it exactly, if iteration ever needs that guarantee.
func (c *Cursor) Key() []byte { return c.key }

// Document fetches the full record the cursor currently points at.
func (c *Cursor) Document() (*doclog.Document, error) { return c.snap.log.Read(c.offset) }

// MetaOnly fetches the metadata-only record the cursor currently
// points at, without decompressing the body.
func (c *Cursor) MetaOnly() (*doclog.Document, error) { return c.snap.log.ReadMetaOnly(c.offset) }

// Next advances to the next live key.
func (c *Cursor) Next() bool {
	if !c.valid {
		return false
	}
	if c.trieCur != nil && c.trieCur.Valid() && bytes.Equal(c.key, c.trieCur.Key()) {
		c.trieCur.Next()
	}
	if err := c.settle(); err != nil {
		c.valid = false
	}
	return c.valid
}
