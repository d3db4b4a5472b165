package snapshot

import (
	"encoding/binary"

	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
	"github.com/basalt-db/basalt/wal"
)

// SeqCursor walks a snapshot's (seqnum -> document) pairs in ascending
// sequence-number order within [lo, hi], merging the frozen WAL
// overlay over the by-seqnum HB-trie the same way Cursor merges the
// by-key one. A seqnum already flushed into the by-seqnum trie remains
// visible here even after its key has since been overwritten or
// deleted, since that index never rewrites an older seqnum's record in
// place. The frozen overlay holds only each key's newest WAL entry, so
// an older seqnum of a key overwritten before it was flushed is not
// visited.
type SeqCursor struct {
	snap    *Snapshot
	trieCur *hbtrie.Cursor
	hi      uint64
	frozen  []*wal.Entry
	memIdx  int
	seqnum  uint64
	offset  uint64
	valid   bool
}

// IterateBySeq opens a cursor positioned at the first entry with
// seqnum >= lo, stopping once seqnum would exceed hi.
func (s *Snapshot) IterateBySeq(lo, hi uint64) (*SeqCursor, error) {
	c := &SeqCursor{snap: s, frozen: s.frozenBySeq, hi: hi}
	if s.empty || s.seqTrie == nil {
		return c, nil
	}
	tc, err := s.seqTrie.Iterate(SeqKey(lo))
	if err != nil {
		return nil, err
	}
	c.trieCur = tc
	for c.memIdx < len(c.frozen) && c.frozen[c.memIdx].Seqnum < lo {
		c.memIdx++
	}
	c.settle()
	return c, nil
}

func (c *SeqCursor) settle() {
	for {
		trieValid := c.trieCur != nil && c.trieCur.Valid() && decodeSeq(c.trieCur.Key()) <= c.hi
		memValid := c.memIdx < len(c.frozen) && c.frozen[c.memIdx].Seqnum <= c.hi
		if !trieValid && !memValid {
			c.valid = false
			return
		}

		useMem := memValid && (!trieValid || c.frozen[c.memIdx].Seqnum <= decodeSeq(c.trieCur.Key()))
		if useMem {
			e := c.frozen[c.memIdx]
			if trieValid && e.Seqnum == decodeSeq(c.trieCur.Key()) {
				c.trieCur.Next()
			}
			c.memIdx++
			if e.Deleted {
				continue
			}
			c.seqnum, c.offset, c.valid = e.Seqnum, e.Offset, true
			return
		}

		c.seqnum, c.offset, c.valid = decodeSeq(c.trieCur.Key()), c.trieCur.Offset(), true
		return
	}
}

// DecodeSeqKey reverses SeqKey for callers outside this package (used
// by Iterator.Seek against a SeqIterator to turn a caller-supplied key
// back into the seqnum it was encoded from).
func DecodeSeqKey(b []byte) uint64 { return decodeSeq(b) }

// decodeSeq reverses SeqKey. The HB-trie cursor trims trailing zero
// bytes off a key it returns (its chunkAt zero-padding caveat), so a
// seqnum whose big-endian encoding ends in zero bytes comes back
// shorter than 8 bytes; right-padding with zeros before decoding
// restores the original value exactly, since the trimmed positions
// held zero to begin with.
func decodeSeq(b []byte) uint64 {
	var padded [8]byte
	copy(padded[:], b)
	return binary.BigEndian.Uint64(padded[:])
}

func (c *SeqCursor) Valid() bool    { return c.valid }
func (c *SeqCursor) Seqnum() uint64 { return c.seqnum }

// Document fetches the full record the cursor currently points at.
func (c *SeqCursor) Document() (*doclog.Document, error) { return c.snap.log.Read(c.offset) }

// MetaOnly fetches the metadata-only record the cursor currently
// points at, without decompressing the body.
func (c *SeqCursor) MetaOnly() (*doclog.Document, error) { return c.snap.log.ReadMetaOnly(c.offset) }

// Next advances to the next entry within [lo, hi].
func (c *SeqCursor) Next() bool {
	if !c.valid {
		return false
	}
	if c.trieCur != nil && c.trieCur.Valid() && decodeSeq(c.trieCur.Key()) == c.seqnum {
		c.trieCur.Next()
	}
	c.settle()
	return c.valid
}
