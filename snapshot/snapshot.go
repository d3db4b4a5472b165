package snapshot

import (
	"bytes"
	"encoding/binary"

	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
	"github.com/basalt-db/basalt/wal"
)

// SeqKey encodes a sequence number as the big-endian, fixed-width byte
// key the by-seqnum HB-trie is ordered on, so ascending trie iteration
// matches ascending seqnum order (§3).
func SeqKey(seqnum uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seqnum)
	return b[:]
}

// Snapshot is an immutable, independently-lifecycled view over one KV
// store: either a durable view bound to a past commit header's
// HB-trie root, or an in-memory view additionally overlaid with a
// frozen copy of the WAL as of the moment it was opened.
type Snapshot struct {
	empty       bool
	trie        *hbtrie.Trie
	seqTrie     *hbtrie.Trie // by-seqnum index, alongside the by-key one (§3's "seqnum-index root")
	log         *doclog.Log
	frozen      []*wal.Entry // nil for a pure durable snapshot; sorted by key
	frozenBySeq []*wal.Entry // same entries, sorted by seqnum, for IterateBySeq
	lastSeqnum  uint64
}

// Empty returns the snapshot seqnum==0 resolves to: an immutable view
// with no items at all (§4.7).
func Empty() *Snapshot { return &Snapshot{empty: true} }

// OpenDurable binds a snapshot to a past HB-trie root (both the by-key
// and by-seqnum indexes) and the last-seqnum recorded alongside it;
// later commits cannot affect it because basalt never mutates a block
// once it is no longer the append frontier (§4.1's copy-on-write
// discipline is what makes this safe without copying anything here).
func OpenDurable(trie, seqTrie *hbtrie.Trie, log *doclog.Log, lastSeqnum uint64) *Snapshot {
	return &Snapshot{trie: trie, seqTrie: seqTrie, log: log, lastSeqnum: lastSeqnum}
}

// OpenInMemory additionally overlays frozen, a copy of the WAL's
// visible entries taken at one instant (wal.WAL.SnapshotCommitted or
// VisibleEntries) — later writes to the live WAL do not leak into it.
func OpenInMemory(trie, seqTrie *hbtrie.Trie, log *doclog.Log, frozen []*wal.Entry, lastSeqnum uint64) *Snapshot {
	sorted := append([]*wal.Entry(nil), frozen...)
	sortEntriesByKey(sorted)
	bySeq := append([]*wal.Entry(nil), frozen...)
	sortEntriesBySeq(bySeq)
	return &Snapshot{trie: trie, seqTrie: seqTrie, log: log, frozen: sorted, frozenBySeq: bySeq, lastSeqnum: lastSeqnum}
}

func sortEntriesBySeq(es []*wal.Entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j-1].Seqnum > es[j].Seqnum; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

func sortEntriesByKey(es []*wal.Entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && bytes.Compare(es[j-1].Key, es[j].Key) > 0; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

// Clone returns an independent handle sharing this snapshot's
// underlying (immutable) view, per §4.7 "a snapshot may be cloned".
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	return &cp
}

// LastSeqnum reports the seqnum this snapshot is bound to.
func (s *Snapshot) LastSeqnum() uint64 { return s.lastSeqnum }

func (s *Snapshot) findFrozen(key []byte) (*wal.Entry, bool) {
	for _, e := range s.frozen {
		if bytes.Equal(e.Key, key) {
			return e, true
		}
	}
	return nil, false
}

func (s *Snapshot) findFrozenBySeq(seqnum uint64) (*wal.Entry, bool) {
	for _, e := range s.frozen {
		if e.Seqnum == seqnum {
			return e, true
		}
	}
	return nil, false
}

// Get returns the full document for key, or (nil, false) if absent or
// tombstoned.
func (s *Snapshot) Get(key []byte) (*doclog.Document, bool, error) {
	if s.empty {
		return nil, false, nil
	}
	if e, ok := s.findFrozen(key); ok {
		if e.Deleted {
			return nil, false, nil
		}
		doc, err := s.log.Read(e.Offset)
		return doc, err == nil, err
	}
	offset, ok, err := s.trie.Find(key)
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := s.log.Read(offset)
	if err != nil {
		return nil, false, err
	}
	if doc.Deleted {
		return nil, false, nil
	}
	return doc, true, nil
}

// GetMetaOnly is Get without paying for the body decompression
// (EXPANSION item 2).
func (s *Snapshot) GetMetaOnly(key []byte) (*doclog.Document, bool, error) {
	if s.empty {
		return nil, false, nil
	}
	if e, ok := s.findFrozen(key); ok {
		if e.Deleted {
			return nil, false, nil
		}
		doc, err := s.log.ReadMetaOnly(e.Offset)
		return doc, err == nil, err
	}
	offset, ok, err := s.trie.Find(key)
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := s.log.ReadMetaOnly(offset)
	if err != nil {
		return nil, false, err
	}
	if doc.Deleted {
		return nil, false, nil
	}
	return doc, true, nil
}

// GetBySeq resolves a document by its sequence number rather than its
// key, via the by-seqnum index alongside the by-key one (§3, §6's
// get_byseq). A seqnum remains resolvable even after its key is
// later overwritten or deleted, since the seqnum index is never
// rewritten in place — only the by-key index's pointer for that key
// changes.
func (s *Snapshot) GetBySeq(seqnum uint64) (*doclog.Document, bool, error) {
	if s.empty {
		return nil, false, nil
	}
	if e, ok := s.findFrozenBySeq(seqnum); ok {
		if e.Deleted {
			return nil, false, nil
		}
		doc, err := s.log.Read(e.Offset)
		return doc, err == nil, err
	}
	if s.seqTrie == nil {
		return nil, false, nil
	}
	offset, ok, err := s.seqTrie.Find(SeqKey(seqnum))
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := s.log.Read(offset)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// GetMetaOnlyBySeq is GetBySeq without paying for the body.
func (s *Snapshot) GetMetaOnlyBySeq(seqnum uint64) (*doclog.Document, bool, error) {
	if s.empty {
		return nil, false, nil
	}
	if e, ok := s.findFrozenBySeq(seqnum); ok {
		if e.Deleted {
			return nil, false, nil
		}
		doc, err := s.log.ReadMetaOnly(e.Offset)
		return doc, err == nil, err
	}
	if s.seqTrie == nil {
		return nil, false, nil
	}
	offset, ok, err := s.seqTrie.Find(SeqKey(seqnum))
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := s.log.ReadMetaOnly(offset)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}
