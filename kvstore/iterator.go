package kvstore

import (
	"bytes"

	basalt "github.com/basalt-db/basalt"
	"github.com/basalt-db/basalt/internal/status"
	"github.com/basalt-db/basalt/snapshot"
)

// iterMode selects which of the two per-store indexes an Iterator
// walks: the by-key HB-trie (Iterator) or the by-seqnum one
// (SeqIterator), per §3's "key-index and seqnum-index" pair.
type iterMode int

const (
	modeByKey iterMode = iota
	modeBySeq
)

// Iterator walks one KVStore's committed state in either ascending
// key order or ascending sequence-number order (§4.2, §6's iterator
// surface). A live store is iterated over an ephemeral in-memory
// snapshot (current committed WAL merged with the flushed tries) built
// the same way SnapshotOpen(InMemSentinel) does; a snapshot-bound
// store iterates its own frozen view directly.
type Iterator struct {
	snap *snapshot.Snapshot
	mode iterMode
	opts basalt.IterOptions

	cur    *snapshot.Cursor
	seqCur *snapshot.SeqCursor
	lo, hi uint64 // seqnum bounds, modeBySeq only
}

// snapshotView returns the point-in-time view an iterator should walk:
// the handle's own frozen snapshot if it is snapshot-bound, otherwise
// a fresh in-memory one built from the live store's current state.
func (h *KVStore) snapshotView() *snapshot.Snapshot {
	if h.isSnapshot {
		return h.snap
	}
	h.f.mu.RLock()
	defer h.f.mu.RUnlock()
	frozen := h.core.wal.SnapshotCommitted()
	return snapshot.OpenInMemory(h.core.trie, h.core.seqTrie, h.f.log, frozen, h.core.seq)
}

// Iterator opens an ascending full-scan iterator over every live key.
func (h *KVStore) Iterator(opts basalt.IterOptions) (*Iterator, error) {
	snap := h.snapshotView()
	cur, err := snap.Iterate(nil)
	if err != nil {
		return nil, status.Wrap(status.IteratorFail, err)
	}
	return &Iterator{snap: snap, mode: modeByKey, cur: cur, opts: opts}, nil
}

// SeqIterator opens an ascending iterator over every entry whose
// sequence number falls within [startSeq, endSeq], via the by-seqnum
// index alongside the by-key one (§3, §6's iterate_byseq).
func (h *KVStore) SeqIterator(startSeq, endSeq uint64, opts basalt.IterOptions) (*Iterator, error) {
	snap := h.snapshotView()
	cur, err := snap.IterateBySeq(startSeq, endSeq)
	if err != nil {
		return nil, status.Wrap(status.IteratorFail, err)
	}
	return &Iterator{snap: snap, mode: modeBySeq, seqCur: cur, lo: startSeq, hi: endSeq, opts: opts}, nil
}

// Next advances to the next live entry, reporting whether one exists.
func (it *Iterator) Next() bool {
	if it.mode == modeByKey {
		return it.cur.Next()
	}
	return it.seqCur.Next()
}

// Seek repositions the iterator at key (for a by-key Iterator, a raw
// key; for a SeqIterator, an 8-byte big-endian seqnum as produced by
// snapshot.SeqKey). SeekForward lands on the first live entry >= key;
// SeekBackward lands on the last live entry <= key, found by scanning
// forward from the iterator's original bound and remembering the last
// candidate passed — the underlying HB-trie/WAL cursors only walk
// forward, so a backward seek costs a linear scan rather than a direct
// descent.
func (it *Iterator) Seek(key []byte, dir basalt.SeekDirection) bool {
	if it.mode == modeByKey {
		return it.seekByKey(key, dir)
	}
	return it.seekBySeq(key, dir)
}

func (it *Iterator) seekByKey(key []byte, dir basalt.SeekDirection) bool {
	if dir == basalt.SeekForward {
		cur, err := it.snap.Iterate(key)
		if err != nil {
			return false
		}
		it.cur = cur
		return it.cur.Valid()
	}

	scan, err := it.snap.Iterate(nil)
	if err != nil {
		return false
	}
	var lastKey []byte
	for scan.Valid() && bytes.Compare(scan.Key(), key) <= 0 {
		lastKey = append([]byte(nil), scan.Key()...)
		if !scan.Next() {
			break
		}
	}
	if lastKey == nil {
		it.cur = scan
		return false
	}
	cur, err := it.snap.Iterate(lastKey)
	if err != nil {
		return false
	}
	it.cur = cur
	return it.cur.Valid()
}

func (it *Iterator) seekBySeq(key []byte, dir basalt.SeekDirection) bool {
	target := snapshot.DecodeSeqKey(key)
	if dir == basalt.SeekForward {
		cur, err := it.snap.IterateBySeq(target, it.hi)
		if err != nil {
			return false
		}
		it.seqCur = cur
		return it.seqCur.Valid()
	}

	scan, err := it.snap.IterateBySeq(it.lo, it.hi)
	if err != nil {
		return false
	}
	var lastSeq uint64
	found := false
	for scan.Valid() && scan.Seqnum() <= target {
		lastSeq, found = scan.Seqnum(), true
		if !scan.Next() {
			break
		}
	}
	if !found {
		return false
	}
	cur, err := it.snap.IterateBySeq(lastSeq, it.hi)
	if err != nil {
		return false
	}
	it.seqCur = cur
	return it.seqCur.Valid()
}

// Valid reports whether the iterator is positioned on a live entry.
func (it *Iterator) Valid() bool {
	if it.mode == modeByKey {
		return it.cur.Valid()
	}
	return it.seqCur.Valid()
}

// Document returns the current entry's full document, or its
// metadata-only form if opts.MetaOnly was set at open time.
func (it *Iterator) Document() (*basalt.Document, error) {
	if it.opts.MetaOnly {
		return it.MetaOnly()
	}
	var (
		doc *basalt.Document
		err error
	)
	if it.mode == modeByKey {
		doc, err = it.cur.Document()
	} else {
		doc, err = it.seqCur.Document()
	}
	if err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	return doc, nil
}

// MetaOnly returns the current entry's metadata-only record regardless
// of the opts.MetaOnly the iterator was opened with.
func (it *Iterator) MetaOnly() (*basalt.Document, error) {
	var (
		doc *basalt.Document
		err error
	)
	if it.mode == modeByKey {
		doc, err = it.cur.MetaOnly()
	} else {
		doc, err = it.seqCur.MetaOnly()
	}
	if err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	return doc, nil
}

// Close releases the iterator. basalt's cursors hold no external
// resources beyond Go-managed memory, so Close is a no-op provided for
// symmetry with Open/Iterator pairs elsewhere in the public API.
func (it *Iterator) Close() error { return nil }
