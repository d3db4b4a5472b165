// Package wal implements the in-memory write-ahead buffer (§4.5): an
// ordered index of uncommitted/unflushed writes, keyed both by key and
// by sequence number, partitioned by owning transaction plus one
// shared "committed" partition.
//
// The ordered structures are github.com/google/btree's generic
// BTreeG, the same in-memory ordered-map module erigon-lib's go.mod
// depends on for exactly this kind of sorted index — basalt reuses it
// rather than hand-rolling a skip list or rolling its own balanced
// tree, generalizing core/state/snapshot/difflayer.go's sorted
// accountList/storageList pattern (there a plain sorted slice,
// rebuilt on demand; here a maintained tree since the WAL is mutated
// far more often between reads).
package wal

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// Entry is one write buffered ahead of (or bypassing, for a flush) the
// persistent HB-trie.
type Entry struct {
	Key     []byte
	Seqnum  uint64
	Offset  uint64
	Deleted bool
	TxnID   uint64
}

func keyLess(a, b *Entry) bool { return bytes.Compare(a.Key, b.Key) < 0 }
func seqLess(a, b *Entry) bool { return a.Seqnum < b.Seqnum }

// partition is one sub-index: every committed write, or every write of
// exactly one live transaction.
type partition struct {
	byKey *btree.BTreeG[*Entry]
	bySeq *btree.BTreeG[*Entry]
}

func newPartition() *partition {
	return &partition{
		byKey: btree.NewG(32, keyLess),
		bySeq: btree.NewG(32, seqLess),
	}
}

func (p *partition) put(e *Entry) {
	p.byKey.ReplaceOrInsert(e)
	p.bySeq.ReplaceOrInsert(e)
}

func (p *partition) getByKey(key []byte) (*Entry, bool) {
	return p.byKey.Get(&Entry{Key: key})
}

func (p *partition) getBySeq(seqnum uint64) (*Entry, bool) {
	return p.bySeq.Get(&Entry{Seqnum: seqnum})
}

func (p *partition) len() int { return p.byKey.Len() }

// WAL is one KV store's write-ahead buffer.
type WAL struct {
	mu        sync.RWMutex
	committed *partition
	txns      map[uint64]*partition
	nextTxnID uint64
}

// New creates an empty WAL.
func New() *WAL {
	return &WAL{
		committed: newPartition(),
		txns:      make(map[uint64]*partition),
	}
}

// BeginTxn allocates a private partition and returns its id.
func (w *WAL) BeginTxn() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextTxnID++
	id := w.nextTxnID
	w.txns[id] = newPartition()
	return id
}

// Put inserts a write. txnID 0 means "directly committed" (no open
// transaction); any other id names a transaction partition (from
// BeginTxn or AdoptTxn), which is created here if it does not exist.
func (w *WAL) Put(txnID uint64, e *Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.TxnID = txnID
	if txnID == 0 {
		w.committed.put(e)
		return
	}
	p, ok := w.txns[txnID]
	if !ok {
		p = newPartition()
		w.txns[txnID] = p
	}
	p.put(e)
}

// Merge folds a transaction's partition into the shared committed
// partition (txn end under COMMIT) and discards the transaction.
func (w *WAL) Merge(txnID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.txns[txnID]
	if !ok {
		return
	}
	p.byKey.Ascend(func(e *Entry) bool {
		cp := *e
		cp.TxnID = 0
		w.committed.put(&cp)
		return true
	})
	delete(w.txns, txnID)
}

// AdoptTxn ensures a partition exists for an externally-assigned txn
// id (one minted by a file-wide transaction manager spanning multiple
// KV stores' WALs, rather than by this WAL's own BeginTxn). A no-op if
// the partition already exists.
func (w *WAL) AdoptTxn(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.txns[id]; !ok {
		w.txns[id] = newPartition()
	}
}

// Abort discards a transaction's partition without merging it.
func (w *WAL) Abort(txnID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.txns, txnID)
}

// Isolation selects which partitions a read may observe.
type Isolation int

const (
	ReadCommitted Isolation = iota
	ReadUncommitted
)

// View scopes a lookup: the shared committed partition, plus this
// transaction's own partition (if any), plus — under
// ReadUncommitted — every other live transaction's partition too.
type View struct {
	Isolation Isolation
	OwnTxnID  uint64 // 0 if not inside a transaction
}

// Lookup returns the most relevant entry for key visible under view.
// A transaction's own uncommitted write always shadows the shared
// committed value (§4.9).
func (w *WAL) Lookup(view View, key []byte) (*Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if view.OwnTxnID != 0 {
		if p, ok := w.txns[view.OwnTxnID]; ok {
			if e, ok := p.getByKey(key); ok {
				return e, true
			}
		}
	}
	if view.Isolation == ReadUncommitted {
		for id, p := range w.txns {
			if id == view.OwnTxnID {
				continue
			}
			if e, ok := p.getByKey(key); ok {
				return e, true
			}
		}
	}
	return w.committed.getByKey(key)
}

// LookupBySeq is Lookup indexed by sequence number instead of key,
// for get_byseq against writes that haven't reached the HB-trie's
// by-seqnum index yet.
func (w *WAL) LookupBySeq(view View, seqnum uint64) (*Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if view.OwnTxnID != 0 {
		if p, ok := w.txns[view.OwnTxnID]; ok {
			if e, ok := p.getBySeq(seqnum); ok {
				return e, true
			}
		}
	}
	if view.Isolation == ReadUncommitted {
		for id, p := range w.txns {
			if id == view.OwnTxnID {
				continue
			}
			if e, ok := p.getBySeq(seqnum); ok {
				return e, true
			}
		}
	}
	return w.committed.getBySeq(seqnum)
}

// CommittedLen reports how many entries sit in the shared committed
// partition, the quantity WALThreshold is compared against.
func (w *WAL) CommittedLen() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.committed.len()
}

// DrainCommitted removes and returns every shared committed entry in
// ascending seqnum order, for an atomic flush into the HB-trie/B+tree
// (§4.5: "Flush is performed under a commit; it never partially
// applies" — the caller is expected to apply the whole returned slice
// before any other commit proceeds).
func (w *WAL) DrainCommitted() []*Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Entry, 0, w.committed.len())
	w.committed.bySeq.Ascend(func(e *Entry) bool {
		out = append(out, e)
		return true
	})
	w.committed = newPartition()
	return out
}

// SnapshotCommitted returns a frozen copy of every committed entry,
// used to build an in-memory snapshot (§4.7) that later writes must
// not leak into.
func (w *WAL) SnapshotCommitted() []*Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Entry, 0, w.committed.len())
	w.committed.byKey.Ascend(func(e *Entry) bool {
		cp := *e
		out = append(out, &cp)
		return true
	})
	return out
}

// VisibleEntries returns every entry visible under view across all
// relevant partitions, for building an in-memory merge-iterator
// (ascending by key, later shadowing earlier on key collision is the
// caller's job since committed and a txn partition may both hold the
// same key).
func (w *WAL) VisibleEntries(view View) []*Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	byKey := make(map[string]*Entry)
	add := func(p *partition) {
		p.byKey.Ascend(func(e *Entry) bool {
			byKey[string(e.Key)] = e
			return true
		})
	}
	add(w.committed)
	if view.Isolation == ReadUncommitted {
		for _, p := range w.txns {
			add(p)
		}
	} else if view.OwnTxnID != 0 {
		if p, ok := w.txns[view.OwnTxnID]; ok {
			add(p)
		}
	}
	out := make([]*Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sortEntriesByKey(out)
	return out
}

// VisibleEntriesBySeq is VisibleEntries ordered by sequence number and
// restricted to [lo, hi], for SeqIterator.
func (w *WAL) VisibleEntriesBySeq(view View, lo, hi uint64) []*Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	bySeq := make(map[uint64]*Entry)
	add := func(p *partition) {
		p.bySeq.AscendRange(&Entry{Seqnum: lo}, &Entry{Seqnum: hi + 1}, func(e *Entry) bool {
			bySeq[e.Seqnum] = e
			return true
		})
	}
	add(w.committed)
	if view.Isolation == ReadUncommitted {
		for _, p := range w.txns {
			add(p)
		}
	} else if view.OwnTxnID != 0 {
		if p, ok := w.txns[view.OwnTxnID]; ok {
			add(p)
		}
	}
	out := make([]*Entry, 0, len(bySeq))
	for _, e := range bySeq {
		out = append(out, e)
	}
	sortEntriesBySeq(out)
	return out
}

func sortEntriesBySeq(es []*Entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j-1].Seqnum > es[j].Seqnum; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

func sortEntriesByKey(es []*Entry) {
	// small-N insertion sort keeps this allocation-free for typical
	// WAL sizes and avoids importing sort for one call site.
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && bytes.Compare(es[j-1].Key, es[j].Key) > 0; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

// LiveTxnCount reports how many transactions currently have an open
// partition in this WAL. Rollback's FAIL_BY_TRANSACTION check uses the
// file-wide txn.Manager.CheckNoLiveTxn, not this count.
func (w *WAL) LiveTxnCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.txns)
}
