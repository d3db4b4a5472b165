package kvstore

import (
	"sync/atomic"
	"time"

	basalt "github.com/basalt-db/basalt"
	"github.com/basalt-db/basalt/bptree"
	"github.com/basalt-db/basalt/commit"
	"github.com/basalt-db/basalt/hbtrie"
	"github.com/basalt-db/basalt/internal/status"
	"github.com/basalt-db/basalt/snapshot"
	"github.com/basalt-db/basalt/wal"
)

// storeCore is the mutable state one named KV store owns: its WAL
// buffering uncommitted/unflushed writes ahead of the by-key and
// by-seqnum HB-tries of committed, flushed ones (§4.1, §4.5). It is
// shared by every handle (the base handle and any transaction-scoped
// ones) opened against the same store, so a flush performed through
// one handle is immediately visible through all of them.
type storeCore struct {
	name    string
	wal     *wal.WAL
	trie    *hbtrie.Trie
	seqTrie *hbtrie.Trie // by-seqnum index, alongside the by-key one (§3)
	seq     uint64       // last seqnum minted for this store
	cmp     bptree.Comparator // by-key ordering; nil means byte-lex (KVConfig.Comparator)
}

func (c *storeCore) nextSeqnum() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

// KVStore is a handle onto one named KV store, scoped to either the
// live file (view.OwnTxnID == 0 unless opened via Txn.KVStore) or a
// read-only point-in-time snapshot (opened via SnapshotOpen).
type KVStore struct {
	f    *File
	name string
	core *storeCore
	view wal.View

	// snap/isSnapshot make this handle a read-only, point-in-time view
	// instead of the live store.
	snap       *snapshot.Snapshot
	isSnapshot bool
}

// Set appends doc to the document log (held in the log's current block
// until that block fills or the log is flushed; nothing is fsynced
// here) and buffers a
// (key, seqnum, offset) pointer in the WAL under this handle's
// transaction (or directly committed, if none). doc.Key selects the
// key; doc.Seqnum is overwritten with the freshly minted seqnum.
func (h *KVStore) Set(doc *basalt.Document) error {
	if h.isSnapshot {
		return status.New(status.RonlyViolation)
	}
	// Compact (file.go) holds f.mu for its entire run, copying the file
	// out from under any write that isn't excluded by the same lock; an
	// RLock here is what actually keeps a write from landing on a log
	// Compact has already finished reading from and discarding.
	h.f.mu.RLock()
	defer h.f.mu.RUnlock()
	if h.f.closed {
		return status.New(status.InvalidArgs)
	}
	doc.Seqnum = h.core.nextSeqnum()
	offset, err := h.f.log.Append(doc)
	if err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	h.core.wal.Put(h.view.OwnTxnID, &wal.Entry{Key: doc.Key, Seqnum: doc.Seqnum, Offset: offset})
	return nil
}

// Delete buffers a tombstone for key the same way Set buffers a write
// (§4.5's "a deletion is logged as a tombstone record, not a physical
// removal").
func (h *KVStore) Delete(key []byte) error {
	if h.isSnapshot {
		return status.New(status.RonlyViolation)
	}
	h.f.mu.RLock()
	defer h.f.mu.RUnlock()
	if h.f.closed {
		return status.New(status.InvalidArgs)
	}
	seq := h.core.nextSeqnum()
	offset, err := h.f.log.Append(&basalt.Document{Key: key, Seqnum: seq, Deleted: true})
	if err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	h.core.wal.Put(h.view.OwnTxnID, &wal.Entry{Key: key, Seqnum: seq, Offset: offset, Deleted: true})
	return nil
}

// Get resolves doc.Key and fills in doc in place: the WAL first (own
// txn, then — under ReadUncommitted — other live txns, then the
// committed partition), falling back to the flushed HB-trie. A
// snapshot-bound handle instead reads its frozen point-in-time view.
func (h *KVStore) Get(doc *basalt.Document) error {
	found, err := h.lookup(doc.Key, false)
	if err != nil {
		return err
	}
	*doc = *found
	return nil
}

// GetMetaOnly is Get without reading the value body (§4.1).
func (h *KVStore) GetMetaOnly(doc *basalt.Document) error {
	found, err := h.lookup(doc.Key, true)
	if err != nil {
		return err
	}
	*doc = *found
	return nil
}

func (h *KVStore) lookup(key []byte, metaOnly bool) (*basalt.Document, error) {
	if h.isSnapshot {
		var (
			doc *basalt.Document
			ok  bool
			err error
		)
		if metaOnly {
			doc, ok, err = h.snap.GetMetaOnly(key)
		} else {
			doc, ok, err = h.snap.Get(key)
		}
		if err != nil {
			return nil, status.Wrap(status.ReadFail, err)
		}
		if !ok {
			return nil, status.New(status.KeyNotFound)
		}
		return doc, nil
	}

	h.f.mu.RLock()
	defer h.f.mu.RUnlock()
	if h.f.closed {
		return nil, status.New(status.InvalidArgs)
	}
	if e, ok := h.core.wal.Lookup(h.view, key); ok {
		if e.Deleted {
			return nil, status.New(status.KeyNotFound)
		}
		return h.readLog(e.Offset, metaOnly)
	}
	offset, ok, err := h.core.trie.Find(key)
	if err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	if !ok {
		return nil, status.New(status.KeyNotFound)
	}
	doc, err := h.readLog(offset, metaOnly)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, status.New(status.KeyNotFound)
	}
	return doc, nil
}

func (h *KVStore) readLog(offset uint64, metaOnly bool) (*basalt.Document, error) {
	var (
		doc *basalt.Document
		err error
	)
	if metaOnly {
		doc, err = h.f.log.ReadMetaOnly(offset)
	} else {
		doc, err = h.f.log.Read(offset)
	}
	if err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	return doc, nil
}

// GetBySeq resolves doc by sequence number rather than key, via the
// by-seqnum index alongside the by-key one. A seqnum remains
// resolvable even after its key is later overwritten or deleted
// (§6's get_byseq). Compact re-files only each live key's current
// seqnum, so older seqnums no longer resolve after a compaction.
func (h *KVStore) GetBySeq(seqnum uint64, doc *basalt.Document) error {
	found, err := h.lookupBySeq(seqnum, false)
	if err != nil {
		return err
	}
	*doc = *found
	return nil
}

// GetMetaOnlyBySeq is GetBySeq without reading the value body.
func (h *KVStore) GetMetaOnlyBySeq(seqnum uint64, doc *basalt.Document) error {
	found, err := h.lookupBySeq(seqnum, true)
	if err != nil {
		return err
	}
	*doc = *found
	return nil
}

func (h *KVStore) lookupBySeq(seqnum uint64, metaOnly bool) (*basalt.Document, error) {
	if h.isSnapshot {
		var (
			doc *basalt.Document
			ok  bool
			err error
		)
		if metaOnly {
			doc, ok, err = h.snap.GetMetaOnlyBySeq(seqnum)
		} else {
			doc, ok, err = h.snap.GetBySeq(seqnum)
		}
		if err != nil {
			return nil, status.Wrap(status.ReadFail, err)
		}
		if !ok {
			return nil, status.New(status.KeyNotFound)
		}
		return doc, nil
	}

	h.f.mu.RLock()
	defer h.f.mu.RUnlock()
	if h.f.closed {
		return nil, status.New(status.InvalidArgs)
	}
	if e, ok := h.core.wal.LookupBySeq(h.view, seqnum); ok {
		if e.Deleted {
			return nil, status.New(status.KeyNotFound)
		}
		return h.readLog(e.Offset, metaOnly)
	}
	offset, ok, err := h.core.seqTrie.Find(snapshot.SeqKey(seqnum))
	if err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	if !ok {
		return nil, status.New(status.KeyNotFound)
	}
	return h.readLog(offset, metaOnly)
}

// Info answers get_kvs_info (§6).
func (h *KVStore) Info() (basalt.KVStoreInfo, error) {
	if h.isSnapshot {
		return basalt.KVStoreInfo{}, status.New(status.RonlyViolation)
	}
	h.f.mu.RLock()
	defer h.f.mu.RUnlock()
	return basalt.KVStoreInfo{
		File:       h.f.path,
		Name:       h.name,
		LastSeqnum: h.core.seq,
	}, nil
}

// maybeFlush drains the WAL's committed partition into both the
// by-key and by-seqnum HB-tries, either because mode forces it or
// because CommittedLen crossed threshold (§4.5/§4.6).
func (c *storeCore) maybeFlush(f *File, mode basalt.CommitMode, threshold int) error {
	if mode != basalt.CommitManualWALFlush && c.wal.CommittedLen() < threshold {
		return nil
	}
	for _, e := range c.wal.DrainCommitted() {
		seqRoot, err := c.seqTrie.Insert(snapshot.SeqKey(e.Seqnum), e.Offset)
		if err != nil {
			return err
		}
		c.seqTrie = hbtrie.New(f.seqTrieCfg(), seqRoot, true)

		if e.Deleted {
			root, _, err := c.trie.Delete(e.Key)
			if err != nil {
				return err
			}
			c.trie = hbtrie.New(f.storeTrieCfg(c.cmp), root, true)
			continue
		}
		root, err := c.trie.Insert(e.Key, e.Offset)
		if err != nil {
			return err
		}
		c.trie = hbtrie.New(f.storeTrieCfg(c.cmp), root, true)
	}
	return nil
}

// SnapshotOpen returns a read-only handle bound to a point-in-time
// view (§4.7): seqnum 0 for an always-empty view, InMemSentinel for
// the current in-memory state (committed WAL + live tries), or a
// specific past seqnum resolved via the commit header chain.
func (h *KVStore) SnapshotOpen(seqnum uint64) (*KVStore, error) {
	switch seqnum {
	case 0:
		return &KVStore{f: h.f, name: h.name, snap: snapshot.Empty(), isSnapshot: true}, nil
	case basalt.InMemSentinel:
		frozen := h.core.wal.SnapshotCommitted()
		snap := snapshot.OpenInMemory(h.core.trie, h.core.seqTrie, h.f.log, frozen, h.core.seq)
		return &KVStore{f: h.f, name: h.name, snap: snap, isSnapshot: true}, nil
	}

	h.f.mu.RLock()
	headBid, head, hasHead := h.f.headBid, h.f.head, h.f.hasHead
	h.f.mu.RUnlock()
	if !hasHead {
		return nil, status.New(status.NoDBInstance)
	}
	loc := &snapshot.Locator{BlockFile: h.f.bf, Log: h.f.log, CatalogTrieCfg: h.f.catalogTrieCfg()}
	meta, _, ok, err := loc.FindBySeqnum(headBid, head, h.name, seqnum)
	if err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	if !ok {
		return nil, status.New(status.NoDBInstance)
	}
	trie := hbtrie.New(h.f.storeTrieCfg(h.core.cmp), meta.Root, meta.HasRoot)
	seqTrie := hbtrie.New(h.f.seqTrieCfg(), meta.SeqRoot, meta.HasSeqRoot)
	snap := snapshot.OpenDurable(trie, seqTrie, h.f.log, meta.LastSeqnum)
	return &KVStore{f: h.f, name: h.name, snap: snap, isSnapshot: true}, nil
}

// Rollback rewinds the store to the newest commit header whose
// last-seqnum for this store is <= targetSeqnum, requiring no live
// transaction be open (§4.8). The rollback is made durable the same
// way Commit makes a write durable: the catalog is updated to the
// resolved historical metadata and a new commit header is chained onto
// the current head and fsynced, so a crash or Close+reopen right after
// Rollback returns cannot resurrect the rolled-back state (§4.8 "a new
// commit header is written to make the rollback durable").
func (h *KVStore) Rollback(targetSeqnum uint64) error {
	if h.isSnapshot {
		return status.New(status.RonlyViolation)
	}
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if err := h.f.txns.CheckNoLiveTxn(); err != nil {
		return err
	}
	if !h.f.hasHead {
		return status.New(status.NoDBInstance)
	}
	h.f.txns.LockCommit()
	defer h.f.txns.UnlockCommit()

	loc := &snapshot.Locator{BlockFile: h.f.bf, Log: h.f.log, CatalogTrieCfg: h.f.catalogTrieCfg()}
	meta, _, ok, err := loc.FindForRollback(h.f.headBid, h.f.head, h.name, targetSeqnum)
	if err != nil {
		return status.Wrap(status.ReadFail, err)
	}
	if !ok {
		return status.New(status.NoDBInstance)
	}
	h.core.trie = hbtrie.New(h.f.storeTrieCfg(h.core.cmp), meta.Root, meta.HasRoot)
	h.core.seqTrie = hbtrie.New(h.f.seqTrieCfg(), meta.SeqRoot, meta.HasSeqRoot)
	h.core.seq = meta.LastSeqnum
	h.core.wal = wal.New()

	if _, err := h.f.catalog.Put(h.name, meta); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	if err := h.f.log.Flush(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	catRoot, hasCatRoot := h.f.catalog.Root()
	newHead := &commit.Header{
		Timestamp:      uint64(time.Now().Unix()),
		HasPrev:        h.f.hasHead,
		PrevBid:        h.f.headBid,
		HasCatalogRoot: hasCatRoot,
		CatalogRoot:    catRoot,
	}
	bid, err := commit.Write(h.f.bf, newHead)
	if err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	if err := h.f.bf.Fsync(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	h.f.head, h.f.headBid, h.f.hasHead = newHead, bid, true
	return nil
}
