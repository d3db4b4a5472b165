// Package kvstore is basalt's top-level public surface (§6): File,
// KVStore, Iterator and Txn, wiring together every lower package
// (blockfile, cache, doclog, bptree, hbtrie, wal, commit, snapshot,
// txn, compaction) into the operations a caller actually uses.
//
// Grounded on eth/backend.go's role in the teacher: a top-level type
// that owns every subsystem's lifetime (database, trie cache, tx pool)
// and exposes a small public surface over them, without itself
// implementing any subsystem's internals.
package kvstore

import (
	"sync"
	"time"

	basalt "github.com/basalt-db/basalt"
	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/bptree"
	"github.com/basalt-db/basalt/cache"
	"github.com/basalt-db/basalt/commit"
	"github.com/basalt-db/basalt/compaction"
	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
	"github.com/basalt-db/basalt/internal/rlog"
	"github.com/basalt-db/basalt/internal/status"
	"github.com/basalt-db/basalt/snapshot"
	"github.com/basalt-db/basalt/txn"
	"github.com/basalt-db/basalt/wal"
)

const defaultStoreName = "default"

// File is one open basalt database file.
type File struct {
	mu     sync.RWMutex
	path   string
	cfg    basalt.Config
	bf     *blockfile.File
	cache  *cache.Cache
	log    *doclog.Log
	logger rlog.Logger

	headBid uint64
	hasHead bool
	head    *commit.Header
	catalog *commit.Catalog

	stores    map[string]*storeCore
	txns      *txn.Manager
	closed    bool
	scheduler *compaction.Scheduler // nil unless cfg.CompactionMode == CompactionAuto
}

// Open opens (creating if OpenCreate is set) the file at path,
// recovering the most recent valid commit header (§4.6).
func Open(path string, cfg basalt.Config) (*File, error) {
	cfg = cfg.WithDefaults()
	create := cfg.Flags&basalt.OpenCreate != 0
	bf, err := blockfile.Open(path, cfg.BlockSize, create, cfg.UseMmap)
	if err != nil {
		return nil, status.Wrap(status.OpenFail, err)
	}
	logger := rlog.New("component", "kvstore", "path", path)
	c := cache.New(cfg.BufferCacheSize/int(cfg.BlockSize)+1, func(bid uint64, data []byte) error {
		return bf.WriteBlock(bid, data)
	})
	log := doclog.Open(bf, c)

	f := &File{
		path: path, cfg: cfg, bf: bf, cache: c, log: log, logger: logger,
		stores: make(map[string]*storeCore),
		txns:   txn.New(),
	}
	if cfg.CompactionMode == basalt.CompactionAuto {
		f.scheduler = compaction.NewScheduler(cfg.CompactionThreshold, cfg.CompactorSleepTime)
	}

	head, headBid, ok, err := commit.Recover(bf, logger)
	if err != nil {
		bf.Close()
		return nil, status.Wrap(status.ReadFail, err)
	}
	f.hasHead, f.head, f.headBid = ok, head, headBid

	var catalogTrie *hbtrie.Trie
	if ok && head.HasCatalogRoot {
		catalogTrie = hbtrie.New(f.catalogTrieCfg(), head.CatalogRoot, true)
	} else {
		catalogTrie = hbtrie.New(f.catalogTrieCfg(), 0, false)
	}
	f.catalog = commit.OpenCatalog(log, catalogTrie)
	return f, nil
}

func (f *File) catalogTrieCfg() hbtrie.Config {
	log := f.log
	return hbtrie.Config{
		ChunkSize: f.cfg.ChunkSize,
		Cache:     f.cache,
		BlockFile: f.bf,
		KeyAt: func(offset uint64) ([]byte, error) {
			doc, err := log.Read(offset)
			if err != nil {
				return nil, err
			}
			return doc.Key, nil
		},
	}
}

func (f *File) storeTrieCfg(cmp bptree.Comparator) hbtrie.Config {
	cfg := f.catalogTrieCfg()
	cfg.Comparator = cmp
	return cfg
}

// seqTrieCfg is the by-seqnum index's config: fixed-width 8-byte keys
// (snapshot.SeqKey), so its KeyAt never needs to resolve a collision
// (two distinct seqnums never share a chunk prefix ambiguity the way
// variable-length keys can) but is wired for symmetry with storeTrieCfg.
func (f *File) seqTrieCfg() hbtrie.Config {
	return f.storeTrieCfg(nil)
}

// trieCfgFor builds a trie config over an arbitrary (cache, blockfile,
// doclog) triple — used during compaction, where the working set
// lives in the destination file rather than f's own.
func (f *File) trieCfgFor(c *cache.Cache, bf *blockfile.File, log *doclog.Log) hbtrie.Config {
	return hbtrie.Config{
		ChunkSize: f.cfg.ChunkSize,
		Cache:     c,
		BlockFile: bf,
		KeyAt: func(offset uint64) ([]byte, error) {
			doc, err := log.Read(offset)
			if err != nil {
				return nil, err
			}
			return doc.Key, nil
		},
	}
}

// Close seals the document log's partial block, fsyncs and closes the
// underlying file. It writes no commit header, so WAL entries not yet
// committed are not visible after a reopen.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return status.New(status.InvalidArgs)
	}
	if err := f.log.Flush(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	if err := f.bf.Fsync(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	f.closed = true
	return f.bf.Close()
}

// KVStore opens (creating if cfg.CreateIfMissing) the named store,
// or the default store if name is empty.
func (f *File) KVStore(name string, cfg basalt.KVConfig) (*KVStore, error) {
	if name == "" {
		name = defaultStoreName
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, status.New(status.InvalidArgs)
	}
	if core, ok := f.stores[name]; ok {
		return &KVStore{f: f, name: name, core: core}, nil
	}

	meta, exists, err := f.catalog.Get(name)
	if err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	if !exists {
		if !cfg.CreateIfMissing {
			return nil, status.New(status.NoDBInstance)
		}
		meta = commit.StoreMeta{}
	}

	core := &storeCore{
		name:    name,
		wal:     wal.New(),
		trie:    hbtrie.New(f.storeTrieCfg(cfg.Comparator), meta.Root, meta.HasRoot),
		seqTrie: hbtrie.New(f.seqTrieCfg(), meta.SeqRoot, meta.HasSeqRoot),
		seq:     meta.LastSeqnum,
		cmp:     cfg.Comparator,
	}
	f.stores[name] = core
	return &KVStore{f: f, name: name, core: core}, nil
}

// Commit persists any WAL-flushed-or-not state per mode, writes a new
// commit header chained to the previous one, and fsyncs (§4.6).
func (f *File) Commit(mode basalt.CommitMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return status.New(status.InvalidArgs)
	}
	f.txns.LockCommit()
	defer f.txns.UnlockCommit()

	for name, core := range f.stores {
		if err := core.maybeFlush(f, mode, f.cfg.WALThreshold); err != nil {
			return status.Wrap(status.WriteFail, err)
		}
		root, hasRoot := core.trie.Root()
		seqRoot, hasSeqRoot := core.seqTrie.Root()
		meta := commit.StoreMeta{
			HasRoot: hasRoot, Root: root,
			HasSeqRoot: hasSeqRoot, SeqRoot: seqRoot,
			LastSeqnum: core.seq,
		}
		if _, err := f.catalog.Put(name, meta); err != nil {
			return status.Wrap(status.WriteFail, err)
		}
	}
	if err := f.log.Flush(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}

	catRoot, hasCatRoot := f.catalog.Root()
	h := &commit.Header{
		Timestamp:      uint64(time.Now().Unix()),
		HasPrev:        f.hasHead,
		PrevBid:        f.headBid,
		HasCatalogRoot: hasCatRoot,
		CatalogRoot:    catRoot,
	}
	bid, err := commit.Write(f.bf, h)
	if err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	if err := f.bf.Fsync(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	f.head, f.headBid, f.hasHead = h, bid, true
	return nil
}

// GetAllSnapMarkers walks the full header chain once, grouping by
// commit header, reporting each store's last-seqnum at that header
// (EXPANSION item 3).
func GetAllSnapMarkers(f *File) ([]basalt.SnapMarkerGroup, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.hasHead {
		return nil, nil
	}
	var groups []basalt.SnapMarkerGroup
	err := commit.WalkChain(f.bf, f.headBid, f.head, func(h *commit.Header, bid uint64) bool {
		if !h.HasCatalogRoot {
			return true
		}
		cat := commit.OpenCatalog(f.log, hbtrie.New(f.catalogTrieCfg(), h.CatalogRoot, true))
		names, err := cat.List()
		if err != nil {
			return false
		}
		var markers []basalt.KVMarker
		var maxSeq uint64
		for _, name := range names {
			meta, ok, _ := cat.Get(name)
			if !ok {
				continue
			}
			markers = append(markers, basalt.KVMarker{StoreName: name, Seqnum: meta.LastSeqnum})
			if meta.LastSeqnum > maxSeq {
				maxSeq = meta.LastSeqnum
			}
		}
		groups = append(groups, basalt.SnapMarkerGroup{Seqnum: maxSeq, Markers: markers})
		return true
	})
	return groups, err
}

// SpaceUsage reports the file's current live/total byte counts: total
// is every block the append frontier has claimed; live is the summed
// on-disk record size (header + key + meta + compressed body) of every
// document still reachable from the current committed catalog, read
// back the same way Compact's by-seqnum rebuild walks a copied trie.
// This is the input Scheduler.Tick needs to recommend a compaction.
func (f *File) SpaceUsage() (live, total uint64, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0, 0, status.New(status.InvalidArgs)
	}
	total = f.bf.Frontier() * uint64(f.bf.BlockSize())

	names, err := f.catalog.List()
	if err != nil {
		return 0, 0, status.Wrap(status.ReadFail, err)
	}
	for _, name := range names {
		meta, ok, err := f.catalog.Get(name)
		if err != nil {
			return 0, 0, status.Wrap(status.ReadFail, err)
		}
		if !ok || !meta.HasRoot {
			continue
		}
		trie := hbtrie.New(f.storeTrieCfg(nil), meta.Root, true)
		cur, err := trie.Iterate(nil)
		if err != nil {
			return 0, 0, status.Wrap(status.ReadFail, err)
		}
		for cur.Valid() {
			n, err := f.log.RecordSize(cur.Offset())
			if err != nil {
				return 0, 0, status.Wrap(status.ReadFail, err)
			}
			live += n
			cur.Next()
		}
	}
	return live, total, nil
}

// MaybeAutoCompact ticks the CompactionAuto scheduler against the
// file's current space usage and, if it recommends compaction now,
// runs Compact into newPath. A File opened with CompactionManual (the
// default) has no scheduler and this is always a no-op — the embedder
// drives Compact directly instead. Matches compaction.Scheduler's own
// contract of being ticked on the caller's cadence rather than basalt
// ever spawning a timer itself (§4.10, EXPANSION item 5).
func (f *File) MaybeAutoCompact(now time.Time, newPath string) (bool, error) {
	f.mu.RLock()
	sched := f.scheduler
	f.mu.RUnlock()
	if sched == nil {
		return false, nil
	}
	live, total, err := f.SpaceUsage()
	if err != nil {
		return false, err
	}
	if !sched.Tick(now, live, total) {
		return false, nil
	}
	return true, f.Compact(newPath)
}

// Compact copies every KV store's live documents, as recorded in the
// current catalog, into a fresh file at newPath and swaps it in by
// renaming the new file over the old one (§4.10). It holds f's lock for
// the whole run, so other writes wait until it returns; no delta of
// concurrent writes is tracked or replayed. Entries still only in a
// store's WAL are not copied, and f is closed on return.
func (f *File) Compact(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return status.New(status.InvalidArgs)
	}

	dstBF, err := blockfile.Open(newPath, f.cfg.BlockSize, true, false)
	if err != nil {
		return status.Wrap(status.OpenFail, err)
	}
	dstCache := cache.New(f.cfg.BufferCacheSize/int(f.cfg.BlockSize)+1, func(bid uint64, data []byte) error {
		return dstBF.WriteBlock(bid, data)
	})
	dstLog := doclog.Open(dstBF, dstCache)
	dstCatalogTrie := hbtrie.New(f.trieCfgFor(dstCache, dstBF, dstLog), 0, false)
	dstCatalog := commit.OpenCatalog(dstLog, dstCatalogTrie)

	names, err := f.catalog.List()
	if err != nil {
		dstBF.Close()
		return status.Wrap(status.ReadFail, err)
	}
	comp := compaction.New(f.log, f.cache, dstLog, dstCache, f.cfg.ChunkSize, nil)
	for _, name := range names {
		meta, ok, err := f.catalog.Get(name)
		if err != nil || !ok {
			continue
		}
		res, err := comp.CopyStore(name, meta.Root, meta.HasRoot, meta.LastSeqnum, 0, false)
		if err != nil {
			dstBF.Close()
			return status.Wrap(status.WriteFail, err)
		}

		// Rebuild the by-seqnum index over the freshly copied by-key
		// trie: every live document's seqnum is read back off its new
		// offset and re-filed, since compaction assigns new offsets.
		seqTrie := hbtrie.New(f.trieCfgFor(dstCache, dstBF, dstLog), 0, false)
		if res.HasRoot {
			dstTrie := hbtrie.New(f.trieCfgFor(dstCache, dstBF, dstLog), res.NewRoot, true)
			cur, err := dstTrie.Iterate(nil)
			if err != nil {
				dstBF.Close()
				return status.Wrap(status.ReadFail, err)
			}
			for cur.Valid() {
				doc, err := dstLog.ReadMetaOnly(cur.Offset())
				if err != nil {
					dstBF.Close()
					return status.Wrap(status.ReadFail, err)
				}
				seqRoot, err := seqTrie.Insert(snapshot.SeqKey(doc.Seqnum), cur.Offset())
				if err != nil {
					dstBF.Close()
					return status.Wrap(status.WriteFail, err)
				}
				seqTrie = hbtrie.New(f.trieCfgFor(dstCache, dstBF, dstLog), seqRoot, true)
				cur.Next()
			}
		}
		seqRoot, hasSeqRoot := seqTrie.Root()

		meta = commit.StoreMeta{
			HasRoot: res.HasRoot, Root: res.NewRoot,
			HasSeqRoot: hasSeqRoot, SeqRoot: seqRoot,
			LastSeqnum: res.LastSeqnum,
		}
		if _, err := dstCatalog.Put(name, meta); err != nil {
			dstBF.Close()
			return status.Wrap(status.WriteFail, err)
		}
	}
	if err := dstLog.Flush(); err != nil {
		dstBF.Close()
		return status.Wrap(status.WriteFail, err)
	}
	catRoot, hasCatRoot := dstCatalog.Root()
	h := &commit.Header{Timestamp: uint64(time.Now().Unix()), HasCatalogRoot: hasCatRoot, CatalogRoot: catRoot}
	if _, err := commit.Write(dstBF, h); err != nil {
		dstBF.Close()
		return status.Wrap(status.WriteFail, err)
	}
	if err := dstBF.Fsync(); err != nil {
		dstBF.Close()
		return status.Wrap(status.WriteFail, err)
	}
	if err := dstBF.Close(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	if err := f.bf.Close(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	if err := blockfile.Rename(newPath, f.path); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	f.closed = true
	return nil
}

// Shutdown is a process-wide no-op hook matching §6's operations
// surface; basalt has no global state to release beyond each open
// File, which owns its own cleanup via Close.
func Shutdown() error { return nil }
