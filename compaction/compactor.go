// Package compaction implements online compaction (§4.10): copying
// every KV store's live documents from an old file into a new one,
// replaying the delta of commits made during the copy, and the pure
// auto-compaction threshold watcher (EXPANSION item 5).
//
// Grounded on core/state/pruner/pruner.go's copy-live-state-to-a-fresh-
// file shape (walk the live trie, rewrite every reachable node/value
// into a new backing store, never touching the original until the
// copy is verified complete) and on ethdb/relaydb/relaydb.go's
// primary/secondary read-through (adapted in relay.go).
package compaction

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/basalt-db/basalt/bptree"
	"github.com/basalt-db/basalt/cache"
	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
	"github.com/basalt-db/basalt/internal/rlog"
)

// StoreResult is one KV store's position in the freshly-written file.
type StoreResult struct {
	Name       string
	NewRoot    uint64
	HasRoot    bool
	LastSeqnum uint64
}

// Compactor copies one file's live documents into another.
type Compactor struct {
	srcLog, dstLog     *doclog.Log
	srcCache, dstCache *cache.Cache
	chunkSize          int
	comparator         bptree.Comparator
	logger             rlog.Logger
}

// New builds a Compactor. srcLog/srcCache back the file being
// compacted away from; dstLog/dstCache back the fresh file.
func New(srcLog *doclog.Log, srcCache *cache.Cache, dstLog *doclog.Log, dstCache *cache.Cache, chunkSize int, comparator bptree.Comparator) *Compactor {
	return &Compactor{
		srcLog: srcLog, srcCache: srcCache,
		dstLog: dstLog, dstCache: dstCache,
		chunkSize: chunkSize, comparator: comparator,
		logger: rlog.New("component", "compaction"),
	}
}

func (c *Compactor) trieOver(cache *cache.Cache, root uint64, hasRoot bool) *hbtrie.Trie {
	var log *doclog.Log
	if cache == c.srcCache {
		log = c.srcLog
	} else {
		log = c.dstLog
	}
	return hbtrie.New(hbtrie.Config{
		ChunkSize:  c.chunkSize,
		Cache:      cache,
		Comparator: c.comparator,
		KeyAt: func(offset uint64) ([]byte, error) {
			doc, err := log.Read(offset)
			if err != nil {
				return nil, err
			}
			return doc.Key, nil
		},
	}, root, hasRoot)
}

func digest(d *doclog.Document) [32]byte {
	h := sha3.New256()
	h.Write(d.Meta)
	h.Write(d.Body)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], d.Seqnum)
	h.Write(seq[:])
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// CopyStore copies every live (key -> doc) pair reachable from
// (srcRoot, hasSrcRoot) into the destination file, returning the new
// HB-trie root there. If resumeRoot/hasResumeRoot names a destination
// root from a prior, interrupted compaction attempt over the same
// store, already-copied keys whose content is unchanged are left
// alone rather than rewritten — a resumable compaction using a
// content digest (the sha3 row of SPEC_FULL.md's dependency table) instead
// of a full byte-for-byte record comparison.
func (c *Compactor) CopyStore(name string, srcRoot uint64, hasSrcRoot bool, lastSeqnum uint64, resumeRoot uint64, hasResumeRoot bool) (StoreResult, error) {
	srcTrie := c.trieOver(c.srcCache, srcRoot, hasSrcRoot)
	dstTrie := c.trieOver(c.dstCache, resumeRoot, hasResumeRoot)

	cur, err := srcTrie.Iterate(nil)
	if err != nil {
		return StoreResult{}, err
	}
	for cur.Valid() {
		offset := cur.Offset()
		srcDoc, err := c.srcLog.Read(offset)
		if err != nil {
			return StoreResult{}, err
		}
		key := srcDoc.Key

		skip := false
		if hasResumeRoot {
			if prevOffset, ok, ferr := dstTrie.Find(key); ferr == nil && ok {
				if prevDoc, rerr := c.dstLog.Read(prevOffset); rerr == nil && digest(prevDoc) == digest(srcDoc) {
					skip = true
					c.logger.Debug("resumable compaction: key unchanged, skipping rewrite", "key", string(key))
				}
			}
		}
		if !skip {
			newOffset, err := c.dstLog.Append(&doclog.Document{
				Key: key, Meta: srcDoc.Meta, Body: srcDoc.Body,
				Seqnum: srcDoc.Seqnum, Deleted: srcDoc.Deleted,
			})
			if err != nil {
				return StoreResult{}, err
			}
			if _, err := dstTrie.Insert(key, newOffset); err != nil {
				return StoreResult{}, err
			}
		}
		cur.Next()
	}
	if err := c.dstLog.Flush(); err != nil {
		return StoreResult{}, err
	}
	root, hasRoot := dstTrie.Root()
	return StoreResult{Name: name, NewRoot: root, HasRoot: hasRoot, LastSeqnum: lastSeqnum}, nil
}

// ApplyDelta replays writes committed to the source file after
// CopyStore's snapshot was taken (tracked externally, e.g. by seqnums
// issued after compaction start) into the already-copied destination
// trie, so the swap at the end of compaction loses nothing (§4.10
// "the compactor tracks a delta of commits made after its start
// seqnum and replays them into the new file at the end before the
// swap"). Each delta entry's offset refers to the SOURCE file.
func (c *Compactor) ApplyDelta(dstRoot uint64, hasDstRoot bool, deltaSrcOffsets map[string]uint64, deletedKeys map[string]bool) (uint64, error) {
	dstTrie := c.trieOver(c.dstCache, dstRoot, hasDstRoot)
	for key, srcOffset := range deltaSrcOffsets {
		srcDoc, err := c.srcLog.Read(srcOffset)
		if err != nil {
			return 0, err
		}
		newOffset, err := c.dstLog.Append(&doclog.Document{
			Key: []byte(key), Meta: srcDoc.Meta, Body: srcDoc.Body,
			Seqnum: srcDoc.Seqnum, Deleted: srcDoc.Deleted,
		})
		if err != nil {
			return 0, err
		}
		if _, err := dstTrie.Insert([]byte(key), newOffset); err != nil {
			return 0, err
		}
	}
	for key := range deletedKeys {
		if _, present := deltaSrcOffsets[key]; present {
			continue // a later write in the same delta window wins
		}
		if _, existed, err := dstTrie.Delete([]byte(key)); err != nil {
			return 0, err
		} else if existed {
			c.logger.Debug("delta replay: applied deletion", "key", key)
		}
	}
	if err := c.dstLog.Flush(); err != nil {
		return 0, err
	}
	root, _ := dstTrie.Root()
	return root, nil
}

// dstTrieReader adapts a destination hbtrie.Trie into a Relay Reader,
// reading the full document body back through dstLog.
type dstTrieReader struct {
	trie *hbtrie.Trie
	log  *doclog.Log
}

func (r *dstTrieReader) Get(key []byte) ([]byte, bool, error) {
	offset, ok, err := r.trie.Find(key)
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := r.log.Read(offset)
	if err != nil {
		return nil, false, err
	}
	return doc.Body, true, nil
}

// FinalValue resolves key's post-replay value by checking the delta
// overlay before falling back to the bulk-copied trie — the relay
// read-through pattern, used to verify swap-time coherence without
// re-deriving it from scratch.
func (c *Compactor) FinalValue(dstRoot uint64, hasDstRoot bool, deltaOverlay map[string][]byte, key []byte) ([]byte, bool, error) {
	relay := NewRelay(mapReader(deltaOverlay), &dstTrieReader{
		trie: c.trieOver(c.dstCache, dstRoot, hasDstRoot),
		log:  c.dstLog,
	})
	return relay.Get(key)
}
